package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeusync/distsync/internal/core/config"
	"github.com/zeusync/distsync/internal/injector"
)

func main() {
	configPath := flag.String("config", "", "path to the node YAML configuration (defaults apply when empty)")
	authoritative := flag.Bool("authoritative", false, "send the state of spawned objects, overriding node.authoritative")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error loading config:", err)
		os.Exit(2)
	}
	if *authoritative {
		cfg.Node.Authoritative = true
	}

	srv, err := injector.InitializeServer(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error building server:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = srv.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Server stopped with error:", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}
