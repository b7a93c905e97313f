// Package server runs a replication node: one link, one message manager and
// one root, driven by a fixed-rate update loop.
package server

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/distsync/internal/core/config"
	"github.com/zeusync/distsync/internal/core/distributed"
	"github.com/zeusync/distsync/internal/core/observability/log"
	"github.com/zeusync/distsync/internal/core/observability/metrics"
	"github.com/zeusync/distsync/internal/core/protocol"
	"github.com/zeusync/distsync/internal/core/scene"
)

// SpawnPath is where an authoritative node instantiates the configured prefabs.
const SpawnPath = "Spawned/"

// Server owns the update loop. Everything below the root runs on it; links
// only hand events to the manager.
type Server struct {
	config      *config.Config
	logger      log.Log
	replication *metrics.Replication
	manager     *protocol.Manager
	link        Link
	root        *distributed.Root
	metrics     *metrics.Server

	lastTick time.Time
}

// New assembles a server from its parts and applies the process-wide codec bounds.
func New(cfg *config.Config, logger log.Log, replication *metrics.Replication, manager *protocol.Manager, link Link, root *distributed.Root) *Server {
	protocol.SetPositionBounds(cfg.Replication.Bounds())

	s := &Server{
		config:      cfg,
		logger:      logger.With(log.String("component", "server")),
		replication: replication,
		manager:     manager,
		link:        link,
		root:        root,
	}
	if cfg.Metrics.Listen != "" {
		s.metrics = metrics.NewServer(cfg.Metrics.Listen, replication, logger)
	}
	return s
}

// ProvideLogger builds the process logger at the configured level and format.
func ProvideLogger(cfg *config.Config) log.Log {
	return log.NewFormatted(cfg.LogLevel(), cfg.LogFormat())
}

func ProvideReplication() *metrics.Replication {
	return metrics.NewReplication()
}

func ProvideManager(cfg *config.Config, logger log.Log, replication *metrics.Replication) *protocol.Manager {
	return protocol.NewManager(managerConfig(cfg), logger, replication)
}

// ProvideRoot builds the root of a fresh scene on manager.
func ProvideRoot(cfg *config.Config, manager *protocol.Manager, prefabs []distributed.Prefab, logger log.Log, replication *metrics.Replication) (*distributed.Root, error) {
	return distributed.NewRoot(scene.NewNode("Scene"), manager, distributed.RootConfig{
		AuthoritativeDistributionAsDefault: cfg.Node.Authoritative,
		Prefabs:                            prefabs,
	}, logger, replication)
}

func managerConfig(cfg *config.Config) protocol.ManagerConfig {
	managerConfig := protocol.DefaultManagerConfig()
	managerConfig.AwaitingTimeout = cfg.Replication.AwaitingTimeout
	return managerConfig
}

func (s *Server) Root() *distributed.Root { return s.root }

func (s *Server) Manager() *protocol.Manager { return s.manager }

// Run opens the link, spawns the demo objects and ticks until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		_ = s.link.Close()
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	if s.metrics != nil {
		group.Go(func() error { return s.metrics.Serve(ctx) })
	}
	group.Go(func() error { return s.loop(ctx) })

	err := group.Wait()
	s.shutdown()
	return err
}

func (s *Server) start(ctx context.Context) error {
	s.logger.Info("Starting replication node",
		log.String("transport", s.config.Transport.Kind),
		log.Bool("authoritative", s.config.Node.Authoritative),
		log.Int("prefabs", len(s.root.Prefabs())),
		log.Int("tick_rate", s.config.Replication.TickRate))

	if err := s.link.Open(ctx); err != nil {
		return err
	}
	// Take in the peers that connected while opening so the spawn reaches them.
	s.manager.Dispatch()
	if s.config.Node.Authoritative {
		return s.spawn()
	}
	return nil
}

// spawn instantiates one object of every prefab.
func (s *Server) spawn() error {
	for id, prefab := range s.root.Prefabs() {
		obj, err := s.root.InstantiateAndBroadcast(id, SpawnPath)
		if err != nil {
			return err
		}
		s.logger.Info("Spawned demo object", log.String("prefab", prefab.Name), log.Key(obj.Key()))
	}
	return nil
}

func (s *Server) loop(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Replication.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			s.Step(now)
		case <-ctx.Done():
			return nil
		}
	}
}

// Step runs one tick: inbound messages, demo motion, coroutines, then the
// loopback mirror when there is one.
func (s *Server) Step(now time.Time) {
	var dt float32
	if !s.lastTick.IsZero() {
		dt = float32(now.Sub(s.lastTick).Seconds())
	}
	s.lastTick = now

	s.manager.Dispatch()
	if err := moveAll(s.root.Node(), dt); err != nil {
		s.logger.Error("Demo motion failed", log.Error(err))
	}
	s.root.Tick(now)
	if p, ok := s.link.(pumper); ok {
		p.Pump(now)
	}
}

func (s *Server) shutdown() {
	s.logger.Info("Stopping replication node", log.Int("objects", len(s.root.Objects())))
	s.root.Close()
	if err := s.link.Close(); err != nil {
		s.logger.Warn("Link did not close cleanly", log.Error(err))
	}
}
