package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zeusync/distsync/internal/core/observability/log"
)

// Server exposes a Replication registry over HTTP.
type Server struct {
	addr   string
	server *http.Server
	logger log.Log
}

func NewServer(addr string, replication *Replication, logger log.Log) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(replication.Registry(), promhttp.HandlerOpts{}))

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With(log.String("component", "metrics")),
	}
}

// Handler serves /metrics.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Serve blocks until ctx is done or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.logger.Info("Metrics endpoint listening", log.String("addr", listener.Addr().String()))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err = s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
