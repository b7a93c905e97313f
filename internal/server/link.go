package server

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/pkg/errors"

	"github.com/zeusync/distsync/internal/core/config"
	"github.com/zeusync/distsync/internal/core/distributed"
	"github.com/zeusync/distsync/internal/core/observability/log"
	"github.com/zeusync/distsync/internal/core/protocol"
	"github.com/zeusync/distsync/internal/core/protocol/quic"
	"github.com/zeusync/distsync/internal/core/protocol/websocket"
	"github.com/zeusync/distsync/internal/core/scene"
	"github.com/zeusync/distsync/pkg/concurrent"
)

const (
	dialTimeout     = 10 * time.Second
	dialConcurrency = 8

	// LocalEndpoint and MirrorEndpoint name the two replicas of a loopback node.
	LocalEndpoint  protocol.Endpoint = "local"
	MirrorEndpoint protocol.Endpoint = "mirror"
)

// Link is a transport the server opens before its first tick.
type Link interface {
	protocol.Link
	// Open listens and connects to the configured peers.
	Open(ctx context.Context) error
}

// pumper is a link that moves its frames on the update loop.
type pumper interface {
	Pump(now time.Time)
}

// NewLink builds the configured link and attaches it to manager. A loopback
// link hosts an in-process mirror replica built from prefabs.
func NewLink(cfg *config.Config, manager *protocol.Manager, prefabs []distributed.Prefab, logger log.Log) (Link, error) {
	switch cfg.Transport.Kind {
	case config.TransportQUIC:
		quicConfig := quic.DefaultConfig()
		quicConfig.MaxDatagramSize = cfg.Transport.MaxDatagramSize
		if cfg.Transport.CertFile != "" {
			tlsConfig, err := quic.LoadTLS(cfg.Transport.CertFile, cfg.Transport.KeyFile)
			if err != nil {
				return nil, err
			}
			quicConfig.TLSConfig = tlsConfig
		}
		link, err := quic.NewLink(quicConfig, manager, logger)
		if err != nil {
			return nil, err
		}
		manager.Attach(link)
		return &networkLink{
			Link:   link,
			dial:   link.Dial,
			listen: func() error { return link.Listen(cfg.Transport.Listen) },
			config: cfg.Transport,
			logger: logger,
		}, nil

	case config.TransportWebSocket:
		wsConfig := websocket.DefaultConfig()
		wsConfig.Path = cfg.Transport.Path
		link := websocket.NewLink(wsConfig, manager, logger)
		manager.Attach(link)
		return &networkLink{
			Link:   link,
			dial:   link.Dial,
			listen: func() error { return link.Listen(cfg.Transport.Listen) },
			config: cfg.Transport,
			logger: logger,
		}, nil

	case config.TransportLoopback:
		return newLoopbackLink(cfg, manager, prefabs, logger)

	default:
		return nil, protocol.NewProtocolError(protocol.ErrorCodeInvalidConfig, "unknown transport kind", protocol.ErrInvalidConfig).
			WithContext("field", "transport.kind")
	}
}

// networkLink opens a socket link: listen first, then dial every peer.
type networkLink struct {
	protocol.Link
	dial   func(ctx context.Context, addr string) (protocol.Endpoint, error)
	listen func() error
	config config.TransportConfig
	logger log.Log
}

func (l *networkLink) Open(ctx context.Context) error {
	if l.config.Listen != "" {
		if err := l.listen(); err != nil {
			return err
		}
	}
	if len(l.config.Peers) == 0 {
		return nil
	}

	endpoints, errs := concurrent.Collect(ctx, l.config.Peers, dialConcurrency,
		func(ctx context.Context, addr string) (protocol.Endpoint, error) {
			ctx, cancel := context.WithTimeout(ctx, dialTimeout)
			defer cancel()
			endpoint, err := l.dial(ctx, addr)
			if err != nil {
				l.logger.Warn("Could not reach peer", log.String("addr", addr), log.Error(err))
				return "", err
			}
			return endpoint, nil
		})
	l.logger.Info("Dialed peers", log.Int("connected", len(endpoints)), log.Int("failed", len(errs)))

	// A node that neither listens nor reached anyone has nothing to replicate with.
	if l.config.Listen == "" && len(endpoints) == 0 {
		return errors.Wrap(stderrors.Join(errs...), "no peer reachable")
	}
	return nil
}

// replica is a manager and root pair living in this process.
type replica struct {
	manager *protocol.Manager
	root    *distributed.Root
	scene   *scene.Node
}

// loopbackLink connects the node to an in-process mirror. The mirror takes
// the opposite authority, so one process shows both sides of replication.
type loopbackLink struct {
	*protocol.LoopbackLink
	network *protocol.LoopbackNetwork
	mirror  *replica
}

func newLoopbackLink(cfg *config.Config, manager *protocol.Manager, prefabs []distributed.Prefab, logger log.Log) (*loopbackLink, error) {
	network := protocol.NewLoopbackNetwork(protocol.LoopbackOptions{})
	local := network.Join(LocalEndpoint, manager)
	manager.Attach(local)

	mirrorLogger := logger.With(log.String("replica", string(MirrorEndpoint)))
	mirrorManager := protocol.NewManager(managerConfig(cfg), mirrorLogger, nil)
	mirrorManager.Attach(network.Join(MirrorEndpoint, mirrorManager))

	mirrorScene := scene.NewNode("Scene")
	mirrorRoot, err := distributed.NewRoot(mirrorScene, mirrorManager, distributed.RootConfig{
		AuthoritativeDistributionAsDefault: !cfg.Node.Authoritative,
		Prefabs:                            prefabs,
	}, mirrorLogger, nil)
	if err != nil {
		return nil, err
	}

	return &loopbackLink{
		LoopbackLink: local,
		network:      network,
		mirror:       &replica{manager: mirrorManager, root: mirrorRoot, scene: mirrorScene},
	}, nil
}

func (l *loopbackLink) Open(context.Context) error {
	return l.network.Connect(LocalEndpoint, MirrorEndpoint)
}

// Pump delivers what the node sent, runs one mirror tick and delivers the
// mirror's answers, which the node dispatches on its next tick.
func (l *loopbackLink) Pump(now time.Time) {
	l.network.Pump()
	l.mirror.manager.Dispatch()
	l.mirror.root.Tick(now)
	l.network.Pump()
}

func (l *loopbackLink) Close() error {
	l.mirror.root.Close()
	return l.LoopbackLink.Close()
}
