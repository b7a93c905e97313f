// Package websocket links replication peers over WebSocket. Every frame is a
// binary message; all delivery qualities share the TCP stream.
package websocket

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/distsync/internal/core/observability/log"
	"github.com/zeusync/distsync/internal/core/protocol"
)

// DefaultPath is where a listening link upgrades connections.
const DefaultPath = "/replication"

var _ protocol.Link = (*Link)(nil)

type Config struct {
	Path            string
	ReadBufferSize  int
	WriteBufferSize int
	WriteTimeout    time.Duration
	// PingInterval keeps idle connections alive. Zero disables pings.
	PingInterval time.Duration
	MaxFrameSize int64
}

func DefaultConfig() Config {
	return Config{
		Path:            DefaultPath,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		WriteTimeout:    10 * time.Second,
		PingInterval:    30 * time.Second,
		MaxFrameSize:    1024 * 1024,
	}
}

type Link struct {
	config   Config
	handler  protocol.LinkHandler
	logger   log.Log
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	group errgroup.Group

	mu       sync.RWMutex
	server   *http.Server
	listener net.Listener
	peers    map[protocol.Endpoint]*peer
	closed   bool
}

type peer struct {
	endpoint protocol.Endpoint
	conn     *websocket.Conn
	writeMu  sync.Mutex
}

// write serializes data writers. Control frames may be written concurrently.
func (p *peer) write(messageType int, data []byte, timeout time.Duration) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if timeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if err := p.conn.WriteMessage(messageType, data); err != nil {
		return errors.Wrap(err, "failed to write message")
	}
	return nil
}

func NewLink(config Config, handler protocol.LinkHandler, logger log.Log) *Link {
	if logger == nil {
		logger = log.Provide()
	}
	if config.Path == "" {
		config.Path = DefaultPath
	}
	return &Link{
		config:  config,
		handler: handler,
		logger:  logger.With(log.String("component", "websocket_link")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   config.ReadBufferSize,
			WriteBufferSize:  config.WriteBufferSize,
		},
		peers: make(map[protocol.Endpoint]*peer),
	}
}

// ServeHTTP upgrades the request and adds the connection as a peer.
func (l *Link) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if l.isClosed() {
		http.Error(w, protocol.ErrTransportClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("WebSocket upgrade failed", log.String("remote_addr", r.RemoteAddr), log.Error(err))
		return
	}
	if err = l.add(conn); err != nil {
		l.logger.Warn("Could not add WebSocket peer", log.Error(err))
	}
}

// Listen serves the upgrade path on addr until the link is closed.
func (l *Link) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return protocol.NewProtocolError(protocol.ErrorCodeListenFailed, "failed to listen", errors.Wrap(err, addr))
	}

	mux := http.NewServeMux()
	mux.Handle(l.config.Path, l)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = listener.Close()
		return protocol.ErrTransportClosed
	}
	l.server, l.listener = server, listener
	l.group.Go(func() error {
		if err := server.Serve(listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			l.logger.Error("WebSocket server stopped", log.Error(err))
		}
		return nil
	})
	l.mu.Unlock()

	l.logger.Info("WebSocket link listening", log.String("addr", listener.Addr().String()), log.String("path", l.config.Path))
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (l *Link) Addr() net.Addr {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Dial connects to url, a ws:// or wss:// address including the path.
func (l *Link) Dial(ctx context.Context, url string) (protocol.Endpoint, error) {
	if l.isClosed() {
		return "", protocol.ErrTransportClosed
	}
	conn, _, err := l.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return "", protocol.NewProtocolError(protocol.ErrorCodeDialFailed, "failed to dial", errors.Wrap(err, url))
	}
	endpoint := protocol.Endpoint(conn.RemoteAddr().String())
	if err = l.add(conn); err != nil {
		return "", err
	}
	return endpoint, nil
}

func (l *Link) Send(endpoint protocol.Endpoint, _ protocol.DeliveryQuality, frame []byte) error {
	l.mu.RLock()
	p, ok := l.peers[endpoint]
	closed := l.closed
	l.mu.RUnlock()

	if closed {
		return protocol.ErrTransportClosed
	}
	if !ok {
		return protocol.ErrUnknownEndpoint
	}
	return l.send(p, frame)
}

func (l *Link) Broadcast(_ protocol.DeliveryQuality, frame []byte) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return protocol.ErrTransportClosed
	}
	peers := make([]*peer, 0, len(l.peers))
	for _, p := range l.peers {
		peers = append(peers, p)
	}
	l.mu.RUnlock()

	var errs []error
	for _, p := range peers {
		if err := l.send(p, frame); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (l *Link) Peers() []protocol.Endpoint {
	l.mu.RLock()
	defer l.mu.RUnlock()

	endpoints := make([]protocol.Endpoint, 0, len(l.peers))
	for endpoint := range l.peers {
		endpoints = append(endpoints, endpoint)
	}
	return endpoints
}

// Close stops the server, says goodbye to every peer and waits for the readers.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	server := l.server
	peers := make([]*peer, 0, len(l.peers))
	for _, p := range l.peers {
		peers = append(peers, p)
	}
	l.mu.Unlock()

	l.logger.Info("Closing WebSocket link")

	var err error
	if server != nil {
		err = server.Close()
	}
	goodbye := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "link closed")
	for _, p := range peers {
		_ = p.conn.WriteControl(websocket.CloseMessage, goodbye, time.Now().Add(time.Second))
		_ = p.conn.Close()
	}
	_ = l.group.Wait()
	return err
}

func (l *Link) send(p *peer, frame []byte) error {
	if l.config.MaxFrameSize > 0 && int64(len(frame)) > l.config.MaxFrameSize {
		return protocol.NewProtocolError(protocol.ErrorCodeMessageTooLarge, "frame exceeds the maximum size", protocol.ErrMessageTooLarge).
			WithContext("size", len(frame))
	}
	return p.write(websocket.BinaryMessage, frame, l.config.WriteTimeout)
}

func (l *Link) add(conn *websocket.Conn) error {
	p := &peer{endpoint: protocol.Endpoint(conn.RemoteAddr().String()), conn: conn}
	if l.config.MaxFrameSize > 0 {
		conn.SetReadLimit(l.config.MaxFrameSize)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = conn.Close()
		return protocol.ErrTransportClosed
	}
	if old, ok := l.peers[p.endpoint]; ok {
		_ = old.conn.Close()
	}
	l.peers[p.endpoint] = p
	ready := make(chan struct{})
	l.group.Go(func() error {
		<-ready
		err := l.serve(p)
		_ = conn.Close()
		if !l.remove(p) {
			return nil
		}
		l.logger.Info("WebSocket peer disconnected", log.Endpoint(string(p.endpoint)), log.Error(err))
		l.handler.PeerDisconnected(p.endpoint)
		return nil
	})
	l.mu.Unlock()

	l.logger.Info("WebSocket peer connected", log.Endpoint(string(p.endpoint)))
	l.handler.PeerConnected(p.endpoint)
	close(ready)
	return nil
}

func (l *Link) serve(p *peer) error {
	group, ctx := errgroup.WithContext(context.Background())
	group.Go(func() error { return l.read(p) })
	if l.config.PingInterval > 0 {
		group.Go(func() error { return l.ping(ctx, p) })
	}
	return group.Wait()
}

func (l *Link) read(p *peer) error {
	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.logger.Warn("WebSocket closed unexpectedly", log.Endpoint(string(p.endpoint)), log.Error(err))
			}
			return errors.Wrap(err, "failed to read message")
		}
		if messageType != websocket.BinaryMessage {
			l.logger.Debug("Ignoring non-binary WebSocket message", log.Endpoint(string(p.endpoint)))
			continue
		}
		l.handler.FrameReceived(p.endpoint, data)
	}
}

func (l *Link) ping(ctx context.Context, p *peer) error {
	ticker := time.NewTicker(l.config.PingInterval)
	defer ticker.Stop()
	timeout := l.config.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	for {
		select {
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
				_ = p.conn.Close()
				return errors.Wrap(err, "failed to send ping")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *Link) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

// remove forgets p unless a newer connection of the same endpoint replaced it.
func (l *Link) remove(p *peer) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.peers[p.endpoint] != p {
		return false
	}
	delete(l.peers, p.endpoint)
	return true
}
