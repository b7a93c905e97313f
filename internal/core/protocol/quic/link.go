// Package quic links replication peers over QUIC. Every connection carries an
// ordered stream, a sequenced stream and datagrams for unreliable frames.
package quic

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/distsync/internal/core/observability/log"
	"github.com/zeusync/distsync/internal/core/protocol"
)

var _ protocol.Link = (*Link)(nil)

// Config holds QUIC link settings.
type Config struct {
	// TLSConfig serves listeners and dialers. A self-signed one is generated when nil.
	TLSConfig *tls.Config

	MaxIdleTimeout       time.Duration
	KeepAlivePeriod      time.Duration
	HandshakeIdleTimeout time.Duration

	// MaxDatagramSize bounds unreliable frames sent as datagrams. Larger ones
	// travel on the sequenced stream.
	MaxDatagramSize int
	// MaxFrameSize bounds every frame on the streams.
	MaxFrameSize int
}

func DefaultConfig() Config {
	return Config{
		MaxIdleTimeout:       30 * time.Second,
		KeepAlivePeriod:      15 * time.Second,
		HandshakeIdleTimeout: 10 * time.Second,
		MaxDatagramSize:      1200,
		MaxFrameSize:         1024 * 1024,
	}
}

// Link is a protocol.Link over quic-go. It can listen and dial at the same
// time; peers are named by their remote address.
type Link struct {
	config  Config
	handler protocol.LinkHandler
	logger  log.Log

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu       sync.RWMutex
	listener *quic.Listener
	peers    map[protocol.Endpoint]*peer
	closed   bool
}

type peer struct {
	endpoint  protocol.Endpoint
	conn      *quic.Conn
	ordered   *stream
	sequenced *stream
}

type stream struct {
	mu     sync.Mutex
	stream *quic.Stream
}

func (s *stream) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFrame(s.stream, frame)
}

// NewLink creates a link reporting peers and frames to handler.
func NewLink(config Config, handler protocol.LinkHandler, logger log.Log) (*Link, error) {
	if logger == nil {
		logger = log.Provide()
	}
	if config.TLSConfig == nil {
		tlsConfig, err := SelfSignedTLS()
		if err != nil {
			return nil, err
		}
		config.TLSConfig = tlsConfig
	}
	defaults := DefaultConfig()
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = defaults.MaxFrameSize
	}
	if config.HandshakeIdleTimeout <= 0 {
		config.HandshakeIdleTimeout = defaults.HandshakeIdleTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		config:  config,
		handler: handler,
		logger:  logger.With(log.String("component", "quic_link")),
		ctx:     ctx,
		cancel:  cancel,
		peers:   make(map[protocol.Endpoint]*peer),
	}, nil
}

// Listen accepts peers on addr until the link is closed.
func (l *Link) Listen(addr string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return protocol.ErrTransportClosed
	}
	listener, err := quic.ListenAddr(addr, l.config.TLSConfig, l.quicConfig())
	if err != nil {
		return protocol.NewProtocolError(protocol.ErrorCodeListenFailed, "failed to listen", errors.Wrap(err, addr))
	}
	l.listener = listener
	l.logger.Info("QUIC link listening", log.String("addr", listener.Addr().String()))

	l.group.Go(func() error {
		l.acceptLoop(listener)
		return nil
	})
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

// Dial connects to a listening link and returns the endpoint naming it.
func (l *Link) Dial(ctx context.Context, addr string) (protocol.Endpoint, error) {
	if l.isClosed() {
		return "", protocol.ErrTransportClosed
	}

	tlsConfig := l.config.TLSConfig.Clone()
	if tlsConfig.ServerName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			tlsConfig.ServerName = host
		}
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, l.quicConfig())
	if err != nil {
		return "", protocol.NewProtocolError(protocol.ErrorCodeDialFailed, "failed to dial", errors.Wrap(err, addr))
	}

	p := &peer{endpoint: protocol.Endpoint(conn.RemoteAddr().String()), conn: conn}
	if p.ordered, err = openStream(ctx, conn, streamOrdered); err == nil {
		p.sequenced, err = openStream(ctx, conn, streamSequenced)
	}
	if err != nil {
		_ = conn.CloseWithError(0, "stream setup failed")
		return "", protocol.NewProtocolError(protocol.ErrorCodeDialFailed, "failed to open streams", err)
	}

	if err = l.add(p); err != nil {
		return "", err
	}
	return p.endpoint, nil
}

func (l *Link) Send(endpoint protocol.Endpoint, quality protocol.DeliveryQuality, frame []byte) error {
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
	return l.send(p, quality, frame)
}

func (l *Link) Broadcast(quality protocol.DeliveryQuality, frame []byte) error {
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
		if err := l.send(p, quality, frame); err != nil {
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

// Close stops listening, closes every connection and waits for the readers.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	listener := l.listener
	l.mu.Unlock()

	l.logger.Info("Closing QUIC link")
	l.cancel()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	_ = l.group.Wait()
	return err
}

func (l *Link) send(p *peer, quality protocol.DeliveryQuality, frame []byte) error {
	if len(frame) > l.config.MaxFrameSize {
		return protocol.NewProtocolError(protocol.ErrorCodeMessageTooLarge, "frame exceeds the maximum size", protocol.ErrMessageTooLarge).
			WithContext("size", len(frame))
	}

	switch quality {
	case protocol.Unreliable:
		if len(frame) <= l.config.MaxDatagramSize {
			err := p.conn.SendDatagram(frame)
			if err == nil {
				return nil
			}
			var tooLarge *quic.DatagramTooLargeError
			if !stderrors.As(err, &tooLarge) {
				return errors.Wrap(err, "failed to send datagram")
			}
		}
		return p.sequenced.write(frame)
	case protocol.ReliableSequenced:
		return p.sequenced.write(frame)
	default:
		return p.ordered.write(frame)
	}
}

func (l *Link) acceptLoop(listener *quic.Listener) {
	for {
		conn, err := listener.Accept(l.ctx)
		if err != nil {
			if !l.isClosed() {
				l.logger.Error("Failed to accept QUIC connection", log.Error(err))
			}
			return
		}
		l.group.Go(func() error {
			l.accept(conn)
			return nil
		})
	}
}

// accept waits for the dialer's two streams before announcing the peer.
func (l *Link) accept(conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(l.ctx, l.config.HandshakeIdleTimeout)
	defer cancel()

	p := &peer{endpoint: protocol.Endpoint(conn.RemoteAddr().String()), conn: conn}
	for p.ordered == nil || p.sequenced == nil {
		s, kind, err := acceptStream(ctx, conn)
		if err != nil {
			l.logger.Warn("Dropping QUIC connection without streams", log.Endpoint(string(p.endpoint)), log.Error(err))
			_ = conn.CloseWithError(0, "stream setup failed")
			return
		}
		switch kind {
		case streamOrdered:
			p.ordered = &stream{stream: s}
		case streamSequenced:
			p.sequenced = &stream{stream: s}
		default:
			l.logger.Warn("Dropping QUIC connection with an unknown stream", log.Endpoint(string(p.endpoint)), log.Uint8("kind", uint8(kind)))
			_ = conn.CloseWithError(1, "unknown stream kind")
			return
		}
	}

	if err := l.add(p); err != nil {
		l.logger.Warn("Could not add QUIC peer", log.Endpoint(string(p.endpoint)), log.Error(err))
	}
}

// add announces p and starts its readers. The peer is removed and reported
// disconnected once any reader stops.
func (l *Link) add(p *peer) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = p.conn.CloseWithError(0, "link closed")
		return protocol.ErrTransportClosed
	}
	if old, ok := l.peers[p.endpoint]; ok {
		_ = old.conn.CloseWithError(0, "replaced")
	}
	l.peers[p.endpoint] = p
	ready := make(chan struct{})
	l.group.Go(func() error {
		<-ready
		err := l.serve(p)
		if !l.remove(p) {
			return nil
		}
		l.logger.Info("QUIC peer disconnected", log.Endpoint(string(p.endpoint)), log.Error(err))
		l.handler.PeerDisconnected(p.endpoint)
		return nil
	})
	l.mu.Unlock()

	l.logger.Info("QUIC peer connected", log.Endpoint(string(p.endpoint)))
	l.handler.PeerConnected(p.endpoint)
	close(ready)
	return nil
}

func (l *Link) serve(p *peer) error {
	group, ctx := errgroup.WithContext(l.ctx)
	group.Go(func() error { return l.readStream(p, p.ordered.stream) })
	group.Go(func() error { return l.readStream(p, p.sequenced.stream) })
	group.Go(func() error { return l.readDatagrams(ctx, p) })
	group.Go(func() error {
		<-ctx.Done()
		return p.conn.CloseWithError(0, "closing")
	})
	return group.Wait()
}

func (l *Link) readStream(p *peer, s *quic.Stream) error {
	for {
		frame, err := readFrame(s, l.config.MaxFrameSize)
		if err != nil {
			return err
		}
		l.handler.FrameReceived(p.endpoint, frame)
	}
}

func (l *Link) readDatagrams(ctx context.Context, p *peer) error {
	for {
		frame, err := p.conn.ReceiveDatagram(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to receive datagram")
		}
		l.handler.FrameReceived(p.endpoint, frame)
	}
}

func (l *Link) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       l.config.MaxIdleTimeout,
		KeepAlivePeriod:      l.config.KeepAlivePeriod,
		HandshakeIdleTimeout: l.config.HandshakeIdleTimeout,
		EnableDatagrams:      true,
	}
}

func (l *Link) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

func openStream(ctx context.Context, conn *quic.Conn, kind streamKind) (*stream, error) {
	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s stream", kind)
	}
	if _, err = s.Write([]byte{byte(kind)}); err != nil {
		return nil, errors.Wrapf(err, "failed to announce %s stream", kind)
	}
	return &stream{stream: s}, nil
}

func acceptStream(ctx context.Context, conn *quic.Conn) (*quic.Stream, streamKind, error) {
	s, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to accept stream")
	}
	var kind [1]byte
	if _, err = io.ReadFull(s, kind[:]); err != nil {
		return nil, 0, errors.Wrap(err, "failed to read stream kind")
	}
	return s, streamKind(kind[0]), nil
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
