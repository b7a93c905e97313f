package protocol

import (
	"errors"
	"sync"
	"time"

	"github.com/zeusync/distsync/internal/core/observability/log"
	"github.com/zeusync/distsync/internal/core/observability/metrics"
)

var (
	_ Transport   = (*Manager)(nil)
	_ LinkHandler = (*Manager)(nil)
)

// ManagerConfig tunes inbound buffering.
type ManagerConfig struct {
	// AwaitingTimeout drops messages whose receiver did not register in time.
	AwaitingTimeout time.Duration
	// MaxAwaitingPerKey bounds the buffer of one unregistered key.
	MaxAwaitingPerKey int
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		AwaitingTimeout:   5 * time.Second,
		MaxAwaitingPerKey: 64,
	}
}

type inboundKind uint8

const (
	inboundFrame inboundKind = iota
	inboundConnected
	inboundDisconnected
)

type inboundEvent struct {
	kind     inboundKind
	endpoint Endpoint
	frame    []byte
	received time.Time
}

type awaitingMessage struct {
	sender   Endpoint
	message  *Message
	received time.Time
	size     int
}

// Manager routes replication messages between addressables and a Link.
// Links report frames from any goroutine; they are queued and handled by
// Dispatch on the update loop, so receivers never run concurrently.
type Manager struct {
	config  ManagerConfig
	logger  log.Log
	metrics *metrics.Replication
	clock   func() time.Time

	link Link

	inboxMu sync.Mutex
	inbox   []inboundEvent

	receivers     map[uint64]Addressable
	senders       []InitialMessagesSender
	awaiting      map[uint64][]awaitingMessage
	released      []uint64
	awaitingCount int
	lastSequenced map[uint64]time.Time
	peers         map[Endpoint]struct{}
	// offsets maps a sender's clock onto ours: the smallest arrival minus
	// stamp seen from that peer.
	offsets map[Endpoint]time.Duration
}

func NewManager(config ManagerConfig, logger log.Log, replication *metrics.Replication) *Manager {
	if logger == nil {
		logger = log.Provide()
	}
	return &Manager{
		config:        config,
		logger:        logger.With(log.String("component", "messages_manager")),
		metrics:       replication,
		clock:         time.Now,
		receivers:     make(map[uint64]Addressable),
		awaiting:      make(map[uint64][]awaitingMessage),
		lastSequenced: make(map[uint64]time.Time),
		peers:         make(map[Endpoint]struct{}),
		offsets:       make(map[Endpoint]time.Duration),
	}
}

// SetClock replaces the time source used for timestamps and awaiting expiry.
func (m *Manager) SetClock(clock func() time.Time) {
	m.clock = clock
}

// Attach connects the manager to the link it sends through.
func (m *Manager) Attach(link Link) {
	m.link = link
}

// RegisterSender adds a state source replayed to every newly connected peer, in registration order.
func (m *Manager) RegisterSender(sender InitialMessagesSender) {
	for _, s := range m.senders {
		if s == sender {
			return
		}
	}
	m.senders = append(m.senders, sender)
}

func (m *Manager) UnregisterSender(sender InitialMessagesSender) {
	for i, s := range m.senders {
		if s == sender {
			m.senders = append(m.senders[:i], m.senders[i+1:]...)
			return
		}
	}
}

// Register routes messages for addressable's key to it. Messages that arrived
// before registration are delivered on the next Dispatch. A key has one
// receiver per session; a second one is rejected.
func (m *Manager) Register(addressable Addressable) error {
	key := addressable.Key()
	if key == "" {
		return NewProtocolError(ErrorCodeEmptyAddressKey, "cannot register an empty address key", ErrEmptyAddressKey)
	}
	id := KeyID(key)
	if existing, ok := m.receivers[id]; ok {
		if existing == addressable {
			return nil
		}
		message := "address key already registered"
		if existing.Key() != key {
			message = "address key id collision"
		}
		return NewProtocolError(ErrorCodeAddressKeyCollision, message, ErrAddressKeyCollision).
			WithContext("key", key).
			WithContext("existing", existing.Key())
	}
	m.receivers[id] = addressable
	if len(m.awaiting[id]) > 0 {
		m.released = append(m.released, id)
	}
	return nil
}

func (m *Manager) Unregister(addressable Addressable) {
	id := KeyID(addressable.Key())
	if existing, ok := m.receivers[id]; ok && existing == addressable {
		delete(m.receivers, id)
		delete(m.lastSequenced, id)
	}
}

// IsRegistered reports whether key has a receiver.
func (m *Manager) IsRegistered(key string) bool {
	_, ok := m.receivers[KeyID(key)]
	return ok
}

func (m *Manager) Unicast(endpoint Endpoint, message *Message) error {
	if m.link == nil {
		return ErrTransportClosed
	}
	m.stamp(message)
	frame := encodeFrame(KeyID(message.AddressKey), message)
	defer releaseFrame(frame)

	if err := m.link.Send(endpoint, message.Quality, frame.Bytes()); err != nil {
		m.logger.Warn("Unicast failed", log.Key(message.AddressKey), log.Endpoint(string(endpoint)), log.Error(err))
		return err
	}
	m.metrics.Sent(message.Quality.String(), "unicast", frame.Count())
	return nil
}

func (m *Manager) Broadcast(message *Message) error {
	if m.link == nil {
		return ErrTransportClosed
	}
	m.stamp(message)
	frame := encodeFrame(KeyID(message.AddressKey), message)
	defer releaseFrame(frame)

	// Only peers the loop has seen connect: the others get the replay.
	var errs []error
	for endpoint := range m.peers {
		if err := m.link.Send(endpoint, message.Quality, frame.Bytes()); err != nil {
			errs = append(errs, err)
			continue
		}
		m.metrics.Sent(message.Quality.String(), "broadcast", frame.Count())
	}
	if err := errors.Join(errs...); err != nil {
		m.logger.Warn("Broadcast failed", log.Key(message.AddressKey), log.Error(err))
		return err
	}
	return nil
}

// Peers lists the endpoints known to the update loop.
func (m *Manager) Peers() []Endpoint {
	peers := make([]Endpoint, 0, len(m.peers))
	for endpoint := range m.peers {
		peers = append(peers, endpoint)
	}
	return peers
}

func (m *Manager) PeerConnected(endpoint Endpoint) {
	m.enqueue(inboundEvent{kind: inboundConnected, endpoint: endpoint})
}

func (m *Manager) PeerDisconnected(endpoint Endpoint) {
	m.enqueue(inboundEvent{kind: inboundDisconnected, endpoint: endpoint})
}

// FrameReceived copies frame, links may reuse their read buffers.
func (m *Manager) FrameReceived(endpoint Endpoint, frame []byte) {
	copied := make([]byte, len(frame))
	copy(copied, frame)
	m.enqueue(inboundEvent{kind: inboundFrame, endpoint: endpoint, frame: copied, received: m.clock()})
}

// Dispatch handles everything the links reported since the previous call.
// It must be called from the update loop.
func (m *Manager) Dispatch() {
	m.inboxMu.Lock()
	events := m.inbox
	m.inbox = nil
	m.inboxMu.Unlock()

	m.flushReleased()
	for _, event := range events {
		switch event.kind {
		case inboundConnected:
			m.peers[event.endpoint] = struct{}{}
			delete(m.offsets, event.endpoint)
			m.metrics.SetPeers(len(m.peers))
			m.logger.Info("Peer connected", log.Endpoint(string(event.endpoint)))
			for _, sender := range m.senders {
				sender.UnicastInitialMessages(event.endpoint)
			}
		case inboundDisconnected:
			delete(m.peers, event.endpoint)
			delete(m.offsets, event.endpoint)
			m.metrics.SetPeers(len(m.peers))
			m.logger.Info("Peer disconnected", log.Endpoint(string(event.endpoint)))
		case inboundFrame:
			m.handleFrame(event.endpoint, event.frame, event.received)
		}
		m.flushReleased()
	}
	m.expireAwaiting()
}

func (m *Manager) handleFrame(endpoint Endpoint, frame []byte, received time.Time) {
	id, message, err := decodeFrame(frame)
	if err != nil {
		m.metrics.ProtocolError("invalid_frame")
		m.logger.Error("Dropping invalid frame", log.Endpoint(string(endpoint)), log.Error(err))
		return
	}
	m.observeClock(endpoint, message.Timestamp, received)

	receiver, ok := m.receivers[id]
	if !ok {
		m.await(id, endpoint, message, len(frame))
		return
	}
	m.deliver(id, receiver, endpoint, message, len(frame))
}

// observeClock narrows the offset of endpoint's clock. Transit only adds to
// arrival minus stamp, so the smallest sample is the closest to the skew.
func (m *Manager) observeClock(endpoint Endpoint, stamp, received time.Time) {
	sample := received.Sub(stamp)
	if offset, ok := m.offsets[endpoint]; !ok || sample < offset {
		m.offsets[endpoint] = sample
	}
}

// ClockOffset reports what is added to endpoint's timestamps to put them on
// the local clock.
func (m *Manager) ClockOffset(endpoint Endpoint) (time.Duration, bool) {
	offset, ok := m.offsets[endpoint]
	return offset, ok
}

func (m *Manager) deliver(id uint64, receiver Addressable, endpoint Endpoint, message *Message, size int) {
	// Sequencing compares sender stamps; a narrowing offset must not reorder them.
	if message.Quality == ReliableSequenced {
		if last, ok := m.lastSequenced[id]; ok && message.Timestamp.Before(last) {
			return
		}
		m.lastSequenced[id] = message.Timestamp
	}
	message.Timestamp = message.Timestamp.Add(m.offsets[endpoint])
	message.AddressKey = receiver.Key()
	m.metrics.Received(message.Quality.String(), size)
	receiver.ReceiveMessage(RemotePeer(endpoint), message)
}

func (m *Manager) await(id uint64, endpoint Endpoint, message *Message, size int) {
	queue := m.awaiting[id]
	if m.config.MaxAwaitingPerKey > 0 && len(queue) >= m.config.MaxAwaitingPerKey {
		queue = queue[1:]
		m.awaitingCount--
	}
	m.awaiting[id] = append(queue, awaitingMessage{
		sender:   endpoint,
		message:  message,
		received: m.clock(),
		size:     size,
	})
	m.awaitingCount++
	m.metrics.SetAwaiting(m.awaitingCount)
}

func (m *Manager) flushReleased() {
	for len(m.released) > 0 {
		id := m.released[0]
		m.released = m.released[1:]

		queue := m.awaiting[id]
		delete(m.awaiting, id)
		m.awaitingCount -= len(queue)
		m.metrics.SetAwaiting(m.awaitingCount)

		for _, pending := range queue {
			receiver, ok := m.receivers[id]
			if !ok {
				break
			}
			m.deliver(id, receiver, pending.sender, pending.message, pending.size)
		}
	}
}

func (m *Manager) expireAwaiting() {
	if m.config.AwaitingTimeout <= 0 || m.awaitingCount == 0 {
		return
	}
	deadline := m.clock().Add(-m.config.AwaitingTimeout)
	for id, queue := range m.awaiting {
		kept := queue[:0]
		for _, pending := range queue {
			if pending.received.After(deadline) {
				kept = append(kept, pending)
			}
		}
		if dropped := len(queue) - len(kept); dropped > 0 {
			m.awaitingCount -= dropped
			m.logger.Debug("Dropped messages for unregistered key", log.Uint64("key_id", id), log.Int("count", dropped))
		}
		if len(kept) == 0 {
			delete(m.awaiting, id)
		} else {
			m.awaiting[id] = kept
		}
	}
	m.metrics.SetAwaiting(m.awaitingCount)
}

func (m *Manager) enqueue(event inboundEvent) {
	m.inboxMu.Lock()
	m.inbox = append(m.inbox, event)
	m.inboxMu.Unlock()
}

func (m *Manager) stamp(message *Message) {
	if message.Timestamp.IsZero() {
		message.Timestamp = m.clock()
	}
}
