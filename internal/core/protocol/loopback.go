package protocol

import (
	"math/rand/v2"
	"sync"
)

// LoopbackOptions simulates an imperfect channel for unreliable frames.
type LoopbackOptions struct {
	// UnreliableLoss is the probability an unreliable frame is dropped.
	UnreliableLoss float64
	// ReorderUnreliable shuffles unreliable frames queued within one Pump.
	ReorderUnreliable bool
	// Seed makes loss and reordering reproducible.
	Seed uint64
}

type pendingFrame struct {
	from, to Endpoint
	quality  DeliveryQuality
	frame    []byte
}

// LoopbackNetwork connects links living in one process. Frames are queued on
// send and delivered by Pump, which keeps tests deterministic.
type LoopbackNetwork struct {
	mu      sync.Mutex
	options LoopbackOptions
	random  *rand.Rand
	links   map[Endpoint]*LoopbackLink
	pending []pendingFrame
}

func NewLoopbackNetwork(options LoopbackOptions) *LoopbackNetwork {
	return &LoopbackNetwork{
		options: options,
		random:  rand.New(rand.NewPCG(options.Seed, options.Seed^0x9e3779b97f4a7c15)),
		links:   make(map[Endpoint]*LoopbackLink),
	}
}

// Join creates the link of endpoint. Frames for it are reported to handler.
func (n *LoopbackNetwork) Join(endpoint Endpoint, handler LinkHandler) *LoopbackLink {
	n.mu.Lock()
	defer n.mu.Unlock()

	link := &LoopbackLink{
		network:  n,
		endpoint: endpoint,
		handler:  handler,
		peers:    make(map[Endpoint]struct{}),
	}
	n.links[endpoint] = link
	return link
}

// Connect links a and b both ways and notifies both handlers.
func (n *LoopbackNetwork) Connect(a, b Endpoint) error {
	n.mu.Lock()
	linkA, okA := n.links[a]
	linkB, okB := n.links[b]
	if !okA || !okB {
		n.mu.Unlock()
		return ErrUnknownEndpoint
	}
	linkA.peers[b] = struct{}{}
	linkB.peers[a] = struct{}{}
	n.mu.Unlock()

	linkA.handler.PeerConnected(b)
	linkB.handler.PeerConnected(a)
	return nil
}

// Disconnect removes the link between a and b.
func (n *LoopbackNetwork) Disconnect(a, b Endpoint) {
	n.mu.Lock()
	linkA, okA := n.links[a]
	linkB, okB := n.links[b]
	if okA {
		delete(linkA.peers, b)
	}
	if okB {
		delete(linkB.peers, a)
	}
	n.mu.Unlock()

	if okA {
		linkA.handler.PeerDisconnected(b)
	}
	if okB {
		linkB.handler.PeerDisconnected(a)
	}
}

// Pump delivers every queued frame and returns how many arrived.
func (n *LoopbackNetwork) Pump() int {
	n.mu.Lock()
	frames := n.pending
	n.pending = nil

	delivered := make([]pendingFrame, 0, len(frames))
	var unreliable []int
	for _, f := range frames {
		if f.quality == Unreliable && n.options.UnreliableLoss > 0 && n.random.Float64() < n.options.UnreliableLoss {
			continue
		}
		if f.quality == Unreliable {
			unreliable = append(unreliable, len(delivered))
		}
		delivered = append(delivered, f)
	}
	if n.options.ReorderUnreliable {
		n.random.Shuffle(len(unreliable), func(i, j int) {
			a, b := unreliable[i], unreliable[j]
			delivered[a], delivered[b] = delivered[b], delivered[a]
		})
	}
	links := n.links
	n.mu.Unlock()

	count := 0
	for _, f := range delivered {
		if target, ok := links[f.to]; ok {
			target.handler.FrameReceived(f.from, f.frame)
			count++
		}
	}
	return count
}

func (n *LoopbackNetwork) queue(from, to Endpoint, quality DeliveryQuality, frame []byte) {
	copied := make([]byte, len(frame))
	copy(copied, frame)
	n.pending = append(n.pending, pendingFrame{from: from, to: to, quality: quality, frame: copied})
}

// LoopbackLink is one endpoint of a LoopbackNetwork.
type LoopbackLink struct {
	network  *LoopbackNetwork
	endpoint Endpoint
	handler  LinkHandler
	peers    map[Endpoint]struct{}
	closed   bool
}

var _ Link = (*LoopbackLink)(nil)

func (l *LoopbackLink) Endpoint() Endpoint { return l.endpoint }

func (l *LoopbackLink) Send(endpoint Endpoint, quality DeliveryQuality, frame []byte) error {
	l.network.mu.Lock()
	defer l.network.mu.Unlock()

	if l.closed {
		return ErrTransportClosed
	}
	if _, ok := l.peers[endpoint]; !ok {
		return ErrUnknownEndpoint
	}
	l.network.queue(l.endpoint, endpoint, quality, frame)
	return nil
}

func (l *LoopbackLink) Broadcast(quality DeliveryQuality, frame []byte) error {
	l.network.mu.Lock()
	defer l.network.mu.Unlock()

	if l.closed {
		return ErrTransportClosed
	}
	for peer := range l.peers {
		l.network.queue(l.endpoint, peer, quality, frame)
	}
	return nil
}

func (l *LoopbackLink) Peers() []Endpoint {
	l.network.mu.Lock()
	defer l.network.mu.Unlock()

	peers := make([]Endpoint, 0, len(l.peers))
	for peer := range l.peers {
		peers = append(peers, peer)
	}
	return peers
}

func (l *LoopbackLink) Close() error {
	l.network.mu.Lock()
	l.closed = true
	peers := make([]Endpoint, 0, len(l.peers))
	for peer := range l.peers {
		peers = append(peers, peer)
	}
	l.network.mu.Unlock()

	for _, peer := range peers {
		l.network.Disconnect(l.endpoint, peer)
	}
	return nil
}
