package protocol

// Addressable receives the messages routed to its key.
type Addressable interface {
	Key() string
	ReceiveMessage(sender Peer, message *Message)
}

// InitialMessagesSender replays current state to a peer that just connected.
type InitialMessagesSender interface {
	UnicastInitialMessages(endpoint Endpoint)
}

// Transport is what the replication layer sends through.
type Transport interface {
	Register(addressable Addressable) error
	Unregister(addressable Addressable)
	Unicast(endpoint Endpoint, message *Message) error
	Broadcast(message *Message) error
}

// Link moves encoded frames between peers. Implementations may deliver frames
// from their own goroutines; the handler they were started with is safe for that.
type Link interface {
	Send(endpoint Endpoint, quality DeliveryQuality, frame []byte) error
	Broadcast(quality DeliveryQuality, frame []byte) error
	Peers() []Endpoint
	Close() error
}

// LinkHandler is notified by a Link about peers and inbound frames.
type LinkHandler interface {
	PeerConnected(endpoint Endpoint)
	PeerDisconnected(endpoint Endpoint)
	FrameReceived(endpoint Endpoint, frame []byte)
}
