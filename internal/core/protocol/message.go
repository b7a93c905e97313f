package protocol

import (
	"time"
)

// DeliveryQuality selects the guarantees a link applies to a message.
type DeliveryQuality uint8

const (
	// Unreliable messages may be lost, duplicated or reordered.
	Unreliable DeliveryQuality = iota
	// ReliableSequenced messages arrive eventually; older ones may be skipped.
	ReliableSequenced
	// ReliableOrdered messages all arrive in send order.
	ReliableOrdered
)

func (q DeliveryQuality) String() string {
	switch q {
	case Unreliable:
		return "unreliable"
	case ReliableSequenced:
		return "reliable_sequenced"
	case ReliableOrdered:
		return "reliable_ordered"
	default:
		return "unknown"
	}
}

// IsReliable reports whether the link must retransmit the message.
func (q DeliveryQuality) IsReliable() bool {
	return q == ReliableSequenced || q == ReliableOrdered
}

// Endpoint is a peer network address.
type Endpoint string

// Peer identifies the sender of an inbound message.
type Peer interface {
	Endpoint() Endpoint
}

// RemotePeer is the Peer implementation links hand to the manager.
type RemotePeer Endpoint

func (p RemotePeer) Endpoint() Endpoint { return Endpoint(p) }

// Message is the replication envelope. Content is written and read as a stack.
type Message struct {
	AddressKey string
	Content    *BytesStack
	Quality    DeliveryQuality
	Timestamp  time.Time
}

// NewMessage builds an empty message for addressKey.
func NewMessage(addressKey string, quality DeliveryQuality) *Message {
	return &Message{
		AddressKey: addressKey,
		Content:    NewBytesStack(),
		Quality:    quality,
	}
}

// Clone copies the message so the original content can be popped independently.
func (m *Message) Clone() *Message {
	clone := *m
	if m.Content != nil {
		clone.Content = m.Content.Clone()
	}
	return &clone
}
