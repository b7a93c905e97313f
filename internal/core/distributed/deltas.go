package distributed

import (
	"github.com/zeusync/distsync/internal/core/protocol"
	"github.com/zeusync/distsync/internal/core/scene"
)

// DeltaHooks extends Hooks for synchronizers that also send partial updates.
type DeltaHooks interface {
	Hooks
	ApplyDelta(message *protocol.Message)
}

// DeltaComponent is a DistributedComponent whose messages are tagged as
// either a full snapshot or a delta.
type DeltaComponent struct {
	*DistributedComponent
	deltas DeltaHooks
}

func NewDeltaComponent(node *scene.Node, hooks DeltaHooks) *DeltaComponent {
	d := &DeltaComponent{
		DistributedComponent: NewDistributedComponent(node, hooks),
		deltas:               hooks,
	}
	d.parseMessage = d.parseTagged
	d.wrapSnapshot = func(message *protocol.Message) { message.Content.PushByte(Snapshot) }
	return d
}

// GetEmptyDeltaMessage returns a message addressed to the component with no tag yet.
func (d *DeltaComponent) GetEmptyDeltaMessage() *protocol.Message {
	return protocol.NewMessage(d.Key(), protocol.ReliableSequenced)
}

// BroadcastDelta tags message as a delta and sends it with quality.
func (d *DeltaComponent) BroadcastDelta(message *protocol.Message, quality protocol.DeliveryQuality) {
	message.Quality = quality
	message.Content.PushByte(Delta)
	d.BroadcastMessage(message)
}

func (d *DeltaComponent) UnicastDelta(endpoint protocol.Endpoint, message *protocol.Message, quality protocol.DeliveryQuality) {
	message.Quality = quality
	message.Content.PushByte(Delta)
	d.UnicastMessage(endpoint, message)
}

func (d *DeltaComponent) parseTagged(message *protocol.Message) {
	kind := message.Content.PopByte()
	if err := message.Content.Err(); err != nil {
		d.protocolError("Dropping untagged message", err)
		return
	}
	switch kind {
	case Snapshot:
		d.deltas.ApplySnapshot(message)
	case Delta:
		d.deltas.ApplyDelta(message)
	default:
		d.protocolError("Dropping message of unknown kind",
			protocol.NewProtocolError(protocol.ErrorCodeUnknownCommand, "unknown message kind", protocol.ErrUnknownCommand).
				WithContext("kind", kind))
	}
}
