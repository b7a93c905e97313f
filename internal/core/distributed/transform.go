package distributed

import (
	"time"

	"github.com/zeusync/distsync/internal/core/observability/log"
	"github.com/zeusync/distsync/internal/core/protocol"
	"github.com/zeusync/distsync/internal/core/scene"
	"github.com/zeusync/distsync/internal/core/systems/physics"
)

const (
	// DefaultSnapshotsPerSecond limits how often a moving object is sent.
	DefaultSnapshotsPerSecond = 60

	transformPrecision float32 = 0.001
)

type pose struct {
	Position physics.Vector3
	Rotation physics.Quaternion
	Scale    physics.Vector3
}

// Transform replicates the local pose of its node.
type Transform struct {
	*DistributedComponent

	// SnapshotsPerSecondLimit caps unreliable snapshots sent while moving.
	SnapshotsPerSecondLimit float32

	lastSent     pose
	lastSentTime time.Time
	lastApplied  time.Time
}

func NewTransform(node *scene.Node) *Transform {
	t := &Transform{SnapshotsPerSecondLimit: DefaultSnapshotsPerSecond}
	t.DistributedComponent = NewDistributedComponent(node, t)
	return t
}

func (t *Transform) ComponentKey() string { return "DistributedTransform" }

func (t *Transform) RequiredCoroutines() []Coroutine {
	return []Coroutine{{Name: "transform_snapshots", Task: t.updateSnapshots}}
}

// PushSnapshot pops as position, rotation, scale.
func (t *Transform) PushSnapshot(content *protocol.BytesStack) bool {
	current := t.current()
	if err := protocol.CheckPosition(current.Position); err != nil {
		t.logger().Error("Could not push a transform snapshot", log.Key(t.Key()), log.Error(err))
		return false
	}
	content.PushUncompressedVector3(current.Scale)
	content.PushCompressedRotation(current.Rotation)
	if err := content.PushCompressedPosition(current.Position); err != nil {
		return false
	}
	t.lastSent = current
	return true
}

// ApplySnapshot assigns the received pose unless a newer one was applied already.
func (t *Transform) ApplySnapshot(message *protocol.Message) {
	if !message.Timestamp.After(t.lastApplied) {
		t.staleDropped()
		return
	}
	position := message.Content.PopDecompressedPosition()
	rotation := message.Content.PopDecompressedRotation()
	scale := message.Content.PopUncompressedVector3()
	if err := message.Content.Err(); err != nil {
		t.protocolError("Dropping malformed transform snapshot", err)
		return
	}
	t.lastApplied = message.Timestamp
	t.node.LocalPosition = position
	t.node.LocalRotation = rotation
	t.node.LocalScale = scale
}

func (t *Transform) updateSnapshots(now time.Time) bool {
	if !t.IsAuthoritative() {
		return true
	}
	if t.SnapshotsPerSecondLimit > 0 &&
		now.Sub(t.lastSentTime) < time.Duration(float64(time.Second)/float64(t.SnapshotsPerSecondLimit)) {
		return true
	}
	if !t.changedSinceLastSent() {
		return true
	}
	t.BroadcastSnapshot(false)
	t.lastSentTime = now
	return true
}

func (t *Transform) changedSinceLastSent() bool {
	current := t.current()
	return !current.Position.ApproximatelyEqual(t.lastSent.Position, transformPrecision) ||
		!current.Rotation.ApproximatelyEqual(t.lastSent.Rotation, transformPrecision) ||
		!current.Scale.ApproximatelyEqual(t.lastSent.Scale, physics.Epsilon)
}

func (t *Transform) current() pose {
	return pose{
		Position: t.node.LocalPosition,
		Rotation: t.node.LocalRotation,
		Scale:    t.node.LocalScale,
	}
}
