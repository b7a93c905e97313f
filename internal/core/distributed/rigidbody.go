package distributed

import (
	"time"

	"github.com/zeusync/distsync/internal/core/observability/log"
	"github.com/zeusync/distsync/internal/core/protocol"
	"github.com/zeusync/distsync/internal/core/scene"
	"github.com/zeusync/distsync/internal/core/systems/physics"
)

// SimulationType selects how a mirror moves a replicated body.
type SimulationType uint8

const (
	// ApplySnapshotsOnly places the body at every received snapshot.
	ApplySnapshotsOnly SimulationType = iota
	// ExtrapolateVelocities moves the body along the received velocities between snapshots.
	ExtrapolateVelocities
)

const (
	// DefaultExtrapolationLimit is how long after the newest snapshot a mirror keeps extrapolating.
	DefaultExtrapolationLimit = 300 * time.Millisecond

	sleepThreshold     float32 = 0.1
	maxVelocity        float32 = 200
	maxAngularVelocity float32 = 10
	velocityBytes              = 2
)

type bodySnapshot struct {
	Timestamp       time.Time
	LocalPosition   physics.Vector3
	Rotation        physics.Quaternion
	Velocity        physics.Vector3
	AngularVelocity physics.Vector3
}

// Rigidbody replicates a physics body. Positions on the wire are relative to
// the parent node position; parents are expected not to rotate.
type Rigidbody struct {
	*DistributedComponent

	Body                    *physics.Body
	SimulationType          SimulationType
	SnapshotsPerSecondLimit float32
	ExtrapolationLimit      time.Duration

	sleeping     bool
	lastSentTime time.Time

	newest, previous       bodySnapshot
	hasNewest, hasPrevious bool
	previouslyApplied      physics.Vector3

	authoritySetup *bodySetup
}

type bodySetup struct {
	kinematic     bool
	collision     physics.CollisionDetectionMode
	interpolation physics.InterpolationMode
}

// NewRigidbody replicates the body attached to node, attaching a new one if there is none.
func NewRigidbody(node *scene.Node, simulation SimulationType) *Rigidbody {
	body, ok := scene.ComponentOf[*physics.Body](node)
	if !ok {
		body = physics.NewBody()
		body.Position = node.WorldPosition()
		body.Rotation = node.WorldRotation()
		node.AddComponent(body)
	}
	r := &Rigidbody{
		Body:                    body,
		SimulationType:          simulation,
		SnapshotsPerSecondLimit: DefaultSnapshotsPerSecond,
		ExtrapolationLimit:      DefaultExtrapolationLimit,
	}
	r.DistributedComponent = NewDistributedComponent(node, r)
	return r
}

func (r *Rigidbody) ComponentKey() string { return "DistributedRigidbody" }

// IsSleeping reports whether the last snapshot sent announced a resting body.
func (r *Rigidbody) IsSleeping() bool { return r.sleeping }

func (r *Rigidbody) RequiredCoroutines() []Coroutine {
	if r.IsAuthoritative() {
		return []Coroutine{{Name: "rigidbody_snapshots", Task: r.updateSnapshots}}
	}
	if r.SimulationType == ExtrapolateVelocities {
		return []Coroutine{{Name: "rigidbody_extrapolation", Task: r.extrapolate}}
	}
	return nil
}

func (r *Rigidbody) OnInitialized() {
	if !r.IsAuthoritative() {
		r.setupMirror()
	}
}

func (r *Rigidbody) OnAuthorityChanged(authoritative bool) {
	if !authoritative {
		r.setupMirror()
		return
	}
	if r.authoritySetup != nil {
		r.Body.IsKinematic = r.authoritySetup.kinematic
		r.Body.CollisionDetection = r.authoritySetup.collision
		r.Body.Interpolation = r.authoritySetup.interpolation
		r.authoritySetup = nil
	}
	r.hasNewest, r.hasPrevious = false, false
	r.previouslyApplied = physics.Zero
}

// setupMirror hands the body over to the replicated state: it stops
// simulating and its colliders no longer push other bodies.
func (r *Rigidbody) setupMirror() {
	if r.authoritySetup == nil {
		r.authoritySetup = &bodySetup{
			kinematic:     r.Body.IsKinematic,
			collision:     r.Body.CollisionDetection,
			interpolation: r.Body.Interpolation,
		}
	}
	r.Body.IsKinematic = true
	r.Body.CollisionDetection = physics.CollisionContinuousSpeculative
	r.Body.Interpolation = physics.InterpolationNone
	for _, collider := range scene.ComponentsInChildren[*physics.Collider](r.node) {
		collider.IsTrigger = true
	}
}

// PushSnapshot pops as position, rotation and, when extrapolating, velocity
// then angular velocity.
func (r *Rigidbody) PushSnapshot(content *protocol.BytesStack) bool {
	local := r.Body.Position.Sub(r.parentPosition())
	if err := protocol.CheckPosition(local); err != nil {
		r.logger().Error("Could not push a rigidbody snapshot", log.Key(r.Key()), log.Error(err))
		return false
	}
	if r.SimulationType == ExtrapolateVelocities {
		content.PushCompressedVector3(r.Body.AngularVelocity, -maxAngularVelocity, maxAngularVelocity, velocityBytes)
		content.PushCompressedVector3(r.Body.Velocity, -maxVelocity, maxVelocity, velocityBytes)
	}
	content.PushCompressedRotation(r.Body.Rotation)
	if err := content.PushCompressedPosition(local); err != nil {
		return false
	}
	return true
}

// ApplySnapshot stores the snapshot for extrapolation. Reliable snapshots
// are key frames and move the node and the body at once.
func (r *Rigidbody) ApplySnapshot(message *protocol.Message) {
	if r.hasNewest && !message.Timestamp.After(r.newest.Timestamp) {
		r.staleDropped()
		return
	}
	snapshot := bodySnapshot{Timestamp: message.Timestamp}
	snapshot.LocalPosition = message.Content.PopDecompressedPosition()
	snapshot.Rotation = message.Content.PopDecompressedRotation()
	if r.SimulationType == ExtrapolateVelocities && message.Content.Count() > 0 {
		snapshot.Velocity = message.Content.PopDecompressedVector3(-maxVelocity, maxVelocity, velocityBytes)
		snapshot.AngularVelocity = message.Content.PopDecompressedVector3(-maxAngularVelocity, maxAngularVelocity, velocityBytes)
	}
	if err := message.Content.Err(); err != nil {
		r.protocolError("Dropping malformed rigidbody snapshot", err)
		return
	}

	r.previous, r.hasPrevious = r.newest, r.hasNewest
	r.newest, r.hasNewest = snapshot, true

	position := snapshot.LocalPosition.Add(r.parentPosition())
	if r.SimulationType == ApplySnapshotsOnly {
		r.Body.Position = position
		r.Body.Rotation = snapshot.Rotation
		r.syncNode()
	}
	if message.Quality != protocol.Unreliable {
		r.Body.Position = position
		r.Body.Rotation = snapshot.Rotation
		r.node.LocalPosition = snapshot.LocalPosition
		r.node.LocalRotation = snapshot.Rotation
	}
}

func (r *Rigidbody) updateSnapshots(now time.Time) bool {
	if r.SnapshotsPerSecondLimit > 0 &&
		now.Sub(r.lastSentTime) < time.Duration(float64(time.Second)/float64(r.SnapshotsPerSecondLimit)) {
		return true
	}
	if r.Body.IsSleeping() &&
		r.Body.Velocity.Magnitude() < sleepThreshold &&
		r.Body.AngularVelocity.Magnitude() < sleepThreshold {
		if r.sleeping {
			return true
		}
		r.BroadcastSnapshot(true)
		r.sleeping = true
	} else {
		r.sleeping = false
		r.BroadcastSnapshot(false)
	}
	r.lastSentTime = now
	return true
}

func (r *Rigidbody) extrapolate(now time.Time) bool {
	if !r.hasNewest {
		return true
	}
	parent := r.parentPosition()
	// A snapshot stamped ahead of the local clock is the current pose.
	sinceNewest := max(now.Sub(r.newest.Timestamp), 0)
	between := r.newest.Timestamp.Sub(r.previous.Timestamp)
	if !r.hasPrevious || sinceNewest > r.ExtrapolationLimit || between <= 0 {
		r.move(r.newest.LocalPosition.Add(parent), r.newest.Rotation)
		return true
	}

	dtNew := float32(sinceNewest.Seconds())
	dtBetween := float32(between.Seconds())
	t := (dtNew + dtBetween) / dtBetween

	angularVelocity := physics.SlerpUnclamped(r.previous.AngularVelocity, r.newest.AngularVelocity, t)
	rotation := r.newest.Rotation.Mul(physics.FromRotationVector(angularVelocity.Scale(dtNew))).Normalized()

	velocity := physics.LerpUnclamped(r.previous.Velocity, r.newest.Velocity, t)
	position := r.newest.LocalPosition
	// Reversing direction snaps to the newest snapshot instead of overshooting it.
	if velocity.Dot(r.previouslyApplied) > 0 {
		position = position.Add(velocity.Scale(dtNew))
	}
	r.previouslyApplied = velocity

	r.move(position.Add(parent), rotation)
	return true
}

func (r *Rigidbody) move(position physics.Vector3, rotation physics.Quaternion) {
	r.Body.MovePosition(position)
	r.Body.MoveRotation(rotation)
	r.Body.Step(0)
	r.syncNode()
}

func (r *Rigidbody) syncNode() {
	r.node.LocalPosition = r.Body.Position.Sub(r.parentPosition())
	r.node.LocalRotation = r.Body.Rotation
}

func (r *Rigidbody) parentPosition() physics.Vector3 {
	if parent := r.node.Parent(); parent != nil {
		return parent.WorldPosition()
	}
	return physics.Zero
}
