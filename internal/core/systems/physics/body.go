package physics

// CollisionDetectionMode mirrors the engine's continuous collision settings.
type CollisionDetectionMode uint8

const (
	CollisionDiscrete CollisionDetectionMode = iota
	CollisionContinuous
	CollisionContinuousDynamic
	CollisionContinuousSpeculative
)

type InterpolationMode uint8

const (
	InterpolationNone InterpolationMode = iota
	InterpolationInterpolate
	InterpolationExtrapolate
)

// Body is the engine-side rigid body a replication component reads from on the
// authority and writes into on a mirror. Positions are in world space.
type Body struct {
	Position        Vector3
	Rotation        Quaternion
	Velocity        Vector3
	AngularVelocity Vector3

	IsKinematic        bool
	CollisionDetection CollisionDetectionMode
	Interpolation      InterpolationMode

	asleep     bool
	moveTarget *Vector3
	turnTarget *Quaternion
}

func NewBody() *Body {
	return &Body{Rotation: Identity}
}

// IsSleeping reports whether the engine put the body to rest.
func (b *Body) IsSleeping() bool { return b.asleep }

func (b *Body) Sleep() {
	b.asleep = true
	b.Velocity = Zero
	b.AngularVelocity = Zero
}

func (b *Body) WakeUp() { b.asleep = false }

// MovePosition schedules a kinematic move resolved on the next Step.
func (b *Body) MovePosition(p Vector3) {
	b.moveTarget = &p
}

// MoveRotation schedules a kinematic rotation resolved on the next Step.
func (b *Body) MoveRotation(q Quaternion) {
	b.turnTarget = &q
}

// Step advances the body by dt seconds. Kinematic bodies jump to their move
// targets, dynamic bodies integrate their velocities.
func (b *Body) Step(dt float32) {
	if b.IsKinematic {
		if b.moveTarget != nil {
			b.Position = *b.moveTarget
			b.moveTarget = nil
		}
		if b.turnTarget != nil {
			b.Rotation = *b.turnTarget
			b.turnTarget = nil
		}
		return
	}
	if b.asleep {
		return
	}
	b.Position = b.Position.Add(b.Velocity.Scale(dt))
	if b.AngularVelocity != Zero {
		b.Rotation = b.Rotation.Mul(FromRotationVector(b.AngularVelocity.Scale(dt))).Normalized()
	}
}

// Collider is a collision shape attached to a scene node.
type Collider struct {
	Name      string
	IsTrigger bool
}
