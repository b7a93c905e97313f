package physics

import "math"

// Quaternion is a unit rotation with components indexed x=0, y=1, z=2, w=3.
type Quaternion struct {
	X, Y, Z, W float32
}

var Identity = Quaternion{W: 1}

func Quat(x, y, z, w float32) Quaternion { return Quaternion{X: x, Y: y, Z: z, W: w} }

// FromAxisAngle builds a rotation of angle radians around axis.
func FromAxisAngle(axis Vector3, angle float32) Quaternion {
	n := axis.Normalized()
	if n == Zero {
		return Identity
	}
	half := float64(angle) / 2
	s := float32(math.Sin(half))
	return Quaternion{X: n.X * s, Y: n.Y * s, Z: n.Z * s, W: float32(math.Cos(half))}
}

// FromRotationVector interprets v as axis times angle in radians.
func FromRotationVector(v Vector3) Quaternion {
	return FromAxisAngle(v, v.Magnitude())
}

func (q Quaternion) At(i int) float32 {
	switch i {
	case 0:
		return q.X
	case 1:
		return q.Y
	case 2:
		return q.Z
	default:
		return q.W
	}
}

// Mul composes q then o, so the result applies o first in local space.
func (q Quaternion) Mul(o Quaternion) Quaternion {
	return Quaternion{
		X: q.W*o.X + q.X*o.W + q.Y*o.Z - q.Z*o.Y,
		Y: q.W*o.Y + q.Y*o.W + q.Z*o.X - q.X*o.Z,
		Z: q.W*o.Z + q.Z*o.W + q.X*o.Y - q.Y*o.X,
		W: q.W*o.W - q.X*o.X - q.Y*o.Y - q.Z*o.Z,
	}
}

func (q Quaternion) Dot(o Quaternion) float32 {
	return q.X*o.X + q.Y*o.Y + q.Z*o.Z + q.W*o.W
}

func (q Quaternion) Normalized() Quaternion {
	m := float32(math.Sqrt(float64(q.Dot(q))))
	if m < Epsilon {
		return Identity
	}
	return Quaternion{q.X / m, q.Y / m, q.Z / m, q.W / m}
}

// Rotate applies q to v.
func (q Quaternion) Rotate(v Vector3) Vector3 {
	u := Vector3{q.X, q.Y, q.Z}
	t := u.Cross(v).Scale(2)
	return v.Add(t.Scale(q.W)).Add(u.Cross(t))
}

// ApproximatelyEqual compares every component within precision.
func (q Quaternion) ApproximatelyEqual(o Quaternion, precision float32) bool {
	return abs(q.X-o.X) <= precision && abs(q.Y-o.Y) <= precision &&
		abs(q.Z-o.Z) <= precision && abs(q.W-o.W) <= precision
}

// SameRotation treats q and -q as equal.
func (q Quaternion) SameRotation(o Quaternion, precision float32) bool {
	return q.ApproximatelyEqual(o, precision) ||
		q.ApproximatelyEqual(Quaternion{-o.X, -o.Y, -o.Z, -o.W}, precision)
}
