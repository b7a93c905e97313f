package physics

import "math"

// Epsilon is the smallest difference two replicated floats may have and still count as changed.
const Epsilon float32 = 1e-5

// Vector3 is a float32 vector matching the precision carried on the wire.
type Vector3 struct {
	X, Y, Z float32
}

var (
	Zero = Vector3{}
	One  = Vector3{X: 1, Y: 1, Z: 1}
)

func Vec3(x, y, z float32) Vector3 { return Vector3{X: x, Y: y, Z: z} }

func (v Vector3) Add(o Vector3) Vector3 { return Vector3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vector3) Sub(o Vector3) Vector3 { return Vector3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vector3) Scale(s float32) Vector3 {
	return Vector3{v.X * s, v.Y * s, v.Z * s}
}
func (v Vector3) Dot(o Vector3) float32 { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }
func (v Vector3) Cross(o Vector3) Vector3 {
	return Vector3{
		X: v.Y*o.Z - v.Z*o.Y,
		Y: v.Z*o.X - v.X*o.Z,
		Z: v.X*o.Y - v.Y*o.X,
	}
}

func (v Vector3) Magnitude() float32 {
	return float32(math.Sqrt(float64(v.Dot(v))))
}

func (v Vector3) Normalized() Vector3 {
	m := v.Magnitude()
	if m < Epsilon {
		return Zero
	}
	return v.Scale(1 / m)
}

// At returns the component by index x=0, y=1, z=2.
func (v Vector3) At(i int) float32 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

// ApproximatelyEqual compares every component within precision.
func (v Vector3) ApproximatelyEqual(o Vector3, precision float32) bool {
	return abs(v.X-o.X) <= precision && abs(v.Y-o.Y) <= precision && abs(v.Z-o.Z) <= precision
}

// LerpUnclamped interpolates a to b at t, extrapolating beyond [0, 1].
func LerpUnclamped(a, b Vector3, t float32) Vector3 {
	return a.Add(b.Sub(a).Scale(t))
}

// SlerpUnclamped rotates the direction of a towards b by t of the angle between
// them while lerping the magnitude. Degenerate inputs fall back to LerpUnclamped.
func SlerpUnclamped(a, b Vector3, t float32) Vector3 {
	magA, magB := a.Magnitude(), b.Magnitude()
	if magA < Epsilon || magB < Epsilon {
		return LerpUnclamped(a, b, t)
	}
	dirA, dirB := a.Scale(1/magA), b.Scale(1/magB)
	cos := clamp(dirA.Dot(dirB), -1, 1)
	angle := float32(math.Acos(float64(cos)))
	axis := dirA.Cross(dirB)
	if axis.Magnitude() < Epsilon {
		return LerpUnclamped(a, b, t)
	}
	direction := FromAxisAngle(axis, angle*t).Rotate(dirA)
	return direction.Scale(magA + (magB-magA)*t)
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
