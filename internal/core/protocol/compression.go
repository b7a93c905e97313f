package protocol

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/zeusync/distsync/internal/core/systems/physics"
)

const (
	defaultBytesForCompressedFloat = 2

	// PositionPrecision is the smallest position step the codec preserves.
	PositionPrecision float32 = 0.001

	// RotationPrecision is the quantization step of one smallest-three component.
	RotationPrecision float32 = 2.0 / (1 << (defaultBytesForCompressedFloat * 8))
)

// Bounds is an axis-aligned box used to quantize positions.
type Bounds struct {
	Center physics.Vector3
	Size   physics.Vector3
}

func (b Bounds) Min() physics.Vector3 { return b.Center.Sub(b.Size.Scale(0.5)) }
func (b Bounds) Max() physics.Vector3 { return b.Center.Add(b.Size.Scale(0.5)) }

// DefaultPositionBounds covers a 4096 unit cube around the origin.
var DefaultPositionBounds = Bounds{Size: physics.Vec3(4096, 4096, 4096)}

type positionCodec struct {
	bounds        Bounds
	min, max      physics.Vector3
	requiredBytes [3]int
}

func newPositionCodec(bounds Bounds) *positionCodec {
	codec := &positionCodec{bounds: bounds, min: bounds.Min(), max: bounds.Max()}
	for axis := 0; axis < 3; axis++ {
		steps := math.Ceil(float64((codec.max.At(axis) - codec.min.At(axis)) / PositionPrecision))
		codec.requiredBytes[axis] = RequiredBytes(int(steps))
	}
	return codec
}

var activePositionCodec atomic.Pointer[positionCodec]

func init() {
	activePositionCodec.Store(newPositionCodec(DefaultPositionBounds))
}

// SetPositionBounds changes the box every peer must share to decode positions.
func SetPositionBounds(bounds Bounds) {
	activePositionCodec.Store(newPositionCodec(bounds))
}

func PositionBounds() Bounds {
	return activePositionCodec.Load().bounds
}

// PositionRequiredBytes is the wire size of one compressed position.
func PositionRequiredBytes() int {
	codec := activePositionCodec.Load()
	return codec.requiredBytes[0] + codec.requiredBytes[1] + codec.requiredBytes[2]
}

// CompressFloat quantizes value in [minValue, maxValue] into bytesCount bytes.
// Four byte values use the whole signed range.
func CompressFloat(value, minValue, maxValue float32, bytesCount int) int {
	t := float64((value - minValue) / (maxValue - minValue))
	if bytesCount == 4 {
		if t < 0.5 {
			intValue := math.Round((0.5 - t) * 2 * math.MinInt32)
			return int(max(intValue, math.MinInt32))
		}
		intValue := math.Round((t - 0.5) * 2 * math.MaxInt32)
		return int(min(intValue, math.MaxInt32))
	}
	maxIntValue := (1 << (8 * bytesCount)) - 1
	intValue := int(math.Round(float64(maxIntValue) * t))
	return min(max(intValue, 0), maxIntValue)
}

// DecompressFloat reverses CompressFloat.
func DecompressFloat(value int, minValue, maxValue float32, bytesCount int) float32 {
	span := float64(maxValue - minValue)
	if bytesCount == 4 {
		if value < 0 {
			return float32((0.5-float64(value)/math.MinInt32/2)*span) + minValue
		}
		return float32((0.5+float64(value)/math.MaxInt32/2)*span) + minValue
	}
	maxIntValue := (1 << (8 * bytesCount)) - 1
	return float32(float64(value)/float64(maxIntValue)*span) + minValue
}

// CheckPosition validates that position can be compressed with the active bounds.
func CheckPosition(position physics.Vector3) error {
	codec := activePositionCodec.Load()
	for axis := 0; axis < 3; axis++ {
		v := position.At(axis)
		if v < codec.min.At(axis)-PositionPrecision || v > codec.max.At(axis)+PositionPrecision {
			return NewProtocolError(ErrorCodeValueOutOfBounds,
				fmt.Sprintf("position axis %d value %v exceeds bounds <%v,%v>", axis, v, codec.min.At(axis), codec.max.At(axis)),
				ErrValueOutOfBounds)
		}
	}
	return nil
}

// PushCompressedPosition pushes z, y, x so they pop as x, y, z. Values within
// one precision step outside the bounds are snapped to them.
func (s *BytesStack) PushCompressedPosition(position physics.Vector3) error {
	if err := CheckPosition(position); err != nil {
		return err
	}
	codec := activePositionCodec.Load()
	for axis := 2; axis >= 0; axis-- {
		lo, hi := codec.min.At(axis), codec.max.At(axis)
		v := min(max(position.At(axis), lo), hi)
		s.PushInt(CompressFloat(v, lo, hi, codec.requiredBytes[axis]), codec.requiredBytes[axis])
	}
	return nil
}

func (s *BytesStack) PopDecompressedPosition() physics.Vector3 {
	codec := activePositionCodec.Load()
	var result [3]float32
	for axis := 0; axis < 3; axis++ {
		bytesCount := codec.requiredBytes[axis]
		result[axis] = DecompressFloat(s.PopInt(bytesCount), codec.min.At(axis), codec.max.At(axis), bytesCount)
	}
	return physics.Vec3(result[0], result[1], result[2])
}

// PushCompressedRotation uses the smallest-three encoding: the largest
// component is dropped and rebuilt from the unit norm on decode.
func (s *BytesStack) PushCompressedRotation(rotation physics.Quaternion) {
	maxIndex := 0
	maxValue := float32(-1)
	sign := float32(1)
	for i := 0; i < 4; i++ {
		element := rotation.At(i)
		abs := element
		if abs < 0 {
			abs = -abs
		}
		if abs <= maxValue {
			continue
		}
		sign = 1
		if element < 0 {
			sign = -1
		}
		maxIndex = i
		maxValue = abs
	}

	if approximately(maxValue, 1) {
		s.PushByte(byte(maxIndex + 4))
		return
	}

	for i := 3; i >= 0; i-- {
		if i == maxIndex {
			continue
		}
		s.PushInt(CompressFloat(rotation.At(i)*sign, -1, 1, defaultBytesForCompressedFloat), defaultBytesForCompressedFloat)
	}
	s.PushByte(byte(maxIndex))
}

func (s *BytesStack) PopDecompressedRotation() physics.Quaternion {
	maxIndex := int(s.PopByte())
	if maxIndex >= 4 && maxIndex <= 7 {
		var q [4]float32
		q[maxIndex-4] = 1
		return physics.Quat(q[0], q[1], q[2], q[3])
	}
	if maxIndex > 7 {
		s.fail()
		return physics.Identity
	}

	a := DecompressFloat(s.PopInt(defaultBytesForCompressedFloat), -1, 1, defaultBytesForCompressedFloat)
	b := DecompressFloat(s.PopInt(defaultBytesForCompressedFloat), -1, 1, defaultBytesForCompressedFloat)
	c := DecompressFloat(s.PopInt(defaultBytesForCompressedFloat), -1, 1, defaultBytesForCompressedFloat)
	d := float32(math.Sqrt(math.Max(0, float64(1-(a*a+b*b+c*c)))))

	switch maxIndex {
	case 0:
		return physics.Quat(d, a, b, c)
	case 1:
		return physics.Quat(a, d, b, c)
	case 2:
		return physics.Quat(a, b, d, c)
	default:
		return physics.Quat(a, b, c, d)
	}
}

// PushCompressedVector3 quantizes every axis into bytesPerElement bytes.
func (s *BytesStack) PushCompressedVector3(v physics.Vector3, minElement, maxElement float32, bytesPerElement int) {
	s.PushInt(CompressFloat(v.Z, minElement, maxElement, bytesPerElement), bytesPerElement)
	s.PushInt(CompressFloat(v.Y, minElement, maxElement, bytesPerElement), bytesPerElement)
	s.PushInt(CompressFloat(v.X, minElement, maxElement, bytesPerElement), bytesPerElement)
}

func (s *BytesStack) PopDecompressedVector3(minElement, maxElement float32, bytesPerElement int) physics.Vector3 {
	x := DecompressFloat(s.PopInt(bytesPerElement), minElement, maxElement, bytesPerElement)
	y := DecompressFloat(s.PopInt(bytesPerElement), minElement, maxElement, bytesPerElement)
	z := DecompressFloat(s.PopInt(bytesPerElement), minElement, maxElement, bytesPerElement)
	return physics.Vec3(x, y, z)
}

// PushUncompressedVector3 pushes raw float32 components.
func (s *BytesStack) PushUncompressedVector3(v physics.Vector3) {
	s.PushFloat(v.Z)
	s.PushFloat(v.Y)
	s.PushFloat(v.X)
}

func (s *BytesStack) PopUncompressedVector3() physics.Vector3 {
	x := s.PopFloat()
	y := s.PopFloat()
	z := s.PopFloat()
	return physics.Vec3(x, y, z)
}

func approximately(a, b float32) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-6*max(1, a, b)
}
