package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/distsync/internal/core/systems/physics"
)

func TestPositionRoundTrip(t *testing.T) {
	positions := []physics.Vector3{
		physics.Vec3(0, 0, 0),
		physics.Vec3(12.345, -7.5, 1024.001),
		physics.Vec3(-2048, 2048, 0.0005),
	}
	for _, position := range positions {
		stack := NewBytesStack()
		require.NoError(t, stack.PushCompressedPosition(position))
		assert.Equal(t, PositionRequiredBytes(), stack.Count())

		decoded := stack.PopDecompressedPosition()
		require.NoError(t, stack.Err())
		assert.True(t, decoded.ApproximatelyEqual(position, PositionPrecision), "%v decoded as %v", position, decoded)
	}
}

func TestPositionRequiresNineBytesByDefault(t *testing.T) {
	assert.Equal(t, 9, PositionRequiredBytes())
}

func TestPositionOutOfBounds(t *testing.T) {
	stack := NewBytesStack()
	err := stack.PushCompressedPosition(physics.Vec3(0, 3000, 0))

	require.ErrorIs(t, err, ErrValueOutOfBounds)
	assert.Equal(t, ErrorCodeValueOutOfBounds, GetErrorCode(err))
	assert.Equal(t, 0, stack.Count(), "nothing is pushed for a rejected position")
}

func TestPositionSnapsWithinPrecision(t *testing.T) {
	stack := NewBytesStack()
	require.NoError(t, stack.PushCompressedPosition(physics.Vec3(2048.0005, 0, 0)))
	decoded := stack.PopDecompressedPosition()
	assert.InDelta(t, 2048, decoded.X, float64(PositionPrecision))
}

func TestSetPositionBounds(t *testing.T) {
	t.Cleanup(func() { SetPositionBounds(DefaultPositionBounds) })

	SetPositionBounds(Bounds{Center: physics.Vec3(100, 0, 0), Size: physics.Vec3(60, 60, 60)})
	assert.Equal(t, 6, PositionRequiredBytes())

	stack := NewBytesStack()
	require.NoError(t, stack.PushCompressedPosition(physics.Vec3(110, -5, 29)))
	decoded := stack.PopDecompressedPosition()
	assert.True(t, decoded.ApproximatelyEqual(physics.Vec3(110, -5, 29), PositionPrecision), "got %v", decoded)

	require.Error(t, stack.PushCompressedPosition(physics.Vec3(0, 0, 0)))
}

func TestRotationRoundTrip(t *testing.T) {
	rotations := []physics.Quaternion{
		physics.FromAxisAngle(physics.Vec3(0, 1, 0), 0.7),
		physics.FromAxisAngle(physics.Vec3(1, 1, 0), -2.1),
		physics.FromAxisAngle(physics.Vec3(0.2, -0.4, 1), 3.0),
		physics.Quat(-0.5, 0.5, -0.5, 0.5),
	}
	for _, rotation := range rotations {
		stack := NewBytesStack()
		stack.PushCompressedRotation(rotation)
		assert.Equal(t, 7, stack.Count())

		decoded := stack.PopDecompressedRotation()
		require.NoError(t, stack.Err())
		assert.True(t, decoded.SameRotation(rotation, 1e-3), "%v decoded as %v", rotation, decoded)
	}
}

func TestRotationAxisAlignedUsesOneByte(t *testing.T) {
	stack := NewBytesStack()
	stack.PushCompressedRotation(physics.Identity)
	assert.Equal(t, []byte{7}, stack.Bytes())
	assert.Equal(t, physics.Identity, stack.PopDecompressedRotation())
}

func TestRotationInvalidIndex(t *testing.T) {
	stack := NewBytesStack()
	stack.PushByte(9)
	stack.PopDecompressedRotation()
	require.ErrorIs(t, stack.Err(), ErrBufferUnderflow)
}

func TestCompressFloat(t *testing.T) {
	assert.Equal(t, 0, CompressFloat(-1, -1, 1, 2))
	assert.Equal(t, 65535, CompressFloat(1, -1, 1, 2))
	assert.Equal(t, 65535, CompressFloat(5, -1, 1, 2), "values above the range clamp")

	for _, v := range []float32{-200, -3.25, 0, 77.7, 200} {
		packed := CompressFloat(v, -200, 200, 4)
		assert.InDelta(t, v, DecompressFloat(packed, -200, 200, 4), 1e-4)
	}
}

func TestCompressedVector3(t *testing.T) {
	stack := NewBytesStack()
	stack.PushCompressedVector3(physics.Vec3(10, -150, 0.5), -200, 200, 2)
	assert.Equal(t, 6, stack.Count())

	decoded := stack.PopDecompressedVector3(-200, 200, 2)
	assert.True(t, decoded.ApproximatelyEqual(physics.Vec3(10, -150, 0.5), 400.0/65535), "got %v", decoded)
}

func TestUncompressedVector3IsExact(t *testing.T) {
	stack := NewBytesStack()
	scale := physics.Vec3(1.25, 0.333333, 7)
	stack.PushUncompressedVector3(scale)
	assert.Equal(t, scale, stack.PopUncompressedVector3())
}
