package generic

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolResetsReturnedValues(t *testing.T) {
	pool := NewPool(func() *bytes.Buffer { return new(bytes.Buffer) },
		WithReset(func(b *bytes.Buffer) { b.Reset() }))

	buffer := pool.Get()
	buffer.WriteString("frame")
	pool.Put(buffer)

	assert.Zero(t, buffer.Len())
	assert.Zero(t, pool.Get().Len())
}

func TestPoolDropsRejectedValues(t *testing.T) {
	var resets int
	pool := NewPool(func() *bytes.Buffer { return new(bytes.Buffer) },
		WithAccept(func(b *bytes.Buffer) bool { return b.Len() <= 4 }),
		WithReset(func(b *bytes.Buffer) { resets++; b.Reset() }))

	large := bytes.NewBufferString("too large")
	pool.Put(large)

	assert.Equal(t, 0, resets)
	assert.Equal(t, "too large", large.String())
}

func TestWarmPoolGeneratesUpFront(t *testing.T) {
	var generated int
	NewPool(func() int { generated++; return generated }, WithWarm[int](3))
	assert.Equal(t, 3, generated)
}
