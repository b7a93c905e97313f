package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskRunsOncePerTickUntilDone(t *testing.T) {
	s := New()
	host := s.NewHost("dispatcher", nil)
	runs := 0
	handle := host.Go("count", func(time.Time) bool {
		runs++
		return runs < 3
	})

	for i := 0; i < 5; i++ {
		s.Tick(time.Unix(int64(i), 0))
	}

	assert.Equal(t, 3, runs)
	assert.False(t, handle.Running())
	assert.Equal(t, 0, host.Len())
}

func TestCancelRemovesTask(t *testing.T) {
	s := New()
	host := s.NewHost("h", nil)
	runs := 0
	handle := host.Go("loop", func(time.Time) bool {
		runs++
		return true
	})

	s.Tick(time.Unix(1, 0))
	handle.Cancel()
	s.Tick(time.Unix(2, 0))

	assert.Equal(t, 1, runs)
	assert.False(t, handle.Running())
}

func TestGatedHostOnlyTicksWhenOpen(t *testing.T) {
	s := New()
	open := false
	host := s.NewHost("object", func() bool { return open })
	runs := 0
	host.Go("loop", func(time.Time) bool {
		runs++
		return true
	})

	s.Tick(time.Unix(1, 0))
	assert.Equal(t, 0, runs)

	open = true
	s.Tick(time.Unix(2, 0))
	assert.Equal(t, 1, runs)
	assert.True(t, host.Active())
}

func TestTaskStartedDuringTickWaitsForNextTick(t *testing.T) {
	s := New()
	host := s.NewHost("h", nil)
	var order []string
	host.Go("parent", func(time.Time) bool {
		order = append(order, "parent")
		host.Go("child", func(time.Time) bool {
			order = append(order, "child")
			return false
		})
		return false
	})

	s.Tick(time.Unix(1, 0))
	assert.Equal(t, []string{"parent"}, order)
	s.Tick(time.Unix(2, 0))
	assert.Equal(t, []string{"parent", "child"}, order)
}

func TestCloseHost(t *testing.T) {
	s := New()
	host := s.NewHost("h", nil)
	handle := host.Go("loop", func(time.Time) bool { return true })

	host.Close()
	assert.False(t, handle.Running())
	assert.Equal(t, 0, s.Hosts())

	late := host.Go("late", func(time.Time) bool { return true })
	assert.False(t, late.Running())
}

func TestTickPassesTime(t *testing.T) {
	s := New()
	host := s.NewHost("h", nil)
	var seen time.Time
	host.Go("clock", func(now time.Time) bool {
		seen = now
		return false
	})
	s.Tick(time.Unix(42, 0))
	assert.Equal(t, time.Unix(42, 0), seen)
	assert.Equal(t, time.Unix(42, 0), s.Now())
}
