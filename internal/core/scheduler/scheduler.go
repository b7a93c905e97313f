// Package scheduler runs cooperative per-tick tasks on hosts that a single
// update loop drives. A task does a bounded unit of work per call and reports
// whether it wants to run again on the next tick.
package scheduler

import (
	"time"
)

// Task is called once per tick with the tick time. Returning false removes it.
type Task func(now time.Time) bool

// Handle controls a started task.
type Handle struct {
	name      string
	task      Task
	host      *Host
	cancelled bool
	done      bool
}

func (h *Handle) Name() string { return h.name }

// Cancel removes the task from its host run list.
func (h *Handle) Cancel() {
	h.cancelled = true
}

// Running reports whether the task will be called again.
func (h *Handle) Running() bool {
	return !h.cancelled && !h.done && !h.host.closed
}

// Host is one run list. A gated host only ticks while its gate is open.
type Host struct {
	name      string
	gate      func() bool
	scheduler *Scheduler
	tasks     []*Handle
	closed    bool
}

func (h *Host) Name() string { return h.name }

// Active reports whether the host would tick now.
func (h *Host) Active() bool {
	return !h.closed && (h.gate == nil || h.gate())
}

// Go queues task to start running on the next tick.
func (h *Host) Go(name string, task Task) *Handle {
	handle := &Handle{name: name, task: task, host: h}
	if h.closed {
		handle.done = true
		return handle
	}
	h.tasks = append(h.tasks, handle)
	return handle
}

// Len returns the number of queued tasks, including ones cancelled since the last tick.
func (h *Host) Len() int {
	return len(h.tasks)
}

// Close cancels every task and detaches the host from its scheduler.
func (h *Host) Close() {
	if h.closed {
		return
	}
	h.closed = true
	for _, task := range h.tasks {
		task.cancelled = true
	}
	h.tasks = nil
	h.scheduler.remove(h)
}

func (h *Host) tick(now time.Time) {
	if len(h.tasks) == 0 {
		return
	}
	// Tasks started during this tick run from the next one.
	current := h.tasks
	h.tasks = nil
	kept := current[:0:0]
	for _, handle := range current {
		if handle.cancelled {
			continue
		}
		if !handle.task(now) {
			handle.done = true
			continue
		}
		if !handle.cancelled {
			kept = append(kept, handle)
		}
	}
	if h.closed {
		return
	}
	h.tasks = append(kept, h.tasks...)
}

// Scheduler owns every host of a process and ticks them in creation order.
type Scheduler struct {
	hosts []*Host
	now   time.Time
}

func New() *Scheduler {
	return &Scheduler{}
}

// NewHost adds a host. A nil gate makes it always active.
func (s *Scheduler) NewHost(name string, gate func() bool) *Host {
	host := &Host{name: name, gate: gate, scheduler: s}
	s.hosts = append(s.hosts, host)
	return host
}

// Tick runs one step of every active host.
func (s *Scheduler) Tick(now time.Time) {
	s.now = now
	hosts := make([]*Host, len(s.hosts))
	copy(hosts, s.hosts)
	for _, host := range hosts {
		if host.Active() {
			host.tick(now)
		}
	}
}

// Now returns the time of the last tick.
func (s *Scheduler) Now() time.Time {
	return s.now
}

// Hosts returns the number of live hosts.
func (s *Scheduler) Hosts() int {
	return len(s.hosts)
}

func (s *Scheduler) remove(target *Host) {
	for i, host := range s.hosts {
		if host == target {
			s.hosts = append(s.hosts[:i:i], s.hosts[i+1:]...)
			return
		}
	}
}
