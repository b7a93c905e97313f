package bus

import (
	"sync"

	"github.com/google/uuid"
)

// Handler is invoked with the payload of an emitted signal.
type Handler[T any] func(payload T)

// Subscription is a registered handler. Cancel is safe to call repeatedly,
// including from inside the handler while the signal is emitting.
type Subscription interface {
	ID() string
	IsActive() bool
	Cancel()
}

type subscription[T any] struct {
	id      string
	handler Handler[T]
	signal  *Signal[T]
	active  bool
}

func (s *subscription[T]) ID() string { return s.id }

func (s *subscription[T]) IsActive() bool {
	s.signal.mu.Lock()
	defer s.signal.mu.Unlock()
	return s.active
}

func (s *subscription[T]) Cancel() {
	s.signal.remove(s)
}

// Signal is an ordered observer list for one lifecycle transition. Handlers run
// synchronously on the emitting goroutine, in subscription order.
type Signal[T any] struct {
	mu   sync.Mutex
	subs []*subscription[T]
}

// Subscribe appends handler to the observer list.
func (s *Signal[T]) Subscribe(handler Handler[T]) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &subscription[T]{
		id:      uuid.NewString(),
		handler: handler,
		signal:  s,
		active:  true,
	}
	s.subs = append(s.subs, sub)
	return sub
}

// Emit calls every handler active at the time of the call. Handlers cancelled
// by an earlier handler of the same emission are skipped.
func (s *Signal[T]) Emit(payload T) {
	s.mu.Lock()
	snapshot := make([]*subscription[T], len(s.subs))
	copy(snapshot, s.subs)
	s.mu.Unlock()

	for _, sub := range snapshot {
		if !sub.IsActive() {
			continue
		}
		sub.handler(payload)
	}
}

// Len returns the number of active subscriptions.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Clear cancels every subscription.
func (s *Signal[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		sub.active = false
	}
	s.subs = nil
}

func (s *Signal[T]) remove(target *subscription[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !target.active {
		return
	}
	target.active = false
	for i, sub := range s.subs {
		if sub == target {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}

// Subscriptions groups handles so an owner can cancel them together.
type Subscriptions []Subscription

func (g *Subscriptions) Add(sub Subscription) {
	*g = append(*g, sub)
}

// CancelAll cancels and forgets every handle.
func (g *Subscriptions) CancelAll() {
	for _, sub := range *g {
		sub.Cancel()
	}
	*g = nil
}
