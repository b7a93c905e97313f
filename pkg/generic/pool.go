// Package generic holds small typed helpers over the standard library.
package generic

import "sync"

// Pool is a typed sync.Pool. Values pass the accept check and are reset on
// the way back in.
type Pool[T any] struct {
	pool   sync.Pool
	reset  func(T)
	accept func(T) bool
}

type Option[T any] func(p *Pool[T], generate func() T)

// WithReset clears a value before it is pooled again.
func WithReset[T any](reset func(T)) Option[T] {
	return func(p *Pool[T], _ func() T) { p.reset = reset }
}

// WithAccept drops values accept rejects instead of pooling them, for
// example buffers that grew too large.
func WithAccept[T any](accept func(T) bool) Option[T] {
	return func(p *Pool[T], _ func() T) { p.accept = accept }
}

// WithWarm fills the pool with n values up front.
func WithWarm[T any](n int) Option[T] {
	return func(p *Pool[T], generate func() T) {
		for i := 0; i < n; i++ {
			p.pool.Put(generate())
		}
	}
}

func NewPool[T any](generate func() T, options ...Option[T]) *Pool[T] {
	p := &Pool[T]{
		pool: sync.Pool{
			New: func() any { return generate() },
		},
	}
	for _, option := range options {
		option(p, generate)
	}
	return p
}

func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(value T) {
	if p.accept != nil && !p.accept(value) {
		return
	}
	if p.reset != nil {
		p.reset(value)
	}
	p.pool.Put(value)
}
