package generic

import "sync"

// Pool is a typed wrapper over sync.Pool. If a reset func is set it runs
// on every Put before the value goes back to the pool.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T) T
}

func NewPool[T any](generate func() T) *Pool[T] {
	return &Pool[T]{
		pool: sync.Pool{
			New: func() any {
				return generate()
			},
		},
	}
}

// NewHotPool pre-fills the pool with hotSize values.
func NewHotPool[T any](generate func() T, hotSize int) *Pool[T] {
	p := NewPool[T](generate)
	for i := 0; i < hotSize; i++ {
		p.pool.Put(generate())
	}
	return p
}

// WithReset sets the func applied to values on Put and returns p.
func (p *Pool[T]) WithReset(reset func(T) T) *Pool[T] {
	p.reset = reset
	return p
}

func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(value T) {
	if p.reset != nil {
		value = p.reset(value)
	}
	p.pool.Put(value)
}

// NewSlicePool pools *[]E buffers of the given initial capacity. Buffers come
// back truncated to zero length.
func NewSlicePool[E any](capacity int) *Pool[*[]E] {
	return NewPool(func() *[]E {
		s := make([]E, 0, capacity)
		return &s
	}).WithReset(func(s *[]E) *[]E {
		*s = (*s)[:0]
		return s
	})
}
