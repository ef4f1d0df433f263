package core

import (
	"bytes"
	"sync"
)

// BufferPool hands out reusable byte buffers for record encoding and
// rewrite copies.
var BufferPool = NewGenericPool(func() *bytes.Buffer {
	return &bytes.Buffer{}
})

// GenericPool is a typed wrapper around sync.Pool.
type GenericPool[T any] struct {
	pool sync.Pool
}

// NewGenericPool creates a pool with a constructor for new items.
func NewGenericPool[T any](newItem func() T) *GenericPool[T] {
	return &GenericPool[T]{
		pool: sync.Pool{
			New: func() interface{} {
				return newItem()
			},
		},
	}
}

// Get retrieves an item from the pool.
func (p *GenericPool[T]) Get() T {
	return p.pool.Get().(T)
}

// Put returns an item to the pool.
func (p *GenericPool[T]) Put(item T) {
	p.pool.Put(item)
}
