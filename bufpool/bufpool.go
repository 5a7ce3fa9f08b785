// Package bufpool provides a shared pool of byte buffers.
package bufpool

import (
	"bytes"
	"sync"
)

// Buffers that have grown beyond this size are dropped instead of
// returned to the pool, so one oversized payload does not pin memory.
const maxRetainedSize = 64 << 10

type Pool struct {
	p sync.Pool
}

func New() *Pool {
	return &Pool{
		p: sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}
}

// Get returns an empty buffer from the pool.
func (p *Pool) Get() *bytes.Buffer {
	return p.p.Get().(*bytes.Buffer)
}

// Put resets b and returns it to the pool.
func (p *Pool) Put(b *bytes.Buffer) {
	if b.Cap() > maxRetainedSize {
		return
	}
	b.Reset()
	p.p.Put(b)
}
