// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package mempool pools the buffers packets are encoded into before they are
// copied to a connection.
package mempool

import (
	"bytes"
	"sync"
)

// DefaultMaxRetained is the largest buffer capacity the default pool keeps.
// Buffers grown by large payloads are left to the garbage collector.
const DefaultMaxRetained = 64 * 1024

var encoding = NewBufferPool(DefaultMaxRetained)

// GetBuffer takes a buffer from the default pool.
func GetBuffer() *bytes.Buffer { return encoding.Get() }

// PutBuffer returns a buffer to the default pool.
func PutBuffer(b *bytes.Buffer) { encoding.Put(b) }

// BufferPool is a pool of reusable byte buffers.
type BufferPool struct {
	pool sync.Pool
	max  int
}

// NewBufferPool returns a buffer pool which drops returned buffers with a
// capacity over max. A max <= 0 retains every buffer.
func NewBufferPool(max int) *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() any { return new(bytes.Buffer) },
		},
		max: max,
	}
}

// Get returns an empty buffer.
func (p *BufferPool) Get() *bytes.Buffer {
	return p.pool.Get().(*bytes.Buffer)
}

// Put resets a buffer and returns it to the pool.
func (p *BufferPool) Put(b *bytes.Buffer) {
	if p.max > 0 && b.Cap() > p.max {
		return
	}

	b.Reset()
	p.pool.Put(b)
}
