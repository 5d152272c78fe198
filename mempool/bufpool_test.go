// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mempool

import (
	"bytes"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferPoolReuse(t *testing.T) {
	defer debug.SetGCPercent(debug.SetGCPercent(-1))

	p := NewBufferPool(0)
	b := p.Get()
	b.WriteString("connect")
	p.Put(b)

	b2 := p.Get()
	require.Same(t, b, b2)
	require.Equal(t, 0, b2.Len())
}

func TestBufferPoolDropsLarge(t *testing.T) {
	defer debug.SetGCPercent(debug.SetGCPercent(-1))

	p := NewBufferPool(16)
	b := p.Get()
	b.Write(make([]byte, 128))
	p.Put(b)

	b2 := p.Get()
	require.NotSame(t, b, b2)
	require.Equal(t, 0, b2.Cap())
}

func TestDefaultPool(t *testing.T) {
	b := GetBuffer()
	require.IsType(t, new(bytes.Buffer), b)
	require.Equal(t, 0, b.Len())
	b.WriteString("publish")
	PutBuffer(b)
	require.Equal(t, 0, b.Len())
}
