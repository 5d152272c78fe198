// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMockEstablisher(t *testing.T) {
	_, w := net.Pipe()
	err := MockEstablisher("t1", w)
	require.NoError(t, err)
	_ = w.Close()
}

func TestNewMockListener(t *testing.T) {
	mocked := NewMockListener("t1", testAddr)
	require.Equal(t, "t1", mocked.id)
	require.Equal(t, testAddr, mocked.address)
	require.Equal(t, "t1", mocked.ID())
	require.Equal(t, testAddr, mocked.Address())
	require.Equal(t, "mock", mocked.Protocol())
}

func TestMockListenerInit(t *testing.T) {
	mocked := NewMockListener("t1", testAddr)
	err := mocked.Init(nil)
	require.NoError(t, err)
	require.True(t, mocked.IsListening())
}

func TestMockListenerInitFailure(t *testing.T) {
	mocked := NewMockListener("t1", testAddr)
	mocked.ErrListen = true
	err := mocked.Init(nil)
	require.Error(t, err)
	require.False(t, mocked.IsListening())
}

func TestMockListenerServeAndClose(t *testing.T) {
	mocked := NewMockListener("t1", testAddr)
	o := make(chan bool)
	go func() {
		mocked.Serve(MockEstablisher)
		o <- true
	}()

	time.Sleep(time.Millisecond)
	require.True(t, mocked.IsServing())

	var closed bool
	mocked.Close(func(id string) {
		closed = true
	})

	require.True(t, closed)
	<-o
	require.False(t, mocked.IsServing())
}
