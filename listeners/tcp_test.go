// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewTCP(t *testing.T) {
	l := NewTCP(Config{ID: "t1", Address: testAddr})
	require.Equal(t, "t1", l.id)
	require.Equal(t, testAddr, l.address)
}

func TestTCPID(t *testing.T) {
	l := NewTCP(Config{ID: "t1", Address: testAddr})
	require.Equal(t, "t1", l.ID())
}

func TestTCPAddress(t *testing.T) {
	l := NewTCP(Config{ID: "t1", Address: testAddr})
	require.Equal(t, testAddr, l.Address())
}

func TestTCPProtocol(t *testing.T) {
	l := NewTCP(Config{ID: "t1", Address: testAddr})
	require.Equal(t, "tcp", l.Protocol())
}

func TestTCPInit(t *testing.T) {
	l := NewTCP(Config{ID: "t1", Address: testAddr})
	err := l.Init(logger)
	require.NoError(t, err)
	require.NotNil(t, l.listen)
	require.NotEqual(t, testAddr, l.Address())

	// the same address is already bound.
	l2 := NewTCP(Config{ID: "t2", Address: l.Address()})
	err = l2.Init(logger)
	require.Error(t, err)
	_ = l.listen.Close()
}

func TestTCPServeAndClose(t *testing.T) {
	l := NewTCP(Config{ID: "t1", Address: testAddr})
	err := l.Init(logger)
	require.NoError(t, err)

	o := make(chan bool)
	go func() {
		l.Serve(MockEstablisher)
		o <- true
	}()

	time.Sleep(time.Millisecond)
	var closed bool
	l.Close(func(id string) {
		closed = true
	})

	require.True(t, closed)
	<-o

	l.Close(MockCloser)      // coverage: close twice
	l.Serve(MockEstablisher) // coverage: serve after close
}

func TestTCPEstablishThenEnd(t *testing.T) {
	l := NewTCP(Config{ID: "t1", Address: testAddr})
	err := l.Init(logger)
	require.NoError(t, err)

	o := make(chan bool)
	established := make(chan bool)
	go func() {
		l.Serve(func(id string, c net.Conn) error {
			established <- true
			return errors.New("ending") // return an error to exit immediately
		})
		o <- true
	}()

	conn, err := net.Dial("tcp", l.Address())
	require.NoError(t, err)
	require.True(t, <-established)
	_ = conn.Close()

	l.Close(MockCloser)
	<-o
}
