// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: jason@zgwit.com

package listeners

import (
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewUnixSock(t *testing.T) {
	l := NewUnixSock(Config{ID: "t1", Address: "engine.sock"})
	require.Equal(t, "t1", l.ID())
	require.Equal(t, "engine.sock", l.Address())
	require.Equal(t, "unix", l.Protocol())
}

func TestUnixSockInit(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "engine.sock")
	l := NewUnixSock(Config{ID: "t1", Address: sock})
	err := l.Init(logger)
	require.NoError(t, err)
	require.NotNil(t, l.listen)

	// a stale socket file is replaced.
	l2 := NewUnixSock(Config{ID: "t2", Address: sock})
	err = l2.Init(logger)
	require.NoError(t, err)
	_ = l.listen.Close()
	_ = l2.listen.Close()
}

func TestUnixSockServeAndClose(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "engine.sock")
	l := NewUnixSock(Config{ID: "t1", Address: sock})
	err := l.Init(logger)
	require.NoError(t, err)

	o := make(chan bool)
	established := make(chan bool)
	go func() {
		l.Serve(func(id string, c net.Conn) error {
			established <- true
			return errors.New("ending")
		})
		o <- true
	}()

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	require.True(t, <-established)
	_ = conn.Close()

	var closed bool
	l.Close(func(id string) {
		closed = true
	})
	require.True(t, closed)

	select {
	case <-o:
	case <-time.After(time.Second):
		t.Fatal("serve did not return")
	}
}
