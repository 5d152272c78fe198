// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: jason@zgwit.com

package listeners

import (
	"net"
	"os"
	"sync"
	"sync/atomic"

	"log/slog"
)

// UnixSock is a listener for establishing client connections on a unix socket.
type UnixSock struct {
	sync.RWMutex
	id      string       // the internal id of the listener
	address string       // the socket path to bind to
	listen  net.Listener // a net.Listener which will listen for new clients
	log     *slog.Logger // engine logger
	end     uint32       // ensure the close methods are only called once
}

// NewUnixSock initialises and returns a new UnixSock listener, listening on a socket path.
func NewUnixSock(config Config) *UnixSock {
	return &UnixSock{
		id:      config.ID,
		address: config.Address,
	}
}

// ID returns the id of the listener.
func (l *UnixSock) ID() string {
	return l.id
}

// Address returns the socket path of the listener.
func (l *UnixSock) Address() string {
	return l.address
}

// Protocol returns the protocol of the listener.
func (l *UnixSock) Protocol() string {
	return "unix"
}

// Init removes any stale socket file and opens the socket.
func (l *UnixSock) Init(log *slog.Logger) error {
	l.log = log

	var err error
	_ = os.Remove(l.address)
	l.listen, err = net.Listen("unix", l.address)
	return err
}

// Serve starts waiting for new connections on the socket, and calls the
// establish connection callback for any received.
func (l *UnixSock) Serve(establish EstablishFn) {
	for {
		if atomic.LoadUint32(&l.end) == 1 {
			return
		}

		conn, err := l.listen.Accept()
		if err != nil {
			return
		}

		if atomic.LoadUint32(&l.end) == 0 {
			go func() {
				if err := establish(l.id, conn); err != nil {
					l.log.Warn("connection ended", "error", err)
				}
			}()
		}
	}
}

// Close closes the listener and any client connections.
func (l *UnixSock) Close(closeClients CloseFn) {
	l.Lock()
	defer l.Unlock()

	if atomic.CompareAndSwapUint32(&l.end, 0, 1) {
		closeClients(l.id)
	}

	if l.listen != nil {
		_ = l.listen.Close()
	}
}
