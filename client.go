// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/mochi-mqtt/engine/mempool"
	"github.com/mochi-mqtt/engine/packets"
	"github.com/mochi-mqtt/engine/system"
)

const (
	defaultConnectTimeout = 10 * time.Second // the time allowed for the connect packet to arrive
)

var (
	// ErrConnectionClosed indicates a write to a closed connection.
	ErrConnectionClosed = errors.New("connection not open")
)

// ReadFn is the function signature for the function used for processing incoming packets.
type ReadFn func(*Client, packets.Packet) error

// ops contains engine values which are propagated to clients.
type ops struct {
	options *Options     // a pointer to the engine options and capabilities
	info    *system.Info // pointers to engine system info
	log     *slog.Logger // a structured logger for the client
}

// ClientConnection contains the connection transport and metadata for the client.
type ClientConnection struct {
	Conn     net.Conn      // the net.Conn used to establish the connection
	bconn    *bufio.Reader // a buffered reader over the connection
	Remote   string        // the remote address of the client
	Listener string        // listener id of the client
}

// Client is a single network connection. It reads packets for the engine
// and implements Transport for the processor. Writes are buffered, and the
// connection is only writable while fewer than MaximumClientWritesPending
// packets are waiting to be flushed.
type Client struct {
	Net          ClientConnection
	id           string
	attrs        atomic.Pointer[Attributes]
	processor    *Processor
	ops          *ops
	wmu          sync.Mutex    // guards w
	w            *bufio.Writer // buffered writes not yet flushed
	pending      atomic.Int32  // packets written since the last flush
	maxPending   int32
	idle         atomic.Int64  // read deadline in nanoseconds, 0 for none
	autoFlush    chan time.Duration
	wake         chan struct{}
	done         chan struct{}
	stopOnce     sync.Once
	stopCause    atomic.Value
	disconnected atomic.Bool // a disconnect packet was processed
}

// newClient returns a client reading and writing on c.
func newClient(c net.Conn, listener string, p *Processor, o *ops) *Client {
	cl := &Client{
		id:         xid.New().String(),
		processor:  p,
		ops:        o,
		maxPending: o.options.Capabilities.MaximumClientWritesPending,
		autoFlush:  make(chan time.Duration, 1),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	cl.attrs.Store(new(Attributes))
	cl.idle.Store(int64(defaultConnectTimeout))

	cl.Net = ClientConnection{
		Conn:     c,
		Listener: listener,
	}

	if c != nil {
		cl.Net.Remote = c.RemoteAddr().String()
		cl.Net.bconn = bufio.NewReaderSize(&byteCounter{r: c, n: &o.info.BytesReceived}, o.options.ClientNetReadBufferSize)
		cl.w = bufio.NewWriterSize(c, o.options.ClientNetWriteBufferSize)
	}

	return cl
}

// ID returns the unique id of the connection.
func (cl *Client) ID() string {
	return cl.id
}

// Remote returns the remote address of the connection.
func (cl *Client) Remote() string {
	return cl.Net.Remote
}

// Attributes returns the values recorded for an accepted connect.
func (cl *Client) Attributes() Attributes {
	return *cl.attrs.Load()
}

// SetAttributes records the values of an accepted connect.
func (cl *Client) SetAttributes(a Attributes) {
	cl.attrs.Store(&a)
}

// WritePacket encodes a packet into the write buffer.
func (cl *Client) WritePacket(pk packets.Packet) error {
	if cl.Closed() {
		return ErrConnectionClosed
	}

	buf := mempool.GetBuffer()
	defer mempool.PutBuffer(buf)
	if err := pk.Write(buf); err != nil {
		return err
	}

	cl.wmu.Lock()
	n, err := cl.w.Write(buf.Bytes())
	cl.wmu.Unlock()
	if err != nil {
		return err
	}

	atomic.AddInt64(&cl.ops.info.BytesSent, int64(n))
	atomic.AddInt64(&cl.ops.info.PacketsSent, 1)
	cl.pending.Add(1)
	return nil
}

// Flush writes the buffered packets to the network. If the connection had
// stopped being writable, the drain of the session queue is resumed.
func (cl *Client) Flush() error {
	cl.wmu.Lock()
	err := cl.w.Flush()
	cl.wmu.Unlock()
	if err != nil {
		return err
	}

	if n := cl.pending.Swap(0); cl.maxPending > 0 && n >= cl.maxPending {
		cl.Wake()
	}

	return nil
}

// Writable indicates whether more packets may be written before a flush.
func (cl *Client) Writable() bool {
	return cl.maxPending <= 0 || cl.pending.Load() < cl.maxPending
}

// Wake signals the write loop to drain the session queue.
func (cl *Client) Wake() {
	select {
	case cl.wake <- struct{}{}:
	default:
	}
}

// SetIdleTimeout sets the read deadline applied before each packet is read.
func (cl *Client) SetIdleTimeout(d time.Duration) {
	cl.idle.Store(int64(d))
}

// SetAutoFlush starts flushing buffered writes every d.
func (cl *Client) SetAutoFlush(d time.Duration) {
	if d <= 0 {
		return
	}

	select {
	case cl.autoFlush <- d:
	default:
	}
}

// Close closes the connection.
func (cl *Client) Close() error {
	cl.Stop(nil)
	return nil
}

// refreshDeadline sets the read deadline of the connection from the idle timeout.
func (cl *Client) refreshDeadline() {
	if cl.Net.Conn == nil {
		return
	}

	var expiry time.Time // the zero time disables the deadline
	if d := time.Duration(cl.idle.Load()); d > 0 {
		expiry = time.Now().Add(d)
	}

	_ = cl.Net.Conn.SetReadDeadline(expiry)
}

// WriteLoop drains the session queue whenever the client is woken, and
// flushes the write buffer on the auto-flush interval, until the client stops.
func (cl *Client) WriteLoop() {
	var ticker *time.Ticker
	var tick <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-cl.done:
			return
		case d := <-cl.autoFlush:
			if ticker != nil {
				ticker.Stop()
			}
			ticker = time.NewTicker(d)
			tick = ticker.C
		case <-tick:
			if err := cl.Flush(); err != nil {
				cl.Stop(err)
				return
			}
		case <-cl.wake:
			if cl.Closed() {
				return // a pending wake may win the select over done
			}

			if err := cl.processor.OnTransportWritable(cl); err != nil {
				cl.ops.log.Debug("failed to drain session queue", "error", err, "client", cl.Attributes().ClientID, "remote", cl.Net.Remote)
				cl.Stop(err)
				return
			}
		}
	}
}

// ReadPacket reads and decodes the next packet from the connection.
func (cl *Client) ReadPacket() (packets.Packet, error) {
	cl.refreshDeadline()
	pk, err := packets.ReadPacket(cl.Net.bconn)
	if err != nil {
		return pk, err
	}

	atomic.AddInt64(&cl.ops.info.PacketsReceived, 1)
	return pk, nil
}

// Read reads packets from the connection and hands them to h until the
// connection fails, h returns an error or a disconnect has been processed.
func (cl *Client) Read(h ReadFn) error {
	for {
		if cl.Closed() {
			return cl.StopCause()
		}

		pk, err := cl.ReadPacket()
		if err != nil {
			return err
		}

		if err := h(cl, pk); err != nil {
			return err
		}

		if cl.disconnected.Load() {
			return nil
		}
	}
}

// Stop closes the connection and ends the write loop. The first cause given
// is kept.
func (cl *Client) Stop(err error) {
	cl.stopOnce.Do(func() {
		if err != nil {
			cl.stopCause.Store(err)
		}

		close(cl.done)
		if cl.Net.Conn != nil {
			_ = cl.Net.Conn.Close()
		}
	})
}

// StopCause returns the reason the client was stopped, if any.
func (cl *Client) StopCause() error {
	if err, ok := cl.stopCause.Load().(error); ok {
		return err
	}

	return nil
}

// Closed returns true if the client has been stopped.
func (cl *Client) Closed() bool {
	select {
	case <-cl.done:
		return true
	default:
		return false
	}
}

// byteCounter adds the bytes read from r to n.
type byteCounter struct {
	r io.Reader
	n *int64
}

func (b *byteCounter) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	atomic.AddInt64(b.n, int64(n))
	return n, err
}
