// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mochi-mqtt/engine/packets"
)

// ConnectionState is the lifecycle position of a connection descriptor.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	SendAck
	SessionCreated
	MessagesRepublished
	Established
	SubscriptionsRemoved
	MessagesDropped
	InterceptorsNotified
)

var stateNames = map[ConnectionState]string{
	Disconnected:         "DISCONNECTED",
	SendAck:              "SENDACK",
	SessionCreated:       "SESSION_CREATED",
	MessagesRepublished:  "MESSAGES_REPUBLISHED",
	Established:          "ESTABLISHED",
	SubscriptionsRemoved: "SUBSCRIPTIONS_REMOVED",
	MessagesDropped:      "MESSAGES_DROPPED",
	InterceptorsNotified: "INTERCEPTORS_NOTIFIED",
}

// String returns the name of the state.
func (s ConnectionState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}

	return "UNKNOWN"
}

// allowedTransitions lists the only successor of each state. The connect path
// ends in Established, the disconnect path loops back to Disconnected.
var allowedTransitions = map[ConnectionState]ConnectionState{
	Disconnected:         SendAck,
	SendAck:              SessionCreated,
	SessionCreated:       MessagesRepublished,
	MessagesRepublished:  Established,
	Established:          SubscriptionsRemoved,
	SubscriptionsRemoved: MessagesDropped,
	MessagesDropped:      InterceptorsNotified,
	InterceptorsNotified: Disconnected,
}

// ConnectionDescriptor is the registry entry of one live connection.
type ConnectionDescriptor struct {
	ClientID     string
	Username     string
	CleanSession bool
	transport    Transport
	state        atomic.Int32
	closed       atomic.Bool
}

// NewConnectionDescriptor returns a descriptor in the Disconnected state.
func NewConnectionDescriptor(clientID, username string, clean bool, t Transport) *ConnectionDescriptor {
	return &ConnectionDescriptor{
		ClientID:     clientID,
		Username:     username,
		CleanSession: clean,
		transport:    t,
	}
}

// State returns the current lifecycle state.
func (d *ConnectionDescriptor) State() ConnectionState {
	return ConnectionState(d.state.Load())
}

// AssignState moves the descriptor from expected to next. It returns false if
// the transition is not the single allowed successor of expected, or if another
// goroutine has already moved the descriptor away from expected.
func (d *ConnectionDescriptor) AssignState(expected, next ConnectionState) bool {
	if allowedTransitions[expected] != next {
		return false
	}

	return d.state.CompareAndSwap(int32(expected), int32(next))
}

// Transport returns the connection the descriptor owns.
func (d *ConnectionDescriptor) Transport() Transport {
	return d.transport
}

// UsesTransport indicates whether the descriptor owns the given connection.
func (d *ConnectionDescriptor) UsesTransport(t Transport) bool {
	return d.transport != nil && t != nil && d.transport.ID() == t.ID()
}

// WriteAndFlush writes a packet and flushes it immediately.
func (d *ConnectionDescriptor) WriteAndFlush(pk packets.Packet) error {
	if err := d.transport.WritePacket(pk); err != nil {
		return err
	}

	return d.transport.Flush()
}

// Abort forcibly closes the connection without any further protocol exchange.
func (d *ConnectionDescriptor) Abort() {
	d.closed.Store(true)
	_ = d.transport.Close()
}

// Close completes the disconnect state machine and closes the connection. It
// returns false if the descriptor was not in the InterceptorsNotified state or
// was already closed.
func (d *ConnectionDescriptor) Close() bool {
	if !d.AssignState(InterceptorsNotified, Disconnected) {
		return false
	}

	if !d.closed.CompareAndSwap(false, true) {
		return false
	}

	_ = d.transport.Flush()
	_ = d.transport.Close()
	return true
}

// ConnectionRegistry tracks one active descriptor per client id. The last
// descriptor added for an id wins.
type ConnectionRegistry struct {
	internal sync.Map // client id -> *ConnectionDescriptor
	qty      atomic.Int64
}

// NewConnectionRegistry returns an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return new(ConnectionRegistry)
}

// AddConnection installs the descriptor for its client id and returns the
// descriptor it displaced, if any. Aborting the displaced descriptor is the
// responsibility of the caller.
func (r *ConnectionRegistry) AddConnection(d *ConnectionDescriptor) (*ConnectionDescriptor, bool) {
	prev, loaded := r.internal.Swap(d.ClientID, d)
	if !loaded {
		r.qty.Add(1)
		return nil, false
	}

	return prev.(*ConnectionDescriptor), true
}

// RemoveConnection removes the descriptor only if it is still the one
// registered for its client id.
func (r *ConnectionRegistry) RemoveConnection(d *ConnectionDescriptor) bool {
	if d == nil {
		return false
	}

	if r.internal.CompareAndDelete(d.ClientID, d) {
		r.qty.Add(-1)
		return true
	}

	return false
}

// GetConnection returns the descriptor registered for a client id.
func (r *ConnectionRegistry) GetConnection(clientID string) (*ConnectionDescriptor, bool) {
	v, ok := r.internal.Load(clientID)
	if !ok {
		return nil, false
	}

	return v.(*ConnectionDescriptor), true
}

// CountActive returns the number of registered descriptors.
func (r *ConnectionRegistry) CountActive() int {
	return int(r.qty.Load())
}

// ListClientIDs returns the registered client ids in lexical order.
func (r *ConnectionRegistry) ListClientIDs() []string {
	ids := make([]string, 0, r.CountActive())
	r.internal.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})

	sort.Strings(ids)
	return ids
}
