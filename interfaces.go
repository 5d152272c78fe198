// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"time"

	"github.com/mochi-mqtt/engine/packets"
)

// Authenticator decides whether a set of connect credentials is valid.
type Authenticator interface {
	CheckValid(clientID, username string, password []byte) bool
}

// Authorizator decides whether a client may subscribe to (read) or publish
// to (write) a topic.
type Authorizator interface {
	CanRead(topic, username, clientID string) bool
	CanWrite(topic, username, clientID string) bool
}

// MessageStore holds retained messages keyed by topic.
type MessageStore interface {
	StoreRetained(topic string, msg *StoredMessage) error
	CleanRetained(topic string) error

	// SearchMatching returns every retained message whose topic satisfies match.
	SearchMatching(match func(topic string) bool) ([]*StoredMessage, error)
}

// SubscriptionDirectory is the global index of subscriptions used for fan-out.
type SubscriptionDirectory interface {
	Add(sub Subscription)
	RemoveSubscription(filter, clientID string)
	Matches(topic string) []Subscription
}

// InterceptSink receives fire-and-forget notifications about protocol events.
// Implementations must not block, and must not affect protocol state.
type InterceptSink interface {
	OnConnect(d *ConnectionDescriptor, pk packets.Packet)
	OnDisconnect(clientID, username string)
	OnConnectionLost(clientID, username string)
	OnMessageAcknowledged(clientID, username string, packetID uint16, msg *StoredMessage)
	OnSubscribed(sub Subscription, username string)
	OnUnsubscribed(filter, clientID, username string)
	OnPublished(clientID, username string, msg *StoredMessage)
}

// Attributes are the per-connection values recorded on a transport once a
// CONNECT has been accepted.
type Attributes struct {
	ClientID        string
	Username        string
	Keepalive       uint16
	ProtocolVersion byte
	CleanSession    bool
}

// Transport is a single network connection as seen by the processor.
type Transport interface {
	// ID returns an identifier unique to this connection.
	ID() string

	// Remote returns the remote address of the connection.
	Remote() string

	Attributes() Attributes
	SetAttributes(a Attributes)

	// WritePacket queues a packet on the connection's write buffer. It does not flush.
	WritePacket(pk packets.Packet) error

	// Flush writes any buffered packets to the network.
	Flush() error

	// Close closes the connection. It is safe to call more than once and from
	// any goroutine.
	Close() error

	// Writable indicates whether more packets may be queued without exceeding
	// the write buffer high water mark.
	Writable() bool

	// Wake asks the connection to drain its session queue from its own
	// goroutine, through Processor.OnTransportWritable.
	Wake()

	// SetIdleTimeout sets the read deadline applied before each packet is read.
	SetIdleTimeout(d time.Duration)

	// SetAutoFlush starts flushing buffered writes at a fixed interval.
	SetAutoFlush(d time.Duration)
}
