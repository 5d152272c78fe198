// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/mochi-mqtt/engine/packets"
	"github.com/mochi-mqtt/engine/system"
)

// MessagePublisher fans published messages out to the sessions of every
// matching subscriber.
type MessagePublisher struct {
	connections   *ConnectionRegistry
	sessions      *SessionRepository
	subscriptions SubscriptionDirectory
	hooks         *Hooks
	info          *system.Info
	log           *slog.Logger
}

// NewMessagePublisher returns a publisher over the given registries.
func NewMessagePublisher(connections *ConnectionRegistry, sessions *SessionRepository, subscriptions SubscriptionDirectory, hooks *Hooks, info *system.Info, log *slog.Logger) *MessagePublisher {
	return &MessagePublisher{
		connections:   connections,
		sessions:      sessions,
		subscriptions: subscriptions,
		hooks:         hooks,
		info:          info,
		log:           log,
	}
}

// Publish2Subscribers delivers a message to every session subscribed to its
// topic, at the lower of the message qos and the subscription qos.
func (p *MessagePublisher) Publish2Subscribers(msg *StoredMessage) {
	for _, sub := range p.subscriptions.Matches(msg.Topic) {
		s, ok := p.sessions.SessionForClient(sub.ClientID)
		if !ok {
			p.log.Debug("no session for matched subscription", "client", sub.ClientID, "filter", sub.Filter)
			continue
		}

		out, err := msg.Copy()
		if err != nil {
			p.log.Error("failed to copy message for subscriber", "error", err, "client", sub.ClientID, "topic", msg.Topic)
			continue
		}

		out.Retain = false // established subscriptions never receive the retain flag
		p.deliver(s, out, min(msg.Qos, sub.Qos))
	}
}

// deliver allocates a packet id for qos > 0, queues the message on the
// session and signals the session's connection, if any, to drain its queue.
// Qos 0 messages for offline sessions are dropped. msg must be owned by the
// session, as its qos is downgraded in place.
func (p *MessagePublisher) deliver(s *ClientSession, msg *StoredMessage, qos byte) bool {
	msg.Qos = qos
	d, online := p.connections.GetConnection(s.ID)
	if qos == 0 && !online {
		atomic.AddInt64(&p.info.MessagesDropped, 1)
		return false
	}

	var id uint16
	if qos > 0 {
		var err error
		id, err = s.NextPacketID()
		if err == nil {
			err = s.InflightAdd(id, msg, qos)
		}

		if err != nil {
			p.log.Warn("dropping message", "error", err, "client", s.ID, "topic", msg.Topic)
			atomic.AddInt64(&p.info.MessagesDropped, 1)
			p.hooks.OnQosDropped(s.ID, id, msg)
			return false
		}

		p.hooks.OnQosPublish(s.ID, id, msg, false)
	}

	if err := s.Enqueue(EnqueuedMessage{Message: msg, PacketID: id, Qos: qos}); err != nil {
		p.log.Warn("dropping message", "error", err, "client", s.ID, "topic", msg.Topic)
		atomic.AddInt64(&p.info.MessagesDropped, 1)
		if qos > 0 {
			s.InflightAcknowledged(id)
			p.hooks.OnQosDropped(s.ID, id, msg)
		}
		return false
	}

	if online {
		d.Transport().Wake()
	}

	return true
}

// publishHandler holds what the three qos handlers share.
type publishHandler struct {
	authorizator Authorizator
	store        MessageStore
	publisher    *MessagePublisher
	sink         InterceptSink
	log          *slog.Logger
}

// authorized reports whether the publishing client may write to the topic.
func (h *publishHandler) authorized(d *ConnectionDescriptor, topic string) bool {
	if h.authorizator.CanWrite(topic, d.Username, d.ClientID) {
		return true
	}

	h.log.Warn("client not authorized to publish", "client", d.ClientID, "username", d.Username, "topic", topic)
	return false
}

// retain updates the retained message of the topic for a publish with the
// retain flag set. An empty payload clears it.
func (h *publishHandler) retain(msg *StoredMessage) error {
	if len(msg.Payload) == 0 {
		return h.store.CleanRetained(msg.Topic)
	}

	out, err := msg.Copy()
	if err != nil {
		return err
	}

	return h.store.StoreRetained(msg.Topic, out)
}

// Qos0Handler handles at most once publishes.
type Qos0Handler struct {
	publishHandler
}

// ReceivedPublish fans out the message with no acknowledgement. A qos 0
// publish with the retain flag clears any retained message on the topic.
func (h *Qos0Handler) ReceivedPublish(d *ConnectionDescriptor, pk packets.Packet) error {
	if !h.authorized(d, pk.TopicName) {
		return nil
	}

	msg := NewStoredMessage(pk)
	msg.ClientID = d.ClientID
	h.publisher.Publish2Subscribers(msg)

	if pk.FixedHeader.Retain {
		if err := h.store.CleanRetained(msg.Topic); err != nil {
			return fmt.Errorf("clean retained: %w", err)
		}
	}

	h.sink.OnPublished(d.ClientID, d.Username, msg)
	return nil
}

// Qos1Handler handles at least once publishes.
type Qos1Handler struct {
	publishHandler
}

// ReceivedPublish fans out the message, updates the retained store and
// replies with a puback.
func (h *Qos1Handler) ReceivedPublish(d *ConnectionDescriptor, pk packets.Packet) error {
	if !h.authorized(d, pk.TopicName) {
		return nil
	}

	msg := NewStoredMessage(pk)
	msg.ClientID = d.ClientID
	h.publisher.Publish2Subscribers(msg)

	if pk.FixedHeader.Retain {
		if err := h.retain(msg); err != nil {
			return fmt.Errorf("retain: %w", err)
		}
	}

	ack := packets.NewPacket(packets.Puback)
	ack.PacketID = pk.PacketID
	if err := d.WriteAndFlush(ack); err != nil {
		return err
	}

	h.sink.OnPublished(d.ClientID, d.Username, msg)
	return nil
}

// Qos2Handler handles exactly once publishes.
type Qos2Handler struct {
	publishHandler
	sessions *SessionRepository
}

// ReceivedPublish fans out the message and replies with a pubrec. A resent
// publish for a packet id still awaiting its pubrel is only acknowledged again.
func (h *Qos2Handler) ReceivedPublish(d *ConnectionDescriptor, pk packets.Packet) error {
	if !h.authorized(d, pk.TopicName) {
		return nil
	}

	fresh := true
	if s, ok := h.sessions.SessionForClient(d.ClientID); ok {
		fresh = s.ReceivedQos2(pk.PacketID)
	}

	if fresh {
		msg := NewStoredMessage(pk)
		msg.ClientID = d.ClientID
		h.publisher.Publish2Subscribers(msg)

		if pk.FixedHeader.Retain {
			if err := h.retain(msg); err != nil {
				return fmt.Errorf("retain: %w", err)
			}
		}

		h.sink.OnPublished(d.ClientID, d.Username, msg)
	} else {
		h.log.Debug("qos 2 publish already received", "client", d.ClientID, "packet_id", pk.PacketID)
	}

	rec := packets.NewPacket(packets.Pubrec)
	rec.PacketID = pk.PacketID
	return d.WriteAndFlush(rec)
}

// ReceivedPubRel completes the exactly once handshake with a pubcomp.
func (h *Qos2Handler) ReceivedPubRel(d *ConnectionDescriptor, packetID uint16) error {
	if s, ok := h.sessions.SessionForClient(d.ClientID); ok {
		if !s.ReleaseQos2(packetID) {
			h.log.Debug("pubrel for unknown packet id", "client", d.ClientID, "packet_id", packetID)
		}
	}

	comp := packets.NewPacket(packets.Pubcomp)
	comp.PacketID = packetID
	return d.WriteAndFlush(comp)
}
