// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"log/slog"
)

// InternalRepublisher queues deliveries which originate inside the engine
// rather than from a fresh publish: unacknowledged messages of a resumed
// session, and retained messages for a new subscription.
type InternalRepublisher struct {
	publisher *MessagePublisher
	log       *slog.Logger
}

// NewInternalRepublisher returns a republisher which queues through the publisher.
func NewInternalRepublisher(publisher *MessagePublisher, log *slog.Logger) *InternalRepublisher {
	return &InternalRepublisher{
		publisher: publisher,
		log:       log,
	}
}

// PublishStored requeues every delivery open in the session windows, in the
// order they were first made, keeping their packet ids and qos. Deliveries
// which were already written are marked as duplicates, and deliveries which
// had received a pubrec are requeued as a pubrel.
func (r *InternalRepublisher) PublishStored(s *ClientSession) {
	queued := s.queue.takeAll()
	entries := s.PendingDeliveries()

	for _, e := range entries {
		m := EnqueuedMessage{
			Message:  e.Message,
			PacketID: e.PacketID,
			Qos:      e.Qos,
			Dup:      e.Sent,
			Release:  e.SecondPhase,
		}

		if err := s.Enqueue(m); err != nil {
			r.log.Warn("failed to requeue stored message", "error", err, "client", s.ID, "packet_id", e.PacketID)
		}
	}

	for _, m := range queued {
		if m.Qos > 0 || m.Release {
			continue // requeued from the windows above
		}

		if err := s.Enqueue(m); err != nil {
			r.log.Warn("failed to requeue pending message", "error", err, "client", s.ID)
		}
	}

	r.log.Debug("republished stored messages", "client", s.ID, "count", len(entries))
	r.wake(s)
}

// PublishRetained queues retained messages matched by a new subscription,
// each with a newly allocated packet id when delivered at qos > 0.
func (r *InternalRepublisher) PublishRetained(s *ClientSession, sub Subscription, msgs []*StoredMessage) {
	for _, msg := range msgs {
		out, err := msg.Copy()
		if err != nil {
			r.log.Error("failed to copy retained message", "error", err, "client", s.ID, "topic", msg.Topic)
			continue
		}

		out.Retain = true
		r.publisher.deliver(s, out, min(msg.Qos, sub.Qos))
	}
}

func (r *InternalRepublisher) wake(s *ClientSession) {
	if d, ok := r.publisher.connections.GetConnection(s.ID); ok {
		d.Transport().Wake()
	}
}
