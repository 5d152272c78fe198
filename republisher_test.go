// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishStored(t *testing.T) {
	f := newPublisherFixture(t, NewDefaultCapabilities())
	r := NewInternalRepublisher(f.publisher, logger)
	s, tr := f.online("cl1")

	require.True(t, f.publisher.deliver(s, &StoredMessage{Topic: "a"}, 1))
	require.True(t, f.publisher.deliver(s, &StoredMessage{Topic: "b"}, 2))
	require.True(t, f.publisher.deliver(s, &StoredMessage{Topic: "c"}, 0))
	require.True(t, f.publisher.deliver(s, &StoredMessage{Topic: "d"}, 1))

	entries := s.Inflight.Entries()
	require.Len(t, entries, 3)
	s.Inflight.MarkSent(entries[0].PacketID)
	s.Inflight.MarkSent(entries[1].PacketID)
	s.MoveInflightToSecondPhase(entries[1].PacketID)

	wakes := tr.wakes
	r.PublishStored(s)
	require.Equal(t, wakes+1, tr.wakes)
	require.Equal(t, 4, s.QueueLen())

	m, _ := s.Poll()
	require.Equal(t, "a", m.Message.Topic)
	require.True(t, m.Dup)
	require.False(t, m.Release)
	require.Equal(t, entries[0].PacketID, m.PacketID)

	m, _ = s.Poll()
	require.True(t, m.Release)
	require.Equal(t, entries[1].PacketID, m.PacketID)

	m, _ = s.Poll()
	require.Equal(t, "d", m.Message.Topic)
	require.False(t, m.Dup)

	m, _ = s.Poll()
	require.Equal(t, "c", m.Message.Topic)
	require.Equal(t, byte(0), m.Qos)
}

func TestPublishRetained(t *testing.T) {
	f := newPublisherFixture(t, NewDefaultCapabilities())
	r := NewInternalRepublisher(f.publisher, logger)
	s, _ := f.online("cl1")

	msgs := []*StoredMessage{
		{Topic: "a/1", Qos: 2, Retain: true},
		{Topic: "a/2", Qos: 0, Retain: true},
	}
	r.PublishRetained(s, Subscription{ClientID: "cl1", Filter: "a/+", Qos: 1}, msgs)
	require.Equal(t, 2, s.QueueLen())
	require.Equal(t, 1, s.Inflight.Len())

	m, _ := s.Poll()
	require.Equal(t, byte(1), m.Qos)
	require.NotZero(t, m.PacketID)
	require.True(t, m.Message.Retain)
	require.NotSame(t, msgs[0], m.Message)

	m, _ = s.Poll()
	require.Equal(t, byte(0), m.Qos)
	require.Equal(t, byte(2), msgs[0].Qos)
}
