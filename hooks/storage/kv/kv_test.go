// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package kv

import (
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	mqtt "github.com/mochi-mqtt/engine"
	"github.com/mochi-mqtt/engine/hooks/storage"
	"github.com/mochi-mqtt/engine/system"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// memStore is a map backed Store.
type memStore struct {
	data map[string][]byte
	fail bool
}

var errStore = errors.New("store failure")

func newMemStore() *memStore {
	return &memStore{data: map[string][]byte{}}
}

func (m *memStore) Set(key string, value []byte) error {
	if m.fail {
		return errStore
	}
	m.data[key] = value
	return nil
}

func (m *memStore) Get(key string) ([]byte, error) {
	if m.fail {
		return nil, errStore
	}
	v, ok := m.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return v, nil
}

func (m *memStore) Delete(key string) error {
	if m.fail {
		return errStore
	}
	delete(m.data, key)
	return nil
}

func (m *memStore) Iterate(prefix string, visit func(key string, value []byte) error) error {
	if m.fail {
		return errStore
	}

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := visit(k, m.data[k]); err != nil {
			return err
		}
	}
	return nil
}

func newHook(t *testing.T) (*Hook, *memStore) {
	m := newMemStore()
	h := &Hook{Store: m}
	h.SetOpts(logger, nil)
	return h, m
}

func TestProvides(t *testing.T) {
	h := new(Hook)
	require.True(t, h.Provides(mqtt.OnSessionEstablished))
	require.True(t, h.Provides(mqtt.OnSessionDestroyed))
	require.True(t, h.Provides(mqtt.OnQosPublish))
	require.True(t, h.Provides(mqtt.StoredSysInfo))
	require.False(t, h.Provides(mqtt.OnACLCheck))
	require.False(t, h.Provides(mqtt.OnConnectAuthenticate))
	require.False(t, h.Provides(mqtt.OnPublished))
}

func TestOnSessionEstablished(t *testing.T) {
	h, m := newHook(t)
	h.OnSessionEstablished(mqtt.NewClientSession("cl1", false, 10, 0, nil), "mochi")

	sessions, err := h.StoredSessions()
	require.NoError(t, err)
	require.Equal(t, []storage.Session{
		{ID: "CL_cl1", T: storage.SessionKey, Client: "cl1", Username: "mochi"},
	}, sessions)
	require.Len(t, m.data, 1)
}

func TestOnSessionEstablishedCleanPurges(t *testing.T) {
	h, _ := newHook(t)
	h.OnSubscribed(mqtt.Subscription{ClientID: "cl1", Filter: "a/b", Qos: 1}, "")
	h.OnSubscribed(mqtt.Subscription{ClientID: "cl10", Filter: "a/b", Qos: 1}, "")
	h.OnQosPublish("cl1", 1, &mqtt.StoredMessage{Topic: "a/b", Qos: 1}, false)

	h.OnSessionEstablished(mqtt.NewClientSession("cl1", true, 10, 0, nil), "")

	subs, err := h.StoredSubscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "cl10", subs[0].Client)

	inflight, err := h.StoredInflightMessages()
	require.NoError(t, err)
	require.Empty(t, inflight)

	sessions, err := h.StoredSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.True(t, sessions[0].Clean)
}

func TestOnSessionDestroyed(t *testing.T) {
	h, m := newHook(t)
	h.OnSessionEstablished(mqtt.NewClientSession("cl1", false, 10, 0, nil), "")
	h.OnSubscribed(mqtt.Subscription{ClientID: "cl1", Filter: "a/b", Qos: 1}, "")
	h.OnQosPublish("cl1", 1, &mqtt.StoredMessage{Topic: "a/b", Qos: 1}, false)
	h.OnRetainMessage("a/b", &mqtt.StoredMessage{Topic: "a/b", Payload: []byte("x")}, 1)
	require.Len(t, m.data, 4)

	h.OnSessionDestroyed("cl1")
	require.Len(t, m.data, 1)
	_, ok := m.data[storage.RetainedID("a/b")]
	require.True(t, ok)
}

func TestOnSessionDestroyedSeparatorInClientID(t *testing.T) {
	h, _ := newHook(t)
	h.OnSubscribed(mqtt.Subscription{ClientID: "a:b", Filter: "x/y", Qos: 1}, "")
	h.OnQosPublish("a:b", 3, &mqtt.StoredMessage{Topic: "x/y", Qos: 1}, false)
	h.OnSubscribed(mqtt.Subscription{ClientID: "a", Filter: "b:x/y", Qos: 1}, "")

	h.OnSessionDestroyed("a")
	h.OnSessionEstablished(mqtt.NewClientSession("a", true, 10, 0, nil), "")

	subs, err := h.StoredSubscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "a:b", subs[0].Client)
	require.Equal(t, "x/y", subs[0].Filter)

	inflight, err := h.StoredInflightMessages()
	require.NoError(t, err)
	require.Len(t, inflight, 1)
	require.Equal(t, "a:b", inflight[0].Client)
}

func TestOnSubscribedUnsubscribed(t *testing.T) {
	h, _ := newHook(t)
	h.OnSubscribed(mqtt.Subscription{ClientID: "cl1", Filter: "a/+", Qos: 2}, "")

	subs, err := h.StoredSubscriptions()
	require.NoError(t, err)
	require.Equal(t, []storage.Subscription{
		{ID: "SUB_3_cl1:a/+", T: storage.SubscriptionKey, Client: "cl1", Filter: "a/+", Qos: 2},
	}, subs)

	h.OnUnsubscribed("a/+", "cl1", "")
	subs, err = h.StoredSubscriptions()
	require.NoError(t, err)
	require.Empty(t, subs)
}

func TestOnRetainMessage(t *testing.T) {
	h, _ := newHook(t)
	h.OnRetainMessage("a/b", &mqtt.StoredMessage{
		Topic:    "a/b",
		Payload:  []byte("hello"),
		ClientID: "cl1",
		Created:  100,
		Qos:      1,
		Retain:   true,
	}, 1)

	retained, err := h.StoredRetainedMessages()
	require.NoError(t, err)
	require.Equal(t, []storage.Message{{
		ID:        "RET_a/b",
		T:         storage.RetainedKey,
		Payload:   []byte("hello"),
		Origin:    "cl1",
		TopicName: "a/b",
		Created:   100,
		Qos:       1,
		Retain:    true,
	}}, retained)

	h.OnRetainMessage("a/b", &mqtt.StoredMessage{Topic: "a/b"}, -1)
	retained, err = h.StoredRetainedMessages()
	require.NoError(t, err)
	require.Empty(t, retained)
}

func TestOnQosPublishAndComplete(t *testing.T) {
	h, _ := newHook(t)
	msg := &mqtt.StoredMessage{Topic: "a/b", Payload: []byte("x"), ClientID: "pub", Qos: 2}
	h.OnQosPublish("cl1", 7, msg, false)
	h.OnQosPublish("cl1", 7, msg, true)
	h.OnQosPublish("cl1", 8, msg, false)

	inflight, err := h.StoredInflightMessages()
	require.NoError(t, err)
	require.Len(t, inflight, 2)
	require.Equal(t, "IFM_3_cl1:7", inflight[0].ID)
	require.Equal(t, "cl1", inflight[0].Client)
	require.Equal(t, "pub", inflight[0].Origin)
	require.Equal(t, uint16(7), inflight[0].PacketID)
	require.True(t, inflight[0].SecondPhase)
	require.False(t, inflight[1].SecondPhase)

	h.OnQosComplete("cl1", 7)
	h.OnQosDropped("cl1", 8, msg)
	inflight, err = h.StoredInflightMessages()
	require.NoError(t, err)
	require.Empty(t, inflight)
}

func TestOnSysInfoTick(t *testing.T) {
	h, _ := newHook(t)

	v, err := h.StoredSysInfo()
	require.NoError(t, err)
	require.Equal(t, storage.SystemInfo{}, v)

	h.OnSysInfoTick(&system.Info{Version: "1.0.0", BytesReceived: 12})
	v, err = h.StoredSysInfo()
	require.NoError(t, err)
	require.Equal(t, "1.0.0", v.Version)
	require.Equal(t, int64(12), v.BytesReceived)
	require.Equal(t, storage.SysInfoKey, v.ID)
}

func TestStoredCorruptRecord(t *testing.T) {
	h, m := newHook(t)
	m.data[storage.SessionID("cl1")] = []byte("{")
	_, err := h.StoredSessions()
	require.Error(t, err)
}

func TestStoreFailures(t *testing.T) {
	h, m := newHook(t)
	m.fail = true

	h.OnSessionEstablished(mqtt.NewClientSession("cl1", true, 10, 0, nil), "")
	h.OnSubscribed(mqtt.Subscription{ClientID: "cl1", Filter: "a/b"}, "")

	_, err := h.StoredSessions()
	require.ErrorIs(t, err, errStore)
	_, err = h.StoredSubscriptions()
	require.ErrorIs(t, err, errStore)
	_, err = h.StoredInflightMessages()
	require.ErrorIs(t, err, errStore)
	_, err = h.StoredRetainedMessages()
	require.ErrorIs(t, err, errStore)
	_, err = h.StoredSysInfo()
	require.ErrorIs(t, err, errStore)
}

func TestStoreNotOpen(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)

	h.OnSessionEstablished(mqtt.NewClientSession("cl1", false, 10, 0, nil), "")
	h.OnSessionDestroyed("cl1")
	h.OnSubscribed(mqtt.Subscription{ClientID: "cl1", Filter: "a/b"}, "")
	h.OnUnsubscribed("a/b", "cl1", "")
	h.OnRetainMessage("a/b", &mqtt.StoredMessage{}, 1)
	h.OnQosPublish("cl1", 1, &mqtt.StoredMessage{}, false)
	h.OnQosComplete("cl1", 1)
	h.OnQosDropped("cl1", 1, &mqtt.StoredMessage{})
	h.OnSysInfoTick(new(system.Info))

	v, err := h.StoredSessions()
	require.NoError(t, err)
	require.Empty(t, v)

	_, err = h.StoredSysInfo()
	require.NoError(t, err)
}

func TestEngineRestoresFromStore(t *testing.T) {
	h, _ := newHook(t)
	h.OnSessionEstablished(mqtt.NewClientSession("cl1", false, 10, 0, nil), "")
	h.OnSubscribed(mqtt.Subscription{ClientID: "cl1", Filter: "a/b", Qos: 1}, "")
	h.OnRetainMessage("r/1", &mqtt.StoredMessage{Topic: "r/1", Payload: []byte("kept"), Retain: true}, 1)

	e := mqtt.New(&mqtt.Options{Logger: logger})
	require.NoError(t, e.AddHook(h, nil))
	require.NoError(t, e.Serve())
	defer e.Close()

	s, ok := e.Processor.Sessions.SessionForClient("cl1")
	require.True(t, ok)
	require.Len(t, s.Subscriptions(), 1)

	msgs, err := e.Processor.Store.SearchMatching(func(topic string) bool { return topic == "r/1" })
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}
