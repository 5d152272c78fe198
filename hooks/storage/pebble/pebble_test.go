// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: werbenhu

package pebble

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	pebbledb "github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/require"

	mqtt "github.com/mochi-mqtt/engine"
	"github.com/mochi-mqtt/engine/hooks/storage"
	"github.com/mochi-mqtt/engine/system"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newHook(t *testing.T, mode string) *Hook {
	h := new(Hook)
	h.SetOpts(logger, nil)
	err := h.Init(&Options{Path: filepath.Join(t.TempDir(), "pebble"), Mode: mode})
	require.NoError(t, err)
	return h
}

func TestKeyUpperBound(t *testing.T) {
	require.Equal(t, []byte("SUB_cl1;"), keyUpperBound([]byte("SUB_cl1:")))
	require.Equal(t, []byte{0x01}, keyUpperBound([]byte{0x00, 0xff}))
	require.Nil(t, keyUpperBound([]byte{0xff, 0xff}))
}

func TestID(t *testing.T) {
	h := new(Hook)
	require.Equal(t, "pebble-db", h.ID())
}

func TestProvides(t *testing.T) {
	h := new(Hook)
	require.True(t, h.Provides(mqtt.OnSessionEstablished))
	require.True(t, h.Provides(mqtt.OnSessionDestroyed))
	require.True(t, h.Provides(mqtt.OnQosComplete))
	require.True(t, h.Provides(mqtt.StoredSubscriptions))
	require.False(t, h.Provides(mqtt.OnACLCheck))
}

func TestInitBadConfig(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)

	err := h.Init(map[string]any{})
	require.ErrorIs(t, err, mqtt.ErrInvalidConfigType)
}

func TestInitModes(t *testing.T) {
	h := newHook(t, "")
	require.Equal(t, pebbledb.NoSync, h.Store.(*store).mode)
	require.NoError(t, h.Stop())

	h = newHook(t, "sync")
	require.Equal(t, pebbledb.Sync, h.Store.(*store).mode)
	require.NoError(t, h.Stop())
}

func TestStore(t *testing.T) {
	h := newHook(t, Sync)
	defer h.Stop()
	s := h.Store

	_, err := s.Get("SYS")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Set("CL_a", []byte("1")))
	require.NoError(t, s.Set("CL_b", []byte("2")))
	require.NoError(t, s.Set("CLX", []byte("3")))

	var keys []string
	err = s.Iterate("CL_", func(key string, value []byte) error {
		keys = append(keys, key)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"CL_a", "CL_b"}, keys)

	v, err := s.Get("CLX")
	require.NoError(t, err)
	require.Equal(t, []byte("3"), v)

	require.NoError(t, s.Delete("CL_a"))
	_, err = s.Get("CL_a")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSessionLifecycle(t *testing.T) {
	h := newHook(t, NoSync)
	defer h.Stop()

	h.OnSessionEstablished(mqtt.NewClientSession("cl1", false, 10, 0, nil), "")
	h.OnSubscribed(mqtt.Subscription{ClientID: "cl1", Filter: "a/b", Qos: 1}, "")
	h.OnSubscribed(mqtt.Subscription{ClientID: "cl2", Filter: "a/b", Qos: 0}, "")
	h.OnUnsubscribed("a/b", "cl2", "")

	subs, err := h.StoredSubscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "cl1", subs[0].Client)

	h.OnSessionDestroyed("cl1")
	subs, err = h.StoredSubscriptions()
	require.NoError(t, err)
	require.Empty(t, subs)
}

func TestInflight(t *testing.T) {
	h := newHook(t, NoSync)
	defer h.Stop()

	msg := &mqtt.StoredMessage{Topic: "a/b", Payload: []byte("x"), Qos: 1}
	h.OnQosPublish("cl1", 1, msg, false)
	h.OnQosPublish("cl1", 2, msg, false)
	h.OnQosDropped("cl1", 1, msg)

	inflight, err := h.StoredInflightMessages()
	require.NoError(t, err)
	require.Len(t, inflight, 1)
	require.Equal(t, uint16(2), inflight[0].PacketID)
}

func TestRetainedAndSysInfo(t *testing.T) {
	h := newHook(t, NoSync)
	defer h.Stop()

	h.OnRetainMessage("a/b", &mqtt.StoredMessage{Topic: "a/b", Payload: []byte("v")}, 1)
	h.OnSysInfoTick(&system.Info{Version: "2.0.0"})

	retained, err := h.StoredRetainedMessages()
	require.NoError(t, err)
	require.Len(t, retained, 1)

	info, err := h.StoredSysInfo()
	require.NoError(t, err)
	require.Equal(t, "2.0.0", info.Version)
}

func TestStoppedDB(t *testing.T) {
	h := newHook(t, NoSync)
	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())

	h.OnSessionEstablished(mqtt.NewClientSession("cl1", false, 10, 0, nil), "")
	v, err := h.StoredSessions()
	require.NoError(t, err)
	require.Empty(t, v)
}
