// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-co
// SPDX-FileContributor: mochi-co

package debug

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	mqtt "github.com/mochi-mqtt/engine"
	"github.com/mochi-mqtt/engine/packets"
	"github.com/mochi-mqtt/engine/system"
)

func newDebugHook(t *testing.T, opts *Options) (*Hook, *bytes.Buffer) {
	buf := new(bytes.Buffer)
	h := new(Hook)
	h.SetOpts(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), nil)
	require.NoError(t, h.Init(opts))
	return h, buf
}

func TestDebugID(t *testing.T) {
	require.Equal(t, "debug", new(Hook).ID())
}

func TestDebugProvides(t *testing.T) {
	h := new(Hook)
	require.True(t, h.Provides(mqtt.OnConnect))
	require.True(t, h.Provides(mqtt.StoredSessions))
}

func TestDebugInitBadConfig(t *testing.T) {
	h := new(Hook)
	require.ErrorIs(t, h.Init(map[string]any{}), mqtt.ErrInvalidConfigType)
}

func TestDebugDefersDecisions(t *testing.T) {
	h, buf := newDebugHook(t, nil)
	require.False(t, h.OnConnectAuthenticate("cl1", "mochi", []byte("secret")))
	require.False(t, h.OnACLCheck("cl1", "mochi", "a/b", true))
	require.Contains(t, buf.String(), "method=OnConnectAuthenticate")
	require.NotContains(t, buf.String(), "secret")
}

func TestDebugShowPasswords(t *testing.T) {
	h, buf := newDebugHook(t, &Options{ShowPasswords: true})
	h.OnConnectAuthenticate("cl1", "mochi", []byte("secret"))
	require.Contains(t, buf.String(), "password=secret")
}

func TestDebugLogsEvents(t *testing.T) {
	h, buf := newDebugHook(t, &Options{ShowPayloads: true})
	msg := &mqtt.StoredMessage{Topic: "a/b", Payload: []byte("hello"), Qos: 1}

	pk := packets.NewPacket(packets.Connect)
	pk.Connect.ClientIdentifier = "cl1"
	h.OnConnect(mqtt.NewConnectionDescriptor("cl1", "", true, nil), pk)
	h.OnPublished("cl1", "", msg)
	h.OnQosPublish("cl2", 1, msg, false)
	h.OnQosComplete("cl2", 1)
	h.OnQosDropped("cl2", 2, msg)
	h.OnWillSent("cl1", msg)
	h.OnSubscribed(mqtt.Subscription{ClientID: "cl1", Filter: "a/#", Qos: 1}, "")
	h.OnUnsubscribed("a/#", "cl1", "")
	h.OnDisconnect("cl1", "")
	h.OnConnectionLost("cl2", "")
	h.OnSessionDestroyed("cl1")
	h.OnSysInfoTick(new(system.Info))
	h.OnStarted()
	h.OnStopped()

	out := buf.String()
	require.Contains(t, out, "CONNECT << cl1")
	require.Contains(t, out, "PUBLISH << cl1")
	require.Contains(t, out, "inflight out")
	require.Contains(t, out, "inflight complete")
	require.Contains(t, out, "inflight dropped")
	require.Contains(t, out, "sent will for client")
	require.Contains(t, out, "SUBSCRIBE << cl1")
	require.Contains(t, out, "UNSUBSCRIBE << cl1")
	require.Contains(t, out, "DISCONNECT << cl1")
	require.Contains(t, out, "method=OnConnectionLost")
	require.Contains(t, out, "method=OnSysInfoTick")
	require.Contains(t, out, "payload:hello")
}

func TestDebugStored(t *testing.T) {
	h, _ := newDebugHook(t, nil)

	sessions, err := h.StoredSessions()
	require.NoError(t, err)
	require.Empty(t, sessions)

	subs, err := h.StoredSubscriptions()
	require.NoError(t, err)
	require.Empty(t, subs)

	inflight, err := h.StoredInflightMessages()
	require.NoError(t, err)
	require.Empty(t, inflight)

	retained, err := h.StoredRetainedMessages()
	require.NoError(t, err)
	require.Empty(t, retained)

	_, err = h.StoredSysInfo()
	require.NoError(t, err)
}

func TestPacketMeta(t *testing.T) {
	h, _ := newDebugHook(t, &Options{ShowPacketData: true})

	pk := packets.NewPacket(packets.Subscribe)
	pk.Filters = packets.Subscriptions{{Filter: "a/b", Qos: 1}}
	m := h.packetMeta(pk)
	require.Equal(t, map[string]int{"a/b": 1}, m["filters"])
	require.Equal(t, pk, m["packet"])

	pk = packets.NewPacket(packets.Suback)
	pk.ReturnCodes = []byte{0, packets.QosFailure}
	require.Equal(t, []int{0, 0x80}, h.packetMeta(pk)["codes"])

	pk = packets.NewPacket(packets.Puback)
	pk.PacketID = 7
	require.Equal(t, uint16(7), h.packetMeta(pk)["id"])
}
