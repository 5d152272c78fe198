// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package debug

import (
	"log/slog"

	mqtt "github.com/mochi-mqtt/engine"
	"github.com/mochi-mqtt/engine/hooks/storage"
	"github.com/mochi-mqtt/engine/packets"
	"github.com/mochi-mqtt/engine/system"
)

// Options contains configuration settings for the debug output.
type Options struct {
	ShowPacketData bool // include decoded packet data (default false)
	ShowPasswords  bool // show connecting user passwords (default false)
	ShowPayloads   bool // show message payloads (default false)
}

// Hook is a debugging hook which logs every event of the engine.
type Hook struct {
	mqtt.HookBase
	config *Options
	Log    *slog.Logger
}

// ID returns the ID of the hook.
func (h *Hook) ID() string {
	return "debug"
}

// Provides indicates that this hook provides all methods.
func (h *Hook) Provides(b byte) bool {
	return true
}

// Init is called when the hook is initialized.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)

	return nil
}

// SetOpts is called when the hook receives inheritable engine parameters.
func (h *Hook) SetOpts(l *slog.Logger, opts *mqtt.HookOptions) {
	h.Log = l
	h.Log.Debug("", "method", "SetOpts", "opts", opts)
}

// Stop is called when the hook is stopped.
func (h *Hook) Stop() error {
	h.Log.Debug("", "method", "Stop")
	return nil
}

// OnStarted is called when the engine starts.
func (h *Hook) OnStarted() {
	h.Log.Debug("", "method", "OnStarted")
}

// OnStopped is called when the engine stops.
func (h *Hook) OnStopped() {
	h.Log.Debug("", "method", "OnStopped")
}

// OnSysInfoTick is called when the $SYS topics are published.
func (h *Hook) OnSysInfoTick(info *system.Info) {
	h.Log.Debug("", "method", "OnSysInfoTick", "clients", info.ClientsConnected, "inflight", info.Inflight, "retained", info.Retained)
}

// OnConnectAuthenticate logs the attempt and defers the decision to the
// other hooks.
func (h *Hook) OnConnectAuthenticate(clientID, username string, password []byte) bool {
	attrs := []any{"method", "OnConnectAuthenticate", "client", clientID, "username", username}
	if h.config.ShowPasswords {
		attrs = append(attrs, "password", string(password))
	}

	h.Log.Debug("", attrs...)
	return false
}

// OnACLCheck logs the check and defers the decision to the other hooks.
func (h *Hook) OnACLCheck(clientID, username, topic string, write bool) bool {
	h.Log.Debug("", "method", "OnACLCheck", "client", clientID, "username", username, "topic", topic, "write", write)
	return false
}

// OnConnect is called when a connect packet has been accepted.
func (h *Hook) OnConnect(d *mqtt.ConnectionDescriptor, pk packets.Packet) {
	h.Log.Debug("CONNECT << "+d.ClientID, "m", h.packetMeta(pk))
}

// OnSessionEstablished is called when a session has been created or resumed.
func (h *Hook) OnSessionEstablished(s *mqtt.ClientSession, username string) {
	h.Log.Debug("", "method", "OnSessionEstablished", "client", s.ID, "username", username, "clean", s.IsCleanSession())
}

// OnSessionDestroyed is called when a session has been removed.
func (h *Hook) OnSessionDestroyed(clientID string) {
	h.Log.Debug("", "method", "OnSessionDestroyed", "client", clientID)
}

// OnDisconnect is called when a client sent a disconnect packet.
func (h *Hook) OnDisconnect(clientID, username string) {
	h.Log.Debug("DISCONNECT << "+clientID, "username", username)
}

// OnConnectionLost is called when a connection ended without a disconnect packet.
func (h *Hook) OnConnectionLost(clientID, username string) {
	h.Log.Debug("", "method", "OnConnectionLost", "client", clientID, "username", username)
}

// OnSubscribed is called when a subscription has been granted.
func (h *Hook) OnSubscribed(sub mqtt.Subscription, username string) {
	h.Log.Debug("SUBSCRIBE << "+sub.ClientID, "filter", sub.Filter, "qos", sub.Qos)
}

// OnUnsubscribed is called when a subscription has been removed.
func (h *Hook) OnUnsubscribed(filter, clientID, username string) {
	h.Log.Debug("UNSUBSCRIBE << "+clientID, "filter", filter)
}

// OnPublished is called when a client has published a message.
func (h *Hook) OnPublished(clientID, username string, msg *mqtt.StoredMessage) {
	h.Log.Debug("PUBLISH << "+clientID, "m", h.messageMeta(msg))
}

// OnMessageAcknowledged is called when a qos 1 or 2 delivery completes.
func (h *Hook) OnMessageAcknowledged(clientID, username string, packetID uint16, msg *mqtt.StoredMessage) {
	h.Log.Debug("", "method", "OnMessageAcknowledged", "client", clientID, "id", packetID, "m", h.messageMeta(msg))
}

// OnRetainMessage is called when a published message is retained (or retain deleted/modified).
func (h *Hook) OnRetainMessage(topic string, msg *mqtt.StoredMessage, r int64) {
	h.Log.Debug("retained message on topic", "topic", topic, "r", r)
}

// OnQosPublish is called when a publish packet with Qos is issued to a subscriber.
func (h *Hook) OnQosPublish(clientID string, packetID uint16, msg *mqtt.StoredMessage, secondPhase bool) {
	h.Log.Debug("inflight out", "client", clientID, "id", packetID, "second_phase", secondPhase, "m", h.messageMeta(msg))
}

// OnQosComplete is called when the Qos flow for a message has been completed.
func (h *Hook) OnQosComplete(clientID string, packetID uint16) {
	h.Log.Debug("inflight complete", "client", clientID, "id", packetID)
}

// OnQosDropped is called when an inflight message could not be delivered.
func (h *Hook) OnQosDropped(clientID string, packetID uint16, msg *mqtt.StoredMessage) {
	h.Log.Debug("inflight dropped", "client", clientID, "id", packetID, "m", h.messageMeta(msg))
}

// OnWillSent is called when the will message of a lost connection has been published.
func (h *Hook) OnWillSent(clientID string, msg *mqtt.StoredMessage) {
	h.Log.Debug("sent will for client", "method", "OnWillSent", "client", clientID, "topic", msg.Topic)
}

// StoredSessions is called when the engine restores sessions from a store.
func (h *Hook) StoredSessions() (v []storage.Session, err error) {
	h.Log.Debug("", "method", "StoredSessions")
	return v, nil
}

// StoredSubscriptions is called when the engine restores subscriptions from a store.
func (h *Hook) StoredSubscriptions() (v []storage.Subscription, err error) {
	h.Log.Debug("", "method", "StoredSubscriptions")
	return v, nil
}

// StoredRetainedMessages is called when the engine restores retained messages from a store.
func (h *Hook) StoredRetainedMessages() (v []storage.Message, err error) {
	h.Log.Debug("", "method", "StoredRetainedMessages")
	return v, nil
}

// StoredInflightMessages is called when the engine restores inflight messages from a store.
func (h *Hook) StoredInflightMessages() (v []storage.Message, err error) {
	h.Log.Debug("", "method", "StoredInflightMessages")
	return v, nil
}

// StoredSysInfo is called when the engine restores system info from a store.
func (h *Hook) StoredSysInfo() (v storage.SystemInfo, err error) {
	h.Log.Debug("", "method", "StoredSysInfo")
	return v, nil
}

// messageMeta adds message values to the debug logs.
func (h *Hook) messageMeta(msg *mqtt.StoredMessage) map[string]any {
	m := map[string]any{}
	if msg == nil {
		return m
	}

	m["topic"] = msg.Topic
	m["qos"] = msg.Qos
	m["retain"] = msg.Retain
	m["origin"] = msg.ClientID
	if h.config.ShowPayloads {
		m["payload"] = string(msg.Payload)
	}

	return m
}

// packetMeta adds additional type-specific metadata to the debug logs.
func (h *Hook) packetMeta(pk packets.Packet) map[string]any {
	m := map[string]any{}
	switch pk.FixedHeader.Type {
	case packets.Connect:
		m["id"] = pk.Connect.ClientIdentifier
		m["clean"] = pk.Connect.Clean
		m["keepalive"] = pk.Connect.Keepalive
		m["version"] = pk.ProtocolVersion
		m["username"] = string(pk.Connect.Username)
		if h.config.ShowPasswords {
			m["password"] = string(pk.Connect.Password)
		}
		if pk.Connect.WillFlag {
			m["will_topic"] = pk.Connect.WillTopic
			if h.config.ShowPayloads {
				m["will_payload"] = string(pk.Connect.WillPayload)
			}
		}
	case packets.Publish:
		m["topic"] = pk.TopicName
		m["qos"] = pk.FixedHeader.Qos
		m["id"] = pk.PacketID
		if h.config.ShowPayloads {
			m["payload"] = string(pk.Payload)
		}
	case packets.Subscribe:
		f := map[string]int{}
		for _, v := range pk.Filters {
			f[v.Filter] = int(v.Qos)
		}
		m["filters"] = f
	case packets.Unsubscribe:
		f := []string{}
		for _, v := range pk.Filters {
			f = append(f, v.Filter)
		}
		m["filters"] = f
	case packets.Suback:
		r := []int{}
		for _, v := range pk.ReturnCodes {
			r = append(r, int(v))
		}
		m["codes"] = r
	default:
		m["id"] = pk.PacketID
	}

	if h.config.ShowPacketData {
		m["packet"] = pk
	}

	return m
}
