// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package kv provides the persistence hook shared by the key-value storage
// backends. A backend supplies a Store, and the hook translates engine events
// into records under the keys of the storage package.
package kv

import (
	"bytes"
	"errors"

	mqtt "github.com/mochi-mqtt/engine"
	"github.com/mochi-mqtt/engine/hooks/storage"
	"github.com/mochi-mqtt/engine/system"
)

// Store is a key-value store holding serialized records.
type Store interface {
	// Set inserts or replaces the value of a key.
	Set(key string, value []byte) error

	// Get returns the value of a key, or storage.ErrNotFound.
	Get(key string) ([]byte, error)

	// Delete removes a key. Removing a missing key is not an error.
	Delete(key string) error

	// Iterate calls visit for every key beginning with prefix, in key order.
	Iterate(prefix string, visit func(key string, value []byte) error) error
}

// Hook persists sessions, subscriptions, inflight and retained messages and
// the system info to a Store. It is embedded by the storage backends, which
// set Store when they are initialised.
type Hook struct {
	mqtt.HookBase
	Store Store
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnSessionEstablished,
		mqtt.OnSessionDestroyed,
		mqtt.OnSubscribed,
		mqtt.OnUnsubscribed,
		mqtt.OnRetainMessage,
		mqtt.OnQosPublish,
		mqtt.OnQosComplete,
		mqtt.OnQosDropped,
		mqtt.OnSysInfoTick,
		mqtt.StoredSessions,
		mqtt.StoredSubscriptions,
		mqtt.StoredInflightMessages,
		mqtt.StoredRetainedMessages,
		mqtt.StoredSysInfo,
	}, []byte{b})
}

// ready returns false and logs if the store has not been opened.
func (h *Hook) ready() bool {
	if h.Store == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return false
	}

	return true
}

// OnSessionEstablished writes the session record. A clean session starts
// without the subscriptions and inflight messages of any previous session.
func (h *Hook) OnSessionEstablished(s *mqtt.ClientSession, username string) {
	if !h.ready() {
		return
	}

	clean := s.IsCleanSession()
	if clean {
		h.deletePrefix(storage.SubscriptionPrefix(s.ID))
		h.deletePrefix(storage.InflightPrefix(s.ID))
	}

	_ = h.setKv(storage.SessionID(s.ID), &storage.Session{
		ID:       storage.SessionID(s.ID),
		T:        storage.SessionKey,
		Client:   s.ID,
		Username: username,
		Clean:    clean,
	})
}

// OnSessionDestroyed removes a session and everything stored for it.
func (h *Hook) OnSessionDestroyed(clientID string) {
	if !h.ready() {
		return
	}

	_ = h.delKv(storage.SessionID(clientID))
	h.deletePrefix(storage.SubscriptionPrefix(clientID))
	h.deletePrefix(storage.InflightPrefix(clientID))
}

// OnSubscribed adds a client subscription to the store.
func (h *Hook) OnSubscribed(sub mqtt.Subscription, username string) {
	if !h.ready() {
		return
	}

	in := &storage.Subscription{
		ID:     storage.SubscriptionID(sub.ClientID, sub.Filter),
		T:      storage.SubscriptionKey,
		Client: sub.ClientID,
		Filter: sub.Filter,
		Qos:    sub.Qos,
	}

	_ = h.setKv(in.ID, in)
}

// OnUnsubscribed removes a client subscription from the store.
func (h *Hook) OnUnsubscribed(filter, clientID, username string) {
	if !h.ready() {
		return
	}

	_ = h.delKv(storage.SubscriptionID(clientID, filter))
}

// OnRetainMessage adds a retained message for a topic to the store, or
// removes it when the retained message was cleared.
func (h *Hook) OnRetainMessage(topic string, msg *mqtt.StoredMessage, r int64) {
	if !h.ready() {
		return
	}

	if r == -1 {
		_ = h.delKv(storage.RetainedID(topic))
		return
	}

	in := messageRecord(msg)
	in.ID = storage.RetainedID(topic)
	in.T = storage.RetainedKey
	in.TopicName = topic
	_ = h.setKv(in.ID, in)
}

// OnQosPublish adds or updates an inflight message in the store.
func (h *Hook) OnQosPublish(clientID string, packetID uint16, msg *mqtt.StoredMessage, secondPhase bool) {
	if !h.ready() {
		return
	}

	in := messageRecord(msg)
	in.ID = storage.InflightID(clientID, packetID)
	in.T = storage.InflightKey
	in.Client = clientID
	in.PacketID = packetID
	in.SecondPhase = secondPhase
	_ = h.setKv(in.ID, in)
}

// OnQosComplete removes a resolved inflight message from the store.
func (h *Hook) OnQosComplete(clientID string, packetID uint16) {
	if !h.ready() {
		return
	}

	_ = h.delKv(storage.InflightID(clientID, packetID))
}

// OnQosDropped removes a dropped inflight message from the store.
func (h *Hook) OnQosDropped(clientID string, packetID uint16, msg *mqtt.StoredMessage) {
	h.OnQosComplete(clientID, packetID)
}

// OnSysInfoTick stores the latest system info in the store.
func (h *Hook) OnSysInfoTick(sys *system.Info) {
	if !h.ready() {
		return
	}

	in := &storage.SystemInfo{
		ID:   storage.SysInfoKey,
		T:    storage.SysInfoKey,
		Info: *sys.Clone(),
	}

	_ = h.setKv(in.ID, in)
}

// StoredSessions returns all stored sessions from the store.
func (h *Hook) StoredSessions() (v []storage.Session, err error) {
	if !h.ready() {
		return
	}

	err = h.iterKv(storage.KeyPrefix(storage.SessionKey), func(value []byte) error {
		obj := storage.Session{}
		if err := obj.UnmarshalBinary(value); err != nil {
			return err
		}
		v = append(v, obj)
		return nil
	})
	return
}

// StoredSubscriptions returns all stored subscriptions from the store.
func (h *Hook) StoredSubscriptions() (v []storage.Subscription, err error) {
	if !h.ready() {
		return
	}

	err = h.iterKv(storage.KeyPrefix(storage.SubscriptionKey), func(value []byte) error {
		obj := storage.Subscription{}
		if err := obj.UnmarshalBinary(value); err != nil {
			return err
		}
		v = append(v, obj)
		return nil
	})
	return
}

// StoredRetainedMessages returns all stored retained messages from the store.
func (h *Hook) StoredRetainedMessages() (v []storage.Message, err error) {
	if !h.ready() {
		return
	}

	return h.messages(storage.KeyPrefix(storage.RetainedKey))
}

// StoredInflightMessages returns all stored inflight messages from the store.
func (h *Hook) StoredInflightMessages() (v []storage.Message, err error) {
	if !h.ready() {
		return
	}

	return h.messages(storage.KeyPrefix(storage.InflightKey))
}

// StoredSysInfo returns the system info from the store.
func (h *Hook) StoredSysInfo() (v storage.SystemInfo, err error) {
	if !h.ready() {
		return
	}

	data, err := h.Store.Get(storage.SysInfoKey)
	if errors.Is(err, storage.ErrNotFound) {
		return v, nil
	}

	if err != nil {
		return v, err
	}

	err = v.UnmarshalBinary(data)
	return
}

func (h *Hook) messages(prefix string) (v []storage.Message, err error) {
	err = h.iterKv(prefix, func(value []byte) error {
		obj := storage.Message{}
		if err := obj.UnmarshalBinary(value); err != nil {
			return err
		}
		v = append(v, obj)
		return nil
	})
	return
}

// setKv stores a record under a key.
func (h *Hook) setKv(k string, v storage.Serializable) error {
	data, err := v.MarshalBinary()
	if err == nil {
		err = h.Store.Set(k, data)
	}

	if err != nil {
		h.Log.Error("failed to upsert data", "error", err, "key", k)
	}
	return err
}

// delKv deletes a key from the store.
func (h *Hook) delKv(k string) error {
	err := h.Store.Delete(k)
	if err != nil {
		h.Log.Error("failed to delete data", "error", err, "key", k)
	}
	return err
}

// deletePrefix deletes every key beginning with prefix.
func (h *Hook) deletePrefix(prefix string) {
	var keys []string
	err := h.Store.Iterate(prefix, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		h.Log.Error("failed to find data", "error", err, "prefix", prefix)
		return
	}

	for _, k := range keys {
		_ = h.delKv(k)
	}
}

// iterKv calls visit with the value of every key beginning with prefix.
func (h *Hook) iterKv(prefix string, visit func([]byte) error) error {
	err := h.Store.Iterate(prefix, func(_ string, value []byte) error {
		return visit(value)
	})
	if err != nil {
		h.Log.Error("failed to find data", "error", err, "prefix", prefix)
	}
	return err
}

// messageRecord converts a message into its storable form.
func messageRecord(msg *mqtt.StoredMessage) *storage.Message {
	return &storage.Message{
		Payload:   msg.Payload,
		Origin:    msg.ClientID,
		TopicName: msg.Topic,
		Created:   msg.Created,
		Qos:       msg.Qos,
		Retain:    msg.Retain,
	}
}
