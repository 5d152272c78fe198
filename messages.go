// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"time"

	"github.com/jinzhu/copier"

	"github.com/mochi-mqtt/engine/packets"
)

// BrokerClientID is the origin recorded on messages injected through InternalPublish
// without a client id.
const BrokerClientID = "BROKER_SELF"

// StoredMessage is an immutable published message as it moves between the
// publisher, the message store and the republisher.
type StoredMessage struct {
	Payload  []byte `json:"payload"`
	Topic    string `json:"topic"`
	ClientID string `json:"client_id"` // the client which originally published the message
	Created  int64  `json:"created"`
	Qos      byte   `json:"qos"`
	Retain   bool   `json:"retain"`
}

// NewStoredMessage builds a stored message from a publish packet. The payload is
// copied, so the packet buffer may be reused by the caller.
func NewStoredMessage(pk packets.Packet) *StoredMessage {
	msg := &StoredMessage{
		Topic:    pk.TopicName,
		ClientID: pk.Origin,
		Created:  pk.Created,
		Qos:      pk.FixedHeader.Qos,
		Retain:   pk.FixedHeader.Retain,
	}

	if len(pk.Payload) > 0 {
		msg.Payload = append([]byte{}, pk.Payload...)
	}

	if msg.Created == 0 {
		msg.Created = time.Now().Unix()
	}

	return msg
}

// Copy returns a deep copy of the message, so that the payload is never shared
// once a message has been handed to another session.
func (m *StoredMessage) Copy() (*StoredMessage, error) {
	out := new(StoredMessage)
	if err := copier.CopyWithOption(out, m, copier.Option{DeepCopy: true}); err != nil {
		return nil, err
	}

	return out, nil
}

// ToPacket renders the message as a publish packet for delivery.
func (m *StoredMessage) ToPacket(packetID uint16, qos byte, dup bool) packets.Packet {
	pk := packets.NewPacket(packets.Publish)
	pk.FixedHeader.Qos = qos
	pk.FixedHeader.Dup = dup
	pk.FixedHeader.Retain = m.Retain
	pk.TopicName = m.Topic
	pk.Payload = m.Payload
	pk.Origin = m.ClientID
	pk.Created = m.Created
	if qos > 0 {
		pk.PacketID = packetID
	}

	return pk
}

// Subscription is a granted subscription of a client to a topic filter.
type Subscription struct {
	ClientID string `json:"client_id"`
	Filter   string `json:"filter"`
	Qos      byte   `json:"qos"`
}

// Will is a last will and testament registered by a client at connect time.
type Will struct {
	Payload []byte `json:"payload"`
	Topic   string `json:"topic"`
	Qos     byte   `json:"qos"`
	Retain  bool   `json:"retain"`
}

// toStoredMessage converts the will into a message originating from the client.
func (w Will) toStoredMessage(clientID string) *StoredMessage {
	return &StoredMessage{
		Payload:  append([]byte{}, w.Payload...),
		Topic:    w.Topic,
		ClientID: clientID,
		Created:  time.Now().Unix(),
		Qos:      w.Qos,
		Retain:   w.Retain,
	}
}
