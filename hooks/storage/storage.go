// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package storage

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/mochi-mqtt/engine/system"
)

const (
	SubscriptionKey = "SUB" // unique key to denote Subscriptions in a store
	SysInfoKey      = "SYS" // unique key to denote server system information in a store
	RetainedKey     = "RET" // unique key to denote retained messages in a store
	InflightKey     = "IFM" // unique key to denote inflight messages in a store
	SessionKey      = "CL"  // unique key to denote client sessions in a store
)

var (
	// ErrDBFileNotOpen indicates that the file database (e.g. bolt/badger) wasn't open for reading.
	ErrDBFileNotOpen = errors.New("db file not open")

	// ErrNotFound indicates that a key does not exist in a store.
	ErrNotFound = errors.New("key not found")
)

// Serializable is an interface for objects that can be serialized and deserialized.
type Serializable interface {
	UnmarshalBinary([]byte) error
	MarshalBinary() (data []byte, err error)
}

// KeyPrefix returns the prefix shared by every key of a data type.
func KeyPrefix(t string) string {
	return t + "_"
}

// SessionID returns the primary key of a client session.
func SessionID(client string) string {
	return SessionKey + "_" + client
}

// clientPrefix returns the key prefix of the records of a data type owned by a
// client. The client id is length prefixed, as it may contain any character,
// so the prefix of one client never matches the keys of another.
func clientPrefix(t, client string) string {
	return t + "_" + strconv.Itoa(len(client)) + "_" + client + ":"
}

// SubscriptionPrefix returns the key prefix of all subscriptions of a client.
func SubscriptionPrefix(client string) string {
	return clientPrefix(SubscriptionKey, client)
}

// SubscriptionID returns the primary key of a subscription.
func SubscriptionID(client, filter string) string {
	return SubscriptionPrefix(client) + filter
}

// RetainedID returns the primary key of a retained message.
func RetainedID(topic string) string {
	return RetainedKey + "_" + topic
}

// InflightPrefix returns the key prefix of all inflight messages of a client.
func InflightPrefix(client string) string {
	return clientPrefix(InflightKey, client)
}

// InflightID returns the primary key of an inflight message.
func InflightID(client string, packetID uint16) string {
	return InflightPrefix(client) + strconv.Itoa(int(packetID))
}

// Session is a storable representation of a client session.
type Session struct {
	ID       string `json:"id" storm:"id"` // the client id / storage key
	T        string `json:"t"`             // the data type (session)
	Client   string `json:"client"`        // the client id
	Username string `json:"username"`      // the username the session was established with
	Clean    bool   `json:"clean"`         // if the client requested a clean session
}

// MarshalBinary encodes the values into a json string.
func (d Session) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Session) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// Message is a storable representation of a retained or inflight message.
type Message struct {
	Payload     []byte `json:"payload"`                 // the message payload
	T           string `json:"t,omitempty"`             // the data type
	ID          string `json:"id,omitempty" storm:"id"` // the storage key
	Client      string `json:"client,omitempty"`        // the client id the message is for (if inflight)
	Origin      string `json:"origin,omitempty"`        // the id of the client who sent the message
	TopicName   string `json:"topic_name,omitempty"`    // the topic the message was sent to
	Created     int64  `json:"created,omitempty"`       // the time the message was created in unixtime
	PacketID    uint16 `json:"packet_id,omitempty"`     // the unique id of the packet (if inflight)
	Qos         byte   `json:"qos"`                     // the qos of the message
	Retain      bool   `json:"retain,omitempty"`        // the retain flag of the message
	SecondPhase bool   `json:"second_phase,omitempty"`  // true if a qos 2 message has received pubrec
}

// MarshalBinary encodes the values into a json string.
func (d Message) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Message) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// Subscription is a storable representation of an MQTT subscription.
type Subscription struct {
	T      string `json:"t,omitempty"`
	ID     string `json:"id,omitempty" storm:"id"`
	Client string `json:"client,omitempty"`
	Filter string `json:"filter"`
	Qos    byte   `json:"qos"`
}

// MarshalBinary encodes the values into a json string.
func (d Subscription) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Subscription) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// SystemInfo is a storable representation of the system information values.
type SystemInfo struct {
	system.Info        // embed the system info struct
	T           string `json:"t"`             // the data type
	ID          string `json:"id" storm:"id"` // the storage key
}

// MarshalBinary encodes the values into a json string.
func (d SystemInfo) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *SystemInfo) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}
