// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"strconv"
	"time"
)

// All of the valid packet types and their packet identifier.
const (
	Reserved    byte = iota // 0 - we use this in packet tests to indicate special-test or all packets.
	Connect                 // 1
	Connack                 // 2
	Publish                 // 3
	Puback                  // 4
	Pubrec                  // 5
	Pubrel                  // 6
	Pubcomp                 // 7
	Subscribe               // 8
	Suback                  // 9
	Unsubscribe             // 10
	Unsuback                // 11
	Pingreq                 // 12
	Pingresp                // 13
	Disconnect              // 14
)

const (
	// ProtocolVersion31 is the protocol level of MQTT 3.1 (MQIsdp).
	ProtocolVersion31 byte = 3

	// ProtocolVersion311 is the protocol level of MQTT 3.1.1.
	ProtocolVersion311 byte = 4

	// QosFailure is the SUBACK return code for a rejected subscription. It is
	// deliberately higher than any valid qos.
	QosFailure byte = 0x80
)

// PacketNames is a map of packet bytes to human-readable names, for easier debugging.
var PacketNames = map[byte]string{
	0:  "Reserved",
	1:  "Connect",
	2:  "Connack",
	3:  "Publish",
	4:  "Puback",
	5:  "Pubrec",
	6:  "Pubrel",
	7:  "Pubcomp",
	8:  "Subscribe",
	9:  "Suback",
	10: "Unsubscribe",
	11: "Unsuback",
	12: "Pingreq",
	13: "Pingresp",
	14: "Disconnect",
}

// FixedHeader contains the values of the fixed header portion of the MQTT packet.
type FixedHeader struct {
	Remaining int  `json:"remaining"` // the number of remaining bytes in the payload.
	Type      byte `json:"type"`      // the type of the packet (PUBLISH, SUBSCRIBE, etc) from bits 7 - 4 (byte 1).
	Qos       byte `json:"qos"`       // indicates the quality of service expected.
	Dup       bool `json:"dup"`       // indicates if the packet was already sent at an earlier time.
	Retain    bool `json:"retain"`    // whether the message should be retained.
}

// ConnectParams contains packet values which are specifically related to connect packets.
type ConnectParams struct {
	WillPayload      []byte `json:"willPayload"`
	Password         []byte `json:"password"`
	Username         []byte `json:"username"`
	ProtocolName     []byte `json:"protocolName"`
	ClientIdentifier string `json:"clientId"`
	WillTopic        string `json:"willTopic"`
	Keepalive        uint16 `json:"keepalive"`
	PasswordFlag     bool   `json:"passwordFlag"`
	UsernameFlag     bool   `json:"usernameFlag"`
	WillQos          byte   `json:"willQos"`
	WillFlag         bool   `json:"willFlag"`
	WillRetain       bool   `json:"willRetain"`
	Clean            bool   `json:"clean"`
}

// Subscription contains details about a client subscription to a topic filter.
type Subscription struct {
	Filter string `json:"filter"`
	Qos    byte   `json:"qos"`
}

// Subscriptions is a slice of Subscription.
type Subscriptions []Subscription

// Merge merges a new subscription for the same filter into an existing one,
// keeping the highest qos.
func (s Subscription) Merge(n Subscription) Subscription {
	if n.Qos > s.Qos {
		s.Qos = n.Qos
	}

	return s
}

// Packet represents an MQTT packet. Instead of providing a packet interface
// variant packet structs, this is a single concrete packet type to cover all packet
// types, which allows us to take advantage of various compiler optimizations.
type Packet struct {
	Connect         ConnectParams // parameters for connect packets (just for organisation)
	Payload         []byte        // a message/payload for publish packets
	ReturnCodes     []byte        // one or more return codes for suback packets
	Filters         Subscriptions // a list of subscription filters and their properties (subscribe, unsubscribe)
	TopicName       string        // the topic a payload is being published to
	Origin          string        // client id of the client who is issuing the packet (mostly internal use)
	FixedHeader     FixedHeader   // -
	Created         int64         // unix timestamp indicating time packet was created/received on the server
	PacketID        uint16        // packet id for the packet (publish, qos, etc)
	ProtocolVersion byte          // protocol version of the client the packet belongs to
	SessionPresent  bool          // session existed for connack
	ReturnCode      byte          // a return code for connack packets
}

// NewPacket returns a packet of the given type with its created time set.
func NewPacket(t byte) Packet {
	return Packet{
		FixedHeader: FixedHeader{Type: t},
		Created:     time.Now().Unix(),
	}
}

// Copy creates a new instance of a packet, but with an empty header for inheriting new QoS flags, etc.
func (pk Packet) Copy(allowTransfer bool) Packet {
	p := Packet{
		FixedHeader: FixedHeader{
			Remaining: pk.FixedHeader.Remaining,
			Type:      pk.FixedHeader.Type,
			Retain:    pk.FixedHeader.Retain,
			Dup:       false, // [MQTT-4.3.1-1] [MQTT-4.3.2-2]
			Qos:       pk.FixedHeader.Qos,
		},
		TopicName:       pk.TopicName,
		Origin:          pk.Origin,
		Created:         pk.Created,
		ProtocolVersion: pk.ProtocolVersion,
	}

	if allowTransfer {
		p.PacketID = pk.PacketID
	}

	if len(pk.Payload) > 0 {
		p.Payload = append([]byte{}, pk.Payload...)
	}

	if len(pk.Filters) > 0 {
		p.Filters = append(Subscriptions{}, pk.Filters...)
	}

	if len(pk.ReturnCodes) > 0 {
		p.ReturnCodes = append([]byte{}, pk.ReturnCodes...)
	}

	return p
}

// FormatID returns the PacketID field as a decimal integer.
func (pk *Packet) FormatID() string {
	return strconv.FormatUint(uint64(pk.PacketID), 10)
}

// ConnectValidate ensures the connect packet is compliant. The protocol level
// itself is checked by the processor so that it can answer with the right
// return code.
func (pk *Packet) ConnectValidate() Code {
	if pk.Connect.PasswordFlag && !pk.Connect.UsernameFlag && pk.ProtocolVersion == ProtocolVersion311 {
		return ErrProtocolViolationPasswordNoFlag // [MQTT-3.1.2-22]
	}

	if pk.Connect.WillFlag && pk.Connect.WillQos > 2 {
		return ErrProtocolViolationQosOutOfRange // [MQTT-3.1.2-12]
	}

	if !pk.Connect.WillFlag && (pk.Connect.WillRetain || pk.Connect.WillQos > 0) {
		return ErrProtocolViolationWillFlagSurplusRetain // [MQTT-3.1.2-13]
	}

	return CodeSuccess
}

// PublishValidate validates a publish packet.
func (pk *Packet) PublishValidate() Code {
	if pk.FixedHeader.Qos > 0 && pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID // [MQTT-2.3.1-1]
	}

	if pk.FixedHeader.Qos == 0 && pk.PacketID > 0 {
		return ErrProtocolViolationSurplusPacketID // [MQTT-2.3.1-5]
	}

	if pk.FixedHeader.Qos > 2 {
		return ErrProtocolViolationQosOutOfRange
	}

	return CodeSuccess
}

// SubscribeValidate ensures the packet is compliant.
func (pk *Packet) SubscribeValidate() Code {
	if pk.FixedHeader.Qos > 0 && pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID // [MQTT-2.3.1-1]
	}

	if len(pk.Filters) == 0 {
		return ErrProtocolViolationNoFilters // [MQTT-3.10.3-2]
	}

	return CodeSuccess
}

// UnsubscribeValidate validates an unsubscribe packet.
func (pk *Packet) UnsubscribeValidate() Code {
	if pk.FixedHeader.Qos > 0 && pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID // [MQTT-2.3.1-1]
	}

	if len(pk.Filters) == 0 {
		return ErrProtocolViolationNoFilters // [MQTT-3.10.3-2]
	}

	return CodeSuccess
}
