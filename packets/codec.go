// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"fmt"
	"io"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang/packets"
)

// ReadPacket reads and decodes the next MQTT 3.1/3.1.1 control packet from r.
func ReadPacket(r io.Reader) (Packet, error) {
	cp, err := paho.ReadPacket(r)
	if err != nil {
		return Packet{}, err
	}

	return FromControlPacket(cp)
}

// FromControlPacket converts a decoded wire packet into a Packet.
func FromControlPacket(cp paho.ControlPacket) (Packet, error) {
	pk := Packet{
		Created: time.Now().Unix(),
	}

	switch p := cp.(type) {
	case *paho.ConnectPacket:
		pk.FixedHeader = fromFixedHeader(p.FixedHeader)
		pk.ProtocolVersion = p.ProtocolVersion
		pk.Connect = ConnectParams{
			ProtocolName:     []byte(p.ProtocolName),
			ClientIdentifier: p.ClientIdentifier,
			Keepalive:        p.Keepalive,
			Clean:            p.CleanSession,
			WillFlag:         p.WillFlag,
			WillQos:          p.WillQos,
			WillRetain:       p.WillRetain,
			WillTopic:        p.WillTopic,
			WillPayload:      p.WillMessage,
			UsernameFlag:     p.UsernameFlag,
			PasswordFlag:     p.PasswordFlag,
			Password:         p.Password,
		}
		if p.UsernameFlag {
			pk.Connect.Username = []byte(p.Username)
		}
	case *paho.ConnackPacket:
		pk.FixedHeader = fromFixedHeader(p.FixedHeader)
		pk.SessionPresent = p.SessionPresent
		pk.ReturnCode = p.ReturnCode
	case *paho.PublishPacket:
		pk.FixedHeader = fromFixedHeader(p.FixedHeader)
		pk.TopicName = p.TopicName
		pk.PacketID = p.MessageID
		pk.Payload = p.Payload
	case *paho.PubackPacket:
		pk.FixedHeader = fromFixedHeader(p.FixedHeader)
		pk.PacketID = p.MessageID
	case *paho.PubrecPacket:
		pk.FixedHeader = fromFixedHeader(p.FixedHeader)
		pk.PacketID = p.MessageID
	case *paho.PubrelPacket:
		pk.FixedHeader = fromFixedHeader(p.FixedHeader)
		pk.PacketID = p.MessageID
	case *paho.PubcompPacket:
		pk.FixedHeader = fromFixedHeader(p.FixedHeader)
		pk.PacketID = p.MessageID
	case *paho.SubscribePacket:
		pk.FixedHeader = fromFixedHeader(p.FixedHeader)
		pk.PacketID = p.MessageID
		for i, topic := range p.Topics {
			var qos byte
			if i < len(p.Qoss) {
				qos = p.Qoss[i]
			}
			pk.Filters = append(pk.Filters, Subscription{Filter: topic, Qos: qos})
		}
	case *paho.SubackPacket:
		pk.FixedHeader = fromFixedHeader(p.FixedHeader)
		pk.PacketID = p.MessageID
		pk.ReturnCodes = p.ReturnCodes
	case *paho.UnsubscribePacket:
		pk.FixedHeader = fromFixedHeader(p.FixedHeader)
		pk.PacketID = p.MessageID
		for _, topic := range p.Topics {
			pk.Filters = append(pk.Filters, Subscription{Filter: topic})
		}
	case *paho.UnsubackPacket:
		pk.FixedHeader = fromFixedHeader(p.FixedHeader)
		pk.PacketID = p.MessageID
	case *paho.PingreqPacket:
		pk.FixedHeader = fromFixedHeader(p.FixedHeader)
	case *paho.PingrespPacket:
		pk.FixedHeader = fromFixedHeader(p.FixedHeader)
	case *paho.DisconnectPacket:
		pk.FixedHeader = fromFixedHeader(p.FixedHeader)
	default:
		return pk, fmt.Errorf("%w: %T", ErrProtocolViolationUnknownPacket, cp)
	}

	return pk, nil
}

// Write encodes the packet in the wire format and writes it to w.
func (pk Packet) Write(w io.Writer) error {
	cp, err := pk.ToControlPacket()
	if err != nil {
		return err
	}

	return cp.Write(w)
}

// ToControlPacket converts a Packet into its wire representation.
func (pk Packet) ToControlPacket() (paho.ControlPacket, error) {
	switch pk.FixedHeader.Type {
	case Connect:
		p := paho.NewControlPacket(paho.Connect).(*paho.ConnectPacket)
		p.ProtocolName = string(pk.Connect.ProtocolName)
		p.ProtocolVersion = pk.ProtocolVersion
		p.ClientIdentifier = pk.Connect.ClientIdentifier
		p.Keepalive = pk.Connect.Keepalive
		p.CleanSession = pk.Connect.Clean
		p.WillFlag = pk.Connect.WillFlag
		p.WillQos = pk.Connect.WillQos
		p.WillRetain = pk.Connect.WillRetain
		p.WillTopic = pk.Connect.WillTopic
		p.WillMessage = pk.Connect.WillPayload
		p.UsernameFlag = pk.Connect.UsernameFlag
		p.Username = string(pk.Connect.Username)
		p.PasswordFlag = pk.Connect.PasswordFlag
		p.Password = pk.Connect.Password
		return p, nil
	case Connack:
		p := paho.NewControlPacket(paho.Connack).(*paho.ConnackPacket)
		p.SessionPresent = pk.SessionPresent
		p.ReturnCode = pk.ReturnCode
		return p, nil
	case Publish:
		p := paho.NewControlPacket(paho.Publish).(*paho.PublishPacket)
		p.Qos = pk.FixedHeader.Qos
		p.Dup = pk.FixedHeader.Dup
		p.Retain = pk.FixedHeader.Retain
		p.TopicName = pk.TopicName
		p.MessageID = pk.PacketID
		p.Payload = pk.Payload
		return p, nil
	case Puback:
		p := paho.NewControlPacket(paho.Puback).(*paho.PubackPacket)
		p.MessageID = pk.PacketID
		return p, nil
	case Pubrec:
		p := paho.NewControlPacket(paho.Pubrec).(*paho.PubrecPacket)
		p.MessageID = pk.PacketID
		return p, nil
	case Pubrel:
		p := paho.NewControlPacket(paho.Pubrel).(*paho.PubrelPacket)
		p.MessageID = pk.PacketID
		return p, nil
	case Pubcomp:
		p := paho.NewControlPacket(paho.Pubcomp).(*paho.PubcompPacket)
		p.MessageID = pk.PacketID
		return p, nil
	case Subscribe:
		p := paho.NewControlPacket(paho.Subscribe).(*paho.SubscribePacket)
		p.MessageID = pk.PacketID
		for _, sub := range pk.Filters {
			p.Topics = append(p.Topics, sub.Filter)
			p.Qoss = append(p.Qoss, sub.Qos)
		}
		return p, nil
	case Suback:
		p := paho.NewControlPacket(paho.Suback).(*paho.SubackPacket)
		p.MessageID = pk.PacketID
		p.ReturnCodes = pk.ReturnCodes
		return p, nil
	case Unsubscribe:
		p := paho.NewControlPacket(paho.Unsubscribe).(*paho.UnsubscribePacket)
		p.MessageID = pk.PacketID
		for _, sub := range pk.Filters {
			p.Topics = append(p.Topics, sub.Filter)
		}
		return p, nil
	case Unsuback:
		p := paho.NewControlPacket(paho.Unsuback).(*paho.UnsubackPacket)
		p.MessageID = pk.PacketID
		return p, nil
	case Pingreq:
		return paho.NewControlPacket(paho.Pingreq), nil
	case Pingresp:
		return paho.NewControlPacket(paho.Pingresp), nil
	case Disconnect:
		return paho.NewControlPacket(paho.Disconnect), nil
	}

	return nil, fmt.Errorf("%w: %d", ErrProtocolViolationUnknownPacket, pk.FixedHeader.Type)
}

func fromFixedHeader(fh paho.FixedHeader) FixedHeader {
	return FixedHeader{
		Type:      fh.MessageType,
		Dup:       fh.Dup,
		Qos:       fh.Qos,
		Retain:    fh.Retain,
		Remaining: fh.RemainingLength,
	}
}
