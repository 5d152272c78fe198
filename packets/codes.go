// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

// Code contains a return code and reason string for a response.
type Code struct {
	Reason string
	Code   byte
}

// String returns the readable reason for a code.
func (c Code) String() string {
	return c.Reason
}

// Error returns the readable reason for a code.
func (c Code) Error() string {
	return c.Reason
}

// MQTT 3.1 and 3.1.1 only know six CONNACK return codes. Everything else the
// engine reports is an internal reason which closes the connection without a
// negative acknowledgement.
var (
	CodeSuccess                   = Code{Code: 0x00, Reason: "success"}
	CodeDisconnect                = Code{Code: 0x00, Reason: "disconnected"}
	CodeGrantedQos0               = Code{Code: 0x00, Reason: "granted qos 0"}
	CodeGrantedQos1               = Code{Code: 0x01, Reason: "granted qos 1"}
	CodeGrantedQos2               = Code{Code: 0x02, Reason: "granted qos 2"}
	ErrUnsupportedProtocolVersion = Code{Code: 0x01, Reason: "unacceptable protocol version"}
	ErrClientIdentifierNotValid   = Code{Code: 0x02, Reason: "client identifier rejected"}
	ErrServerUnavailable          = Code{Code: 0x03, Reason: "server unavailable"}
	ErrBadUsernameOrPassword      = Code{Code: 0x04, Reason: "bad username or password"}
	ErrNotAuthorized              = Code{Code: 0x05, Reason: "not authorized"}

	ErrMalformedPacket                        = Code{Code: 0x81, Reason: "malformed packet"}
	ErrMalformedProtocolName                  = Code{Code: 0x81, Reason: "malformed packet: protocol name"}
	ErrProtocolViolation                      = Code{Code: 0x82, Reason: "protocol violation"}
	ErrProtocolViolationRequireFirstConnect   = Code{Code: 0x82, Reason: "protocol violation: first packet must be connect"}
	ErrProtocolViolationSecondConnect         = Code{Code: 0x82, Reason: "protocol violation: second connect packet"}
	ErrProtocolViolationPasswordNoFlag        = Code{Code: 0x82, Reason: "protocol violation: password set but no username flag"}
	ErrProtocolViolationNoPacketID            = Code{Code: 0x82, Reason: "protocol violation: missing packet id"}
	ErrProtocolViolationSurplusPacketID       = Code{Code: 0x82, Reason: "protocol violation: surplus packet id"}
	ErrProtocolViolationQosOutOfRange         = Code{Code: 0x82, Reason: "protocol violation: qos out of range"}
	ErrProtocolViolationWillFlagSurplusRetain = Code{Code: 0x82, Reason: "protocol violation: will flag surplus retain"}
	ErrProtocolViolationInvalidTopic          = Code{Code: 0x82, Reason: "protocol violation: invalid topic"}
	ErrProtocolViolationNoFilters             = Code{Code: 0x82, Reason: "protocol violation: must contain at least one filter"}
	ErrProtocolViolationUnknownPacket         = Code{Code: 0x82, Reason: "protocol violation: unknown packet type"}
	ErrTopicNameInvalid                       = Code{Code: 0x90, Reason: "topic name invalid"}
	ErrPacketIdentifierNotFound               = Code{Code: 0x92, Reason: "packet identifier not found"}
	ErrQuotaExceeded                          = Code{Code: 0x97, Reason: "quota exceeded"}
	ErrPendingClientWritesExceeded            = Code{Code: 0x97, Reason: "too many pending writes"}
	ErrSessionTakenOver                       = Code{Code: 0x8E, Reason: "session takeover"}
	ErrKeepAliveTimeout                       = Code{Code: 0x8D, Reason: "keep alive timeout"}
	ErrServerShuttingDown                     = Code{Code: 0x8B, Reason: "server shutting down"}
)

// QosCodes indicates the return codes for each granted qos byte.
var QosCodes = map[byte]Code{
	0: CodeGrantedQos0,
	1: CodeGrantedQos1,
	2: CodeGrantedQos2,
}
