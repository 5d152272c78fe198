// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/mochi-mqtt/engine/packets"
	"github.com/mochi-mqtt/engine/system"
)

var (
	// ErrConnectionAborted indicates a connection was closed because a
	// lifecycle transition lost a race with another actor.
	ErrConnectionAborted = errors.New("connection aborted")

	// ErrSessionNotFound indicates no session exists for a connected client.
	ErrSessionNotFound = errors.New("session not found")
)

// ProcessorConfig contains the collaborators of a Processor. Any collaborator
// left nil is served by Hooks, or by the in-memory default.
type ProcessorConfig struct {
	Capabilities      *Capabilities
	Hooks             *Hooks
	Authenticator     Authenticator
	Authorizator      Authorizator
	Sink              InterceptSink
	Store             MessageStore
	Subscriptions     SubscriptionDirectory
	Info              *system.Info
	Log               *slog.Logger
	AutoFlushInterval time.Duration
	SubscribeTimeout  time.Duration
}

// Processor turns decoded control packets into session state changes,
// subscription changes and deliveries.
type Processor struct {
	Connections   *ConnectionRegistry
	Sessions      *SessionRepository
	Subscriptions SubscriptionDirectory
	Store         MessageStore
	Wills         *WillStore
	InCourse      *SubscriptionsInCourse
	Publisher     *MessagePublisher
	Republisher   *InternalRepublisher
	qos0          *Qos0Handler
	qos1          *Qos1Handler
	qos2          *Qos2Handler
	authenticator Authenticator
	authorizator  Authorizator
	sink          InterceptSink
	hooks         *Hooks
	caps          *Capabilities
	info          *system.Info
	log           *slog.Logger
	autoFlush     time.Duration
	subTimeout    time.Duration
}

// NewProcessor returns a processor wired to the given collaborators.
func NewProcessor(c ProcessorConfig) *Processor {
	if c.Capabilities == nil {
		c.Capabilities = NewDefaultCapabilities()
	}

	if c.Log == nil {
		c.Log = slog.Default()
	}

	if c.Hooks == nil {
		c.Hooks = &Hooks{Log: c.Log}
	}

	if c.Info == nil {
		c.Info = new(system.Info)
	}

	if c.Authenticator == nil {
		c.Authenticator = c.Hooks
	}

	if c.Authorizator == nil {
		c.Authorizator = c.Hooks
	}

	if c.Sink == nil {
		c.Sink = c.Hooks
	}

	if c.Store == nil {
		c.Store = NewRetainedMessages(c.Hooks)
	}

	if c.Subscriptions == nil {
		c.Subscriptions = NewTopicsIndex()
	}

	if c.AutoFlushInterval == 0 {
		c.AutoFlushInterval = defaultAutoFlushInterval
	}

	if c.SubscribeTimeout == 0 {
		c.SubscribeTimeout = defaultSubscribeInCourseTimeout
	}

	p := &Processor{
		Connections:   NewConnectionRegistry(),
		Subscriptions: c.Subscriptions,
		Store:         c.Store,
		Wills:         NewWillStore(),
		InCourse:      NewSubscriptionsInCourse(),
		authenticator: c.Authenticator,
		authorizator:  c.Authorizator,
		sink:          c.Sink,
		hooks:         c.Hooks,
		caps:          c.Capabilities,
		info:          c.Info,
		log:           c.Log,
		autoFlush:     c.AutoFlushInterval,
		subTimeout:    c.SubscribeTimeout,
	}

	p.Sessions = NewSessionRepository(c.Capabilities, c.Hooks, c.Info)
	p.Publisher = NewMessagePublisher(p.Connections, p.Sessions, p.Subscriptions, c.Hooks, c.Info, c.Log)
	p.Republisher = NewInternalRepublisher(p.Publisher, c.Log)

	base := publishHandler{
		authorizator: c.Authorizator,
		store:        c.Store,
		publisher:    p.Publisher,
		sink:         c.Sink,
		log:          c.Log,
	}
	p.qos0 = &Qos0Handler{publishHandler: base}
	p.qos1 = &Qos1Handler{publishHandler: base}
	p.qos2 = &Qos2Handler{publishHandler: base, sessions: p.Sessions}

	return p
}

// ProcessConnect runs the connect handshake for a transport. Each step of the
// handshake is gated on a lifecycle transition of the new descriptor; if any
// transition fails the connection is aborted.
func (p *Processor) ProcessConnect(t Transport, pk packets.Packet) error {
	if pk.ProtocolVersion != packets.ProtocolVersion31 && pk.ProtocolVersion != packets.ProtocolVersion311 {
		p.log.Warn("unsupported protocol version", "remote", t.Remote(), "version", pk.ProtocolVersion)
		return p.refuse(t, packets.ErrUnsupportedProtocolVersion)
	}

	clean := pk.Connect.Clean
	clientID := pk.Connect.ClientIdentifier
	if clientID == "" {
		if !clean || !p.caps.AllowZeroByteClientID {
			p.log.Warn("empty client id refused", "remote", t.Remote(), "clean", clean)
			return p.refuse(t, packets.ErrClientIdentifierNotValid)
		}

		clientID = xid.New().String()
	}

	if !p.login(clientID, pk) {
		return p.refuse(t, packets.ErrBadUsernameOrPassword)
	}

	username := string(pk.Connect.Username)
	d := NewConnectionDescriptor(clientID, username, clean, t)
	if prev, ok := p.Connections.AddConnection(d); ok {
		p.log.Info("session taken over", "client", clientID, "remote", t.Remote())
		prev.Abort()
	} else {
		p.info.ClientConnected()
	}

	var idle time.Duration
	if pk.Connect.Keepalive > 0 {
		idle = time.Duration(math.Round(float64(pk.Connect.Keepalive)*1.5)) * time.Second
	}
	t.SetIdleTimeout(idle)
	t.SetAttributes(Attributes{
		ClientID:        clientID,
		Username:        username,
		Keepalive:       pk.Connect.Keepalive,
		ProtocolVersion: pk.ProtocolVersion,
		CleanSession:    clean,
	})

	if pk.Connect.WillFlag {
		p.Wills.Put(clientID, Will{
			Payload: append([]byte{}, pk.Connect.WillPayload...),
			Topic:   pk.Connect.WillTopic,
			Qos:     pk.Connect.WillQos,
			Retain:  pk.Connect.WillRetain,
		})
	} else {
		p.Wills.Remove(clientID)
	}

	if err := p.sendAck(d, clean); err != nil {
		p.discardWill(d)
		return err
	}

	p.sink.OnConnect(d, pk)
	if !d.AssignState(SendAck, SessionCreated) {
		p.discardWill(d)
		return p.abort(d, SessionCreated)
	}

	s := p.Sessions.CreateOrLoadClientSession(clientID, username, clean)
	if !clean {
		p.Republisher.PublishStored(s)
	}

	if !d.AssignState(SessionCreated, MessagesRepublished) {
		p.discardWill(d)
		return p.abort(d, MessagesRepublished)
	}

	t.SetAutoFlush(p.autoFlush)
	if !d.AssignState(MessagesRepublished, Established) {
		p.discardWill(d)
		return p.abort(d, Established)
	}

	p.log.Info("client connected", "client", clientID, "remote", t.Remote(), "clean", clean)
	return nil
}

// discardWill removes the will stored by a connect which failed, unless a newer
// connection for the client id has since registered its own.
func (p *Processor) discardWill(d *ConnectionDescriptor) {
	if cur, ok := p.Connections.GetConnection(d.ClientID); ok && cur != d {
		return
	}

	p.Wills.Remove(d.ClientID)
}

// login checks the connect credentials. A username without a password, or
// no username at all, is only accepted when anonymous access is allowed.
func (p *Processor) login(clientID string, pk packets.Packet) bool {
	if pk.Connect.UsernameFlag {
		var pwd []byte
		if pk.Connect.PasswordFlag {
			pwd = pk.Connect.Password
		} else if !p.caps.AllowAnonymous {
			p.log.Warn("username without password refused", "client", clientID)
			return false
		}

		if !p.authenticator.CheckValid(clientID, string(pk.Connect.Username), pwd) {
			p.log.Warn("authentication failed", "client", clientID, "username", string(pk.Connect.Username))
			return false
		}

		return true
	}

	if !p.caps.AllowAnonymous {
		p.log.Warn("anonymous connection refused", "client", clientID)
		return false
	}

	return true
}

// sendAck sends the connack. The session present flag is only set when a
// stored session is resumed. A clean connect over a stored session drops the
// stored session's subscriptions from the directory.
func (p *Processor) sendAck(d *ConnectionDescriptor, clean bool) error {
	if !d.AssignState(Disconnected, SendAck) {
		return p.abort(d, SendAck)
	}

	stored, exists := p.Sessions.SessionForClient(d.ClientID)
	if clean && exists {
		for _, sub := range stored.Subscriptions() {
			p.Subscriptions.RemoveSubscription(sub.Filter, d.ClientID)
		}
	}

	ack := packets.NewPacket(packets.Connack)
	ack.SessionPresent = !clean && exists
	if err := d.WriteAndFlush(ack); err != nil {
		p.abort(d, SendAck)
		return fmt.Errorf("write connack: %w", err)
	}

	return nil
}

// refuse sends a connack carrying a refusal code and closes the transport.
func (p *Processor) refuse(t Transport, code packets.Code) error {
	ack := packets.NewPacket(packets.Connack)
	ack.ReturnCode = code.Code
	if err := t.WritePacket(ack); err == nil {
		_ = t.Flush()
	}

	_ = t.Close()
	return code
}

// abort closes a descriptor whose lifecycle transition failed, and removes it
// from the registry if it is still registered.
func (p *Processor) abort(d *ConnectionDescriptor, target ConnectionState) error {
	p.log.Warn("lifecycle transition failed", "client", d.ClientID, "state", d.State(), "target", target)
	d.Abort()
	if p.Connections.RemoveConnection(d) {
		atomic.AddInt64(&p.info.ClientsConnected, -1)
	}

	return ErrConnectionAborted
}

// descriptorFor returns the registered descriptor owning a transport.
func (p *Processor) descriptorFor(t Transport) (*ConnectionDescriptor, error) {
	d, ok := p.Connections.GetConnection(t.Attributes().ClientID)
	if !ok || !d.UsesTransport(t) {
		return nil, packets.ErrSessionTakenOver
	}

	return d, nil
}

// ProcessPublish authorizes a publish and hands it to the handler for its qos.
func (p *Processor) ProcessPublish(t Transport, pk packets.Packet) error {
	d, err := p.descriptorFor(t)
	if err != nil {
		return err
	}

	if !IsValidTopic(pk.TopicName) {
		p.log.Warn("invalid publish topic", "client", d.ClientID, "topic", pk.TopicName)
		return packets.ErrProtocolViolationInvalidTopic
	}

	atomic.AddInt64(&p.info.MessagesReceived, 1)
	pk.Origin = d.ClientID

	switch pk.FixedHeader.Qos {
	case 0:
		return p.qos0.ReceivedPublish(d, pk)
	case 1:
		return p.qos1.ReceivedPublish(d, pk)
	case 2:
		return p.qos2.ReceivedPublish(d, pk)
	default:
		return packets.ErrProtocolViolationQosOutOfRange
	}
}

// ProcessPubAck closes a qos 1 delivery to the client.
func (p *Processor) ProcessPubAck(t Transport, packetID uint16) error {
	a := t.Attributes()
	s, ok := p.Sessions.SessionForClient(a.ClientID)
	if !ok {
		return ErrSessionNotFound
	}

	msg, ok := s.InflightAcknowledged(packetID)
	if !ok {
		p.log.Warn("puback for unknown packet id", "client", a.ClientID, "packet_id", packetID)
		return nil
	}

	p.hooks.OnQosComplete(a.ClientID, packetID)
	p.sink.OnMessageAcknowledged(a.ClientID, a.Username, packetID, msg)
	return nil
}

// ProcessPubRec moves a qos 2 delivery into its second phase and sends the pubrel.
func (p *Processor) ProcessPubRec(t Transport, packetID uint16) error {
	a := t.Attributes()
	s, ok := p.Sessions.SessionForClient(a.ClientID)
	if !ok {
		return ErrSessionNotFound
	}

	msg, ok := s.MoveInflightToSecondPhase(packetID)
	if !ok {
		p.log.Warn("pubrec for unknown packet id", "client", a.ClientID, "packet_id", packetID)
		return nil
	}
	p.hooks.OnQosPublish(a.ClientID, packetID, msg, true)

	rel := packets.NewPacket(packets.Pubrel)
	rel.FixedHeader.Qos = 1
	rel.PacketID = packetID
	if err := t.WritePacket(rel); err != nil {
		return err
	}

	return t.Flush()
}

// ProcessPubRel completes a qos 2 publish from the client.
func (p *Processor) ProcessPubRel(t Transport, packetID uint16) error {
	d, err := p.descriptorFor(t)
	if err != nil {
		return err
	}

	return p.qos2.ReceivedPubRel(d, packetID)
}

// ProcessPubComp closes a qos 2 delivery to the client.
func (p *Processor) ProcessPubComp(t Transport, packetID uint16) error {
	a := t.Attributes()
	s, ok := p.Sessions.SessionForClient(a.ClientID)
	if !ok {
		return ErrSessionNotFound
	}

	msg, ok := s.CompleteReleasedPublish(packetID)
	if !ok {
		p.log.Warn("pubcomp for unknown packet id", "client", a.ClientID, "packet_id", packetID)
		return nil
	}

	p.hooks.OnQosComplete(a.ClientID, packetID)
	p.sink.OnMessageAcknowledged(a.ClientID, a.Username, packetID, msg)
	return nil
}

// ProcessSubscribe grants, stores and acknowledges the filters of a subscribe
// packet, then replays retained messages for them. A subscribe resent with the
// same packet id while the first is still in course is dropped.
func (p *Processor) ProcessSubscribe(t Transport, pk packets.Packet) error {
	d, err := p.descriptorFor(t)
	if err != nil {
		return err
	}

	clientID := d.ClientID
	if !p.InCourse.PutIfAbsent(clientID, pk.PacketID) {
		p.log.Info("duplicate subscribe in course", "client", clientID, "packet_id", pk.PacketID)
		return nil
	}

	codes := make([]byte, len(pk.Filters))
	granted := make([]Subscription, 0, len(pk.Filters))
	for i, f := range pk.Filters {
		switch {
		case !p.authorizator.CanRead(f.Filter, d.Username, clientID):
			p.log.Warn("client not authorized to subscribe", "client", clientID, "filter", f.Filter)
			codes[i] = packets.QosFailure
		case !IsValidFilter(f.Filter):
			p.log.Warn("invalid subscription filter", "client", clientID, "filter", f.Filter)
			codes[i] = packets.QosFailure
		default:
			codes[i] = min(f.Qos, p.caps.MaximumQos)
			granted = append(granted, Subscription{ClientID: clientID, Filter: f.Filter, Qos: codes[i]})
		}
	}

	if !p.InCourse.Replace(clientID, pk.PacketID, Verified, Stored) {
		p.log.Warn("subscribe state changed while in course", "client", clientID, "packet_id", pk.PacketID)
		return nil
	}
	defer func() {
		if !p.InCourse.Remove(clientID, pk.PacketID, Stored) {
			p.log.Warn("subscribe in course entry already removed", "client", clientID, "packet_id", pk.PacketID)
		}
	}()

	s, ok := p.Sessions.SessionForClient(clientID)
	if !ok {
		return ErrSessionNotFound
	}

	for _, sub := range granted {
		s.Subscribe(sub)
		p.Subscriptions.Add(sub)
	}

	ack := packets.NewPacket(packets.Suback)
	ack.PacketID = pk.PacketID
	ack.ReturnCodes = codes
	if err := d.WriteAndFlush(ack); err != nil {
		return err
	}

	for _, sub := range granted {
		filter := sub.Filter
		msgs, err := p.Store.SearchMatching(func(topic string) bool {
			return MatchTopic(filter, topic)
		})
		if err != nil {
			return fmt.Errorf("search retained: %w", err)
		}

		p.Republisher.PublishRetained(s, sub, msgs)
		p.sink.OnSubscribed(sub, d.Username)
	}

	return nil
}

// ProcessUnsubscribe removes the filters of an unsubscribe packet. An invalid
// filter closes the connection with no unsuback.
func (p *Processor) ProcessUnsubscribe(t Transport, pk packets.Packet) error {
	d, err := p.descriptorFor(t)
	if err != nil {
		return err
	}

	for _, f := range pk.Filters {
		if !IsValidFilter(f.Filter) {
			p.log.Warn("invalid unsubscribe filter", "client", d.ClientID, "filter", f.Filter)
			_ = t.Close()
			return packets.ErrProtocolViolationInvalidTopic
		}
	}

	s, ok := p.Sessions.SessionForClient(d.ClientID)
	for _, f := range pk.Filters {
		p.Subscriptions.RemoveSubscription(f.Filter, d.ClientID)
		if ok {
			s.UnsubscribeFrom(f.Filter)
		}
		p.sink.OnUnsubscribed(f.Filter, d.ClientID, d.Username)
	}

	ack := packets.NewPacket(packets.Unsuback)
	ack.PacketID = pk.PacketID
	return d.WriteAndFlush(ack)
}

// ProcessDisconnect runs the graceful disconnect of a transport. The will is
// discarded without being published.
func (p *Processor) ProcessDisconnect(t Transport) error {
	_ = t.Flush()

	clientID := t.Attributes().ClientID
	d, ok := p.Connections.GetConnection(clientID)
	if !ok {
		p.log.Warn("disconnect without registered connection", "client", clientID)
		_ = t.Close()
		return nil
	}

	if !d.UsesTransport(t) {
		p.log.Info("disconnect from a displaced connection", "client", clientID, "remote", t.Remote())
		_ = t.Close()
		return nil
	}

	s, hasSession := p.Sessions.SessionForClient(clientID)

	if !d.AssignState(Established, SubscriptionsRemoved) {
		return p.abort(d, SubscriptionsRemoved)
	}

	if d.CleanSession && hasSession {
		for _, sub := range s.WipeSubscriptions() {
			p.Subscriptions.RemoveSubscription(sub.Filter, clientID)
		}
	}

	if !d.AssignState(SubscriptionsRemoved, MessagesDropped) {
		return p.abort(d, MessagesDropped)
	}

	if d.CleanSession && hasSession {
		s.DropQueue()
	}

	if !d.AssignState(MessagesDropped, InterceptorsNotified) {
		return p.abort(d, InterceptorsNotified)
	}

	p.Wills.Remove(clientID)
	p.sink.OnDisconnect(clientID, d.Username)

	if !d.Close() {
		p.log.Warn("descriptor already closed", "client", clientID)
	}

	if !p.Connections.RemoveConnection(d) {
		p.log.Warn("connection replaced during disconnect", "client", clientID)
		return nil
	}
	atomic.AddInt64(&p.info.ClientsConnected, -1)

	p.Sessions.Disconnect(clientID)
	p.log.Info("client disconnected", "client", clientID)
	return nil
}

// ProcessConnectionLost handles a connection which ended without a
// DISCONNECT. If the transport still owns the registered descriptor, it is
// removed and the will of the client, if any, is published. The session is
// left untouched so that it may be resumed.
func (p *Processor) ProcessConnectionLost(t Transport) {
	a := t.Attributes()
	if a.ClientID == "" {
		return // never connected
	}

	d, ok := p.Connections.GetConnection(a.ClientID)
	if ok && d.UsesTransport(t) && p.Connections.RemoveConnection(d) {
		d.Abort()
		atomic.AddInt64(&p.info.ClientsConnected, -1)

		if will, ok := p.Wills.Take(a.ClientID); ok {
			if err := p.publishWill(a.ClientID, will); err != nil {
				p.log.Error("failed to publish will", "error", err, "client", a.ClientID)
			}
		}

		p.Sessions.ConnectionLost(a.ClientID)
	}

	p.sink.OnConnectionLost(a.ClientID, a.Username)
	p.log.Info("client connection lost", "client", a.ClientID, "remote", t.Remote())
}

// publishWill forwards a will to subscribers and retains it if flagged.
func (p *Processor) publishWill(clientID string, will Will) error {
	msg := will.toStoredMessage(clientID)
	p.Publisher.Publish2Subscribers(msg)

	if will.Retain {
		var err error
		if len(msg.Payload) == 0 {
			err = p.Store.CleanRetained(msg.Topic)
		} else {
			var out *StoredMessage
			if out, err = msg.Copy(); err == nil {
				err = p.Store.StoreRetained(msg.Topic, out)
			}
		}

		if err != nil {
			return err
		}
	}

	p.hooks.OnWillSent(clientID, msg)
	return nil
}

// OnTransportWritable drains the session queue of the client onto the
// transport while it remains writable, and flushes once at the end. Only the
// transport owning the registered descriptor of the client may drain; a
// displaced transport gets ErrSessionTakenOver. A delivery whose write fails is
// put back at the head of the queue.
func (p *Processor) OnTransportWritable(t Transport) error {
	if _, err := p.descriptorFor(t); err != nil {
		return err
	}

	s, ok := p.Sessions.SessionForClient(t.Attributes().ClientID)
	if !ok {
		return nil
	}

	written := 0
	for t.Writable() {
		if _, err := p.descriptorFor(t); err != nil {
			return err // taken over mid-burst
		}

		m, ok := s.Poll()
		if !ok {
			break
		}

		pk, ok := p.render(s, m)
		if !ok {
			continue
		}

		if err := t.WritePacket(pk); err != nil {
			s.Requeue(m)
			return err
		}

		if !m.Release && m.Qos > 0 {
			s.Inflight.MarkSent(m.PacketID)
		}
		atomic.AddInt64(&p.info.MessagesSent, 1)
		written++
	}

	if written == 0 {
		return nil
	}

	return t.Flush()
}

// render builds the packet for a queued delivery. Deliveries whose window
// entry has been closed since they were queued are skipped.
func (p *Processor) render(s *ClientSession, m EnqueuedMessage) (packets.Packet, bool) {
	if m.Release {
		if _, ok := s.SecondPhase.Get(m.PacketID); !ok {
			return packets.Packet{}, false
		}

		rel := packets.NewPacket(packets.Pubrel)
		rel.FixedHeader.Qos = 1
		rel.PacketID = m.PacketID
		return rel, true
	}

	if m.Qos > 0 {
		if _, ok := s.Inflight.Get(m.PacketID); !ok {
			return packets.Packet{}, false
		}
	}

	return m.Message.ToPacket(m.PacketID, m.Qos, m.Dup), true
}

// InternalPublish injects a message as if it had been published, without a
// qos handshake or authorization. The message is attributed to clientID, or
// to BrokerClientID when empty. A retained message with qos 0 or an empty
// payload clears the retained message of the topic.
func (p *Processor) InternalPublish(pk packets.Packet, clientID string) error {
	if !isTopicName(pk.TopicName) {
		return packets.ErrTopicNameInvalid
	}

	if clientID == "" {
		clientID = BrokerClientID
	}

	msg := NewStoredMessage(pk)
	msg.ClientID = clientID
	p.Publisher.Publish2Subscribers(msg)

	if !pk.FixedHeader.Retain {
		return nil
	}

	if msg.Qos == 0 || len(msg.Payload) == 0 {
		return p.Store.CleanRetained(msg.Topic)
	}

	out, err := msg.Copy()
	if err != nil {
		return err
	}

	return p.Store.StoreRetained(msg.Topic, out)
}

// SweepSubscriptionsInCourse evicts subscribe tracking entries older than the
// configured timeout.
func (p *Processor) SweepSubscriptionsInCourse(now time.Time) int {
	n := p.InCourse.Sweep(now.Add(-p.subTimeout))
	if n > 0 {
		p.log.Warn("evicted stuck subscribe entries", "count", n)
	}

	return n
}
