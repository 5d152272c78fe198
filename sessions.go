// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mochi-mqtt/engine/system"
)

var (
	// ErrInflightFull indicates the in-flight window of a session is at its bound.
	ErrInflightFull = errors.New("session inflight window is full")

	// ErrPacketIDExhausted indicates every packet id is open in one of the session windows.
	ErrPacketIDExhausted = errors.New("no packet ids available")

	// ErrQueueFull indicates the pending delivery queue of a session is at its bound.
	ErrQueueFull = errors.New("session pending queue is full")
)

// WindowEntry is a delivery held in a session window.
type WindowEntry struct {
	Message     *StoredMessage
	PacketID    uint16
	seq         uint64
	Qos         byte // the qos the message is delivered at
	Sent        bool // true once the delivery has been written to a connection
	SecondPhase bool // true if the entry is awaiting pubcomp
}

type windowRecord struct {
	msg  *StoredMessage
	seq  uint64
	id   uint16
	qos  byte
	sent atomic.Bool
}

// Window maps packet ids to deliveries awaiting an acknowledgement. Each entry
// is inserted and removed atomically on its own, so unrelated packet ids never
// contend with each other.
type Window struct {
	internal sync.Map // uint16 -> *windowRecord
	qty      atomic.Int64
}

// Set adds a delivery for a packet id, returning false if the id is already open.
func (w *Window) Set(id uint16, msg *StoredMessage, qos byte, seq uint64) bool {
	return w.put(&windowRecord{msg: msg, seq: seq, id: id, qos: qos})
}

func (w *Window) put(r *windowRecord) bool {
	if _, loaded := w.internal.LoadOrStore(r.id, r); loaded {
		return false
	}

	w.qty.Add(1)
	return true
}

// Get returns the message open for a packet id.
func (w *Window) Get(id uint16) (*StoredMessage, bool) {
	v, ok := w.internal.Load(id)
	if !ok {
		return nil, false
	}

	return v.(*windowRecord).msg, true
}

// MarkSent records that the delivery for a packet id has been written.
func (w *Window) MarkSent(id uint16) bool {
	v, ok := w.internal.Load(id)
	if !ok {
		return false
	}

	v.(*windowRecord).sent.Store(true)
	return true
}

// Delete removes and returns the message open for a packet id.
func (w *Window) Delete(id uint16) (*StoredMessage, bool) {
	r, ok := w.take(id)
	if !ok {
		return nil, false
	}

	return r.msg, true
}

func (w *Window) take(id uint16) (*windowRecord, bool) {
	v, ok := w.internal.LoadAndDelete(id)
	if !ok {
		return nil, false
	}

	w.qty.Add(-1)
	return v.(*windowRecord), true
}

// Len returns the number of open entries.
func (w *Window) Len() int {
	return int(w.qty.Load())
}

// Entries returns the open entries in the order they were added.
func (w *Window) Entries() []WindowEntry {
	records := w.records()
	entries := make([]WindowEntry, len(records))
	for i, r := range records {
		entries[i] = r.entry()
	}

	return entries
}

func (w *Window) records() []*windowRecord {
	records := []*windowRecord{}
	w.internal.Range(func(_, v any) bool {
		records = append(records, v.(*windowRecord))
		return true
	})

	sort.Slice(records, func(i, j int) bool {
		return records[i].seq < records[j].seq
	})

	return records
}

func (r *windowRecord) entry() WindowEntry {
	return WindowEntry{
		Message:  r.msg,
		PacketID: r.id,
		seq:      r.seq,
		Qos:      r.qos,
		Sent:     r.sent.Load(),
	}
}

// Clear removes every entry, returning how many were removed.
func (w *Window) Clear() int {
	n := 0
	w.internal.Range(func(k, _ any) bool {
		if _, ok := w.internal.LoadAndDelete(k); ok {
			w.qty.Add(-1)
			n++
		}
		return true
	})

	return n
}

// EnqueuedMessage is a delivery waiting in a session's pending queue.
type EnqueuedMessage struct {
	Message  *StoredMessage
	PacketID uint16
	Qos      byte
	Dup      bool
	Release  bool // resend a pubrel for PacketID instead of a publish
}

// Queue is the FIFO of deliveries pending for a session.
type Queue struct {
	sync.Mutex
	items   []EnqueuedMessage
	maximum int // 0 is unbounded
}

// Push appends a delivery, failing if the queue is bounded and full.
func (q *Queue) Push(m EnqueuedMessage) error {
	q.Lock()
	defer q.Unlock()
	if q.maximum > 0 && len(q.items) >= q.maximum {
		return ErrQueueFull
	}

	q.items = append(q.items, m)
	return nil
}

// Poll removes and returns the oldest delivery.
func (q *Queue) Poll() (EnqueuedMessage, bool) {
	q.Lock()
	defer q.Unlock()
	if len(q.items) == 0 {
		return EnqueuedMessage{}, false
	}

	m := q.items[0]
	q.items[0] = EnqueuedMessage{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}

	return m, true
}

// PushFront puts a delivery back at the head of the queue. The bound is not
// applied, as the delivery was already counted against it.
func (q *Queue) PushFront(m EnqueuedMessage) {
	q.Lock()
	defer q.Unlock()
	q.items = append([]EnqueuedMessage{m}, q.items...)
}

// Len returns the number of pending deliveries.
func (q *Queue) Len() int {
	q.Lock()
	defer q.Unlock()
	return len(q.items)
}

// takeAll removes and returns every pending delivery.
func (q *Queue) takeAll() []EnqueuedMessage {
	q.Lock()
	defer q.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Drop empties the queue, returning how many deliveries were discarded.
func (q *Queue) Drop() int {
	q.Lock()
	defer q.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

// ClientSession is the durable state of a client identity. It outlives its
// connection when the client connected without a clean session.
type ClientSession struct {
	ID            string
	Inflight      *Window // qos 1 and 2 deliveries sent and awaiting puback or pubrec
	SecondPhase   *Window // qos 2 deliveries which received pubrec and await pubcomp
	queue         *Queue
	subscriptions map[string]Subscription
	inbound       sync.Map // qos 2 packet ids received from the client awaiting pubrel
	info          *system.Info
	maxInflight   int
	packetID      atomic.Uint32
	seq           atomic.Uint64
	clean         atomic.Bool
	connected     atomic.Bool
	subsMu        sync.RWMutex
}

// NewClientSession returns a new session for a client id.
func NewClientSession(id string, clean bool, maxInflight, maxQueue int, info *system.Info) *ClientSession {
	if info == nil {
		info = new(system.Info)
	}

	s := &ClientSession{
		ID:            id,
		Inflight:      new(Window),
		SecondPhase:   new(Window),
		queue:         &Queue{maximum: maxQueue},
		subscriptions: map[string]Subscription{},
		info:          info,
		maxInflight:   maxInflight,
	}
	s.clean.Store(clean)

	return s
}

// IsConnected indicates whether a connection is currently attached to the session.
func (s *ClientSession) IsConnected() bool {
	return s.connected.Load()
}

// IsCleanSession indicates if the session was requested as a clean session.
func (s *ClientSession) IsCleanSession() bool {
	return s.clean.Load()
}

// SetCleanSession updates the clean session flag.
func (s *ClientSession) SetCleanSession(clean bool) {
	s.clean.Store(clean)
}

// Subscribe adds or replaces a subscription, returning true if it was new.
func (s *ClientSession) Subscribe(sub Subscription) bool {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	_, existed := s.subscriptions[sub.Filter]
	s.subscriptions[sub.Filter] = sub
	if !existed {
		atomic.AddInt64(&s.info.Subscriptions, 1)
	}

	return !existed
}

// UnsubscribeFrom removes a subscription, returning true if it existed.
func (s *ClientSession) UnsubscribeFrom(filter string) bool {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if _, ok := s.subscriptions[filter]; !ok {
		return false
	}

	delete(s.subscriptions, filter)
	atomic.AddInt64(&s.info.Subscriptions, -1)
	return true
}

// Subscriptions returns the subscriptions of the session, ordered by filter.
func (s *ClientSession) Subscriptions() []Subscription {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	subs := make([]Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		subs = append(subs, sub)
	}

	sort.Slice(subs, func(i, j int) bool {
		return subs[i].Filter < subs[j].Filter
	})

	return subs
}

// WipeSubscriptions removes every subscription and returns what was removed.
func (s *ClientSession) WipeSubscriptions() []Subscription {
	subs := s.Subscriptions()
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	atomic.AddInt64(&s.info.Subscriptions, -int64(len(s.subscriptions)))
	s.subscriptions = map[string]Subscription{}
	return subs
}

// NextPacketID returns the next packet id which is not open in either window.
func (s *ClientSession) NextPacketID() (uint16, error) {
	for i := 0; i < math.MaxUint16; i++ {
		next := s.packetID.Add(1)
		id := uint16(next % (math.MaxUint16 + 1))
		if id == 0 {
			continue
		}

		_, inflight := s.Inflight.Get(id)
		_, second := s.SecondPhase.Get(id)
		if !inflight && !second {
			return id, nil
		}
	}

	return 0, ErrPacketIDExhausted
}

// InflightAdd opens a packet id in the in-flight window for a delivery at qos.
func (s *ClientSession) InflightAdd(id uint16, msg *StoredMessage, qos byte) error {
	if s.maxInflight > 0 && s.Inflight.Len() >= s.maxInflight {
		return ErrInflightFull
	}

	if !s.Inflight.Set(id, msg, qos, s.seq.Add(1)) {
		return ErrPacketIDExhausted
	}

	atomic.AddInt64(&s.info.Inflight, 1)
	return nil
}

// InflightAcknowledged closes a packet id in the in-flight window and returns its message.
func (s *ClientSession) InflightAcknowledged(id uint16) (*StoredMessage, bool) {
	msg, ok := s.Inflight.Delete(id)
	if ok {
		atomic.AddInt64(&s.info.Inflight, -1)
	}

	return msg, ok
}

// MoveInflightToSecondPhase moves a qos 2 delivery which has received a pubrec
// into the second phase window. It returns false if the id was not in flight
// or belongs to a delivery at a lower qos, which is left in place.
func (s *ClientSession) MoveInflightToSecondPhase(id uint16) (*StoredMessage, bool) {
	v, ok := s.Inflight.internal.Load(id)
	if !ok || v.(*windowRecord).qos != 2 {
		return nil, false
	}

	r, ok := s.Inflight.take(id)
	if !ok {
		return nil, false
	}

	if !s.SecondPhase.put(r) {
		atomic.AddInt64(&s.info.Inflight, -1)
		return r.msg, false
	}

	return r.msg, true
}

// PendingDeliveries returns the entries of both windows in the order the
// deliveries were first made.
func (s *ClientSession) PendingDeliveries() []WindowEntry {
	entries := s.Inflight.Entries()
	for _, e := range s.SecondPhase.Entries() {
		e.SecondPhase = true
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})

	return entries
}

// CompleteReleasedPublish closes a packet id in the second phase window.
func (s *ClientSession) CompleteReleasedPublish(id uint16) (*StoredMessage, bool) {
	msg, ok := s.SecondPhase.Delete(id)
	if ok {
		atomic.AddInt64(&s.info.Inflight, -1)
	}

	return msg, ok
}

// restoreWindow puts a delivery back into a window when a session is loaded
// from a store. Restored deliveries are treated as sent.
func (s *ClientSession) restoreWindow(id uint16, msg *StoredMessage, secondPhase bool) {
	w := s.Inflight
	if secondPhase {
		w = s.SecondPhase
	}

	r := &windowRecord{msg: msg, seq: s.seq.Add(1), id: id, qos: msg.Qos}
	r.sent.Store(true)
	if w.put(r) {
		atomic.AddInt64(&s.info.Inflight, 1)
	}

	if uint32(id) > s.packetID.Load() {
		s.packetID.Store(uint32(id))
	}
}

// ReceivedQos2 records an incoming qos 2 packet id, returning false if the id
// was already awaiting its pubrel.
func (s *ClientSession) ReceivedQos2(id uint16) bool {
	_, loaded := s.inbound.LoadOrStore(id, struct{}{})
	return !loaded
}

// ReleaseQos2 clears an incoming qos 2 packet id on pubrel.
func (s *ClientSession) ReleaseQos2(id uint16) bool {
	_, ok := s.inbound.LoadAndDelete(id)
	return ok
}

// Enqueue appends a delivery to the pending queue.
func (s *ClientSession) Enqueue(m EnqueuedMessage) error {
	return s.queue.Push(m)
}

// Poll removes the oldest pending delivery.
func (s *ClientSession) Poll() (EnqueuedMessage, bool) {
	return s.queue.Poll()
}

// Requeue puts a polled delivery back at the head of the pending queue.
func (s *ClientSession) Requeue(m EnqueuedMessage) {
	s.queue.PushFront(m)
}

// QueueLen returns the number of pending deliveries.
func (s *ClientSession) QueueLen() int {
	return s.queue.Len()
}

// DropQueue discards every pending delivery.
func (s *ClientSession) DropQueue() int {
	return s.queue.Drop()
}

// Clean discards all state of the session apart from its identity.
func (s *ClientSession) Clean() {
	s.WipeSubscriptions()
	s.DropQueue()
	n := s.Inflight.Clear() + s.SecondPhase.Clear()
	atomic.AddInt64(&s.info.Inflight, -int64(n))
	s.inbound.Range(func(k, _ any) bool {
		s.inbound.Delete(k)
		return true
	})
}

// SessionRepository creates, loads and destroys client sessions.
type SessionRepository struct {
	internal sync.Map // client id -> *ClientSession
	hooks    *Hooks
	caps     *Capabilities
	info     *system.Info
	qty      atomic.Int64
}

// NewSessionRepository returns an empty repository.
func NewSessionRepository(caps *Capabilities, hooks *Hooks, info *system.Info) *SessionRepository {
	return &SessionRepository{
		caps:  caps,
		hooks: hooks,
		info:  info,
	}
}

// SessionForClient returns the session of a client id, if one exists.
func (r *SessionRepository) SessionForClient(clientID string) (*ClientSession, bool) {
	v, ok := r.internal.Load(clientID)
	if !ok {
		return nil, false
	}

	return v.(*ClientSession), true
}

// CreateOrLoadClientSession returns the existing session of a client, cleaning
// it when a clean session is requested, or creates a new one.
func (r *SessionRepository) CreateOrLoadClientSession(clientID, username string, clean bool) *ClientSession {
	fresh := NewClientSession(clientID, clean, int(r.caps.MaximumInflight), int(r.caps.MaximumPendingQueue), r.info)
	v, loaded := r.internal.LoadOrStore(clientID, fresh)
	s := v.(*ClientSession)
	if !loaded {
		r.qty.Add(1)
		atomic.AddInt64(&r.info.ClientsTotal, 1)
	} else if clean {
		s.Clean()
	}

	s.SetCleanSession(clean)
	if !s.connected.Swap(true) && loaded {
		atomic.AddInt64(&r.info.ClientsDisconnected, -1)
	}

	r.hooks.OnSessionEstablished(s, username)
	return s
}

// Disconnect marks a client as gracefully disconnected. Clean sessions are
// destroyed, persistent sessions are kept for a later resume.
func (r *SessionRepository) Disconnect(clientID string) {
	s, ok := r.SessionForClient(clientID)
	if !ok {
		return
	}

	if !s.IsCleanSession() {
		if s.connected.Swap(false) {
			atomic.AddInt64(&r.info.ClientsDisconnected, 1)
		}
		return
	}

	if r.internal.CompareAndDelete(clientID, s) {
		r.qty.Add(-1)
		atomic.AddInt64(&r.info.ClientsTotal, -1)
		s.connected.Store(false)
		s.Clean()
		r.hooks.OnSessionDestroyed(clientID)
	}
}

// ConnectionLost marks the session of a client as offline without touching its state.
func (r *SessionRepository) ConnectionLost(clientID string) {
	if s, ok := r.SessionForClient(clientID); ok && s.connected.Swap(false) {
		atomic.AddInt64(&r.info.ClientsDisconnected, 1)
	}
}

// Restore adds a session loaded from a store. It does nothing if a session
// already exists for the id.
func (r *SessionRepository) Restore(s *ClientSession) bool {
	if _, loaded := r.internal.LoadOrStore(s.ID, s); loaded {
		return false
	}

	r.qty.Add(1)
	atomic.AddInt64(&r.info.ClientsTotal, 1)
	atomic.AddInt64(&r.info.ClientsDisconnected, 1)
	return true
}

// Len returns the number of sessions.
func (r *SessionRepository) Len() int {
	return int(r.qty.Load())
}

// GetAll returns every session keyed on client id.
func (r *SessionRepository) GetAll() map[string]*ClientSession {
	m := map[string]*ClientSession{}
	r.internal.Range(func(k, v any) bool {
		m[k.(string)] = v.(*ClientSession)
		return true
	})

	return m
}
