// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"strconv"
	"sync"
	"time"
)

// SubscribeState is the progress of a SUBSCRIBE being processed.
type SubscribeState int32

const (
	Verified SubscribeState = iota + 1 // grants computed, nothing stored yet
	Stored                             // subscriptions stored, suback sent
)

// String returns the name of the state.
func (s SubscribeState) String() string {
	switch s {
	case Verified:
		return "VERIFIED"
	case Stored:
		return "STORED"
	default:
		return "UNKNOWN"
	}
}

type subscribeEntry struct {
	state   SubscribeState
	created int64
}

// SubscriptionsInCourse tracks the SUBSCRIBE packets currently being
// processed, keyed on client id and packet id, so that a resent SUBSCRIBE is
// not processed twice.
type SubscriptionsInCourse struct {
	internal sync.Map // key -> subscribeEntry
}

// NewSubscriptionsInCourse returns an empty tracking table.
func NewSubscriptionsInCourse() *SubscriptionsInCourse {
	return new(SubscriptionsInCourse)
}

func subscribeKey(clientID string, packetID uint16) string {
	return clientID + "/" + strconv.Itoa(int(packetID))
}

// PutIfAbsent adds an entry in the Verified state, returning false if an
// entry already exists for the client and packet id.
func (s *SubscriptionsInCourse) PutIfAbsent(clientID string, packetID uint16) bool {
	_, loaded := s.internal.LoadOrStore(subscribeKey(clientID, packetID), subscribeEntry{
		state:   Verified,
		created: time.Now().UnixNano(),
	})

	return !loaded
}

// Replace moves an entry from one state to another, returning false if the
// entry is missing or not in the expected state.
func (s *SubscriptionsInCourse) Replace(clientID string, packetID uint16, expected, next SubscribeState) bool {
	key := subscribeKey(clientID, packetID)
	v, ok := s.internal.Load(key)
	if !ok {
		return false
	}

	old := v.(subscribeEntry)
	if old.state != expected {
		return false
	}

	return s.internal.CompareAndSwap(key, old, subscribeEntry{state: next, created: old.created})
}

// Remove deletes an entry only if it is in the expected state.
func (s *SubscriptionsInCourse) Remove(clientID string, packetID uint16, expected SubscribeState) bool {
	key := subscribeKey(clientID, packetID)
	v, ok := s.internal.Load(key)
	if !ok || v.(subscribeEntry).state != expected {
		return false
	}

	return s.internal.CompareAndDelete(key, v)
}

// State returns the state of an entry.
func (s *SubscriptionsInCourse) State(clientID string, packetID uint16) (SubscribeState, bool) {
	v, ok := s.internal.Load(subscribeKey(clientID, packetID))
	if !ok {
		return 0, false
	}

	return v.(subscribeEntry).state, true
}

// Sweep removes entries created before the cutoff, returning how many were
// removed. These are entries whose processing lost a race and never completed.
func (s *SubscriptionsInCourse) Sweep(cutoff time.Time) int {
	n := 0
	limit := cutoff.UnixNano()
	s.internal.Range(func(k, v any) bool {
		if v.(subscribeEntry).created < limit && s.internal.CompareAndDelete(k, v) {
			n++
		}
		return true
	})

	return n
}
