// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sync"
)

// WillStore holds the will registered by each connected client.
type WillStore struct {
	internal sync.Map // client id -> Will
}

// NewWillStore returns an empty will store.
func NewWillStore() *WillStore {
	return new(WillStore)
}

// Put registers the will of a client, replacing any previous one.
func (s *WillStore) Put(clientID string, w Will) {
	s.internal.Store(clientID, w)
}

// Get returns the will of a client.
func (s *WillStore) Get(clientID string) (Will, bool) {
	v, ok := s.internal.Load(clientID)
	if !ok {
		return Will{}, false
	}

	return v.(Will), true
}

// Take removes and returns the will of a client.
func (s *WillStore) Take(clientID string) (Will, bool) {
	v, ok := s.internal.LoadAndDelete(clientID)
	if !ok {
		return Will{}, false
	}

	return v.(Will), true
}

// Remove discards the will of a client.
func (s *WillStore) Remove(clientID string) {
	s.internal.Delete(clientID)
}
