// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sort"
	"sync"
)

// RetainedMessages is the in-memory MessageStore. Changes are mirrored to
// storage hooks through OnRetainMessage.
type RetainedMessages struct {
	internal map[string]*StoredMessage
	hooks    *Hooks
	sync.RWMutex
}

// NewRetainedMessages returns an empty retained message store.
func NewRetainedMessages(hooks *Hooks) *RetainedMessages {
	return &RetainedMessages{
		internal: map[string]*StoredMessage{},
		hooks:    hooks,
	}
}

// StoreRetained sets the retained message of a topic, replacing any existing one.
func (r *RetainedMessages) StoreRetained(topic string, msg *StoredMessage) error {
	r.Lock()
	r.internal[topic] = msg
	r.Unlock()

	if r.hooks != nil {
		r.hooks.OnRetainMessage(topic, msg, 1)
	}

	return nil
}

// CleanRetained removes the retained message of a topic.
func (r *RetainedMessages) CleanRetained(topic string) error {
	r.Lock()
	_, ok := r.internal[topic]
	delete(r.internal, topic)
	r.Unlock()

	if ok && r.hooks != nil {
		r.hooks.OnRetainMessage(topic, nil, -1)
	}

	return nil
}

// SearchMatching returns the retained messages whose topic satisfies match,
// ordered by topic.
func (r *RetainedMessages) SearchMatching(match func(topic string) bool) ([]*StoredMessage, error) {
	r.RLock()
	defer r.RUnlock()

	topics := make([]string, 0, len(r.internal))
	for topic := range r.internal {
		if match(topic) {
			topics = append(topics, topic)
		}
	}

	sort.Strings(topics)
	msgs := make([]*StoredMessage, 0, len(topics))
	for _, topic := range topics {
		msgs = append(msgs, r.internal[topic])
	}

	return msgs, nil
}

// restore adds a retained message without notifying the hooks.
func (r *RetainedMessages) restore(msg *StoredMessage) {
	r.Lock()
	defer r.Unlock()
	r.internal[msg.Topic] = msg
}

// Len returns the number of retained messages.
func (r *RetainedMessages) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.internal)
}
