// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetainedMessagesStoreAndSearch(t *testing.T) {
	hooks := &Hooks{Log: logger}
	h := new(eventHook)
	require.NoError(t, hooks.Add(h, nil))

	r := NewRetainedMessages(hooks)
	require.NoError(t, r.StoreRetained("a/c", &StoredMessage{Topic: "a/c", Payload: []byte("c")}))
	require.NoError(t, r.StoreRetained("a/b", &StoredMessage{Topic: "a/b", Payload: []byte("b")}))
	require.NoError(t, r.StoreRetained("x/y", &StoredMessage{Topic: "x/y", Payload: []byte("y")}))
	require.NoError(t, r.StoreRetained("a/b", &StoredMessage{Topic: "a/b", Payload: []byte("b2")}))
	require.Equal(t, 3, r.Len())

	msgs, err := r.SearchMatching(func(topic string) bool {
		return MatchTopic("a/+", topic)
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "a/b", msgs[0].Topic)
	require.Equal(t, []byte("b2"), msgs[0].Payload)
	require.Equal(t, "a/c", msgs[1].Topic)

	require.Equal(t, []string{"retain:a/c", "retain:a/b", "retain:x/y", "retain:a/b"}, h.events)
}

func TestRetainedMessagesClean(t *testing.T) {
	hooks := &Hooks{Log: logger}
	h := new(eventHook)
	require.NoError(t, hooks.Add(h, nil))

	r := NewRetainedMessages(hooks)
	require.NoError(t, r.StoreRetained("a/b", &StoredMessage{Topic: "a/b"}))
	require.NoError(t, r.CleanRetained("a/b"))
	require.NoError(t, r.CleanRetained("a/b"))
	require.Equal(t, 0, r.Len())

	// only changes reach the hooks
	require.Len(t, h.events, 2)
}

func TestRetainedMessagesRestore(t *testing.T) {
	hooks := &Hooks{Log: logger}
	h := new(eventHook)
	require.NoError(t, hooks.Add(h, nil))

	r := NewRetainedMessages(hooks)
	r.restore(&StoredMessage{Topic: "a/b"})
	require.Equal(t, 1, r.Len())
	require.Empty(t, h.events)
}

func TestRetainedMessagesNoHooks(t *testing.T) {
	r := NewRetainedMessages(nil)
	require.NoError(t, r.StoreRetained("a/b", &StoredMessage{Topic: "a/b"}))
	require.NoError(t, r.CleanRetained("a/b"))
	require.Equal(t, 0, r.Len())
}
