// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package auth

import (
	"bytes"

	mqtt "github.com/mochi-mqtt/engine"
)

// Options contains the configuration/rules data for the auth ledger.
type Options struct {
	Data   []byte
	Ledger *Ledger
}

// Hook is an authentication hook which implements an auth ledger.
type Hook struct {
	mqtt.HookBase
	config *Options
	ledger *Ledger
}

// ID returns the ID of the hook.
func (h *Hook) ID() string {
	return "auth-ledger"
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
	}, []byte{b})
}

// Init configures the hook with the auth ledger to be used for checking.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)

	switch {
	case h.config.Ledger != nil:
		h.ledger = h.config.Ledger
	case len(h.config.Data) > 0:
		h.ledger = new(Ledger)
		if err := h.ledger.Unmarshal(h.config.Data); err != nil {
			return err
		}
	default:
		h.ledger = &Ledger{
			Auth: AuthRules{},
			ACL:  ACLRules{},
		}
	}

	h.Log.Info("loaded auth rules",
		"users", len(h.ledger.Users),
		"authentication", len(h.ledger.Auth),
		"acl", len(h.ledger.ACL))

	return nil
}

// Ledger returns the ledger used by the hook.
func (h *Hook) Ledger() *Ledger {
	return h.ledger
}

// OnConnectAuthenticate returns true if the connecting client has rules which provide access
// in the auth ledger.
func (h *Hook) OnConnectAuthenticate(clientID, username string, password []byte) bool {
	if _, ok := h.ledger.AuthOk(clientID, username, password); ok {
		return true
	}

	h.Log.Info("client failed authentication check", "client", clientID, "username", username)
	return false
}

// OnACLCheck returns true if the connecting client has matching read or write access to subscribe
// or publish to a given topic.
func (h *Hook) OnACLCheck(clientID, username, topic string, write bool) bool {
	if _, ok := h.ledger.ACLOk(clientID, username, topic, write); ok {
		return true
	}

	h.Log.Debug("client failed allowed ACL check", "client", clientID, "username", username, "topic", topic, "write", write)
	return false
}
