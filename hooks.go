// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, thedevop, dgduncan

package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mochi-mqtt/engine/hooks/storage"
	"github.com/mochi-mqtt/engine/packets"
	"github.com/mochi-mqtt/engine/system"
)

const (
	SetOptions byte = iota
	OnSysInfoTick
	OnStarted
	OnStopped
	OnConnectAuthenticate
	OnACLCheck
	OnConnect
	OnSessionEstablished
	OnSessionDestroyed
	OnDisconnect
	OnConnectionLost
	OnSubscribed
	OnUnsubscribed
	OnPublished
	OnMessageAcknowledged
	OnRetainMessage
	OnQosPublish
	OnQosComplete
	OnQosDropped
	OnWillSent
	StoredSessions
	StoredSubscriptions
	StoredInflightMessages
	StoredRetainedMessages
	StoredSysInfo
)

var (
	// ErrInvalidConfigType indicates a different Type of config value was expected to what was received.
	ErrInvalidConfigType = errors.New("invalid config type provided")
)

// Hook provides an interface of handlers for different events which occur
// during the lifecycle of the engine.
type Hook interface {
	ID() string
	Provides(b byte) bool
	Init(config any) error
	Stop() error
	SetOpts(l *slog.Logger, o *HookOptions)
	OnStarted()
	OnStopped()
	OnSysInfoTick(*system.Info)
	OnConnectAuthenticate(clientID, username string, password []byte) bool
	OnACLCheck(clientID, username, topic string, write bool) bool
	OnConnect(d *ConnectionDescriptor, pk packets.Packet)
	OnSessionEstablished(s *ClientSession, username string)
	OnSessionDestroyed(clientID string)
	OnDisconnect(clientID, username string)
	OnConnectionLost(clientID, username string)
	OnSubscribed(sub Subscription, username string)
	OnUnsubscribed(filter, clientID, username string)
	OnPublished(clientID, username string, msg *StoredMessage)
	OnMessageAcknowledged(clientID, username string, packetID uint16, msg *StoredMessage)
	OnRetainMessage(topic string, msg *StoredMessage, r int64)
	OnQosPublish(clientID string, packetID uint16, msg *StoredMessage, secondPhase bool)
	OnQosComplete(clientID string, packetID uint16)
	OnQosDropped(clientID string, packetID uint16, msg *StoredMessage)
	OnWillSent(clientID string, msg *StoredMessage)
	StoredSessions() ([]storage.Session, error)
	StoredSubscriptions() ([]storage.Subscription, error)
	StoredInflightMessages() ([]storage.Message, error)
	StoredRetainedMessages() ([]storage.Message, error)
	StoredSysInfo() (storage.SystemInfo, error)
}

// HookLoadConfig contains the hook and configuration as loaded from a configuration (usually file).
type HookLoadConfig struct {
	Hook   Hook
	Config any
}

// HookOptions contains values which are inherited from the engine on initialisation.
type HookOptions struct {
	Capabilities *Capabilities
}

// Hooks is a slice of Hook interfaces to be called in sequence. It serves
// the Authenticator, Authorizator and InterceptSink contracts of the processor.
type Hooks struct {
	Log        *slog.Logger   // a logger for the hook (from the engine)
	internal   atomic.Value   // a slice of []Hook
	wg         sync.WaitGroup // a waitgroup for syncing hook shutdown
	qty        int64          // the number of hooks in use
	sync.Mutex                // a mutex for locking when adding hooks
}

// Len returns the number of hooks added.
func (h *Hooks) Len() int64 {
	return atomic.LoadInt64(&h.qty)
}

// Provides returns true if any one hook provides any of the requested hook methods.
func (h *Hooks) Provides(b ...byte) bool {
	for _, hook := range h.GetAll() {
		for _, hb := range b {
			if hook.Provides(hb) {
				return true
			}
		}
	}

	return false
}

// Add adds and initializes a new hook.
func (h *Hooks) Add(hook Hook, config any) error {
	h.Lock()
	defer h.Unlock()

	err := hook.Init(config)
	if err != nil {
		return fmt.Errorf("failed initialising %s hook: %w", hook.ID(), err)
	}

	i, ok := h.internal.Load().([]Hook)
	if !ok {
		i = []Hook{}
	}

	i = append(i, hook)
	h.internal.Store(i)
	atomic.AddInt64(&h.qty, 1)
	h.wg.Add(1)

	return nil
}

// GetAll returns a slice of all the hooks.
func (h *Hooks) GetAll() []Hook {
	i, ok := h.internal.Load().([]Hook)
	if !ok {
		return []Hook{}
	}

	return i
}

// Stop indicates all attached hooks to gracefully end.
func (h *Hooks) Stop() {
	go func() {
		for _, hook := range h.GetAll() {
			h.Log.Info("stopping hook", "hook", hook.ID())
			if err := hook.Stop(); err != nil {
				h.Log.Debug("problem stopping hook", "error", err, "hook", hook.ID())
			}

			h.wg.Done()
		}
	}()

	h.wg.Wait()
}

// OnSysInfoTick is called when the $SYS topic values are published out.
func (h *Hooks) OnSysInfoTick(sys *system.Info) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSysInfoTick) {
			hook.OnSysInfoTick(sys)
		}
	}
}

// OnStarted is called when the engine has successfully started.
func (h *Hooks) OnStarted() {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnStarted) {
			hook.OnStarted()
		}
	}
}

// OnStopped is called when the engine has successfully stopped.
func (h *Hooks) OnStopped() {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnStopped) {
			hook.OnStopped()
		}
	}
}

// CheckValid reports whether any hook accepts the connect credentials.
func (h *Hooks) CheckValid(clientID, username string, password []byte) bool {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnConnectAuthenticate) {
			if ok := hook.OnConnectAuthenticate(clientID, username, password); ok {
				return true
			}
		}
	}

	return false
}

// CanRead reports whether any hook allows the client to subscribe to a filter.
func (h *Hooks) CanRead(topic, username, clientID string) bool {
	return h.aclCheck(clientID, username, topic, false)
}

// CanWrite reports whether any hook allows the client to publish to a topic.
func (h *Hooks) CanWrite(topic, username, clientID string) bool {
	return h.aclCheck(clientID, username, topic, true)
}

func (h *Hooks) aclCheck(clientID, username, topic string, write bool) bool {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnACLCheck) {
			if ok := hook.OnACLCheck(clientID, username, topic, write); ok {
				return true
			}
		}
	}

	return false
}

// OnConnect is called when a client has been sent its connack.
func (h *Hooks) OnConnect(d *ConnectionDescriptor, pk packets.Packet) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnConnect) {
			hook.OnConnect(d, pk)
		}
	}
}

// OnSessionEstablished is called when a session is created or loaded for a client.
func (h *Hooks) OnSessionEstablished(s *ClientSession, username string) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSessionEstablished) {
			hook.OnSessionEstablished(s, username)
		}
	}
}

// OnSessionDestroyed is called when a clean session is removed after a graceful disconnect.
func (h *Hooks) OnSessionDestroyed(clientID string) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSessionDestroyed) {
			hook.OnSessionDestroyed(clientID)
		}
	}
}

// OnDisconnect is called when a client sends a DISCONNECT.
func (h *Hooks) OnDisconnect(clientID, username string) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnDisconnect) {
			hook.OnDisconnect(clientID, username)
		}
	}
}

// OnConnectionLost is called when a connection ends without a DISCONNECT.
func (h *Hooks) OnConnectionLost(clientID, username string) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnConnectionLost) {
			hook.OnConnectionLost(clientID, username)
		}
	}
}

// OnSubscribed is called when a subscription has been stored and acknowledged.
func (h *Hooks) OnSubscribed(sub Subscription, username string) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSubscribed) {
			hook.OnSubscribed(sub, username)
		}
	}
}

// OnUnsubscribed is called when a client removes a subscription.
func (h *Hooks) OnUnsubscribed(filter, clientID, username string) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnUnsubscribed) {
			hook.OnUnsubscribed(filter, clientID, username)
		}
	}
}

// OnPublished is called when a client has published a message to subscribers.
func (h *Hooks) OnPublished(clientID, username string, msg *StoredMessage) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPublished) {
			hook.OnPublished(clientID, username, msg)
		}
	}
}

// OnMessageAcknowledged is called when a subscriber completes the qos flow of a delivery.
func (h *Hooks) OnMessageAcknowledged(clientID, username string, packetID uint16, msg *StoredMessage) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnMessageAcknowledged) {
			hook.OnMessageAcknowledged(clientID, username, packetID, msg)
		}
	}
}

// OnRetainMessage is called when a retained message is set (r = 1) or
// cleared (r = -1) for a topic.
func (h *Hooks) OnRetainMessage(topic string, msg *StoredMessage, r int64) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnRetainMessage) {
			hook.OnRetainMessage(topic, msg, r)
		}
	}
}

// OnQosPublish is called when a qos > 0 delivery enters a session window.
func (h *Hooks) OnQosPublish(clientID string, packetID uint16, msg *StoredMessage, secondPhase bool) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnQosPublish) {
			hook.OnQosPublish(clientID, packetID, msg, secondPhase)
		}
	}
}

// OnQosComplete is called when the qos flow of a delivery has been completed.
func (h *Hooks) OnQosComplete(clientID string, packetID uint16) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnQosComplete) {
			hook.OnQosComplete(clientID, packetID)
		}
	}
}

// OnQosDropped is called when a qos > 0 delivery could not be queued for a client.
func (h *Hooks) OnQosDropped(clientID string, packetID uint16, msg *StoredMessage) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnQosDropped) {
			hook.OnQosDropped(clientID, packetID, msg)
		}
	}
}

// OnWillSent is called when the will of a lost connection has been published.
func (h *Hooks) OnWillSent(clientID string, msg *StoredMessage) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnWillSent) {
			hook.OnWillSent(clientID, msg)
		}
	}
}

// StoredSessions returns all sessions, e.g. from a persistent store, and is
// used to populate the session repository before start.
func (h *Hooks) StoredSessions() (v []storage.Session, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(StoredSessions) {
			v, err := hook.StoredSessions()
			if err != nil {
				h.Log.Error("failed to load sessions", "error", err, "hook", hook.ID())
				return v, err
			}

			if len(v) > 0 {
				return v, nil
			}
		}
	}

	return
}

// StoredSubscriptions returns all subcriptions, e.g. from a persistent store, and is
// used to populate the subscription directory before start.
func (h *Hooks) StoredSubscriptions() (v []storage.Subscription, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(StoredSubscriptions) {
			v, err := hook.StoredSubscriptions()
			if err != nil {
				h.Log.Error("failed to load subscriptions", "error", err, "hook", hook.ID())
				return v, err
			}

			if len(v) > 0 {
				return v, nil
			}
		}
	}

	return
}

// StoredInflightMessages returns all inflight messages, e.g. from a persistent store,
// and is used to populate the windows of restored sessions before start.
func (h *Hooks) StoredInflightMessages() (v []storage.Message, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(StoredInflightMessages) {
			v, err := hook.StoredInflightMessages()
			if err != nil {
				h.Log.Error("failed to load inflight messages", "error", err, "hook", hook.ID())
				return v, err
			}

			if len(v) > 0 {
				return v, nil
			}
		}
	}

	return
}

// StoredRetainedMessages returns all retained messages, e.g. from a persistent store,
// and is used to populate the retained message store before start.
func (h *Hooks) StoredRetainedMessages() (v []storage.Message, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(StoredRetainedMessages) {
			v, err := hook.StoredRetainedMessages()
			if err != nil {
				h.Log.Error("failed to load retained messages", "error", err, "hook", hook.ID())
				return v, err
			}

			if len(v) > 0 {
				return v, nil
			}
		}
	}

	return
}

// StoredSysInfo returns a set of system info values.
func (h *Hooks) StoredSysInfo() (v storage.SystemInfo, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(StoredSysInfo) {
			v, err := hook.StoredSysInfo()
			if err != nil {
				h.Log.Error("failed to load $SYS info", "error", err, "hook", hook.ID())
				return v, err
			}

			if v.Version != "" {
				return v, nil
			}
		}
	}

	return
}

// HookBase provides a set of default methods for each hook. It should be embedded in
// all hooks.
type HookBase struct {
	Hook
	Log  *slog.Logger
	Opts *HookOptions
}

// ID returns the ID of the hook.
func (h *HookBase) ID() string {
	return "base"
}

// Provides indicates which methods a hook provides. The default is none - this method
// should be overridden by the embedding hook.
func (h *HookBase) Provides(b byte) bool {
	return false
}

// Init performs any pre-start initializations for the hook, such as connecting to databases
// or opening files.
func (h *HookBase) Init(config any) error {
	return nil
}

// SetOpts is called by the engine to propagate internal values and generally should
// not be called manually.
func (h *HookBase) SetOpts(l *slog.Logger, opts *HookOptions) {
	h.Log = l
	h.Opts = opts
}

// Stop is called to gracefully shut down the hook.
func (h *HookBase) Stop() error {
	return nil
}

// OnStarted is called when the engine starts.
func (h *HookBase) OnStarted() {}

// OnStopped is called when the engine stops.
func (h *HookBase) OnStopped() {}

// OnSysInfoTick is called when the engine publishes system info.
func (h *HookBase) OnSysInfoTick(*system.Info) {}

// OnConnectAuthenticate is called when a user attempts to authenticate with the engine.
func (h *HookBase) OnConnectAuthenticate(clientID, username string, password []byte) bool {
	return false
}

// OnACLCheck is called when a user attempts to subscribe or publish to a topic.
func (h *HookBase) OnACLCheck(clientID, username, topic string, write bool) bool {
	return false
}

// OnConnect is called when a new client connects.
func (h *HookBase) OnConnect(d *ConnectionDescriptor, pk packets.Packet) {}

// OnSessionEstablished is called when a session is created or loaded.
func (h *HookBase) OnSessionEstablished(s *ClientSession, username string) {}

// OnSessionDestroyed is called when a session is removed.
func (h *HookBase) OnSessionDestroyed(clientID string) {}

// OnDisconnect is called when a client disconnects gracefully.
func (h *HookBase) OnDisconnect(clientID, username string) {}

// OnConnectionLost is called when a connection is lost.
func (h *HookBase) OnConnectionLost(clientID, username string) {}

// OnSubscribed is called when a client subscribes to a filter.
func (h *HookBase) OnSubscribed(sub Subscription, username string) {}

// OnUnsubscribed is called when a client unsubscribes from a filter.
func (h *HookBase) OnUnsubscribed(filter, clientID, username string) {}

// OnPublished is called when a client has published a message to subscribers.
func (h *HookBase) OnPublished(clientID, username string, msg *StoredMessage) {}

// OnMessageAcknowledged is called when a delivery is acknowledged.
func (h *HookBase) OnMessageAcknowledged(clientID, username string, packetID uint16, msg *StoredMessage) {
}

// OnRetainMessage is called then a published message is retained.
func (h *HookBase) OnRetainMessage(topic string, msg *StoredMessage, r int64) {}

// OnQosPublish is called when a qos > 0 delivery enters a session window.
func (h *HookBase) OnQosPublish(clientID string, packetID uint16, msg *StoredMessage, secondPhase bool) {
}

// OnQosComplete is called when the qos flow for a message has been completed.
func (h *HookBase) OnQosComplete(clientID string, packetID uint16) {}

// OnQosDropped is called when a qos > 0 delivery is dropped.
func (h *HookBase) OnQosDropped(clientID string, packetID uint16, msg *StoredMessage) {}

// OnWillSent is called when a will message has been issued.
func (h *HookBase) OnWillSent(clientID string, msg *StoredMessage) {}

// StoredSessions returns all sessions from a store.
func (h *HookBase) StoredSessions() (v []storage.Session, err error) {
	return
}

// StoredSubscriptions returns all subcriptions from a store.
func (h *HookBase) StoredSubscriptions() (v []storage.Subscription, err error) {
	return
}

// StoredInflightMessages returns all inflight messages from a store.
func (h *HookBase) StoredInflightMessages() (v []storage.Message, err error) {
	return
}

// StoredRetainedMessages returns all retained messages from a store.
func (h *HookBase) StoredRetainedMessages() (v []storage.Message, err error) {
	return
}

// StoredSysInfo returns a set of system info values.
func (h *HookBase) StoredSysInfo() (v storage.SystemInfo, err error) {
	return
}
