// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/engine/hooks/storage"
	"github.com/mochi-mqtt/engine/packets"
	"github.com/mochi-mqtt/engine/system"
)

type modifiedHookBase struct {
	HookBase
	fail   bool
	failAt int
}

var errTestHook = errors.New("error")

func (h *modifiedHookBase) ID() string {
	return "modified"
}

func (h *modifiedHookBase) Init(config any) error {
	if config != nil {
		return errTestHook
	}
	return nil
}

func (h *modifiedHookBase) Provides(b byte) bool {
	return true
}

func (h *modifiedHookBase) Stop() error {
	if h.fail {
		return errTestHook
	}

	return nil
}

func (h *modifiedHookBase) OnConnectAuthenticate(clientID, username string, password []byte) bool {
	return true
}

func (h *modifiedHookBase) OnACLCheck(clientID, username, topic string, write bool) bool {
	return true
}

func (h *modifiedHookBase) StoredSessions() (v []storage.Session, err error) {
	if h.fail || h.failAt == 1 {
		return v, errTestHook
	}

	return []storage.Session{
		{ID: "cl1"},
		{ID: "cl2"},
		{ID: "cl3"},
	}, nil
}

func (h *modifiedHookBase) StoredSubscriptions() (v []storage.Subscription, err error) {
	if h.fail || h.failAt == 2 {
		return v, errTestHook
	}

	return []storage.Subscription{
		{ID: "sub1"},
		{ID: "sub2"},
		{ID: "sub3"},
	}, nil
}

func (h *modifiedHookBase) StoredRetainedMessages() (v []storage.Message, err error) {
	if h.fail || h.failAt == 3 {
		return v, errTestHook
	}

	return []storage.Message{
		{ID: "r1"},
		{ID: "r2"},
		{ID: "r3"},
	}, nil
}

func (h *modifiedHookBase) StoredInflightMessages() (v []storage.Message, err error) {
	if h.fail || h.failAt == 4 {
		return v, errTestHook
	}

	return []storage.Message{
		{ID: "i1"},
		{ID: "i2"},
		{ID: "i3"},
	}, nil
}

func (h *modifiedHookBase) StoredSysInfo() (v storage.SystemInfo, err error) {
	if h.fail || h.failAt == 5 {
		return v, errTestHook
	}

	return storage.SystemInfo{
		Info: system.Info{
			Version: "2.0.0",
		},
	}, nil
}

type providesCheckHook struct {
	HookBase
}

func (h *providesCheckHook) Provides(b byte) bool {
	return b == OnConnect
}

// eventHook records the events it receives.
type eventHook struct {
	HookBase
	events []string
}

func (h *eventHook) ID() string {
	return "events"
}

func (h *eventHook) Provides(b byte) bool {
	return true
}

func (h *eventHook) OnStarted() { h.events = append(h.events, "started") }
func (h *eventHook) OnStopped() { h.events = append(h.events, "stopped") }
func (h *eventHook) OnSysInfoTick(*system.Info) { h.events = append(h.events, "sys") }
func (h *eventHook) OnConnect(d *ConnectionDescriptor, pk packets.Packet) {
	h.events = append(h.events, "connect:"+d.ClientID)
}
func (h *eventHook) OnSessionEstablished(s *ClientSession, username string) {
	h.events = append(h.events, "session:"+s.ID)
}
func (h *eventHook) OnSessionDestroyed(clientID string) {
	h.events = append(h.events, "destroyed:"+clientID)
}
func (h *eventHook) OnDisconnect(clientID, username string) {
	h.events = append(h.events, "disconnect:"+clientID)
}
func (h *eventHook) OnConnectionLost(clientID, username string) {
	h.events = append(h.events, "lost:"+clientID)
}
func (h *eventHook) OnSubscribed(sub Subscription, username string) {
	h.events = append(h.events, "subscribed:"+sub.Filter)
}
func (h *eventHook) OnUnsubscribed(filter, clientID, username string) {
	h.events = append(h.events, "unsubscribed:"+filter)
}
func (h *eventHook) OnPublished(clientID, username string, msg *StoredMessage) {
	h.events = append(h.events, "published:"+msg.Topic)
}
func (h *eventHook) OnMessageAcknowledged(clientID, username string, packetID uint16, msg *StoredMessage) {
	h.events = append(h.events, "acknowledged:"+msg.Topic)
}
func (h *eventHook) OnRetainMessage(topic string, msg *StoredMessage, r int64) {
	h.events = append(h.events, "retain:"+topic)
}
func (h *eventHook) OnQosPublish(clientID string, packetID uint16, msg *StoredMessage, secondPhase bool) {
	h.events = append(h.events, "qos:"+msg.Topic)
}
func (h *eventHook) OnQosComplete(clientID string, packetID uint16) {
	h.events = append(h.events, "complete:"+clientID)
}
func (h *eventHook) OnQosDropped(clientID string, packetID uint16, msg *StoredMessage) {
	h.events = append(h.events, "dropped:"+msg.Topic)
}
func (h *eventHook) OnWillSent(clientID string, msg *StoredMessage) {
	h.events = append(h.events, "will:"+msg.Topic)
}

func TestHooksProvides(t *testing.T) {
	h := new(Hooks)
	err := h.Add(new(providesCheckHook), nil)
	require.NoError(t, err)

	err = h.Add(new(HookBase), nil)
	require.NoError(t, err)

	require.True(t, h.Provides(OnConnect, OnDisconnect))
	require.False(t, h.Provides(OnDisconnect))
}

func TestHooksAddLenGetAll(t *testing.T) {
	h := new(Hooks)
	err := h.Add(new(HookBase), nil)
	require.NoError(t, err)

	err = h.Add(new(HookBase), nil)
	require.NoError(t, err)

	require.Equal(t, int64(2), h.Len())

	all := h.GetAll()
	require.Equal(t, "base", all[0].ID())
	require.Equal(t, "base", all[1].ID())
}

func TestHooksAddInitFailure(t *testing.T) {
	h := new(Hooks)
	err := h.Add(new(modifiedHookBase), map[string]any{})
	require.Error(t, err)
	require.ErrorIs(t, err, errTestHook)
	require.Equal(t, int64(0), h.Len())
}

func TestHooksStop(t *testing.T) {
	h := new(Hooks)
	h.Log = logger

	err := h.Add(new(HookBase), nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), h.Len())

	h.Stop()
}

func TestHooksStopFailure(t *testing.T) {
	h := new(Hooks)
	h.Log = logger

	err := h.Add(&modifiedHookBase{fail: true}, nil)
	require.NoError(t, err)

	h.Stop()
}

func TestHooksNonReturns(t *testing.T) {
	h := new(Hooks)
	msg := &StoredMessage{Topic: "a/b/c"}
	d := NewConnectionDescriptor("cl1", "", true, nil)

	for i := 0; i < 2; i++ {
		t.Run("step-"+strconv.Itoa(i), func(t *testing.T) {
			// on first iteration, check without hook methods
			h.OnStarted()
			h.OnStopped()
			h.OnSysInfoTick(new(system.Info))
			h.OnConnect(d, packets.Packet{})
			h.OnSessionEstablished(NewClientSession("cl1", true, 0, 0, nil), "")
			h.OnSessionDestroyed("cl1")
			h.OnDisconnect("cl1", "")
			h.OnConnectionLost("cl1", "")
			h.OnSubscribed(Subscription{ClientID: "cl1", Filter: "a/#"}, "")
			h.OnUnsubscribed("a/#", "cl1", "")
			h.OnPublished("cl1", "", msg)
			h.OnMessageAcknowledged("cl1", "", 1, msg)
			h.OnRetainMessage("a/b/c", msg, 1)
			h.OnQosPublish("cl1", 1, msg, false)
			h.OnQosComplete("cl1", 1)
			h.OnQosDropped("cl1", 1, msg)
			h.OnWillSent("cl1", msg)

			// on second iteration, check added hook methods
			err := h.Add(new(modifiedHookBase), nil)
			require.NoError(t, err)
		})
	}
}

func TestHooksDispatchEvents(t *testing.T) {
	h := new(Hooks)
	hook := new(eventHook)
	err := h.Add(hook, nil)
	require.NoError(t, err)

	msg := &StoredMessage{Topic: "a/b"}
	h.OnStarted()
	h.OnConnect(NewConnectionDescriptor("cl1", "", true, nil), packets.Packet{})
	h.OnSessionEstablished(NewClientSession("cl1", true, 0, 0, nil), "")
	h.OnSubscribed(Subscription{ClientID: "cl1", Filter: "a/#"}, "")
	h.OnPublished("cl1", "", msg)
	h.OnQosPublish("cl1", 1, msg, false)
	h.OnMessageAcknowledged("cl1", "", 1, msg)
	h.OnQosComplete("cl1", 1)
	h.OnQosDropped("cl1", 2, msg)
	h.OnRetainMessage("a/b", msg, 1)
	h.OnUnsubscribed("a/#", "cl1", "")
	h.OnWillSent("cl1", msg)
	h.OnConnectionLost("cl1", "")
	h.OnDisconnect("cl1", "")
	h.OnSessionDestroyed("cl1")
	h.OnSysInfoTick(new(system.Info))
	h.OnStopped()

	require.Equal(t, []string{
		"started",
		"connect:cl1",
		"session:cl1",
		"subscribed:a/#",
		"published:a/b",
		"qos:a/b",
		"acknowledged:a/b",
		"complete:cl1",
		"dropped:a/b",
		"retain:a/b",
		"unsubscribed:a/#",
		"will:a/b",
		"lost:cl1",
		"disconnect:cl1",
		"destroyed:cl1",
		"sys",
		"stopped",
	}, hook.events)
}

func TestHooksCheckValidDenyByDefault(t *testing.T) {
	h := new(Hooks)
	require.False(t, h.CheckValid("cl1", "user", []byte("pass")))

	err := h.Add(new(HookBase), nil)
	require.NoError(t, err)
	require.False(t, h.CheckValid("cl1", "user", []byte("pass")))
}

func TestHooksCheckValidAllowed(t *testing.T) {
	h := new(Hooks)
	err := h.Add(new(HookBase), nil)
	require.NoError(t, err)

	err = h.Add(new(modifiedHookBase), nil)
	require.NoError(t, err)
	require.True(t, h.CheckValid("cl1", "user", []byte("pass")))
}

func TestHooksACLDenyByDefault(t *testing.T) {
	h := new(Hooks)
	require.False(t, h.CanRead("a/b", "user", "cl1"))
	require.False(t, h.CanWrite("a/b", "user", "cl1"))

	err := h.Add(new(HookBase), nil)
	require.NoError(t, err)
	require.False(t, h.CanRead("a/b", "user", "cl1"))
	require.False(t, h.CanWrite("a/b", "user", "cl1"))
}

func TestHooksACLAllowed(t *testing.T) {
	h := new(Hooks)
	err := h.Add(new(modifiedHookBase), nil)
	require.NoError(t, err)
	require.True(t, h.CanRead("a/b", "user", "cl1"))
	require.True(t, h.CanWrite("a/b", "user", "cl1"))
}

func TestHooksStoredSessions(t *testing.T) {
	h := new(Hooks)
	h.Log = logger

	v, err := h.StoredSessions()
	require.NoError(t, err)
	require.Len(t, v, 0)

	err = h.Add(new(modifiedHookBase), nil)
	require.NoError(t, err)

	v, err = h.StoredSessions()
	require.NoError(t, err)
	require.Len(t, v, 3)

	h2 := new(Hooks)
	h2.Log = logger
	err = h2.Add(&modifiedHookBase{failAt: 1}, nil)
	require.NoError(t, err)

	v, err = h2.StoredSessions()
	require.Error(t, err)
	require.Len(t, v, 0)
}

func TestHooksStoredSubscriptions(t *testing.T) {
	h := new(Hooks)
	h.Log = logger

	v, err := h.StoredSubscriptions()
	require.NoError(t, err)
	require.Len(t, v, 0)

	err = h.Add(new(modifiedHookBase), nil)
	require.NoError(t, err)

	v, err = h.StoredSubscriptions()
	require.NoError(t, err)
	require.Len(t, v, 3)

	h2 := new(Hooks)
	h2.Log = logger
	err = h2.Add(&modifiedHookBase{failAt: 2}, nil)
	require.NoError(t, err)

	v, err = h2.StoredSubscriptions()
	require.Error(t, err)
	require.Len(t, v, 0)
}

func TestHooksStoredRetainedMessages(t *testing.T) {
	h := new(Hooks)
	h.Log = logger

	v, err := h.StoredRetainedMessages()
	require.NoError(t, err)
	require.Len(t, v, 0)

	err = h.Add(new(modifiedHookBase), nil)
	require.NoError(t, err)

	v, err = h.StoredRetainedMessages()
	require.NoError(t, err)
	require.Len(t, v, 3)

	h2 := new(Hooks)
	h2.Log = logger
	err = h2.Add(&modifiedHookBase{failAt: 3}, nil)
	require.NoError(t, err)

	v, err = h2.StoredRetainedMessages()
	require.Error(t, err)
	require.Len(t, v, 0)
}

func TestHooksStoredInflightMessages(t *testing.T) {
	h := new(Hooks)
	h.Log = logger

	v, err := h.StoredInflightMessages()
	require.NoError(t, err)
	require.Len(t, v, 0)

	err = h.Add(new(modifiedHookBase), nil)
	require.NoError(t, err)

	v, err = h.StoredInflightMessages()
	require.NoError(t, err)
	require.Len(t, v, 3)

	h2 := new(Hooks)
	h2.Log = logger
	err = h2.Add(&modifiedHookBase{failAt: 4}, nil)
	require.NoError(t, err)

	v, err = h2.StoredInflightMessages()
	require.Error(t, err)
	require.Len(t, v, 0)
}

func TestHooksStoredSysInfo(t *testing.T) {
	h := new(Hooks)
	h.Log = logger

	v, err := h.StoredSysInfo()
	require.NoError(t, err)
	require.Equal(t, "", v.Info.Version)

	err = h.Add(new(modifiedHookBase), nil)
	require.NoError(t, err)

	v, err = h.StoredSysInfo()
	require.NoError(t, err)
	require.Equal(t, "2.0.0", v.Info.Version)

	h2 := new(Hooks)
	h2.Log = logger
	err = h2.Add(&modifiedHookBase{failAt: 5}, nil)
	require.NoError(t, err)

	v, err = h2.StoredSysInfo()
	require.Error(t, err)
	require.Equal(t, "", v.Info.Version)
}

func TestHookBaseID(t *testing.T) {
	h := new(HookBase)
	require.Equal(t, "base", h.ID())
}

func TestHookBaseProvidesNone(t *testing.T) {
	h := new(HookBase)
	for i := SetOptions; i <= StoredSysInfo; i++ {
		require.False(t, h.Provides(i))
	}
}

func TestHookBaseInit(t *testing.T) {
	h := new(HookBase)
	require.Nil(t, h.Init(nil))
}

func TestHookBaseSetOpts(t *testing.T) {
	h := new(HookBase)
	h.SetOpts(logger, new(HookOptions))
	require.NotNil(t, h.Log)
	require.NotNil(t, h.Opts)
}

func TestHookBaseDefaults(t *testing.T) {
	h := new(HookBase)
	require.False(t, h.OnConnectAuthenticate("cl1", "", nil))
	require.False(t, h.OnACLCheck("cl1", "", "a/b", true))
	require.Nil(t, h.Stop())

	s, err := h.StoredSessions()
	require.NoError(t, err)
	require.Empty(t, s)

	sub, err := h.StoredSubscriptions()
	require.NoError(t, err)
	require.Empty(t, sub)

	r, err := h.StoredRetainedMessages()
	require.NoError(t, err)
	require.Empty(t, r)

	i, err := h.StoredInflightMessages()
	require.NoError(t, err)
	require.Empty(t, i)

	sys, err := h.StoredSysInfo()
	require.NoError(t, err)
	require.Equal(t, "", sys.Version)
}
