// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package mqtt provides an MQTT 3.1 and 3.1.1 broker protocol engine.
package mqtt

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/mochi-mqtt/engine/hooks/storage"
	"github.com/mochi-mqtt/engine/listeners"
	"github.com/mochi-mqtt/engine/packets"
	"github.com/mochi-mqtt/engine/system"
)

const (
	Version                         = "1.0.0" // the current engine version.
	defaultSysTopicInterval   int64 = 1       // the interval between $SYS topic publishes
	defaultAutoFlushInterval        = 500 * time.Millisecond
	defaultSubscribeInCourseTimeout = 30 * time.Second
	defaultHousekeepingInterval     = time.Second
	LocalListener                   = "local"
	InlineClientID                  = "inline"
)

var (
	ErrListenerIDExists       = errors.New("listener id already exists")                               // a listener with the same id already exists
	ErrInlineClientNotEnabled = errors.New("please set Options.InlineClient=true to use this feature") // inline client is not enabled by default
)

// Capabilities indicates the capabilities and features provided by the engine.
type Capabilities struct {
	MaximumPendingQueue        int    `yaml:"maximum_pending_queue" json:"maximum_pending_queue"`                 // maximum number of queued deliveries per session, 0 for unbounded
	MaximumClientWritesPending int32  `yaml:"maximum_client_writes_pending" json:"maximum_client_writes_pending"` // number of unflushed packets before a connection stops being writable
	MaximumInflight            uint16 `yaml:"maximum_inflight" json:"maximum_inflight"`                           // maximum number of qos > 0 deliveries open per session
	MaximumQos                 byte   `yaml:"maximum_qos" json:"maximum_qos"`                                     // maximum qos granted to subscriptions
	AllowAnonymous             bool   `yaml:"allow_anonymous" json:"allow_anonymous"`                             // accept connects without credentials
	AllowZeroByteClientID      bool   `yaml:"allow_zero_byte_client_id" json:"allow_zero_byte_client_id"`         // generate ids for clean connects without one
}

// NewDefaultCapabilities defines the default features and capabilities provided by the engine.
func NewDefaultCapabilities() *Capabilities {
	return &Capabilities{
		MaximumPendingQueue:        0,        // unbounded
		MaximumClientWritesPending: 1024,     // packets written before a flush is required
		MaximumInflight:            1024 * 8, // open qos > 0 deliveries per session
		MaximumQos:                 2,        // all qos levels are granted
		AllowAnonymous:             true,
		AllowZeroByteClientID:      true,
	}
}

// Options contains configurable options for the engine.
type Options struct {
	// Listeners specifies any listeners which should be dynamically added on serve. Used when setting listeners by config.
	Listeners []listeners.Config `yaml:"listeners" json:"listeners"`

	// Hooks specifies any hooks which should be dynamically added on serve. Used when setting hooks by config.
	Hooks []HookLoadConfig `yaml:"hooks" json:"hooks"`

	// Capabilities defines the engine features and behaviour.
	Capabilities *Capabilities `yaml:"capabilities" json:"capabilities"`

	// ClientNetWriteBufferSize specifies the size of the client *bufio.Writer write buffer.
	ClientNetWriteBufferSize int `yaml:"client_net_write_buffer_size" json:"client_net_write_buffer_size"`

	// ClientNetReadBufferSize specifies the size of the client *bufio.Reader read buffer.
	ClientNetReadBufferSize int `yaml:"client_net_read_buffer_size" json:"client_net_read_buffer_size"`

	// AutoFlushInterval is the interval at which buffered writes of an
	// established connection are flushed.
	AutoFlushInterval time.Duration `yaml:"auto_flush_interval" json:"auto_flush_interval"`

	// SubscribeInCourseTimeout is the age after which a subscribe which never
	// completed stops blocking a retry with the same packet id.
	SubscribeInCourseTimeout time.Duration `yaml:"subscribe_in_course_timeout" json:"subscribe_in_course_timeout"`

	// SysTopicResendInterval specifies the interval between $SYS topic updates in seconds.
	SysTopicResendInterval int64 `yaml:"sys_topic_resend_interval" json:"sys_topic_resend_interval"`

	// InlineClient allows publishing directly from the embedding application with Engine.Publish.
	InlineClient bool `yaml:"inline_client" json:"inline_client"`

	// Logger specifies a custom configured implementation of log/slog to override
	// the engine's default logger configuration.
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// ensureDefaults ensures that the engine starts with sane default values, if none are provided.
func (o *Options) ensureDefaults() {
	if o.Capabilities == nil {
		o.Capabilities = NewDefaultCapabilities()
	}

	if o.Capabilities.MaximumInflight == 0 {
		o.Capabilities.MaximumInflight = 1024 * 8
	}

	if o.SysTopicResendInterval == 0 {
		o.SysTopicResendInterval = defaultSysTopicInterval
	}

	if o.AutoFlushInterval == 0 {
		o.AutoFlushInterval = defaultAutoFlushInterval
	}

	if o.SubscribeInCourseTimeout == 0 {
		o.SubscribeInCourseTimeout = defaultSubscribeInCourseTimeout
	}

	if o.ClientNetWriteBufferSize == 0 {
		o.ClientNetWriteBufferSize = 1024 * 2
	}

	if o.ClientNetReadBufferSize == 0 {
		o.ClientNetReadBufferSize = 1024 * 2
	}

	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
}

// Engine hosts a Processor: it accepts connections from listeners, runs
// their read and write loops, restores persisted state and publishes the
// $SYS topics. It should be created with New.
type Engine struct {
	Options   *Options             // configurable engine options
	Listeners *listeners.Listeners // listeners are network interfaces which listen for new connections
	Processor *Processor           // the protocol processor
	Info      *system.Info         // values about the engine commonly known as $SYS topics
	Log       *slog.Logger         // structured logger
	hooks     *Hooks               // hooks contains hooks for extra functionality such as auth and persistent storage
	loop      *loop                // loop contains tickers for the system event loop
	done      chan bool            // indicate that the engine is ending
}

// loop contains interval tickers for the system events loop.
type loop struct {
	sysTopics    *time.Ticker // interval ticker for sending updating $SYS topics
	housekeeping *time.Ticker // interval ticker for evicting stuck subscribe entries
}

// New returns a new instance of the engine. Optional parameters can be
// specified to override some default settings (see Options).
func New(opts *Options) *Engine {
	if opts == nil {
		opts = new(Options)
	}

	opts.ensureDefaults()

	e := &Engine{
		done:      make(chan bool),
		Listeners: listeners.New(),
		loop: &loop{
			sysTopics:    time.NewTicker(time.Second * time.Duration(opts.SysTopicResendInterval)),
			housekeeping: time.NewTicker(defaultHousekeepingInterval),
		},
		Options: opts,
		Info: &system.Info{
			Version: Version,
			Started: time.Now().Unix(),
		},
		Log: opts.Logger,
		hooks: &Hooks{
			Log: opts.Logger,
		},
	}

	e.Processor = NewProcessor(ProcessorConfig{
		Capabilities:      opts.Capabilities,
		Hooks:             e.hooks,
		Info:              e.Info,
		Log:               opts.Logger,
		AutoFlushInterval: opts.AutoFlushInterval,
		SubscribeTimeout:  opts.SubscribeInCourseTimeout,
	})

	return e
}

// AddHook attaches a new Hook to the engine. Ideally, this should be called
// before the engine is started with e.Serve().
func (e *Engine) AddHook(hook Hook, config any) error {
	nl := e.Log.With("hook", hook.ID())
	hook.SetOpts(nl, &HookOptions{
		Capabilities: e.Options.Capabilities,
	})

	e.Log.Info("added hook", "hook", hook.ID())
	return e.hooks.Add(hook, config)
}

// AddHooksFromConfig adds hooks which were specified in the hooks config (usually from a config file).
func (e *Engine) AddHooksFromConfig(hooks []HookLoadConfig) error {
	for _, h := range hooks {
		if err := e.AddHook(h.Hook, h.Config); err != nil {
			return err
		}
	}

	return nil
}

// AddListener adds a new network listener to the engine, for receiving incoming client connections.
func (e *Engine) AddListener(l listeners.Listener) error {
	if _, ok := e.Listeners.Get(l.ID()); ok {
		return ErrListenerIDExists
	}

	nl := e.Log.With(slog.String("listener", l.ID()))
	if err := l.Init(nl); err != nil {
		return err
	}

	e.Listeners.Add(l)

	e.Log.Info("attached listener", "id", l.ID(), "protocol", l.Protocol(), "address", l.Address())
	return nil
}

// AddListenersFromConfig adds listeners which were specified in the listeners config (usually from a config file).
func (e *Engine) AddListenersFromConfig(configs []listeners.Config) error {
	for _, conf := range configs {
		var l listeners.Listener
		switch strings.ToLower(conf.Type) {
		case listeners.TypeTCP:
			l = listeners.NewTCP(conf)
		case listeners.TypeWS:
			l = listeners.NewWebsocket(conf)
		case listeners.TypeUnix:
			l = listeners.NewUnixSock(conf)
		case listeners.TypeHealthCheck:
			l = listeners.NewHTTPHealthCheck(conf)
		case listeners.TypeSysInfo:
			l = listeners.NewHTTPStats(conf, e.Info)
		case listeners.TypeMock:
			l = listeners.NewMockListener(conf.ID, conf.Address)
		default:
			e.Log.Error("listener type unavailable by config", "listener", conf.Type)
			continue
		}

		if err := e.AddListener(l); err != nil {
			return err
		}
	}

	return nil
}

// Serve restores any persisted state, then starts the listeners and the
// system event loop.
func (e *Engine) Serve() error {
	e.Log.Info("mochi mqtt engine starting", "version", Version)
	defer e.Log.Info("mochi mqtt engine started")

	if len(e.Options.Listeners) > 0 {
		if err := e.AddListenersFromConfig(e.Options.Listeners); err != nil {
			return err
		}
	}

	if len(e.Options.Hooks) > 0 {
		if err := e.AddHooksFromConfig(e.Options.Hooks); err != nil {
			return err
		}
	}

	if e.hooks.Provides(
		StoredSessions,
		StoredSubscriptions,
		StoredInflightMessages,
		StoredRetainedMessages,
		StoredSysInfo,
	) {
		if err := e.readStore(); err != nil {
			return err
		}
	}

	go e.eventLoop()
	e.Listeners.ServeAll(e.EstablishConnection)
	e.publishSysTopics()
	e.hooks.OnStarted()

	return nil
}

// eventLoop loops forever, running engine housekeeping at different intervals.
func (e *Engine) eventLoop() {
	e.Log.Debug("system event loop started")
	defer e.Log.Debug("system event loop halted")

	for {
		select {
		case <-e.done:
			e.loop.sysTopics.Stop()
			e.loop.housekeeping.Stop()
			return
		case <-e.loop.sysTopics.C:
			e.publishSysTopics()
		case now := <-e.loop.housekeeping.C:
			e.Processor.SweepSubscriptionsInCourse(now)
		}
	}
}

// EstablishConnection establishes a new client when a listener accepts a new connection.
func (e *Engine) EstablishConnection(listener string, c net.Conn) error {
	cl := e.newClient(c, listener)
	return e.attachClient(cl, listener)
}

func (e *Engine) newClient(c net.Conn, listener string) *Client {
	return newClient(c, listener, e.Processor, &ops{
		options: e.Options,
		info:    e.Info,
		log:     e.Log,
	})
}

// attachClient reads the connect packet of a new connection, hands it to the
// processor, and then reads packets until the connection ends.
func (e *Engine) attachClient(cl *Client, listener string) error {
	defer e.Listeners.ClientsWg.Done()
	e.Listeners.ClientsWg.Add(1)

	go cl.WriteLoop()
	defer cl.Stop(nil)

	pk, err := cl.ReadPacket()
	if err != nil {
		return fmt.Errorf("read connection: %w", err)
	}

	if pk.FixedHeader.Type != packets.Connect {
		return packets.ErrProtocolViolationRequireFirstConnect // [MQTT-3.1.0-1]
	}

	if code := pk.ConnectValidate(); code != packets.CodeSuccess {
		return code
	}

	if err := e.Processor.ProcessConnect(cl, pk); err != nil {
		return err
	}

	err = cl.Read(e.receivePacket)
	if !cl.disconnected.Load() {
		e.Processor.ProcessConnectionLost(cl)
	}

	e.Log.Debug("client connection ended", "error", err, "client", cl.Attributes().ClientID, "remote", cl.Net.Remote, "listener", listener)
	return err
}

// receivePacket validates an incoming packet and hands it to the processor.
func (e *Engine) receivePacket(cl *Client, pk packets.Packet) error {
	switch pk.FixedHeader.Type {
	case packets.Connect:
		return packets.ErrProtocolViolationSecondConnect // [MQTT-3.1.0-2]
	case packets.Publish:
		if code := pk.PublishValidate(); code != packets.CodeSuccess {
			return code
		}
		return e.Processor.ProcessPublish(cl, pk)
	case packets.Puback:
		return e.Processor.ProcessPubAck(cl, pk.PacketID)
	case packets.Pubrec:
		return e.Processor.ProcessPubRec(cl, pk.PacketID)
	case packets.Pubrel:
		return e.Processor.ProcessPubRel(cl, pk.PacketID)
	case packets.Pubcomp:
		return e.Processor.ProcessPubComp(cl, pk.PacketID)
	case packets.Subscribe:
		if code := pk.SubscribeValidate(); code != packets.CodeSuccess {
			return code
		}
		return e.Processor.ProcessSubscribe(cl, pk)
	case packets.Unsubscribe:
		if code := pk.UnsubscribeValidate(); code != packets.CodeSuccess {
			return code
		}
		return e.Processor.ProcessUnsubscribe(cl, pk)
	case packets.Pingreq:
		if err := cl.WritePacket(packets.NewPacket(packets.Pingresp)); err != nil {
			return err
		}
		return cl.Flush()
	case packets.Disconnect:
		cl.disconnected.Store(true)
		return e.Processor.ProcessDisconnect(cl)
	default:
		return packets.ErrProtocolViolationUnknownPacket
	}
}

// Publish publishes a message from the embedding application, as if it had
// been published by the inline client.
func (e *Engine) Publish(topic string, payload []byte, retain bool, qos byte) error {
	if !e.Options.InlineClient {
		return ErrInlineClientNotEnabled
	}

	pk := packets.NewPacket(packets.Publish)
	pk.FixedHeader.Retain = retain
	pk.FixedHeader.Qos = qos
	pk.TopicName = topic
	pk.Payload = payload
	return e.Processor.InternalPublish(pk, InlineClientID)
}

// publishSysTopics refreshes the engine info and publishes each value as a
// retained message under $SYS/broker.
func (e *Engine) publishSysTopics() {
	e.Info.Refresh(time.Now())
	if rm, ok := e.Processor.Store.(*RetainedMessages); ok {
		atomic.StoreInt64(&e.Info.Retained, int64(rm.Len()))
	}

	info := e.Info.Clone()
	topics := map[string]string{
		SysPrefix + "/broker/version":              info.Version,
		SysPrefix + "/broker/time":                 Int64toa(info.Time),
		SysPrefix + "/broker/uptime":               Int64toa(info.Uptime),
		SysPrefix + "/broker/started":              Int64toa(info.Started),
		SysPrefix + "/broker/load/bytes/received":  Int64toa(info.BytesReceived),
		SysPrefix + "/broker/load/bytes/sent":      Int64toa(info.BytesSent),
		SysPrefix + "/broker/clients/connected":    Int64toa(info.ClientsConnected),
		SysPrefix + "/broker/clients/disconnected": Int64toa(info.ClientsDisconnected),
		SysPrefix + "/broker/clients/maximum":      Int64toa(info.ClientsMaximum),
		SysPrefix + "/broker/clients/total":        Int64toa(info.ClientsTotal),
		SysPrefix + "/broker/packets/received":     Int64toa(info.PacketsReceived),
		SysPrefix + "/broker/packets/sent":         Int64toa(info.PacketsSent),
		SysPrefix + "/broker/messages/received":    Int64toa(info.MessagesReceived),
		SysPrefix + "/broker/messages/sent":        Int64toa(info.MessagesSent),
		SysPrefix + "/broker/messages/dropped":     Int64toa(info.MessagesDropped),
		SysPrefix + "/broker/messages/inflight":    Int64toa(info.Inflight),
		SysPrefix + "/broker/retained":             Int64toa(info.Retained),
		SysPrefix + "/broker/subscriptions":        Int64toa(info.Subscriptions),
		SysPrefix + "/broker/system/memory":        Int64toa(info.MemoryAlloc),
		SysPrefix + "/broker/system/threads":       Int64toa(info.Threads),
	}

	for topic, payload := range topics {
		pk := packets.NewPacket(packets.Publish)
		pk.FixedHeader.Retain = true
		pk.FixedHeader.Qos = 1
		pk.TopicName = topic
		pk.Payload = []byte(payload)
		if err := e.Processor.InternalPublish(pk, ""); err != nil {
			e.Log.Error("failed to publish $SYS topic", "error", err, "topic", topic)
		}
	}

	e.hooks.OnSysInfoTick(info)
}

// Close attempts to gracefully shut down the engine, all listeners, clients, and stores.
func (e *Engine) Close() error {
	close(e.done)
	e.Log.Info("gracefully stopping engine")
	e.Listeners.CloseAll(e.closeListenerClients)
	e.hooks.OnStopped()
	e.hooks.Stop()

	e.Log.Info("mochi mqtt engine stopped")
	return nil
}

// closeListenerClients closes all clients on the specified listener. Their
// connections are treated as lost, so wills are published.
func (e *Engine) closeListenerClients(listener string) {
	for _, id := range e.Processor.Connections.ListClientIDs() {
		d, ok := e.Processor.Connections.GetConnection(id)
		if !ok {
			continue
		}

		if cl, ok := d.Transport().(*Client); ok && cl.Net.Listener == listener {
			cl.Stop(packets.ErrServerShuttingDown)
		}
	}
}

// readStore reads in any data from the persistent datastore (if applicable).
func (e *Engine) readStore() error {
	if e.hooks.Provides(StoredSessions) {
		sessions, err := e.hooks.StoredSessions()
		if err != nil {
			return fmt.Errorf("failed to load sessions; %w", err)
		}
		e.loadSessions(sessions)
		e.Log.Debug("loaded sessions from store", "len", len(sessions))
	}

	if e.hooks.Provides(StoredSubscriptions) {
		subs, err := e.hooks.StoredSubscriptions()
		if err != nil {
			return fmt.Errorf("load subscriptions; %w", err)
		}
		e.loadSubscriptions(subs)
		e.Log.Debug("loaded subscriptions from store", "len", len(subs))
	}

	if e.hooks.Provides(StoredInflightMessages) {
		inflight, err := e.hooks.StoredInflightMessages()
		if err != nil {
			return fmt.Errorf("load inflight; %w", err)
		}
		e.loadInflight(inflight)
		e.Log.Debug("loaded inflights from store", "len", len(inflight))
	}

	if e.hooks.Provides(StoredRetainedMessages) {
		retained, err := e.hooks.StoredRetainedMessages()
		if err != nil {
			return fmt.Errorf("load retained; %w", err)
		}
		e.loadRetained(retained)
		e.Log.Debug("loaded retained messages from store", "len", len(retained))
	}

	if e.hooks.Provides(StoredSysInfo) {
		sysInfo, err := e.hooks.StoredSysInfo()
		if err != nil {
			return fmt.Errorf("load engine info; %w", err)
		}
		e.loadServerInfo(sysInfo.Info)
		e.Log.Debug("loaded $SYS info from store")
	}

	return nil
}

// loadServerInfo restores the cumulative counters from the datastore.
func (e *Engine) loadServerInfo(v system.Info) {
	atomic.StoreInt64(&e.Info.BytesReceived, v.BytesReceived)
	atomic.StoreInt64(&e.Info.BytesSent, v.BytesSent)
	atomic.StoreInt64(&e.Info.ClientsMaximum, v.ClientsMaximum)
	atomic.StoreInt64(&e.Info.MessagesReceived, v.MessagesReceived)
	atomic.StoreInt64(&e.Info.MessagesSent, v.MessagesSent)
	atomic.StoreInt64(&e.Info.MessagesDropped, v.MessagesDropped)
	atomic.StoreInt64(&e.Info.PacketsReceived, v.PacketsReceived)
	atomic.StoreInt64(&e.Info.PacketsSent, v.PacketsSent)
}

// loadSessions restores persistent sessions as offline sessions. Stored clean
// sessions are left over from an unclean shutdown and are destroyed.
func (e *Engine) loadSessions(v []storage.Session) {
	caps := e.Options.Capabilities
	for _, c := range v {
		if c.Clean {
			e.hooks.OnSessionDestroyed(c.Client)
			continue
		}

		s := NewClientSession(c.Client, false, int(caps.MaximumInflight), caps.MaximumPendingQueue, e.Info)
		e.Processor.Sessions.Restore(s)
	}
}

// loadSubscriptions restores subscriptions of restored sessions.
func (e *Engine) loadSubscriptions(v []storage.Subscription) {
	for _, sub := range v {
		s, ok := e.Processor.Sessions.SessionForClient(sub.Client)
		if !ok {
			continue
		}

		sb := Subscription{ClientID: sub.Client, Filter: sub.Filter, Qos: sub.Qos}
		s.Subscribe(sb)
		e.Processor.Subscriptions.Add(sb)
	}
}

// loadInflight restores the open deliveries of restored sessions.
func (e *Engine) loadInflight(v []storage.Message) {
	for _, msg := range v {
		if s, ok := e.Processor.Sessions.SessionForClient(msg.Client); ok {
			s.restoreWindow(msg.PacketID, storedMessageFrom(msg), msg.SecondPhase)
		}
	}
}

// loadRetained restores retained messages from the datastore.
func (e *Engine) loadRetained(v []storage.Message) {
	rm, ok := e.Processor.Store.(*RetainedMessages)
	if !ok {
		return
	}

	for _, msg := range v {
		rm.restore(storedMessageFrom(msg))
	}
	atomic.StoreInt64(&e.Info.Retained, int64(rm.Len()))
}

// storedMessageFrom converts a storage record into a message.
func storedMessageFrom(m storage.Message) *StoredMessage {
	return &StoredMessage{
		Payload:  m.Payload,
		Topic:    m.TopicName,
		ClientID: m.Origin,
		Created:  m.Created,
		Qos:      m.Qos,
		Retain:   m.Retain,
	}
}

// Int64toa converts an int64 to a string.
func Int64toa(v int64) string {
	return strconv.FormatInt(v, 10)
}
