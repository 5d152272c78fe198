// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package system

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Info contains atomic counters and values for various engine statistics
// commonly found in $SYS topics.
type Info struct {
	Version             string `json:"version"`              // the current version of the engine
	Started             int64  `json:"started"`              // the time the engine started in unix seconds
	Time                int64  `json:"time"`                 // current time on the engine
	Uptime              int64  `json:"uptime"`               // the number of seconds the engine has been online
	BytesReceived       int64  `json:"bytes_received"`       // total number of bytes received since the engine started
	BytesSent           int64  `json:"bytes_sent"`           // total number of bytes sent since the engine started
	ClientsConnected    int64  `json:"clients_connected"`    // number of currently connected clients
	ClientsDisconnected int64  `json:"clients_disconnected"` // number of persistent sessions which are offline
	ClientsMaximum      int64  `json:"clients_maximum"`      // maximum number of active clients that have been connected
	ClientsTotal        int64  `json:"clients_total"`        // number of sessions, online or offline
	MessagesReceived    int64  `json:"messages_received"`    // total number of publish messages received
	MessagesSent        int64  `json:"messages_sent"`        // total number of publish messages sent
	MessagesDropped     int64  `json:"messages_dropped"`     // total number of publish messages dropped to slow or offline subscribers
	Retained            int64  `json:"retained"`             // number of retained messages held by the store
	Inflight            int64  `json:"inflight"`             // number of messages currently in-flight or awaiting pubcomp
	Subscriptions       int64  `json:"subscriptions"`        // number of active subscriptions
	PacketsReceived     int64  `json:"packets_received"`     // total number of packets of any type received
	PacketsSent         int64  `json:"packets_sent"`         // total number of packets of any type sent
	MemoryAlloc         int64  `json:"memory_alloc"`         // memory currently allocated
	Threads             int64  `json:"threads"`              // number of active goroutines
}

// Clone makes a copy of Info using atomic operations.
func (i *Info) Clone() *Info {
	return &Info{
		Version:             i.Version,
		Started:             atomic.LoadInt64(&i.Started),
		Time:                atomic.LoadInt64(&i.Time),
		Uptime:              atomic.LoadInt64(&i.Uptime),
		BytesReceived:       atomic.LoadInt64(&i.BytesReceived),
		BytesSent:           atomic.LoadInt64(&i.BytesSent),
		ClientsConnected:    atomic.LoadInt64(&i.ClientsConnected),
		ClientsDisconnected: atomic.LoadInt64(&i.ClientsDisconnected),
		ClientsMaximum:      atomic.LoadInt64(&i.ClientsMaximum),
		ClientsTotal:        atomic.LoadInt64(&i.ClientsTotal),
		MessagesReceived:    atomic.LoadInt64(&i.MessagesReceived),
		MessagesSent:        atomic.LoadInt64(&i.MessagesSent),
		MessagesDropped:     atomic.LoadInt64(&i.MessagesDropped),
		Retained:            atomic.LoadInt64(&i.Retained),
		Inflight:            atomic.LoadInt64(&i.Inflight),
		Subscriptions:       atomic.LoadInt64(&i.Subscriptions),
		PacketsReceived:     atomic.LoadInt64(&i.PacketsReceived),
		PacketsSent:         atomic.LoadInt64(&i.PacketsSent),
		MemoryAlloc:         atomic.LoadInt64(&i.MemoryAlloc),
		Threads:             atomic.LoadInt64(&i.Threads),
	}
}

// Refresh updates the time based and runtime values.
func (i *Info) Refresh(now time.Time) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	atomic.StoreInt64(&i.Time, now.Unix())
	atomic.StoreInt64(&i.Uptime, now.Unix()-atomic.LoadInt64(&i.Started))
	atomic.StoreInt64(&i.MemoryAlloc, int64(m.HeapInuse))
	atomic.StoreInt64(&i.Threads, int64(runtime.NumGoroutine()))
}

// ClientConnected increments the connected clients and raises the maximum
// if the new value exceeds it.
func (i *Info) ClientConnected() {
	n := atomic.AddInt64(&i.ClientsConnected, 1)
	for {
		peak := atomic.LoadInt64(&i.ClientsMaximum)
		if n <= peak || atomic.CompareAndSwapInt64(&i.ClientsMaximum, peak, n) {
			return
		}
	}
}

// RegisterPrometheusMetrics exposes the counters to a prometheus registry. The
// default registerer is used if none is given.
func (i *Info) RegisterPrometheusMetrics(registry prometheus.Registerer) error {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	type metric struct {
		counter bool
		name    string
		help    string
		value   *int64
	}

	metrics := []metric{
		{true, "bytes_received", "Total number of bytes received", &i.BytesReceived},
		{true, "bytes_sent", "Total number of bytes sent", &i.BytesSent},
		{false, "clients_connected", "Number of currently connected clients", &i.ClientsConnected},
		{false, "clients_disconnected", "Number of offline persistent sessions", &i.ClientsDisconnected},
		{false, "clients_maximum", "Maximum number of concurrently connected clients", &i.ClientsMaximum},
		{false, "clients_total", "Number of sessions, online or offline", &i.ClientsTotal},
		{true, "messages_received", "Total number of publish messages received", &i.MessagesReceived},
		{true, "messages_sent", "Total number of publish messages sent", &i.MessagesSent},
		{true, "messages_dropped", "Total number of publish messages dropped", &i.MessagesDropped},
		{false, "retained", "Number of retained messages", &i.Retained},
		{false, "inflight", "Number of messages in-flight", &i.Inflight},
		{false, "subscriptions", "Number of active subscriptions", &i.Subscriptions},
		{true, "packets_received", "Total number of packets received", &i.PacketsReceived},
		{true, "packets_sent", "Total number of packets sent", &i.PacketsSent},
	}

	for _, m := range metrics {
		value := m.value
		fn := func() float64 {
			return float64(atomic.LoadInt64(value))
		}

		var c prometheus.Collector
		if m.counter {
			c = prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: "mqtt", Name: m.name, Help: m.help}, fn)
		} else {
			c = prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: "mqtt", Name: m.name, Help: m.help}, fn)
		}

		if err := registry.Register(c); err != nil {
			return err
		}
	}

	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mqtt",
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"goversion", "version"},
	)
	if err := registry.Register(buildInfo); err != nil {
		return err
	}

	buildInfo.With(prometheus.Labels{"goversion": runtime.Version(), "version": i.Version}).Set(1)
	return nil
}
