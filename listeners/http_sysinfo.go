// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mochi-mqtt/engine/system"
)

// HTTPStats is a listener for presenting the engine $SYS stats as JSON on
// /sysinfo, and as prometheus metrics on /metrics.
type HTTPStats struct {
	sync.RWMutex
	id       string               // the internal id of the listener
	address  string               // the network address to bind to
	config   Config               // configuration values for the listener
	listen   *http.Server         // the http server
	log      *slog.Logger         // engine logger
	sysInfo  *system.Info         // pointers to the engine data
	registry *prometheus.Registry // metrics registry of the listener
	end      uint32               // ensure the close methods are only called once
}

// NewHTTPStats initialises and returns a new HTTP listener, listening on an address.
func NewHTTPStats(config Config, sysInfo *system.Info) *HTTPStats {
	return &HTTPStats{
		id:      config.ID,
		address: config.Address,
		sysInfo: sysInfo,
		config:  config,
	}
}

// ID returns the id of the listener.
func (l *HTTPStats) ID() string {
	return l.id
}

// Address returns the address of the listener.
func (l *HTTPStats) Address() string {
	return l.address
}

// Protocol returns the protocol of the listener.
func (l *HTTPStats) Protocol() string {
	if l.listen != nil && l.listen.TLSConfig != nil {
		return "https"
	}

	return "http"
}

// Init registers the metrics and builds the http server.
func (l *HTTPStats) Init(log *slog.Logger) error {
	l.log = log
	l.registry = prometheus.NewRegistry()
	if err := l.sysInfo.RegisterPrometheusMetrics(l.registry); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sysinfo", l.jsonHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(l.registry, promhttp.HandlerOpts{}))
	l.listen = &http.Server{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		Addr:         l.address,
		Handler:      mux,
		TLSConfig:    l.config.TLSConfig,
	}

	return nil
}

// Serve starts listening for new connections and serving responses.
func (l *HTTPStats) Serve(establish EstablishFn) {
	var err error
	if l.listen.TLSConfig != nil {
		err = l.listen.ListenAndServeTLS("", "")
	} else {
		err = l.listen.ListenAndServe()
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.log.Error("stats listener failed", "error", err)
	}
}

// Close closes the listener and any client connections.
func (l *HTTPStats) Close(closeClients CloseFn) {
	l.Lock()
	defer l.Unlock()

	if atomic.CompareAndSwapUint32(&l.end, 0, 1) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.listen.Shutdown(ctx)
	}

	closeClients(l.id)
}

// jsonHandler is an HTTP handler which outputs the $SYS stats as JSON.
func (l *HTTPStats) jsonHandler(w http.ResponseWriter, req *http.Request) {
	out, err := json.MarshalIndent(l.sysInfo.Clone(), "", "\t")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(err.Error()))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}
