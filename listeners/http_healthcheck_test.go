// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: Derek Duncan

package listeners

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewHTTPHealthCheck(t *testing.T) {
	l := NewHTTPHealthCheck(Config{ID: "healthcheck", Address: testAddr})
	require.Equal(t, "healthcheck", l.ID())
	require.Equal(t, testAddr, l.Address())
	require.Equal(t, "http", l.Protocol())
}

func TestHTTPHealthCheckProtocolTLS(t *testing.T) {
	l := NewHTTPHealthCheck(Config{ID: "healthcheck", Address: testAddr, TLSConfig: tlsConfigBasic})
	_ = l.Init(logger)
	require.Equal(t, "https", l.Protocol())
}

func TestHTTPHealthCheckHandler(t *testing.T) {
	l := NewHTTPHealthCheck(Config{ID: "healthcheck", Address: testAddr})
	err := l.Init(logger)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	l.listen.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	l.listen.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/healthcheck", nil))
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHTTPHealthCheckServeAndClose(t *testing.T) {
	l := NewHTTPHealthCheck(Config{ID: "healthcheck", Address: testAddr})
	err := l.Init(logger)
	require.NoError(t, err)

	o := make(chan bool)
	go func() {
		l.Serve(MockEstablisher)
		o <- true
	}()

	var closed bool
	l.Close(func(id string) {
		closed = true
	})
	require.True(t, closed)
	<-o
}
