package liveserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return websocket.DefaultDialer.Dial(wsURL, header)
}

func TestHandlerStreamsBroadcasts(t *testing.T) {
	hub, _ := runHub(t)
	h := NewHandler(hub, nil, Options{AllowedOrigins: []string{"http://dashboard.local"}})
	h.SetHello(func() (Message, bool) {
		msg, err := NewMessage(TypeHello, "", map[string]int{"positions": 2})
		return msg, err == nil
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := dial(t, srv, "http://dashboard.local")
	require.NoError(t, err)
	defer conn.Close()

	var hello Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, TypeHello, hello.Type)
	assert.JSONEq(t, `{"positions":2}`, string(hello.Data))

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	msg, err := NewMessage(TypeEvent, "stop.position_closed.ETHUSDT", map[string]string{"state": "closed"})
	require.NoError(t, err)
	hub.Broadcast(msg)

	var got Message
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "stop.position_closed.ETHUSDT", got.Key)
	assert.JSONEq(t, `{"state":"closed"}`, string(got.Data))

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerOriginCheck(t *testing.T) {
	hub, _ := runHub(t)
	srv := httptest.NewServer(NewHandler(hub, nil, Options{AllowedOrigins: []string{"http://dashboard.local"}}))
	defer srv.Close()

	_, resp, err := dial(t, srv, "http://evil.local")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := dial(t, srv, "")
	require.NoError(t, err, "clients without Origin are not browsers")
	conn.Close()
}

func TestHandlerConnectionLimit(t *testing.T) {
	hub, _ := runHub(t)
	srv := httptest.NewServer(NewHandler(hub, nil, Options{AllowedOrigins: []string{"*"}, MaxConnections: 1}))
	defer srv.Close()

	first, _, err := dial(t, srv, "")
	require.NoError(t, err)
	defer first.Close()

	_, resp, err := dial(t, srv, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandlerRateLimit(t *testing.T) {
	hub, _ := runHub(t)
	srv := httptest.NewServer(NewHandler(hub, nil, Options{AllowedOrigins: []string{"*"}, RateLimit: 0.001, RateBurst: 1}))
	defer srv.Close()

	first, _, err := dial(t, srv, "")
	require.NoError(t, err)
	first.Close()

	_, resp, err := dial(t, srv, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
