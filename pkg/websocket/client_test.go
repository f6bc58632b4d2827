package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"stop_engine/pkg/logging"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocketClient_Heartbeat(t *testing.T) {
	var pings int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.SetPingHandler(func(string) error {
			atomic.AddInt32(&pings, 1)
			return conn.WriteControl(websocket.PongMessage, []byte{}, time.Now().Add(time.Second))
		})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}))
	defer server.Close()

	client := NewClient(wsURL(server), func(message []byte) {}, logging.NewNopLogger())
	client.SetPingConfig(100*time.Millisecond, 50*time.Millisecond, 200*time.Millisecond)
	client.SetReconnectWait(10 * time.Millisecond)

	client.Start()
	defer client.Stop()

	time.Sleep(500 * time.Millisecond)

	assert.GreaterOrEqual(t, atomic.LoadInt32(&pings), int32(2))
}

func TestWebSocketClient_DeliversMessagesAndReportsDisconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"p":"50000"}`))
		time.Sleep(50 * time.Millisecond)
		conn.Close()
	}))
	defer server.Close()

	received := make(chan []byte, 4)
	var disconnects int32

	client := NewClient(wsURL(server), func(message []byte) {
		received <- message
	}, logging.NewNopLogger())
	client.SetPingConfig(0, 0, time.Second)
	client.SetReconnectWait(time.Second)
	client.SetOnDisconnected(func(err error) {
		atomic.AddInt32(&disconnects, 1)
	})

	client.Start()
	defer client.Stop()

	select {
	case msg := <-received:
		assert.JSONEq(t, `{"p":"50000"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&disconnects) >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketClient_ReconnectOnTimeout(t *testing.T) {
	var connections int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&connections, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// never pong so the client read deadline expires
		conn.SetPingHandler(func(string) error { return nil })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}))
	defer server.Close()

	client := NewClient(wsURL(server), func(message []byte) {}, logging.NewNopLogger())
	client.SetPingConfig(100*time.Millisecond, 50*time.Millisecond, 200*time.Millisecond)
	client.SetReconnectWait(10 * time.Millisecond)

	client.Start()
	defer client.Stop()

	time.Sleep(600 * time.Millisecond)

	assert.GreaterOrEqual(t, atomic.LoadInt32(&connections), int32(2))
}
