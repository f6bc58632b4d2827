package liveserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()
	t.Cleanup(cancel)
	return hub, cancel
}

func TestHubRegisterAndUnregister(t *testing.T) {
	hub, _ := runHub(t)

	client := NewClient("c1")
	require.True(t, hub.Register(client))
	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Unregister(client)
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)

	_, open := <-client.Messages()
	assert.False(t, open, "unregistered client channel should be closed")
}

func TestHubBroadcast(t *testing.T) {
	hub, _ := runHub(t)

	a, b := NewClient("a"), NewClient("b")
	hub.Register(a)
	hub.Register(b)

	msg, err := NewMessage(TypeEvent, "stop.executed.BTCUSDT", map[string]string{"symbol": "BTCUSDT"})
	require.NoError(t, err)
	require.True(t, hub.Broadcast(msg))

	for _, c := range []*Client{a, b} {
		select {
		case got := <-c.Messages():
			assert.Equal(t, TypeEvent, got.Type)
			assert.Equal(t, "stop.executed.BTCUSDT", got.Key)
			var data map[string]string
			require.NoError(t, json.Unmarshal(got.Data, &data))
			assert.Equal(t, "BTCUSDT", data["symbol"])
		case <-time.After(time.Second):
			t.Fatalf("client %s did not receive the broadcast", c.id)
		}
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	hub, _ := runHub(t)

	slow := NewClient("slow")
	hub.Register(slow)
	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	msg := Message{Type: TypeEvent, Data: json.RawMessage(`{}`)}
	for i := 0; i < clientBuffer+1; i++ {
		for !hub.Broadcast(msg) {
			time.Sleep(time.Millisecond)
		}
	}
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub, cancel := runHub(t)

	client := NewClient("c1")
	hub.Register(client)
	cancel()

	assert.Eventually(t, func() bool {
		select {
		case _, open := <-client.Messages():
			return !open
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.False(t, hub.Register(NewClient("late")))
}

func TestClientSendAfterClose(t *testing.T) {
	c := NewClient("c1")
	assert.True(t, c.Send(Message{Type: TypeHello}))
	c.Close()
	c.Close()
	assert.False(t, c.Send(Message{Type: TypeHello}))
}
