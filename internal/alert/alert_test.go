package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"stop_engine/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockAlertChannel struct {
	name     string
	sent     []AlertPayload
	sendFunc func(ctx context.Context, alert AlertPayload) error
	mu       sync.Mutex
}

func (m *mockAlertChannel) Name() string {
	return m.name
}

func (m *mockAlertChannel) Send(ctx context.Context, alert AlertPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, alert)
	}
	return nil
}

func (m *mockAlertChannel) getSent() []AlertPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]AlertPayload, len(m.sent))
	copy(res, m.sent)
	return res
}

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

func TestAlertManager_Alert(t *testing.T) {
	am := NewAlertManager(&mockLogger{})

	ch1 := &mockAlertChannel{name: "mock1"}
	ch2 := &mockAlertChannel{name: "mock2"}
	am.AddChannel(ch1)
	am.AddChannel(ch2)
	assert.Equal(t, 2, am.Channels())

	am.Alert(context.Background(), "Stop executed", "BTCUSDT closed", Info, map[string]string{"symbol": "BTCUSDT"})

	require.Eventually(t, func() bool {
		return len(ch1.getSent()) == 1 && len(ch2.getSent()) == 1
	}, time.Second, 5*time.Millisecond)

	payload := ch1.getSent()[0]
	assert.Equal(t, "Stop executed", payload.Title)
	assert.Equal(t, Info, payload.Level)
	assert.Equal(t, "BTCUSDT", payload.Fields["symbol"])
}

func TestAlertManager_DeliverReportsFailures(t *testing.T) {
	am := NewAlertManager(&mockLogger{})
	ok := &mockAlertChannel{name: "ok"}
	broken := &mockAlertChannel{name: "broken", sendFunc: func(context.Context, AlertPayload) error {
		return errors.New("webhook down")
	}}
	am.AddChannel(ok)
	am.AddChannel(broken)

	err := am.Deliver(context.Background(), AlertPayload{Level: Critical, Title: "Circuit open"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: webhook down")
	assert.Len(t, ok.getSent(), 1)
	assert.False(t, ok.getSent()[0].Timestamp.IsZero())

	// no channels is a successful no-op
	assert.NoError(t, NewAlertManager(&mockLogger{}).Deliver(context.Background(), AlertPayload{Title: "x"}))
}

func TestSlackChannel_Send(t *testing.T) {
	var body map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewSlackChannel(server.URL)
	err := ch.Send(context.Background(), AlertPayload{
		Level:     Error,
		Title:     "Stop failed",
		Message:   "order rejected",
		Timestamp: time.Unix(1709294410, 0),
		Fields:    map[string]string{"symbol": "BTCUSDT", "attempts": "3"},
	})
	require.NoError(t, err)

	attachments := body["attachments"].([]interface{})
	require.Len(t, attachments, 1)
	att := attachments[0].(map[string]interface{})
	assert.Equal(t, "#ff0000", att["color"])
	assert.Equal(t, "[ERROR] Stop failed", att["pretext"])
	fields := att["fields"].([]interface{})
	require.Len(t, fields, 2)
	assert.Equal(t, "attempts", fields[0].(map[string]interface{})["title"])

	assert.NoError(t, NewSlackChannel("").Send(context.Background(), AlertPayload{}))
}

func TestTelegramChannel_Send(t *testing.T) {
	var (
		path string
		body map[string]interface{}
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	ch := NewTelegramChannel(server.URL, "123:abc", "-100")
	require.NoError(t, ch.Send(context.Background(), AlertPayload{
		Level:   Critical,
		Title:   "Rogue position",
		Message: "ETHUSDT untracked",
		Fields:  map[string]string{"quantity": "1.5"},
	}))

	assert.Equal(t, "/bot123:abc/sendMessage", path)
	assert.Equal(t, "-100", body["chat_id"])
	assert.Contains(t, body["text"], "[CRITICAL] Rogue position")
	assert.Contains(t, body["text"], "*quantity*: 1.5")

	assert.NoError(t, NewTelegramChannel("", "", "").Send(context.Background(), AlertPayload{}))
}

func TestTelegramChannel_ClientErrorFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer server.Close()

	err := NewTelegramChannel(server.URL, "t", "c").Send(context.Background(), AlertPayload{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}
