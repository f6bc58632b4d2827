package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stop_engine/internal/outbox"
	"stop_engine/pkg/liveserver"
	"stop_engine/pkg/logging"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Database.URL = filepath.Join(t.TempDir(), "engine.db")
	cfg.Feed.Enabled = false
	cfg.Telemetry.Enabled = false
	cfg.Outbox.PollInterval = 10 * time.Millisecond
	cfg.API.ListenAddr = "127.0.0.1:0"
	return cfg
}

func TestNewEngineWiring(t *testing.T) {
	cfg := testConfig(t)
	e, err := NewEngine(context.Background(), cfg, logging.NewNopLogger())
	require.NoError(t, err)
	defer e.Close()

	require.NotNil(t, e.Scanner)
	require.NotNil(t, e.Poller)
	require.NotNil(t, e.Publisher)
	require.NotNil(t, e.Live)
	// api, metrics, poller, scanner, publisher, live hub
	assert.Len(t, e.Runners(), 6)
	assert.Equal(t, []string{"database", "exchange"}, e.Health.Components())

	status, ok := e.Health.GetStatus(context.Background())
	assert.True(t, ok, "%v", status)
}

func TestNewEngineOptionalParts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Safety.Enabled = false
	cfg.Poller.Enabled = false
	cfg.Outbox.Enabled = false
	cfg.Engine.TradingEnabled = false

	e, err := NewEngine(context.Background(), cfg, logging.NewNopLogger())
	require.NoError(t, err)
	defer e.Close()

	assert.Nil(t, e.Scanner)
	assert.Nil(t, e.Poller)
	assert.Nil(t, e.Publisher)
	assert.Nil(t, e.Live)
	assert.Len(t, e.Runners(), 2)

	on, reason := e.Manager.KillSwitch()
	assert.True(t, on)
	assert.NotEmpty(t, reason)
}

func TestNewEngineRejectsUnknownExchange(t *testing.T) {
	cfg := testConfig(t)
	cfg.App.Exchange = "kraken"
	_, err := NewEngine(context.Background(), cfg, logging.NewNopLogger())
	require.Error(t, err)
}

func TestNewOutboxBus(t *testing.T) {
	cfg := testConfig(t)
	logger := logging.NewNopLogger()

	bus, rdb, err := NewOutboxBus(context.Background(), cfg, NewAlertManager(cfg, logger), nil, logger)
	require.NoError(t, err)
	assert.Nil(t, rdb)
	assert.Equal(t, "log", bus.Name())

	cfg.Alerts.SlackWebhookURL = "http://127.0.0.1:1/hook"
	bus, _, err = NewOutboxBus(context.Background(), cfg, NewAlertManager(cfg, logger), liveserver.NewHub(nil), logger)
	require.NoError(t, err)
	_, fanout := bus.(*outbox.FanoutBus)
	assert.True(t, fanout)
}

func TestEngineStreamsEventsToDashboard(t *testing.T) {
	cfg := testConfig(t)
	cfg.Safety.Enabled = false
	cfg.Poller.Enabled = false

	e, err := NewEngine(context.Background(), cfg, logging.NewNopLogger())
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	go func() { _ = e.Live.Run(ctx) }()
	go func() { _ = e.Publisher.Run(ctx) }()

	ts := httptest.NewServer(e.API.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello liveserver.Message
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, liveserver.TypeHello, hello.Type)
	require.Eventually(t, func() bool { return e.Live.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	body := `{"symbol":"BTCUSDT","side":"LONG","capital":"10000","risk_percent":"1","entry_price":"50000","stop_price":"48000"}`
	resp, err := http.Post(ts.URL+"/positions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var msg liveserver.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, liveserver.TypeEvent, msg.Type)
	assert.Equal(t, "stop.position_armed.BTCUSDT", msg.Key)

	var ev map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "BTCUSDT", ev["symbol"])
}
