package liveserver

import (
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	websocketActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stop_engine_websocket_active_connections",
		Help: "Current number of event stream connections",
	})

	websocketRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stop_engine_websocket_rejected_total",
		Help: "Rejected event stream connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(websocketActiveConnections)
	prometheus.MustRegister(websocketRejectedTotal)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Options limits who may connect and how often
type Options struct {
	// AllowedOrigins are scheme://host values; "*" allows any origin
	AllowedOrigins []string
	MaxConnections int
	// RateLimit is new connections per second per remote IP
	RateLimit float64
	RateBurst int
}

// Handler upgrades requests to websocket connections fed by a Hub. The
// stream is server to client only; client frames are read and discarded.
type Handler struct {
	hub      *Hub
	logger   Logger
	upgrader websocket.Upgrader
	origins  []string

	connSemaphore chan struct{}

	ipLimiters sync.Map // map[string]*rate.Limiter
	rateLimit  rate.Limit
	rateBurst  int

	// hello is sent first on every connection when set
	hello func() (Message, bool)
}

func NewHandler(hub *Hub, logger Logger, opts Options) *Handler {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 100
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 5
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 10
	}
	h := &Handler{
		hub:           hub,
		logger:        logger,
		origins:       opts.AllowedOrigins,
		connSemaphore: make(chan struct{}, opts.MaxConnections),
		rateLimit:     rate.Limit(opts.RateLimit),
		rateBurst:     opts.RateBurst,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetHello installs the greeting sent to every new connection
func (h *Handler) SetHello(hello func() (Message, bool)) {
	h.hello = hello
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients do not send Origin
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		h.warn("Rejected event stream connection with invalid Origin", "origin", origin, "error", err)
		websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}
	originStr := parsed.Scheme + "://" + parsed.Host
	for _, allowed := range h.origins {
		if allowed == "*" || allowed == originStr {
			return true
		}
	}
	h.warn("Rejected event stream connection from unauthorized origin",
		"origin", origin,
		"remote_addr", r.RemoteAddr)
	websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if !h.limiter(ip).Allow() {
		websocketRejectedTotal.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	select {
	case h.connSemaphore <- struct{}{}:
		websocketActiveConnections.Inc()
		defer func() {
			<-h.connSemaphore
			websocketActiveConnections.Dec()
		}()
	default:
		websocketRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client := NewClient(uuid.New().String())
	if h.hello != nil {
		if msg, ok := h.hello(); ok {
			client.Send(msg)
		}
	}
	if !h.hub.Register(client) {
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		h.readPump(conn, client)
	}()
	wg.Wait()

	h.hub.Unregister(client)
}

func (h *Handler) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				h.warn("Event stream write failed", "client_id", client.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump keeps the read deadline moving on pongs and returns when the
// peer goes away, which also ends the write pump via Unregister.
func (h *Handler) readPump(conn *websocket.Conn, client *Client) {
	defer h.hub.Unregister(client)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.warn("Event stream read failed", "client_id", client.id, "error", err)
			}
			return
		}
	}
}

func (h *Handler) limiter(ip string) *rate.Limiter {
	if v, ok := h.ipLimiters.Load(ip); ok {
		return v.(*rate.Limiter)
	}
	actual, _ := h.ipLimiters.LoadOrStore(ip, rate.NewLimiter(h.rateLimit, h.rateBurst))
	return actual.(*rate.Limiter)
}

func (h *Handler) warn(msg string, kv ...interface{}) {
	if h.logger != nil {
		h.logger.Warn(msg, kv...)
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
