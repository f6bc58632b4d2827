package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"stop_engine/internal/core"
	"stop_engine/internal/trading/fsm"
	"stop_engine/internal/trading/position"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type armBody struct {
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Capital     decimal.Decimal `json:"capital"`
	RiskPercent decimal.Decimal `json:"risk_percent"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	StopPrice   decimal.Decimal `json:"stop_price"`
	TargetPrice decimal.Decimal `json:"target_price"`
	Leverage    int             `json:"leverage,omitempty"`
}

type signalBody struct {
	SignalID string          `json:"signal_id"`
	Price    decimal.Decimal `json:"price"`
}

type panicBody struct {
	Symbol string `json:"symbol"`
}

type killSwitchBody struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
}

func (s *Server) handleArm(w http.ResponseWriter, r *http.Request) {
	var body armBody
	if !decodeBody(w, r, &body, false) {
		return
	}
	side, err := core.ParseSide(body.Side)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %w", position.ErrInvalidRequest, err))
		return
	}
	pos, err := s.deps.Positions.Arm(r.Context(), position.ArmRequest{
		Symbol:      strings.ToUpper(strings.TrimSpace(body.Symbol)),
		Side:        side,
		Capital:     body.Capital,
		RiskPercent: body.RiskPercent,
		EntryPrice:  body.EntryPrice,
		StopPrice:   body.StopPrice,
		TargetPrice: body.TargetPrice,
		Leverage:    body.Leverage,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	var states []core.PositionState
	for _, raw := range r.URL.Query()["state"] {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				states = append(states, core.PositionState(strings.ToLower(st)))
			}
		}
	}
	positions, err := s.deps.Positions.List(r.Context(), states...)
	if err != nil {
		writeError(w, err)
		return
	}
	if positions == nil {
		positions = []*core.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.deps.Positions.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleDisarm(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Positions.Disarm(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.deps.Positions.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	events, err := s.deps.Positions.Events(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*core.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var body signalBody
	if !decodeBody(w, r, &body, true) {
		return
	}
	id := mux.Vars(r)["id"]
	err := s.deps.Positions.Signal(r.Context(), id, position.EntrySignal{
		SignalID:   body.SignalID,
		Price:      body.Price,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"position_id": id, "status": "accepted"})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	pos, err := s.deps.Positions.Acknowledge(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handlePanic(w http.ResponseWriter, r *http.Request) {
	var body panicBody
	if !decodeBody(w, r, &body, true) {
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(body.Symbol))
	ids, err := s.deps.Positions.Panic(r.Context(), symbol)
	resp := map[string]interface{}{"positions": ids}
	if ids == nil {
		resp["positions"] = []string{}
	}
	if err != nil {
		s.logger.Error("Panic exit incomplete", "symbol", symbol, "error", err)
		resp["error"] = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var body killSwitchBody
	if !decodeBody(w, r, &body, false) {
		return
	}
	s.deps.Positions.SetKillSwitch(body.Enabled, body.Reason)
	enabled, reason := s.deps.Positions.KillSwitch()
	writeJSON(w, http.StatusOK, killSwitchBody{Enabled: enabled, Reason: reason})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := s.deps.Positions.RefreshMetrics(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	byState := make(map[string]int64, len(counts))
	for st, n := range counts {
		byState[string(st)] = n
	}
	enabled, reason := s.deps.Positions.KillSwitch()

	resp := map[string]interface{}{
		"time":         time.Now().UTC(),
		"positions":    byState,
		"active_tasks": s.deps.Positions.ActiveTasks(),
		"kill_switch":  killSwitchBody{Enabled: enabled, Reason: reason},
	}
	if s.deps.Breakers != nil {
		breakers, err := s.deps.Breakers.Snapshot(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		if breakers == nil {
			breakers = []*core.CircuitBreakerState{}
		}
		resp["circuit_breakers"] = breakers
	}
	if s.deps.Outbox != nil {
		pending, err := s.deps.Outbox.CountUnpublished(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		resp["outbox_pending"] = pending
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSafetyStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Safety == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "safety scanner disabled", Code: "disabled"})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Safety.Status())
}

func (s *Server) handleSafetyTest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Safety == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "safety scanner disabled", Code: "disabled"})
		return
	}
	report, err := s.deps.Safety.DryRun(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: err.Error(), Code: "exchange_error"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok", "time": time.Now().UTC()}
	code := http.StatusOK
	if s.deps.Health != nil {
		components, healthy := s.deps.Health.GetStatus(r.Context())
		resp["components"] = components
		if !healthy {
			resp["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

// decodeBody reads a JSON body. An empty body is accepted when optional.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}, optional bool) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body: " + err.Error(), Code: "invalid_request"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto status codes
func writeError(w http.ResponseWriter, err error) {
	var transition *fsm.TransitionError
	switch {
	case errors.Is(err, position.ErrInvalidRequest), errors.Is(err, core.ErrInvalidSide):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_request"})
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case errors.As(err, &transition):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "illegal_transition"})
	case errors.Is(err, position.ErrNotInError):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "not_in_error"})
	case errors.Is(err, core.ErrDuplicate):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "duplicate"})
	case errors.Is(err, core.ErrVersionConflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "version_conflict"})
	case errors.Is(err, core.ErrKillSwitch):
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: err.Error(), Code: "kill_switch"})
	default:
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "internal"})
	}
}
