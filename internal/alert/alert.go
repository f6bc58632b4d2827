// Package alert delivers operator notifications to chat channels
package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stop_engine/internal/core"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

type AlertManager struct {
	channels    []AlertChannel
	logger      core.ILogger
	sendTimeout time.Duration
	mu          sync.RWMutex
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		channels:    make([]AlertChannel, 0),
		logger:      logger.WithField("component", "alert_manager"),
		sendTimeout: 10 * time.Second,
	}
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// Channels counts configured channels
func (am *AlertManager) Channels() int {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return len(am.channels)
}

// Alert fans out without waiting; delivery failures are only logged
func (am *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	payload := am.payload(title, message, level, fields)
	am.logger.Info("Triggering alert", "title", title, "level", level)

	for _, ch := range am.snapshot() {
		go func(c AlertChannel) {
			timeoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), am.sendTimeout)
			defer cancel()
			if err := c.Send(timeoutCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// Deliver sends to every channel and waits. It fails if any channel failed,
// so the caller can retry the whole notification.
func (am *AlertManager) Deliver(ctx context.Context, payload AlertPayload) error {
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}
	channels := am.snapshot()
	errs := make([]error, len(channels))

	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, c AlertChannel) {
			defer wg.Done()
			timeoutCtx, cancel := context.WithTimeout(ctx, am.sendTimeout)
			defer cancel()
			if err := c.Send(timeoutCtx, payload); err != nil {
				errs[i] = fmt.Errorf("%s: %w", c.Name(), err)
			}
		}(i, ch)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (am *AlertManager) payload(title, message string, level AlertLevel, fields map[string]string) AlertPayload {
	return AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}
}

func (am *AlertManager) snapshot() []AlertChannel {
	am.mu.RLock()
	defer am.mu.RUnlock()
	out := make([]AlertChannel, len(am.channels))
	copy(out, am.channels)
	return out
}
