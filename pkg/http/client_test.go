package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastOptions = Options{
	MaxRetries:      3,
	MinBackoff:      time.Millisecond,
	MaxBackoff:      2 * time.Millisecond,
	BreakerFailures: 5,
	BreakerWindow:   10,
	BreakerDelay:    time.Minute,
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := NewClientWithOptions(srv.URL, time.Second, nil, fastOptions)
	body, err := client.Get(context.Background(), "/", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestClient_PostSendsJSONOncePerAttempt(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var got map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "stop executed", got["text"])
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClientWithOptions(srv.URL, time.Second, nil, fastOptions)
	_, err := client.Post(context.Background(), "/hook", map[string]string{"text": "stop executed"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestClient_ClientErrorsAreNotRetried(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("chat not found"))
	}))
	defer srv.Close()

	client := NewClientWithOptions(srv.URL, time.Second, nil, fastOptions)
	_, err := client.Post(context.Background(), "/", map[string]string{})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "chat not found", string(apiErr.Body))
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestClient_BreakerOpensOnRepeatedFailures(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	opts := fastOptions
	opts.MaxRetries = 0
	client := NewClientWithOptions(srv.URL, time.Second, nil, opts)
	for i := 0; i < 6; i++ {
		_, _ = client.Get(context.Background(), "/", nil)
	}

	before := atomic.LoadInt32(&attempts)
	_, err := client.Get(context.Background(), "/", nil)
	require.Error(t, err)
	assert.Equal(t, before, atomic.LoadInt32(&attempts), "open breaker must not reach the server")
}
