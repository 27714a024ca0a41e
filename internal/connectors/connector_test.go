package connectors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/hashed-guard/internal/guard"
	"github.com/xela07ax/hashed-guard/internal/infra"
	"go.uber.org/zap"
)

func newHTTP(t *testing.T, url string) *HTTPConnector {
	t.Helper()
	c, err := NewHTTPConnector(infra.ToolConfig{Name: "transfer", URL: url, Timeout: time.Second}, nil, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestHTTPConnectorForwardsArgs(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "trace-1", r.Header.Get(TraceHeader))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"status": "success", "tx": "T1"}`))
	}))
	defer srv.Close()

	op := Operation(newHTTP(t, srv.URL))
	ctx := guard.WithTraceID(context.Background(), "trace-1")
	res, err := op(ctx, guard.Call{Args: map[string]any{"amount": 50.0, "to": "bob"}})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"status": "success", "tx": "T1"}, res)
	assert.Equal(t, 50.0, got["amount"])
	assert.Equal(t, "bob", got["to"])
}

func TestHTTPConnectorPlainTextBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("done"))
	}))
	defer srv.Close()

	res, err := newHTTP(t, srv.URL).Call(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "done", res)
}

func TestHTTPConnectorClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "invalid account", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newHTTP(t, srv.URL).Call(context.Background(), map[string]any{})
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusBadRequest, upErr.StatusCode)
	assert.Equal(t, "invalid account", upErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPConnectorRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	res, err := newHTTP(t, srv.URL).Call(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, res)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPConnectorThrottle(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newHTTP(t, srv.URL).Call(context.Background(), map[string]any{})
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusTooManyRequests, upErr.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, retryAfter("3"))
	assert.Zero(t, retryAfter(""))
	assert.Zero(t, retryAfter("soon"))
}

func TestFromConfig(t *testing.T) {
	c, err := FromConfig(infra.ToolConfig{Name: "pay", URL: "mock://transfer"}, nil, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &MockConnector{}, c)

	c, err = FromConfig(infra.ToolConfig{Name: "pay", URL: "https://payments.local/pay"}, nil, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &HTTPConnector{}, c)

	_, err = FromConfig(infra.ToolConfig{Name: "pay", URL: "ftp://x"}, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestMockConnector(t *testing.T) {
	res, err := NewMock("transfer").Call(context.Background(), map[string]any{"amount": 10.0})
	require.NoError(t, err)
	m := res.(map[string]any)
	assert.Equal(t, "success", m["status"])
	assert.Equal(t, 10.0, m["amount"])

	_, err = NewMock("unstable.service").Call(context.Background(), nil)
	var upErr *UpstreamError
	assert.ErrorAs(t, err, &upErr)

	_, err = NewMock("nope").Call(context.Background(), nil)
	assert.Error(t, err)

	slow := NewMock("echo")
	slow.Latency = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = slow.Call(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
