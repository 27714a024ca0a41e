package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xela07ax/hashed-guard/internal/guard"
	"github.com/xela07ax/hashed-guard/internal/infra"
	"github.com/xela07ax/hashed-guard/internal/resilience"
	"go.uber.org/zap"
)

const (
	defaultToolTimeout = 15 * time.Second
	maxResponseBody    = 1 << 20
	// TraceHeader пробрасывается в upstream для сквозной трассировки.
	TraceHeader = "X-Trace-ID"
)

// HTTPConnector отправляет аргументы инструмента JSON-ом в upstream.
type HTTPConnector struct {
	name   string
	url    string
	http   *http.Client
	rw     *resilience.Wrapper
	logger *zap.Logger
}

func NewHTTPConnector(cfg infra.ToolConfig, metrics *infra.Metrics, logger *zap.Logger) (*HTTPConnector, error) {
	if cfg.Name == "" || cfg.URL == "" {
		return nil, errors.New("tool name and url are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}

	s := resilience.DefaultSettings("tool:" + cfg.Name)
	s.CallTimeout = timeout
	s.RateLimit = 0
	// Инструмент может иметь побочные эффекты: повторяем только то, что upstream явно отверг (429, 5xx).
	s.Attempts = 2

	return &HTTPConnector{
		name:   cfg.Name,
		url:    cfg.URL,
		http:   &http.Client{},
		rw:     resilience.New(s, metrics, logger),
		logger: logger.With(zap.String("mod", "connector"), zap.String("tool", cfg.Name)),
	}, nil
}

// State - состояние breaker коннектора (для /health).
func (c *HTTPConnector) State() string {
	return c.rw.State().String()
}

func (c *HTTPConnector) Call(ctx context.Context, args map[string]any) (any, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s args: %w", c.name, err)
	}

	var out any
	err = c.rw.Do(ctx, func(ctx context.Context) error {
		res, err := c.do(ctx, payload)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		c.logger.Warn("tool call failed", zap.Error(err))
		return nil, err
	}
	return out, nil
}

func (c *HTTPConnector) do(ctx context.Context, payload []byte) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("build %s request: %w", c.name, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if id := guard.TraceID(ctx); id != "" {
		req.Header.Set(TraceHeader, id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &UpstreamError{Tool: c.name, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &UpstreamError{Tool: c.name, StatusCode: resp.StatusCode, Message: "read body: " + err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upErr := &UpstreamError{Tool: c.name, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, &resilience.ThrottleError{RetryAfter: retryAfter(resp.Header.Get("Retry-After")), Cause: upErr}
		case !upErr.Retryable():
			return nil, resilience.Permanent(upErr)
		default:
			return nil, upErr
		}
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(body, &out); err != nil {
		// Не JSON - отдаем текст как есть
		return string(body), nil
	}
	return out, nil
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
