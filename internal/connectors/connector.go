// Package connectors - исполнители инструментов за шлюзом: HTTP upstream и встроенные заглушки.
package connectors

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/xela07ax/hashed-guard/internal/guard"
	"github.com/xela07ax/hashed-guard/internal/infra"
	"go.uber.org/zap"
)

// SchemeMock - url вида mock://<capability> включает встроенную заглушку вместо upstream.
const SchemeMock = "mock"

// Connector выполняет инструмент с уже проверенными аргументами.
type Connector interface {
	Call(ctx context.Context, args map[string]any) (any, error)
}

// UpstreamError - upstream ответил не-2xx или вернул мусор.
type UpstreamError struct {
	Tool       string
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
	}
	return fmt.Sprintf("tool %s: upstream status %d: %s", e.Tool, e.StatusCode, e.Message)
}

// Retryable - имеет ли смысл повторять вызов.
func (e *UpstreamError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= http.StatusInternalServerError
}

// Operation адаптирует коннектор к сигнатуре guard.
func Operation(c Connector) guard.Operation {
	return func(ctx context.Context, call guard.Call) (any, error) {
		return c.Call(ctx, call.Args)
	}
}

// FromConfig строит коннектор по описанию инструмента.
func FromConfig(cfg infra.ToolConfig, metrics *infra.Metrics, logger *zap.Logger) (Connector, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("tool %s: parse url: %w", cfg.Name, err)
	}
	switch strings.ToLower(u.Scheme) {
	case SchemeMock:
		capability := u.Host
		if capability == "" {
			capability = cfg.Name
		}
		return NewMock(capability), nil
	case "http", "https":
		return NewHTTPConnector(cfg, metrics, logger)
	default:
		return nil, fmt.Errorf("tool %s: unsupported url scheme %q", cfg.Name, u.Scheme)
	}
}
