// Package backend - HTTP клиент control plane: живая проверка, логи, регистрация и синхронизация политик.
package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xela07ax/hashed-guard/internal/domain"
	"github.com/xela07ax/hashed-guard/internal/infra"
	"github.com/xela07ax/hashed-guard/internal/resilience"
	"go.uber.org/zap"
)

const (
	APIKeyHeader = "X-API-KEY"

	PathGuard    = "/guard"
	PathLog      = "/log"
	PathBatch    = "/v1/logs/batch"
	PathRegister = "/v1/agents/register"
	PathSync     = "/v1/policies/sync"
	PathPolicies = "/v1/policies"
	PathAgents   = "/v1/agents"

	maxErrorBody = 512
)

var errEmptyGuardResponse = errors.New("empty guard response")

type Client struct {
	baseURL   string
	apiKey    string
	batchPath string
	agentKey  string // hex публичного ключа, подставляется в батчи

	http    *http.Client
	rw      *resilience.Wrapper
	metrics *infra.Metrics
	logger  *zap.Logger
}

type Option func(c *Client)

// WithHTTPClient подменяет транспорт (тесты, прокси).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBatchPath - путь приема батчей леджера.
func WithBatchPath(path string) Option {
	return func(c *Client) {
		if path != "" {
			c.batchPath = path
		}
	}
}

// WithAgentKey - публичный ключ агента для поля agent_public_key в батчах.
func WithAgentKey(hexKey string) Option {
	return func(c *Client) { c.agentKey = hexKey }
}

// WithResilience подменяет обертку надежности.
func WithResilience(rw *resilience.Wrapper) Option {
	return func(c *Client) { c.rw = rw }
}

func NewClient(cfg infra.BackendConfig, metrics *infra.Metrics, logger *zap.Logger, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, &domain.ConfigError{Field: "backend.url", Reason: "must not be empty"}
	}
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	logger = logger.With(zap.String("mod", "backend"))

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // явно выключено в конфиге
		logger.Warn("TLS verification disabled for control plane")
	}

	s := resilience.DefaultSettings("control-plane")
	s.Attempts = uint(cfg.MaxRetries) + 1
	if cfg.Timeout > 0 {
		s.CallTimeout = cfg.Timeout
	}
	if cfg.RateLimit > 0 {
		s.RateLimit = cfg.RateLimit
	}
	if cfg.CBMaxRequests > 0 {
		s.CBMaxRequests = cfg.CBMaxRequests
	}
	if cfg.CBInterval > 0 {
		s.CBInterval = cfg.CBInterval
	}
	if cfg.CBTimeout > 0 {
		s.CBTimeout = cfg.CBTimeout
	}

	c := &Client{
		baseURL:   strings.TrimRight(cfg.URL, "/"),
		apiKey:    cfg.APIKey,
		batchPath: PathBatch,
		http:      &http.Client{Transport: transport},
		metrics:   metrics,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rw == nil {
		c.rw = resilience.New(s, metrics, logger)
	}
	return c, nil
}

// Guard - живая проверка. Одна попытка: guard не должен ждать ретраев на hot path.
func (c *Client) Guard(ctx context.Context, req GuardRequest) (*GuardResponse, error) {
	var resp GuardResponse
	var raw json.RawMessage
	err := c.rw.DoOnce(ctx, func(ctx context.Context) error {
		return c.do(ctx, "guard", http.MethodPost, PathGuard, nil, req, &raw)
	})
	if err == nil {
		err = decodeGuard(raw, &resp)
	}
	c.observe("guard", err)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// decodeGuard: пустой ответ (204, null) - не решение, а сбой; guard продолжит на локальной политике.
// Объект без allowed - отказ.
func decodeGuard(raw json.RawMessage, resp *GuardResponse) error {
	body := bytes.TrimSpace(raw)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return &domain.APIError{Op: "guard", Err: errEmptyGuardResponse}
	}
	if err := json.Unmarshal(body, resp); err != nil {
		return &domain.APIError{Op: "guard", Message: "invalid response body", Err: err}
	}
	return nil
}

// Log - одиночное событие аудита. Одна попытка: при неудаче guard уходит в локальный леджер.
func (c *Client) Log(ctx context.Context, req LogRequest) error {
	err := c.rw.DoOnce(ctx, func(ctx context.Context) error {
		return c.do(ctx, "log", http.MethodPost, PathLog, nil, req, nil)
	})
	c.observe("log", err)
	return err
}

// ShipBatch реализует ledger.Shipper. Частичное подтверждение не предполагается:
// любой не-2xx ответ - провал всей пачки.
func (c *Client) ShipBatch(ctx context.Context, entries []domain.LedgerEntry) error {
	req := BatchRequest{
		Logs:           entries,
		BatchSize:      len(entries),
		Timestamp:      time.Now().UTC(),
		AgentPublicKey: c.agentKey,
	}
	err := c.rw.Do(ctx, func(ctx context.Context) error {
		return c.do(ctx, "batch", http.MethodPost, c.batchPath, nil, req, nil)
	})
	c.observe("batch", err)
	return err
}

// RegisterAgent регистрирует агента. 409 означает "уже зарегистрирован" и не является ошибкой.
func (c *Client) RegisterAgent(ctx context.Context, reg domain.AgentRegistration) (created bool, err error) {
	err = c.rw.Do(ctx, func(ctx context.Context) error {
		return c.do(ctx, "register", http.MethodPost, PathRegister, nil, reg, nil)
	})
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		c.observe("register", nil)
		return false, nil
	}
	c.observe("register", err)
	if err != nil {
		return false, err
	}
	return true, nil
}

// SyncPolicies скачивает текущий набор правил агента.
func (c *Client) SyncPolicies(ctx context.Context, agentPublicKey string) (*domain.PolicySnapshot, error) {
	q := url.Values{}
	q.Set("agent_public_key", agentPublicKey)

	var snap domain.PolicySnapshot
	err := c.rw.Do(ctx, func(ctx context.Context) error {
		snap = domain.PolicySnapshot{}
		return c.do(ctx, "sync", http.MethodGet, PathSync, q, nil, &snap)
	})
	c.observe("sync", err)
	if err != nil {
		return nil, err
	}
	if snap.Policies == nil {
		snap.Policies = map[string]domain.Rule{}
	}
	return &snap, nil
}

// UpsertPolicy публикует правило. 409 (такое правило уже есть) считается успехом.
func (c *Client) UpsertPolicy(ctx context.Context, p PolicyUpsert) error {
	err := c.rw.Do(ctx, func(ctx context.Context) error {
		return c.do(ctx, "policy_upsert", http.MethodPost, PathPolicies, nil, p, nil)
	})
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		err = nil
	}
	c.observe("policy_upsert", err)
	return err
}

// PushPolicy - UpsertPolicy для одного правила. Пустой agentPublicKey - глобальное правило.
func (c *Client) PushPolicy(ctx context.Context, agentPublicKey, tool string, rule domain.Rule) error {
	return c.UpsertPolicy(ctx, PolicyUpsert{
		ToolName:       tool,
		Allowed:        rule.Allowed,
		MaxAmount:      rule.MaxAmount,
		AgentPublicKey: agentPublicKey,
		Metadata:       rule.Metadata,
	})
}

// ListAgents - агенты организации. Принимает как голый массив, так и {"agents": [...]}.
func (c *Client) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	var raw json.RawMessage
	err := c.rw.Do(ctx, func(ctx context.Context) error {
		return c.do(ctx, "agents", http.MethodGet, PathAgents, nil, nil, &raw)
	})
	c.observe("agents", err)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(raw)
	var agents []AgentInfo
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &agents); err != nil {
			return nil, fmt.Errorf("decode agents: %w", err)
		}
		return agents, nil
	}
	var wrapped struct {
		Agents []AgentInfo `json:"agents"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("decode agents: %w", err)
	}
	return wrapped.Agents, nil
}

// State - состояние breaker для health-проверок.
func (c *Client) State() string {
	return c.rw.State().String()
}

func (c *Client) observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.metrics.RemoteCalls.WithLabelValues(op, result).Inc()
}

// do выполняет одну попытку запроса. Не-2xx превращается в *domain.APIError,
// 429 с Retry-After - в ThrottleError поверх него.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return resilience.Permanent(fmt.Errorf("encode %s request: %w", op, err))
		}
		rdr = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return resilience.Permanent(fmt.Errorf("build %s request: %w", op, err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.APIError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &domain.APIError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(msg)}
		if resp.StatusCode == http.StatusTooManyRequests {
			return &resilience.ThrottleError{RetryAfter: retryAfter(resp.Header.Get("Retry-After")), Cause: apiErr}
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &domain.APIError{Op: op, StatusCode: resp.StatusCode, Message: "invalid response body", Err: err}
	}
	return nil
}

// errorMessage достает detail/message/error из JSON тела ошибки или отдает текст как есть.
func errorMessage(body []byte) string {
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		for _, k := range []string{"detail", "message", "error"} {
			if s, ok := parsed[k].(string); ok && s != "" {
				return s
			}
		}
	}
	return strings.TrimSpace(string(body))
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
