package gateway

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/hashed-guard/internal/connectors"
	"github.com/xela07ax/hashed-guard/internal/domain"
	"github.com/xela07ax/hashed-guard/internal/guard"
	"github.com/xela07ax/hashed-guard/internal/identity"
	"github.com/xela07ax/hashed-guard/internal/infra"
	"github.com/xela07ax/hashed-guard/internal/infra/auth"
	"github.com/xela07ax/hashed-guard/internal/policy"
)

type fixture struct {
	srv    *Server
	engine *policy.Engine
	reg    *prometheus.Registry
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	engine := policy.NewEngine(logger)
	require.NoError(t, engine.AddPolicy("transfer", policy.MaxAmount(100)))
	require.NoError(t, engine.AddPolicy("delete_db", policy.Denied()))

	reg := prometheus.NewRegistry()
	g := guard.New(engine, identity.Generate(), logger, guard.WithMetrics(infra.NewMetrics(reg)))

	srv := NewServer(engine, logger, append([]Option{WithGatherer(reg)}, opts...)...)
	srv.Register("transfer", g.Wrap("transfer", connectors.Operation(connectors.NewMock("transfer"))))
	srv.Register("delete_db", g.Wrap("delete_db", connectors.Operation(connectors.NewMock("echo")), guard.WithoutAmount(), guard.FailClosed(true)))
	srv.Register("broken", g.Wrap("broken", connectors.Operation(connectors.NewMock("unstable.service")), guard.WithoutAmount()))
	return &fixture{srv: srv, engine: engine, reg: reg}
}

func (f *fixture) post(t *testing.T, tool, body string, hdr map[string]string) (*httptest.ResponseRecorder, CallResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/tools/"+tool, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	var resp CallResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestCallAllowed(t *testing.T) {
	f := newFixture(t)
	rec, resp := f.post(t, "transfer", `{"amount": 50, "to": "bob"}`, map[string]string{TraceHeader: "t-1"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t-1", rec.Header().Get(TraceHeader))
	assert.Equal(t, "t-1", resp.TraceID)
	assert.False(t, resp.Blocked)
	result := resp.Result.(map[string]any)
	assert.Equal(t, "success", result["status"])
}

func TestCallOverLimitIsBlocked(t *testing.T) {
	f := newFixture(t)
	rec, resp := f.post(t, "transfer", `{"amount": 500}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Blocked)
	assert.True(t, strings.HasPrefix(resp.Message, guard.BlockedPrefix))
	assert.Nil(t, resp.Result)
	assert.NotEmpty(t, rec.Header().Get(TraceHeader))
}

func TestCallFailClosedIs403(t *testing.T) {
	f := newFixture(t)
	rec, resp := f.post(t, "delete_db", `{}`, nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.True(t, resp.Blocked)
	assert.Contains(t, resp.Message, "delete_db")
}

func TestCallToolErrorIs502(t *testing.T) {
	f := newFixture(t)
	rec, resp := f.post(t, "broken", ``, nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, resp.Error, "service internal error")
}

func TestCallUnknownTool(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.post(t, "nope", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCallInvalidJSON(t *testing.T) {
	f := newFixture(t)
	rec, resp := f.post(t, "transfer", `{"amount":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, resp.Error, "invalid JSON")
}

func TestListPoliciesAndTools(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/policies", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Policies map[string]domain.Rule `json:"policies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 100.0, *body.Policies["transfer"].MaxAmount)
	assert.False(t, body.Policies["delete_db"].Allowed)

	rec = httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tools", nil))
	assert.JSONEq(t, `{"tools": ["broken", "delete_db", "transfer"]}`, rec.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, WithHealth(func() map[string]any {
		return map[string]any{"control_plane": "closed"}
	}))
	f.post(t, "transfer", `{"amount": 1}`, nil)

	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.JSONEq(t, `{"status": "ok", "components": {"control_plane": "closed"}}`, rec.Body.String())

	rec = httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `hashed_guard_decisions_total{operation="transfer",outcome="success"} 1`)
}

type staticValidator map[string]*domain.GatewayClaims

func (v staticValidator) VerifyToken(token string) (*domain.GatewayClaims, error) {
	c, ok := v[strings.TrimPrefix(token, "Bearer ")]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return c, nil
}

func TestAuthScopes(t *testing.T) {
	f := newFixture(t, WithAuth(staticValidator{
		"all":      {Scopes: map[string]bool{"tools:*": true}},
		"transfer": {Scopes: map[string]bool{"transfer": true}},
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/tools/transfer", strings.NewReader(`{"amount": 1}`))
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.post(t, "transfer", `{"amount": 1}`, map[string]string{"Authorization": "Bearer transfer"})
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/tools/transfer", strings.NewReader(`{"amount": 1}`))
	req.Header.Set("Authorization", "transfer")
	rec = httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "bare token without the Bearer scheme")

	rec, resp := f.post(t, "broken", `{}`, map[string]string{"Authorization": "Bearer transfer"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, resp.Blocked)
	assert.Contains(t, resp.Error, "scope")

	rec, _ = f.post(t, "broken", `{}`, map[string]string{"Authorization": "Bearer all"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	// health остается публичным
	rec = httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthWithRSAValidator(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	f := newFixture(t, WithAuth(auth.NewRSAValidator(&key.PublicKey)))

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, domain.GatewayClaims{
		Operator:         "ops",
		Scopes:           map[string]bool{"transfer": true},
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
	}).SignedString(key)
	require.NoError(t, err)

	rec, resp := f.post(t, "transfer", `{"amount": 5}`, map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, resp.Result)
}

func TestTracingGeneratesID(t *testing.T) {
	var seen string
	h := Tracing(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = guard.TraceID(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(context.Background()))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(TraceHeader))
}
