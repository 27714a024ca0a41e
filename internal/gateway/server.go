// Package gateway - HTTP-шлюз guarded инструментов для агентов не на Go.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xela07ax/hashed-guard/internal/domain"
	"github.com/xela07ax/hashed-guard/internal/guard"
	"github.com/xela07ax/hashed-guard/internal/infra/auth"
	"go.uber.org/zap"
)

const maxRequestBody = 1 << 20

// PolicyLister - источник снапшота правил (policy.Engine).
type PolicyLister interface {
	Export() map[string]domain.Rule
}

// HealthFunc отдает состояние компонентов для /health.
type HealthFunc func() map[string]any

type Server struct {
	router    *chi.Mux
	logger    *zap.Logger
	policies  PolicyLister
	validator auth.TokenValidator
	gatherer  prometheus.Gatherer
	health    HealthFunc

	mu    sync.RWMutex
	tools map[string]guard.Operation
}

type Option func(*Server)

// WithAuth включает проверку RS256 токенов для /v1/*.
func WithAuth(v auth.TokenValidator) Option { return func(s *Server) { s.validator = v } }

// WithGatherer публикует /metrics из переданного реестра.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

func WithHealth(fn HealthFunc) Option { return func(s *Server) { s.health = fn } }

func NewServer(policies PolicyLister, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		logger:   logger.Named("gateway"),
		policies: policies,
		tools:    make(map[string]guard.Operation),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Register публикует уже обернутую guard операцию под именем инструмента.
func (s *Server) Register(name string, op guard.Operation) {
	s.mu.Lock()
	s.tools[name] = op
	s.mu.Unlock()
}

// Tools - имена зарегистрированных инструментов.
func (s *Server) Tools() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tools))
	for name := range s.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(Tracing)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	// Публичные
	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// Защищенный периметр
	r.Group(func(r chi.Router) {
		if s.validator != nil {
			r.Use(auth.NewMiddleware(s.validator, s.logger))
		}
		r.Get("/v1/tools", s.handleListTools)
		r.Post("/v1/tools/{name}", s.handleCall)
		r.Get("/v1/policies", s.handleListPolicies)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// CallResponse - ответ на вызов инструмента.
type CallResponse struct {
	Result  any    `json:"result,omitempty"`
	Blocked bool   `json:"blocked,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// handleCall - POST /v1/tools/{name}
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	traceID := guard.TraceID(r.Context())

	if s.validator != nil {
		if _, err := auth.Authorize(r.Context(), name); err != nil {
			writeJSON(w, http.StatusForbidden, CallResponse{Error: err.Error(), TraceID: traceID})
			return
		}
	}

	s.mu.RLock()
	op, ok := s.tools[name]
	s.mu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, CallResponse{Error: "unknown tool " + name, TraceID: traceID})
		return
	}

	// Пустое тело - вызов без аргументов
	args := map[string]any{}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.UseNumber()
	if err := dec.Decode(&args); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, CallResponse{Error: "invalid JSON arguments: " + err.Error(), TraceID: traceID})
		return
	}

	result, err := op(r.Context(), guard.Call{Args: args})
	var perm *domain.PermissionError
	switch {
	case errors.As(err, &perm):
		writeJSON(w, http.StatusForbidden, CallResponse{Blocked: true, Message: perm.Error(), TraceID: traceID})
	case err != nil:
		s.logger.Warn("tool call failed", zap.String("tool", name), zap.String("trace_id", traceID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, CallResponse{Error: err.Error(), TraceID: traceID})
	case guard.IsBlocked(result):
		writeJSON(w, http.StatusOK, CallResponse{Blocked: true, Message: result.(string), TraceID: traceID})
	default:
		writeJSON(w, http.StatusOK, CallResponse{Result: result, TraceID: traceID})
	}
}

// handleListTools - GET /v1/tools
func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.Tools()})
}

// handleListPolicies - GET /v1/policies, снапшот локального движка.
func (s *Server) handleListPolicies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"policies": s.policies.Export()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.health != nil {
		body["components"] = s.health()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
