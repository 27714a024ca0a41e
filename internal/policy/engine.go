package policy

import (
	"maps"
	"math"
	"sync"

	"github.com/xela07ax/hashed-guard/internal/domain"
	"go.uber.org/zap"
)

// Engine - in-memory кэш правил "operation -> Rule".
// Hot path (Validate) только читает под RLock; синхронизация с control plane пишет через BulkMerge.
type Engine struct {
	mu       sync.RWMutex
	rules    map[string]domain.Rule
	fallback domain.Rule // применяется к операциям без правила

	logger *zap.Logger
}

func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{
		rules:    make(map[string]domain.Rule),
		fallback: domain.AllowAll(),
		logger:   logger.Named("policy"),
	}
}

// RuleOption настраивает правило при регистрации.
type RuleOption func(r *domain.Rule)

// MaxAmount задает включительный верхний предел суммы.
func MaxAmount(v float64) RuleOption {
	return func(r *domain.Rule) { r.MaxAmount = &v }
}

// Denied запрещает операцию целиком.
func Denied() RuleOption {
	return func(r *domain.Rule) { r.Allowed = false }
}

// Allowed явно задает флаг.
func Allowed(allowed bool) RuleOption {
	return func(r *domain.Rule) { r.Allowed = allowed }
}

// WithMetadata добавляет произвольные метаданные.
func WithMetadata(md map[string]any) RuleOption {
	return func(r *domain.Rule) {
		if r.Metadata == nil {
			r.Metadata = make(map[string]any, len(md))
		}
		maps.Copy(r.Metadata, md)
	}
}

// NewRule собирает правило: по умолчанию разрешено и без лимита.
func NewRule(opts ...RuleOption) domain.Rule {
	r := domain.AllowAll()
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// AddPolicy - upsert правила для операции.
func (e *Engine) AddPolicy(name string, opts ...RuleOption) error {
	return e.Set(name, NewRule(opts...))
}

// Set - upsert готового правила.
func (e *Engine) Set(name string, rule domain.Rule) error {
	if name == "" {
		return &domain.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if err := rule.Check(); err != nil {
		return err
	}
	rule = rule.Clone()

	e.mu.Lock()
	e.rules[name] = rule
	e.mu.Unlock()
	return nil
}

// RemovePolicy удаляет правило; отсутствующее правило - ErrPolicyNotFound.
func (e *Engine) RemovePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[name]; !ok {
		return domain.ErrPolicyNotFound
	}
	delete(e.rules, name)
	return nil
}

// GetPolicy возвращает копию явно зарегистрированного правила.
func (e *Engine) GetPolicy(name string) (domain.Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[name]
	if !ok {
		return domain.Rule{}, false
	}
	return r.Clone(), true
}

func (e *Engine) HasPolicy(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.rules[name]
	return ok
}

// SetDefaultPolicy меняет правило для незарегистрированных операций (например, Denied() для default-deny).
func (e *Engine) SetDefaultPolicy(opts ...RuleOption) error {
	r := NewRule(opts...)
	if err := r.Check(); err != nil {
		return err
	}
	e.mu.Lock()
	e.fallback = r
	e.mu.Unlock()
	return nil
}

func (e *Engine) DefaultPolicy() domain.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fallback.Clone()
}

// Validate - решение по операции:
//  1. правило или default;
//  2. allowed == false -> Denied;
//  3. amount > max_amount -> LimitExceeded (граница включительная, NaN считается превышением);
//  4. иначе nil.
func (e *Engine) Validate(name string, amount *float64) error {
	e.mu.RLock()
	rule, ok := e.rules[name]
	if !ok {
		rule = e.fallback
	}
	e.mu.RUnlock()

	if !rule.Allowed {
		reason := ""
		if !ok {
			reason = "no policy registered and default policy denies"
		}
		return &domain.PermissionError{Kind: domain.Denied, Operation: name, Amount: amount, Reason: reason}
	}

	if amount != nil && rule.MaxAmount != nil {
		if math.IsNaN(*amount) || *amount > *rule.MaxAmount {
			limit := *rule.MaxAmount
			return &domain.PermissionError{Kind: domain.LimitExceeded, Operation: name, Amount: amount, MaxAmount: &limit}
		}
	}
	return nil
}

// CheckPermission - Validate в форме bool для предварительных проверок.
func (e *Engine) CheckPermission(name string, amount *float64) bool {
	return e.Validate(name, amount) == nil
}

// BulkMerge перезаписывает правила с теми же именами (last-writer-wins), остальные не трогает.
// Набор проверяется целиком до применения: либо применяется весь, либо ничего.
func (e *Engine) BulkMerge(rules map[string]domain.Rule) error {
	prepared := make(map[string]domain.Rule, len(rules))
	for name, r := range rules {
		if name == "" {
			return &domain.ValidationError{Field: "name", Reason: "must not be empty"}
		}
		if err := r.Check(); err != nil {
			return err
		}
		prepared[name] = r.Clone()
	}

	e.mu.Lock()
	maps.Copy(e.rules, prepared)
	total := len(e.rules)
	e.mu.Unlock()

	e.logger.Debug("policies merged", zap.Int("merged", len(prepared)), zap.Int("total", total))
	return nil
}

// Export - глубокая копия всех правил (диагностика, тесты, push в control plane).
func (e *Engine) Export() map[string]domain.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]domain.Rule, len(e.rules))
	for k, r := range e.rules {
		out[k] = r.Clone()
	}
	return out
}

func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}
