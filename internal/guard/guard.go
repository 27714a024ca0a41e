// Package guard оборачивает операции агента: проверка политики (локально и в control plane),
// подпись, вызов и аудит результата.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/hashed-guard/internal/backend"
	"github.com/xela07ax/hashed-guard/internal/domain"
	"github.com/xela07ax/hashed-guard/internal/infra"
)

// BlockedPrefix начинает строку-отказ, которую guard возвращает вместо ошибки.
const BlockedPrefix = "[HASHED BLOCKED]"

// BlockedMessage - человекочитаемый отказ для агентов, которые не умеют в ошибки.
func BlockedMessage(operation string) string {
	return fmt.Sprintf("%s Permission denied for '%s': This operation is not allowed by the agent's governance policies. Inform the user you cannot perform this action.",
		BlockedPrefix, operation)
}

// IsBlocked сообщает, что результат guarded вызова - отказ.
func IsBlocked(result any) bool {
	s, ok := result.(string)
	return ok && strings.HasPrefix(s, BlockedPrefix)
}

// DefaultResultLimit - сколько рун результата попадает в аудит.
const DefaultResultLimit = 200

// PolicyChecker - локальная проверка (policy.Engine).
type PolicyChecker interface {
	Validate(name string, amount *float64) error
}

// Signer - идентичность агента (identity.Identity).
type Signer interface {
	PublicKeyHex() string
	SignData(data any) (string, error)
}

// Remote - control plane (backend.Client).
type Remote interface {
	Guard(ctx context.Context, req backend.GuardRequest) (*backend.GuardResponse, error)
	Log(ctx context.Context, req backend.LogRequest) error
}

// AuditLog - локальный журнал (ledger.Ledger).
type AuditLog interface {
	Log(ctx context.Context, eventType string, data, metadata map[string]any) error
}

type Guard struct {
	policy     PolicyChecker
	signer     Signer
	remote     Remote
	ledger     AuditLog
	killSwitch *KillSwitch

	failClosed  bool
	resultLimit int

	metrics *infra.Metrics
	logger  *zap.Logger
}

type Option func(*Guard)

// WithRemote включает проверку и логирование через control plane.
func WithRemote(r Remote) Option { return func(g *Guard) { g.remote = r } }

// WithLedger включает локальный журнал как fallback аудита.
func WithLedger(l AuditLog) Option { return func(g *Guard) { g.ledger = l } }

func WithKillSwitch(k *KillSwitch) Option { return func(g *Guard) { g.killSwitch = k } }

func WithMetrics(m *infra.Metrics) Option { return func(g *Guard) { g.metrics = m } }

// WithConfig применяет значения по умолчанию из конфигурации.
func WithConfig(c infra.GuardConfig) Option {
	return func(g *Guard) {
		g.failClosed = c.FailClosed
		if c.ResultLimit > 0 {
			g.resultLimit = c.ResultLimit
		}
	}
}

func New(policy PolicyChecker, signer Signer, logger *zap.Logger, opts ...Option) *Guard {
	g := &Guard{
		policy:      policy,
		signer:      signer,
		resultLimit: DefaultResultLimit,
		logger:      logger.Named("guard"),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = infra.NewMetrics(nil)
	}
	return g
}

type wrapConfig struct {
	amountParam string
	failClosed  bool
}

type WrapOption func(*wrapConfig)

// WithAmountParam задает аргумент, в котором лежит сумма (по умолчанию "amount").
func WithAmountParam(name string) WrapOption {
	return func(c *wrapConfig) { c.amountParam = name }
}

// WithoutAmount отключает проверку суммы для операции.
func WithoutAmount() WrapOption {
	return func(c *wrapConfig) { c.amountParam = "" }
}

// FailClosed: true - отказ возвращается как *domain.PermissionError, false - строкой BlockedMessage.
func FailClosed(v bool) WrapOption {
	return func(c *wrapConfig) { c.failClosed = v }
}

// Wrap возвращает guarded версию op.
func (g *Guard) Wrap(name string, op Operation, opts ...WrapOption) Operation {
	cfg := wrapConfig{amountParam: "amount", failClosed: g.failClosed}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(ctx context.Context, call Call) (any, error) {
		start := time.Now()
		res, outcome, err := g.execute(ctx, name, op, cfg, call)
		g.metrics.GuardDecisions.WithLabelValues(name, outcome).Inc()
		g.metrics.GuardDuration.WithLabelValues(name, outcome).Observe(time.Since(start).Seconds())
		return res, err
	}
}

// Исходы для метрик.
const (
	outcomeSuccess = "success"
	outcomeDenied  = "denied"
	outcomeError   = "error"
)

func (g *Guard) execute(ctx context.Context, name string, op Operation, cfg wrapConfig, call Call) (any, string, error) {
	pub := g.signer.PublicKeyHex()

	// 1. Сумма
	amount, perm := extractAmount(name, cfg.amountParam, call)
	if perm != nil {
		return g.deny(ctx, name, nil, perm, cfg.failClosed)
	}

	// Kill switch дешевле всего: проверяем первым
	if g.killSwitch != nil && g.killSwitch.IsBlocked(pub) {
		return g.deny(ctx, name, amount, &domain.PermissionError{
			Kind: domain.Denied, Operation: name, Reason: "agent is blocked by kill switch",
		}, cfg.failClosed)
	}

	// 2. Локальная политика
	if err := g.policy.Validate(name, amount); err != nil {
		var perm *domain.PermissionError
		if errors.As(err, &perm) {
			return g.deny(ctx, name, amount, perm, cfg.failClosed)
		}
		return nil, outcomeError, err
	}

	kwargs := stringify(call.Args)

	// 3. Удаленная политика. Недоступность control plane не блокирует вызов.
	if g.remote != nil {
		if perm := g.checkRemote(ctx, name, pub, amount, kwargs); perm != nil {
			return g.deny(ctx, name, amount, perm, cfg.failClosed)
		}
	}

	// 4. Подпись операции
	signature, err := g.signer.SignData(map[string]any{
		"tool_name": name,
		"amount":    amountValue(amount),
		"kwargs":    kwargs,
	})
	if err != nil {
		g.logError(ctx, name, amount, err)
		return nil, outcomeError, err
	}

	// 5. Вызов
	result, err := op(ctx, call)
	if err != nil {
		var perm *domain.PermissionError
		if errors.As(err, &perm) {
			return g.deny(ctx, name, amount, perm, cfg.failClosed)
		}
		g.logError(ctx, name, amount, err)
		return nil, outcomeError, err
	}

	// 7. Успех
	g.logSuccess(ctx, name, pub, amount, signature, result)
	return result, outcomeSuccess, nil
}

// extractAmount достает сумму из аргументов. Нечисловая сумма - отказ: иначе лимит
// обходился бы передачей строки.
func extractAmount(name, param string, call Call) (*float64, *domain.PermissionError) {
	if param == "" {
		return nil, nil
	}
	v, ok := call.Arg(param)
	if !ok || v == nil {
		return nil, nil
	}
	f, ok := domain.AsFloat(v)
	if !ok && domain.IsInexactInt(v) {
		return nil, &domain.PermissionError{
			Kind:      domain.Denied,
			Operation: name,
			Reason:    fmt.Sprintf("argument %q exceeds exactly comparable range ±2^53", param),
		}
	}
	if !ok {
		return nil, &domain.PermissionError{
			Kind:      domain.Denied,
			Operation: name,
			Reason:    fmt.Sprintf("argument %q must be a number, got %T", param, v),
		}
	}
	return &f, nil
}

func amountValue(a *float64) any {
	if a == nil {
		return nil
	}
	return *a
}

func (g *Guard) checkRemote(ctx context.Context, name, pub string, amount *float64, kwargs map[string]string) *domain.PermissionError {
	signature, err := g.signer.SignData(map[string]any{
		"operation":        name,
		"agent_public_key": pub,
	})
	if err != nil {
		g.logger.Warn("failed to sign guard request, skipping remote check", zap.String("operation", name), zap.Error(err))
		return nil
	}

	data := make(map[string]any, len(kwargs)+1)
	for k, v := range kwargs {
		data[k] = v
	}
	data["amount"] = amountValue(amount)

	resp, err := g.remote.Guard(ctx, backend.GuardRequest{
		Operation:      name,
		AgentPublicKey: pub,
		Signature:      signature,
		Data:           data,
	})
	if err != nil {
		g.logger.Warn("remote guard check failed, continuing with local policy",
			zap.String("operation", name), zap.Error(err))
		return nil
	}
	if !resp.Allowed {
		reason := resp.Message
		if reason == "" {
			reason = fmt.Sprintf("operation %q is not allowed by backend policy", name)
		}
		return &domain.PermissionError{Kind: domain.RemoteDenied, Operation: name, Reason: reason}
	}
	g.logger.Debug("remote policy check passed", zap.String("operation", name))
	return nil
}

// deny - путь отказа: аудит в оба места (независимо, best-effort), затем ошибка или строка.
func (g *Guard) deny(ctx context.Context, name string, amount *float64, perm *domain.PermissionError, failClosed bool) (any, string, error) {
	// Аудит отказа не должен зависеть от отмены вызывающего.
	actx := context.WithoutCancel(ctx)
	pub := g.signer.PublicKeyHex()

	if g.remote != nil {
		err := g.remote.Log(actx, backend.LogRequest{
			Operation:      name,
			AgentPublicKey: pub,
			Status:         backend.StatusDenied,
			Data: map[string]any{
				"tool_name": name,
				"amount":    amountValue(amount),
				"reason":    perm.Error(),
			},
			Metadata: g.metadata(ctx, map[string]any{"policy": "denied", "kind": perm.Kind.String()}),
		})
		if err != nil {
			g.logger.Warn("failed to log denial to backend", zap.String("operation", name), zap.Error(err))
		}
	}

	if g.ledger != nil {
		details := map[string]any{"kind": perm.Kind.String()}
		if perm.MaxAmount != nil {
			details["max_amount"] = *perm.MaxAmount
		}
		if perm.Reason != "" {
			details["reason"] = perm.Reason
		}
		err := g.ledger.Log(actx, domain.EventType(name, domain.OutcomePermissionDenied),
			map[string]any{
				"tool_name": name,
				"amount":    amountValue(amount),
				"error":     perm.Error(),
			},
			g.metadata(ctx, map[string]any{"public_key": pub, "details": details}),
		)
		g.warnLedger(name, err)
	}

	g.logger.Warn("permission denied", zap.String("operation", name), zap.Stringer("kind", perm.Kind), zap.Error(perm))

	if failClosed {
		return nil, outcomeDenied, perm
	}
	return BlockedMessage(name), outcomeDenied, nil
}

// logSuccess - remote предпочтительнее; в ledger только если remote нет или он не ответил.
func (g *Guard) logSuccess(ctx context.Context, name, pub string, amount *float64, signature string, result any) {
	actx := context.WithoutCancel(ctx)
	data := map[string]any{
		"tool_name": name,
		"amount":    amountValue(amount),
		"result":    truncate(fmt.Sprint(result), g.resultLimit),
	}

	if g.remote != nil {
		err := g.remote.Log(actx, backend.LogRequest{
			Operation:      name,
			AgentPublicKey: pub,
			Status:         backend.StatusSuccess,
			Data:           data,
			Metadata:       g.metadata(ctx, map[string]any{"signature": signature}),
		})
		if err == nil {
			g.logger.Debug("operation logged to backend", zap.String("operation", name))
			return
		}
		g.logger.Warn("failed to log to backend, falling back to ledger", zap.String("operation", name), zap.Error(err))
	}

	if g.ledger != nil {
		err := g.ledger.Log(actx, domain.EventType(name, domain.OutcomeSuccess), data,
			g.metadata(ctx, map[string]any{"signature": signature, "public_key": pub}))
		g.warnLedger(name, err)
	}
}

// logError фиксирует сбой самой операции. Ошибка возвращается вызывающему как есть.
func (g *Guard) logError(ctx context.Context, name string, amount *float64, opErr error) {
	g.logger.Error("guarded operation failed", zap.String("operation", name), zap.Error(opErr))
	if g.ledger == nil {
		return
	}
	err := g.ledger.Log(context.WithoutCancel(ctx), domain.EventType(name, domain.OutcomeError),
		map[string]any{
			"tool_name":  name,
			"amount":     amountValue(amount),
			"error":      opErr.Error(),
			"error_type": fmt.Sprintf("%T", opErr),
		},
		g.metadata(ctx, map[string]any{"public_key": g.signer.PublicKeyHex()}),
	)
	g.warnLedger(name, err)
}

// warnLedger: переполнение журнала не роняет бизнес-операцию.
func (g *Guard) warnLedger(name string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrQueueFull):
		g.logger.Warn("ledger queue is full, entry stays in wal", zap.String("operation", name))
	case errors.Is(err, domain.ErrWALLimit):
		g.logger.Warn("ledger wal limit reached, audit entry dropped", zap.String("operation", name))
	default:
		g.logger.Warn("failed to write audit entry to ledger", zap.String("operation", name), zap.Error(err))
	}
}

func (g *Guard) metadata(ctx context.Context, md map[string]any) map[string]any {
	if id := TraceID(ctx); id != "" {
		md["trace_id"] = id
	}
	return md
}
