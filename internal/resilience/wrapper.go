// Package resilience - обертка надежности для исходящих вызовов:
// rate limiter -> circuit breaker -> retry с бэкоффом и таймаутом на попытку.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/hashed-guard/internal/infra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrCircuitOpen - breaker открыт, вызов не выполнялся.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type Settings struct {
	Name        string
	Attempts    uint          // всего попыток, включая первую
	CallTimeout time.Duration // таймаут одной попытки
	MaxDelay    time.Duration // потолок бэкоффа

	RateLimit float64 // запросов в секунду, 0 - без лимита
	Burst     int

	CBMaxRequests       uint32
	CBInterval          time.Duration
	CBTimeout           time.Duration // через сколько open -> half-open
	ConsecutiveFailures uint32        // порог открытия
}

// DefaultSettings - значения для вызовов control plane.
func DefaultSettings(name string) Settings {
	return Settings{
		Name:                name,
		Attempts:            3,
		CallTimeout:         10 * time.Second,
		MaxDelay:            5 * time.Second,
		RateLimit:           100,
		Burst:               20,
		CBMaxRequests:       3,
		CBInterval:          5 * time.Second,
		CBTimeout:           30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

type Wrapper struct {
	name        string
	cb          *gobreaker.CircuitBreaker
	limiter     *rate.Limiter
	attempts    uint
	callTimeout time.Duration
	maxDelay    time.Duration
	logger      *zap.Logger
}

func New(s Settings, metrics *infra.Metrics, logger *zap.Logger) *Wrapper {
	logger = logger.With(zap.String("mod", "resilience"), zap.String("name", s.Name))
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	if s.Attempts == 0 {
		s.Attempts = 1
	}
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.CBMaxRequests,
		Interval:    s.CBInterval,
		Timeout:     s.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// N ошибок подряд - открываемся (блокируем трафик)
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		// Клиентские ошибки и отмена - не признак деградации upstream
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("circuit breaker state changed", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	limit := rate.Inf
	if s.RateLimit > 0 {
		limit = rate.Limit(s.RateLimit)
	}
	burst := s.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Wrapper{
		name:        s.Name,
		cb:          cb,
		limiter:     rate.NewLimiter(limit, burst),
		attempts:    s.Attempts,
		callTimeout: s.CallTimeout,
		maxDelay:    s.MaxDelay,
		logger:      logger,
	}
}

// State - текущее состояние breaker (для /health).
func (w *Wrapper) State() gobreaker.State {
	return w.cb.State()
}

// Do выполняет fn с лимитом, breaker и ретраями. fn получает контекст с таймаутом попытки.
// Permanent-ошибки возвращаются сразу, без повторов.
func (w *Wrapper) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limit wait: %w", w.name, err)
	}

	// 2. Circuit Breaker
	_, err := w.cb.Execute(func() (interface{}, error) {
		return nil, w.retry(ctx, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", w.name, ErrCircuitOpen)
	}
	return err
}

// DoOnce - лимит и breaker без ретраев, для вызовов на hot path (guard-проверка, одиночный лог).
func (w *Wrapper) DoOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limit wait: %w", w.name, err)
	}

	_, err := w.cb.Execute(func() (interface{}, error) {
		tCtx := ctx
		if w.callTimeout > 0 {
			var cancel context.CancelFunc
			tCtx, cancel = context.WithTimeout(ctx, w.callTimeout)
			defer cancel()
		}
		return nil, fn(tCtx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", w.name, ErrCircuitOpen)
	}
	return err
}

func (w *Wrapper) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr, stopErr error

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(w.attempts),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			// Если upstream вернул ThrottleError (считал Retry-After заголовок)
			var tErr *ThrottleError
			if errors.As(err, &tErr) && tErr.RetryAfter > 0 {
				return tErr.RetryAfter
			}
			// В остальных случаях (сетевой лаг, 500-ка) - экспоненциальный бэкофф с потолком
			d := retry.BackOffDelay(n, err, config)
			if w.maxDelay > 0 && d > w.maxDelay {
				d = w.maxDelay
			}
			return d
		}),
	)

	retryErr := r.Do(func() error {
		tCtx := ctx
		if w.callTimeout > 0 {
			var cancel context.CancelFunc
			tCtx, cancel = context.WithTimeout(ctx, w.callTimeout)
			defer cancel()
		}

		err := fn(tCtx)
		if err != nil && IsPermanent(err) {
			// Останавливаем ретраи: сохраняем ошибку снаружи и отдаем nil
			stopErr = err
			return nil
		}
		lastErr = err
		return err
	})

	if stopErr != nil {
		return stopErr
	}
	if retryErr == nil {
		return nil
	}
	if lastErr == nil {
		return retryErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(lastErr, ctxErr) {
		return fmt.Errorf("%s: %w: %w", w.name, ctxErr, lastErr)
	}
	return fmt.Errorf("%s: %w", w.name, lastErr)
}
