package resilience

import (
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/hashed-guard/internal/domain"
)

// ThrottleError - upstream попросил подождать (429 + Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent помечает ошибку как неповторяемую: ретраи прекращаются, breaker не считает ее сбоем.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent - ошибка не лечится повтором: явная пометка или клиентский 4xx от control plane.
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Retryable()
	}
	return false
}
