package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrQueueFull - очередь леджера переполнена (backpressure). Запись уже в WAL.
	ErrQueueFull = errors.New("ledger: queue is full")
	// ErrWALLimit - в WAL слишком много недоставленных строк, новая запись не сделана.
	ErrWALLimit = errors.New("ledger: wal row limit reached")
	// ErrLedgerNotRunning - Log/Flush до Start или после Stop.
	ErrLedgerNotRunning = errors.New("ledger: not running")
	// ErrPolicyNotFound - RemovePolicy для отсутствующего правила.
	ErrPolicyNotFound = errors.New("policy: not found")
	// ErrWrongPassword - ключ не расшифровался (неверный пароль или поврежденный файл).
	ErrWrongPassword = errors.New("identity: wrong password or corrupted key")
)

// ConfigError - некорректная конфигурация, фатально на старте.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// ValidationError - некорректные входные данные (правило, аргументы).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CryptoError - сбой генерации/подписи/загрузки ключа.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto: %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// PermissionKind - причина отказа.
type PermissionKind int

const (
	Denied PermissionKind = iota
	LimitExceeded
	RemoteDenied
)

func (k PermissionKind) String() string {
	switch k {
	case Denied:
		return "denied"
	case LimitExceeded:
		return "limit_exceeded"
	case RemoteDenied:
		return "remote_denied"
	default:
		return "unknown"
	}
}

// PermissionError - отказ политики. Тело операции при этом не вызывается.
type PermissionError struct {
	Kind      PermissionKind
	Operation string
	Amount    *float64
	MaxAmount *float64
	Reason    string
}

func (e *PermissionError) Error() string {
	switch e.Kind {
	case LimitExceeded:
		return fmt.Sprintf("permission denied: amount %v exceeds limit %v for %q", deref(e.Amount), deref(e.MaxAmount), e.Operation)
	case RemoteDenied:
		if e.Reason != "" {
			return fmt.Sprintf("permission denied by remote policy for %q: %s", e.Operation, e.Reason)
		}
		return fmt.Sprintf("permission denied by remote policy for %q", e.Operation)
	default:
		if e.Reason != "" {
			return fmt.Sprintf("permission denied: operation %q is not allowed: %s", e.Operation, e.Reason)
		}
		return fmt.Sprintf("permission denied: operation %q is not allowed", e.Operation)
	}
}

// APIError - удаленный вызов завершился не-2xx ответом или транспортной ошибкой (StatusCode == 0).
type APIError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("api %s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("api %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api %s: status %d", e.Op, e.StatusCode)
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable - 4xx (кроме 429) повторять бессмысленно.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func deref(f *float64) any {
	if f == nil {
		return "none"
	}
	return *f
}
