package guard

import (
	"context"
	"fmt"
)

// Call - именованные аргументы вызова инструмента.
type Call struct {
	Args map[string]any
}

// Arg возвращает аргумент по имени.
func (c Call) Arg(name string) (any, bool) {
	v, ok := c.Args[name]
	return v, ok
}

// Operation - guarded операция. Единая асинхронно-совместимая сигнатура: ctx + аргументы.
type Operation func(ctx context.Context, call Call) (any, error)

// Sync адаптирует функцию без контекста к Operation.
func Sync(fn func(Call) (any, error)) Operation {
	return func(_ context.Context, call Call) (any, error) {
		return fn(call)
	}
}

// stringify - аргументы в виде строк, как они уходят в подпись и в /guard.
func stringify(args map[string]any) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// truncate обрезает строку до limit рун.
func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}

type traceKey struct{}

// WithTraceID кладет trace id в контекст; guard добавляет его в метаданные аудита.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// TraceID достает trace id из контекста.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}
