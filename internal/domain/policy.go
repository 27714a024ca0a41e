package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"math"
)

// Rule - правило для одной операции (tool): разрешена ли она и верхний предел суммы.
// Отсутствие правила трактуется движком политик через его default-правило.
type Rule struct {
	Allowed   bool           `json:"allowed" yaml:"allowed"`
	MaxAmount *float64       `json:"max_amount" yaml:"max_amount"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// AllowAll - правило по умолчанию: разрешено, без лимита.
func AllowAll() Rule {
	return Rule{Allowed: true}
}

// Clone возвращает глубокую копию, чтобы снапшоты не делили память с кэшем.
func (r Rule) Clone() Rule {
	out := Rule{Allowed: r.Allowed}
	if r.MaxAmount != nil {
		v := *r.MaxAmount
		out.MaxAmount = &v
	}
	if r.Metadata != nil {
		out.Metadata = deepCopyMap(r.Metadata)
	}
	return out
}

// Check проверяет ceiling. Граница включительная: amount == MaxAmount проходит.
func (r Rule) Check() error {
	if r.MaxAmount == nil {
		return nil
	}
	if math.IsNaN(*r.MaxAmount) || *r.MaxAmount < 0 {
		return &ValidationError{Field: "max_amount", Reason: fmt.Sprintf("must be a non-negative number, got %v", *r.MaxAmount)}
	}
	return nil
}

// UnmarshalJSON принимает формат control plane: {"allowed": .., "max_amount": .., ...extra}.
// Неизвестные ключи уходят в Metadata, отсутствующий allowed означает true.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	rule, err := RuleFromMap(raw)
	if err != nil {
		return err
	}
	*r = rule
	return nil
}

// RuleFromMap собирает Rule из произвольной мапы (JSON, YAML, строки БД).
func RuleFromMap(raw map[string]any) (Rule, error) {
	out := Rule{Allowed: true}
	for k, v := range raw {
		switch k {
		case "allowed":
			if v == nil {
				continue
			}
			b, ok := v.(bool)
			if !ok {
				return Rule{}, &ValidationError{Field: "allowed", Reason: fmt.Sprintf("expected bool, got %T", v)}
			}
			out.Allowed = b
		case "max_amount":
			if v == nil {
				continue
			}
			f, ok := AsFloat(v)
			if !ok && IsInexactInt(v) {
				return Rule{}, &ValidationError{Field: "max_amount", Reason: "integer exceeds exactly representable range ±2^53"}
			}
			if !ok {
				return Rule{}, &ValidationError{Field: "max_amount", Reason: fmt.Sprintf("expected number, got %T", v)}
			}
			out.MaxAmount = &f
		case "metadata":
			m, ok := v.(map[string]any)
			if !ok {
				if v == nil {
					continue
				}
				return Rule{}, &ValidationError{Field: "metadata", Reason: fmt.Sprintf("expected object, got %T", v)}
			}
			if out.Metadata == nil {
				out.Metadata = make(map[string]any, len(m))
			}
			maps.Copy(out.Metadata, m)
		default:
			if out.Metadata == nil {
				out.Metadata = make(map[string]any)
			}
			out.Metadata[k] = v
		}
	}
	if err := out.Check(); err != nil {
		return Rule{}, err
	}
	return out, nil
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		cp := make([]any, len(t))
		for i := range t {
			cp[i] = deepCopyValue(t[i])
		}
		return cp
	default:
		return v
	}
}
