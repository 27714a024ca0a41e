package policy

import (
	"fmt"
	"maps"
	"os"
	"strings"
	"unicode"

	"github.com/xela07ax/hashed-guard/internal/domain"
	"gopkg.in/yaml.v3"
)

/*
Локальный файл политик (.hashed_policies.json или .yaml). Поддерживаются два формата:

плоский:
	{"transfer": {"allowed": true, "max_amount": 1000}}

структурированный:
	{"global": {"transfer": {...}}, "agents": {"payments_bot": {"transfer": {...}}}}

JSON является подмножеством YAML, поэтому оба читаются одним декодером.
*/

// File - содержимое локального файла политик.
type File struct {
	Global map[string]domain.Rule
	Agents map[string]map[string]domain.Rule
}

// LoadFile читает и разбирает файл политик.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	f, err := ParseFile(data)
	if err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return f, nil
}

// ParseFile разбирает содержимое файла политик.
func ParseFile(data []byte) (*File, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	f := &File{Global: map[string]domain.Rule{}, Agents: map[string]map[string]domain.Rule{}}

	_, hasGlobal := raw["global"]
	_, hasAgents := raw["agents"]
	if !hasGlobal && !hasAgents {
		rules, err := parseRules(raw)
		if err != nil {
			return nil, err
		}
		f.Global = rules
		return f, nil
	}

	if g, ok := raw["global"]; ok && g != nil {
		gm, ok := g.(map[string]any)
		if !ok {
			return nil, &domain.ValidationError{Field: "global", Reason: "expected object"}
		}
		rules, err := parseRules(gm)
		if err != nil {
			return nil, err
		}
		f.Global = rules
	}

	if a, ok := raw["agents"]; ok && a != nil {
		am, ok := a.(map[string]any)
		if !ok {
			return nil, &domain.ValidationError{Field: "agents", Reason: "expected object"}
		}
		for agent, v := range am {
			m, ok := v.(map[string]any)
			if !ok {
				return nil, &domain.ValidationError{Field: "agents." + agent, Reason: "expected object"}
			}
			rules, err := parseRules(m)
			if err != nil {
				return nil, err
			}
			f.Agents[SnakeName(agent)] = rules
		}
	}
	return f, nil
}

func parseRules(raw map[string]any) (map[string]domain.Rule, error) {
	out := make(map[string]domain.Rule, len(raw))
	for name, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			if v != nil {
				return nil, &domain.ValidationError{Field: name, Reason: fmt.Sprintf("expected object, got %T", v)}
			}
			m = map[string]any{}
		}
		r, err := domain.RuleFromMap(m)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", name, err)
		}
		out[name] = r
	}
	return out, nil
}

// AgentRules - правила, которые принадлежат конкретному агенту (без глобальных).
func (f *File) AgentRules(agentName string) map[string]domain.Rule {
	return f.Agents[SnakeName(agentName)]
}

// For - эффективный набор для агента: global, поверх него агентские переопределения.
func (f *File) For(agentName string) map[string]domain.Rule {
	out := make(map[string]domain.Rule, len(f.Global))
	maps.Copy(out, f.Global)
	maps.Copy(out, f.AgentRules(agentName))
	return out
}

// SnakeName нормализует имя агента для ключа в секции agents: "Payments Bot" -> "payments_bot".
func SnakeName(name string) string {
	var b strings.Builder
	prevUnderscore := false
	for _, r := range strings.TrimSpace(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			prevUnderscore = false
			continue
		}
		if !prevUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			prevUnderscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
