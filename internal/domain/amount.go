package domain

import (
	"encoding/json"
	"strconv"
	"strings"
)

// MaxExactInt - предел целых, которые float64 хранит без потери точности.
const MaxExactInt = 1 << 53

// AsFloat приводит числовое значение аргумента к float64.
// Строки не конвертируются: сумма должна прийти числом. Целые за пределами
// ±2^53 отвергаются: после округления 2^53+1 сравнивался бы с лимитом как 2^53.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return exactInt(int64(n))
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return exactInt(n)
	case uint:
		return exactUint(uint64(n))
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return exactUint(n)
	case json.Number:
		return numberFloat(n)
	default:
		return 0, false
	}
}

// IsInexactInt сообщает, что v - целое, отвергнутое AsFloat из-за потери точности.
func IsInexactInt(v any) bool {
	switch n := v.(type) {
	case int, int64, uint, uint64:
		_, ok := AsFloat(n)
		return !ok
	case json.Number:
		if !isIntLiteral(n.String()) {
			return false
		}
		_, ok := numberFloat(n)
		return !ok
	default:
		return false
	}
}

func exactInt(n int64) (float64, bool) {
	if n > MaxExactInt || n < -MaxExactInt {
		return 0, false
	}
	return float64(n), true
}

func exactUint(n uint64) (float64, bool) {
	if n > MaxExactInt {
		return 0, false
	}
	return float64(n), true
}

// numberFloat: целочисленный литерал проверяется как целое, дробный - как float.
func numberFloat(n json.Number) (float64, bool) {
	s := n.String()
	if isIntLiteral(s) {
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, false
		}
		return exactInt(i)
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

func isIntLiteral(s string) bool {
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return false
	}
	return !strings.ContainsAny(s, ".eE")
}

// Float - хелпер для опциональных сумм.
func Float(v float64) *float64 {
	return &v
}
