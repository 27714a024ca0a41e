package domain

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsFloatExactIntegers(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want float64
		ok   bool
	}{
		{"int", 1000, 1000, true},
		{"int64 at limit", int64(MaxExactInt), MaxExactInt, true},
		{"negative int64 at limit", int64(-MaxExactInt), -MaxExactInt, true},
		{"int64 above limit", int64(MaxExactInt + 1), 0, false},
		{"int64 below limit", int64(-MaxExactInt - 1), 0, false},
		{"uint64 above limit", uint64(math.MaxUint64), 0, false},
		{"uint32", uint32(math.MaxUint32), math.MaxUint32, true},
		{"json integer", json.Number("42"), 42, true},
		{"json integer above limit", json.Number("9007199254740993"), 0, false},
		{"json integer beyond int64", json.Number("99999999999999999999"), 0, false},
		{"json fraction", json.Number("12.5"), 12.5, true},
		{"json exponent", json.Number("1e20"), 1e20, true},
		{"float64 large", 1e20, 1e20, true},
		{"string", "100", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := AsFloat(tc.in)
			require.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestIsInexactInt(t *testing.T) {
	assert.True(t, IsInexactInt(int64(MaxExactInt+1)))
	assert.True(t, IsInexactInt(uint64(MaxExactInt+1)))
	assert.True(t, IsInexactInt(json.Number("-9007199254740993")))
	assert.False(t, IsInexactInt(int64(MaxExactInt)))
	assert.False(t, IsInexactInt(json.Number("1e300")))
	assert.False(t, IsInexactInt("9007199254740993"))
	assert.False(t, IsInexactInt(1e20))
}

func TestRuleFromMapRejectsInexactLimit(t *testing.T) {
	_, err := RuleFromMap(map[string]any{"max_amount": int64(MaxExactInt + 1)})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "max_amount", verr.Field)

	rule, err := RuleFromMap(map[string]any{"max_amount": int64(MaxExactInt)})
	require.NoError(t, err)
	require.NotNil(t, rule.MaxAmount)
	assert.Equal(t, float64(MaxExactInt), *rule.MaxAmount)
}
