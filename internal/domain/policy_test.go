package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleUnmarshalControlPlaneFormat(t *testing.T) {
	var policies map[string]Rule
	body := `{
		"transfer": {"allowed": true, "max_amount": 1000, "currency": "USD"},
		"delete":   {"allowed": false},
		"search":   {}
	}`
	require.NoError(t, json.Unmarshal([]byte(body), &policies))

	tr := policies["transfer"]
	assert.True(t, tr.Allowed)
	require.NotNil(t, tr.MaxAmount)
	assert.Equal(t, 1000.0, *tr.MaxAmount)
	assert.Equal(t, "USD", tr.Metadata["currency"])

	assert.False(t, policies["delete"].Allowed)
	assert.Nil(t, policies["delete"].MaxAmount)

	// отсутствующий allowed - разрешено
	assert.True(t, policies["search"].Allowed)
}

func TestRuleUnmarshalRejectsBadCeiling(t *testing.T) {
	var r Rule
	err := json.Unmarshal([]byte(`{"max_amount": -5}`), &r)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "max_amount", vErr.Field)

	err = json.Unmarshal([]byte(`{"max_amount": "lots"}`), &r)
	require.ErrorAs(t, err, &vErr)
}

func TestRuleFromMapMergesMetadata(t *testing.T) {
	r, err := RuleFromMap(map[string]any{
		"allowed":  true,
		"metadata": map[string]any{"owner": "ops"},
		"tier":     "gold",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"owner": "ops", "tier": "gold"}, r.Metadata)
}

func TestRuleCloneIsDeep(t *testing.T) {
	orig := Rule{
		Allowed:   true,
		MaxAmount: Float(10),
		Metadata:  map[string]any{"nested": map[string]any{"k": "v"}},
	}
	cp := orig.Clone()
	*cp.MaxAmount = 99
	cp.Metadata["nested"].(map[string]any)["k"] = "changed"

	assert.Equal(t, 10.0, *orig.MaxAmount)
	assert.Equal(t, "v", orig.Metadata["nested"].(map[string]any)["k"])
}

func TestAsFloat(t *testing.T) {
	cases := []any{int(5), int64(5), uint8(5), float32(5), 5.0, json.Number("5")}
	for _, c := range cases {
		f, ok := AsFloat(c)
		assert.True(t, ok, "%T", c)
		assert.Equal(t, 5.0, f)
	}
	_, ok := AsFloat("5")
	assert.False(t, ok)
	_, ok = AsFloat(nil)
	assert.False(t, ok)
}

func TestPermissionErrorMessages(t *testing.T) {
	err := &PermissionError{Kind: LimitExceeded, Operation: "transfer", Amount: Float(1500), MaxAmount: Float(1000)}
	assert.Contains(t, err.Error(), "1500")
	assert.Contains(t, err.Error(), "transfer")

	err = &PermissionError{Kind: RemoteDenied, Operation: "transfer", Reason: "frozen"}
	assert.Contains(t, err.Error(), "frozen")
	assert.Equal(t, "remote_denied", err.Kind.String())
}

func TestAPIErrorRetryable(t *testing.T) {
	assert.True(t, (&APIError{StatusCode: 0}).Retryable())
	assert.True(t, (&APIError{StatusCode: 503}).Retryable())
	assert.True(t, (&APIError{StatusCode: 429}).Retryable())
	assert.False(t, (&APIError{StatusCode: 400}).Retryable())
	assert.False(t, (&APIError{StatusCode: 409}).Retryable())
}
