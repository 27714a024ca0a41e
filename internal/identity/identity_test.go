package identity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/hashed-guard/internal/domain"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	for i := 0; i < 20; i++ {
		id := Generate()
		msg := []byte("transfer 500 to acct-" + string(rune('a'+i)))

		sig, err := id.Sign(msg)
		require.NoError(t, err)
		assert.True(t, Verify(msg, sig, id.PublicKey()))

		// тот же ключ и сообщение - та же подпись
		again, err := id.Sign(msg)
		require.NoError(t, err)
		assert.Equal(t, sig, again)

		other := Generate()
		assert.False(t, Verify(msg, sig, other.PublicKey()), "foreign key")

		tampered := append([]byte{}, msg...)
		tampered[0] ^= 0xff
		assert.False(t, Verify(tampered, sig, id.PublicKey()), "tampered message")
	}
}

func TestVerifyNeverPanics(t *testing.T) {
	id := Generate()
	assert.False(t, Verify([]byte("m"), []byte("short"), id.PublicKey()))
	assert.False(t, Verify([]byte("m"), make([]byte, 64), []byte{1, 2, 3}))
	assert.False(t, Verify([]byte("m"), nil, nil))
	assert.False(t, VerifyHex("zz", "zz", []byte("m")))
}

func TestCanonicalizeIsOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 1, "a": map[string]any{"y": true, "x": "<tag>"}}
	b := map[string]any{"a": map[string]any{"x": "<tag>", "y": true}, "b": 1.0}

	ca, err := Canonicalize(a)
	require.NoError(t, err)
	cb, err := Canonicalize(b)
	require.NoError(t, err)

	assert.Equal(t, string(ca), string(cb))
	assert.Equal(t, `{"a":{"x":"<tag>","y":true},"b":1}`, string(ca))
}

func TestSignStructuredSurvivesTransport(t *testing.T) {
	id := Generate()
	signed, err := id.SignStructured(map[string]any{
		"operation": "transfer",
		"amount":    250.5,
		"args":      map[string]any{"to": "alice"},
	})
	require.NoError(t, err)
	assert.Equal(t, id.PublicKeyHex(), signed.PublicKey)
	assert.True(t, VerifySignedPayload(signed))

	// получатель видит только JSON
	raw, err := json.Marshal(signed)
	require.NoError(t, err)
	var received domain.SignedPayload
	require.NoError(t, json.Unmarshal(raw, &received))
	assert.True(t, VerifySignedPayload(&received))

	received.Data.(map[string]any)["amount"] = 9999
	assert.False(t, VerifySignedPayload(&received))
	assert.False(t, VerifySignedPayload(nil))
}

func TestFromPrivateKeyRejectsBadSize(t *testing.T) {
	_, err := FromPrivateKey([]byte{1, 2, 3})
	var cErr *domain.CryptoError
	assert.ErrorAs(t, err, &cErr)
}
