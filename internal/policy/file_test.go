package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlatJSON(t *testing.T) {
	f, err := ParseFile([]byte(`{"transfer": {"allowed": true, "max_amount": 1000}, "delete": {"allowed": false}}`))
	require.NoError(t, err)

	require.Len(t, f.Global, 2)
	assert.Equal(t, 1000.0, *f.Global["transfer"].MaxAmount)
	assert.False(t, f.Global["delete"].Allowed)
	assert.Empty(t, f.Agents)
}

func TestParseStructuredYAML(t *testing.T) {
	doc := `
global:
  transfer:
    max_amount: 1000
  delete:
    allowed: false
agents:
  Payments Bot:
    transfer:
      max_amount: 5000
      approver: finance
`
	f, err := ParseFile([]byte(doc))
	require.NoError(t, err)

	eff := f.For("payments-bot")
	assert.Equal(t, 5000.0, *eff["transfer"].MaxAmount, "agent override wins")
	assert.Equal(t, "finance", eff["transfer"].Metadata["approver"])
	assert.False(t, eff["delete"].Allowed)

	other := f.For("support-bot")
	assert.Equal(t, 1000.0, *other["transfer"].MaxAmount)
	assert.Empty(t, f.AgentRules("support-bot"))
}

func TestParseFileErrors(t *testing.T) {
	_, err := ParseFile([]byte(`{"transfer": "yes"}`))
	assert.Error(t, err)

	_, err = ParseFile([]byte(`{"transfer": {"max_amount": -1}}`))
	assert.Error(t, err)

	_, err = ParseFile([]byte(`{"agents": ["x"]}`))
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSnakeName(t *testing.T) {
	cases := map[string]string{
		"Payments Bot":   "payments_bot",
		"payments-bot":   "payments_bot",
		"  Data__Agent ": "data_agent",
		"agent!":         "agent",
		"ИИ Агент 2":     "ии_агент_2",
	}
	for in, want := range cases {
		assert.Equal(t, want, SnakeName(in), in)
	}
}
