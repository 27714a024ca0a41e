package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/hashed-guard/internal/domain"
)

// isolate убирает влияние окружения разработчика: cwd, HOME и известные переменные.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	chdirForTest(t, dir)
	t.Setenv("HOME", dir)
	for _, k := range []string{"API_KEY", "BACKEND_URL", "HASHED_API_KEY", "HASHED_BACKEND_URL", "HASHED_BACKEND_API_KEY", "HASHED_AGENT_NAME"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
	return dir
}

func TestLoadConfigDefaults(t *testing.T) {
	isolate(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "hashed-agent", cfg.Agent.Name)
	assert.False(t, cfg.Backend.Enabled())
	assert.Equal(t, 30*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, 3, cfg.Backend.MaxRetries)
	assert.True(t, cfg.Backend.VerifySSL)
	assert.Equal(t, ".hashed_wal.db", cfg.Ledger.WALPath)
	assert.Equal(t, "/v1/logs/batch", cfg.Ledger.Endpoint)
	assert.Equal(t, 1000, cfg.Ledger.QueueSize)
	assert.Equal(t, 10, cfg.Ledger.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Ledger.FlushInterval)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.False(t, cfg.Guard.FailClosed)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := isolate(t)

	yaml := `
agent:
  name: payments-bot
backend:
  url: https://cp.example.com
  timeout: 10s
ledger:
  batch_size: 50
tools:
  - name: transfer
    url: http://127.0.0.1:9000/transfer
    fail_closed: true
`
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("API_KEY", "legacy-key")
	t.Setenv("HASHED_LEDGER_QUEUE_SIZE", "42")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "payments-bot", cfg.Agent.Name)
	assert.Equal(t, "https://cp.example.com", cfg.Backend.URL)
	assert.Equal(t, 10*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, "legacy-key", cfg.Backend.APIKey)
	assert.Equal(t, 50, cfg.Ledger.BatchSize)
	assert.Equal(t, 42, cfg.Ledger.QueueSize)
	require.Len(t, cfg.Tools, 1)
	require.NotNil(t, cfg.Tools[0].FailClosed)
	assert.True(t, *cfg.Tools[0].FailClosed)
}

func TestLoadConfigPrefixedEnvWins(t *testing.T) {
	isolate(t)
	t.Setenv("API_KEY", "legacy-key")
	t.Setenv("HASHED_API_KEY", "prefixed-key")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "prefixed-key", cfg.Backend.APIKey)
}

func TestLoadConfigDotEnv(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HASHED_BACKEND_URL=https://dotenv.example.com\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("HASHED_BACKEND_URL") })

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "https://dotenv.example.com", cfg.Backend.URL)
}

func TestLoadConfigCredentialsFallback(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".hashed"), 0o700))
	creds := `{"api_key": "file-key", "backend_url": "https://creds.example.com"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hashed", "credentials.json"), []byte(creds), 0o600))

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "file-key", cfg.Backend.APIKey)
	assert.Equal(t, "https://creds.example.com", cfg.Backend.URL)
}

func TestConfigValidate(t *testing.T) {
	isolate(t)
	base, err := LoadConfig("")
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"empty agent name": func(c *Config) { c.Agent.Name = "" },
		"bad url":          func(c *Config) { c.Backend.URL = "not a url" },
		"short interval":   func(c *Config) { c.Sync.Interval = 10 * time.Second },
		"zero batch":       func(c *Config) { c.Ledger.BatchSize = 0 },
		"tool without url": func(c *Config) { c.Tools = []ToolConfig{{Name: "x"}} },
		"negative retries": func(c *Config) { c.Backend.MaxRetries = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := *base
			mutate(&c)
			var cErr *domain.ConfigError
			assert.ErrorAs(t, c.Validate(), &cErr)
		})
	}
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(LoggerConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = NewLogger(LoggerConfig{Level: "loud"})
	assert.Error(t, err)
	_, err = NewLogger(LoggerConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

// chdirForTest mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdirForTest(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
