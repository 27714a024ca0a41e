package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFileWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".hashed_policies.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"transfer": {"max_amount": 10}}`), 0o600))

	e := NewEngine(zaptest.NewLogger(t))
	w := NewFileWatcher(path, "bot", e, zaptest.NewLogger(t))
	w.debounce = 20 * time.Millisecond

	n, err := w.Reload()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var reloads atomic.Int32
	w.OnReload(func(_ int, _ error) { reloads.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// watcher стартует асинхронно; пишем, пока не увидим новое правило
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(`{"transfer": {"max_amount": 99}, "delete": {"allowed": false}}`), 0o600)
		r, ok := e.GetPolicy("transfer")
		return ok && *r.MaxAmount == 99 && e.HasPolicy("delete")
	}, 5*time.Second, 50*time.Millisecond)
	assert.Positive(t, reloads.Load())

	r, ok := e.GetPolicy("transfer")
	require.True(t, ok)
	assert.Equal(t, 99.0, *r.MaxAmount)
	assert.False(t, e.CheckPermission("delete", nil))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
