package policy

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const watchDebounce = 200 * time.Millisecond

// FileWatcher перечитывает локальный файл политик при изменении и вливает его в Engine.
// Следит за директорией, а не за файлом: редакторы часто сохраняют через rename.
type FileWatcher struct {
	path     string
	agent    string
	engine   *Engine
	debounce time.Duration
	onReload func(n int, err error)
	logger   *zap.Logger
}

func NewFileWatcher(path, agentName string, engine *Engine, logger *zap.Logger) *FileWatcher {
	return &FileWatcher{
		path:     filepath.Clean(path),
		agent:    agentName,
		engine:   engine,
		debounce: watchDebounce,
		logger:   logger.With(zap.String("mod", "policy-watcher"), zap.String("path", path)),
	}
}

// OnReload - колбэк после каждой попытки перечитать файл (метрики, тесты).
func (w *FileWatcher) OnReload(fn func(n int, err error)) {
	w.onReload = fn
}

// Reload читает файл и применяет правила для агента.
func (w *FileWatcher) Reload() (int, error) {
	f, err := LoadFile(w.path)
	if err != nil {
		return 0, err
	}
	rules := f.For(w.agent)
	if err := w.engine.BulkMerge(rules); err != nil {
		return 0, err
	}
	return len(rules), nil
}

// Run блокируется до отмены ctx.
func (w *FileWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	// Один таймер на все события: серия записей дает одну перезагрузку.
	debounceTimer := time.NewTimer(w.debounce)
	debounceTimer.Stop()
	defer debounceTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			debounceTimer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("policy watcher error", zap.Error(err))

		case <-debounceTimer.C:
			n, err := w.Reload()
			if err != nil {
				w.logger.Error("policy file reload failed", zap.Error(err))
			} else {
				w.logger.Info("policy file reloaded", zap.Int("rules", n))
			}
			if w.onReload != nil {
				w.onReload(n, err)
			}
		}
	}
}
