// Package ledger - локальный журнал аудита с гарантией доставки at-least-once.
//
// Событие сначала синхронно пишется в WAL (SQLite), затем неблокирующе попадает
// в очередь воркера. Воркер собирает батчи и отправляет их через Shipper; строки WAL
// удаляются только после успешной доставки. Все, что не доставлено, переживает рестарт
// и уходит первым при следующем Start.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/hashed-guard/internal/domain"
	"github.com/xela07ax/hashed-guard/internal/infra"
)

// Shipper доставляет батч во внешнее хранилище. Частичное подтверждение не поддерживается:
// ошибка означает, что весь батч нужно отправить заново.
type Shipper interface {
	ShipBatch(ctx context.Context, entries []domain.LedgerEntry) error
}

// Config - параметры очереди и воркера.
type Config struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	// MaxWALRows ограничивает число недоставленных строк; 0 - без лимита.
	MaxWALRows int
	// MaxWALAge - строки старше переносятся в wal_dead_letters при Start и по тику воркера;
	// 0 - не переносить.
	MaxWALAge time.Duration
	// MaxBackoff - потолок паузы между повторными отправками после ошибки.
	MaxBackoff time.Duration
}

func ConfigFrom(c infra.LedgerConfig) Config {
	return Config{
		QueueSize:     c.QueueSize,
		BatchSize:     c.BatchSize,
		FlushInterval: c.FlushInterval,
		MaxWALRows:    c.MaxWALRows,
		MaxWALAge:     c.MaxWALAge,
	}
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	return c
}

// Сколько id из overflow подгружается из WAL за один запрос (лимит переменных SQLite).
const overflowChunk = 500

const deleteTimeout = 5 * time.Second

type Ledger struct {
	cfg     Config
	wal     WAL
	shipper Shipper
	metrics *infra.Metrics
	logger  *zap.Logger

	life sync.Mutex // сериализует Start/Stop

	mu      sync.RWMutex // running и поля ниже меняются только под Lock
	running bool
	queue   chan domain.LedgerEntry
	flushCh chan chan error
	cancel  context.CancelFunc
	done    chan struct{}

	// overflow - id строк WAL, не влезших в очередь. Пока он не пуст, новые записи
	// тоже идут сюда, иначе нарушится порядок доставки.
	overflowMu sync.Mutex
	overflow   []int64

	unsent atomic.Int64

	// Состояние воркера; трогается только из его горутины.
	backlog  []domain.LedgerEntry
	batch    []domain.LedgerEntry
	failures int
	retryAt  time.Time
}

func New(cfg Config, wal WAL, shipper Shipper, metrics *infra.Metrics, logger *zap.Logger) *Ledger {
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	return &Ledger{
		cfg:     cfg.withDefaults(),
		wal:     wal,
		shipper: shipper,
		metrics: metrics,
		logger:  logger.With(zap.String("mod", "ledger")),
	}
}

// Start поднимает WAL, переигрывает недоставленное и запускает воркер. Повторный вызов - no-op.
func (l *Ledger) Start(ctx context.Context) error {
	l.life.Lock()
	defer l.life.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil
	}

	if err := l.wal.Init(ctx); err != nil {
		return fmt.Errorf("ledger: init wal: %w", err)
	}

	if _, err := l.deadLetter(ctx); err != nil {
		return fmt.Errorf("ledger: dead-letter old rows: %w", err)
	}

	backlog, err := l.wal.Unsent(ctx, 0)
	if err != nil {
		return fmt.Errorf("ledger: load unsent: %w", err)
	}
	if len(backlog) > 0 {
		l.logger.Info("replaying undelivered entries from wal", zap.Int("count", len(backlog)))
	}

	l.backlog = backlog
	l.batch = make([]domain.LedgerEntry, 0, l.cfg.BatchSize)
	l.failures = 0
	l.retryAt = time.Time{}
	l.overflow = nil
	l.unsent.Store(int64(len(backlog)))
	l.metrics.WALUnsentRows.Set(float64(len(backlog)))

	l.queue = make(chan domain.LedgerEntry, l.cfg.QueueSize)
	l.flushCh = make(chan chan error)
	l.done = make(chan struct{})

	// Воркер живет до Stop, а не до ctx вызывающего.
	wctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.running = true

	go l.run(wctx)

	l.logger.Info("ledger started",
		zap.Int("batch_size", l.cfg.BatchSize),
		zap.Duration("flush_interval", l.cfg.FlushInterval))
	return nil
}

// Log фиксирует событие в WAL и ставит его в очередь.
// Возврат nil или ErrQueueFull означает, что запись уже на диске.
func (l *Ledger) Log(ctx context.Context, eventType string, data, metadata map[string]any) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.running {
		return domain.ErrLedgerNotRunning
	}
	if l.cfg.MaxWALRows > 0 && l.unsent.Load() >= int64(l.cfg.MaxWALRows) {
		l.metrics.LedgerDropped.WithLabelValues("wal_limit").Inc()
		return domain.ErrWALLimit
	}

	e := domain.LedgerEntry{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Data:      maps.Clone(data),
		Metadata:  maps.Clone(metadata),
		Timestamp: time.Now().UTC(),
	}
	id, err := l.wal.Insert(ctx, &e)
	if err != nil {
		return fmt.Errorf("ledger: persist %s: %w", eventType, err)
	}
	e.WALID = id
	l.metrics.WALUnsentRows.Set(float64(l.unsent.Add(1)))

	l.overflowMu.Lock()
	defer l.overflowMu.Unlock()
	if len(l.overflow) == 0 {
		select {
		case l.queue <- e:
			l.metrics.LedgerQueueDepth.Set(float64(len(l.queue)))
			return nil
		default:
		}
	}
	l.overflow = append(l.overflow, id)
	l.metrics.LedgerDropped.WithLabelValues("queue_full").Inc()
	return domain.ErrQueueFull
}

// Flush отправляет все, что накоплено, и ждет завершения. Возвращает ошибку доставки.
func (l *Ledger) Flush(ctx context.Context) error {
	l.mu.RLock()
	running, flushCh, done := l.running, l.flushCh, l.done
	l.mu.RUnlock()
	if !running {
		return domain.ErrLedgerNotRunning
	}
	return l.requestFlush(ctx, flushCh, done)
}

func (l *Ledger) requestFlush(ctx context.Context, flushCh chan chan error, done chan struct{}) error {
	reply := make(chan error, 1)
	select {
	case flushCh <- reply:
	case <-done:
		return domain.ErrLedgerNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop перестает принимать записи, при flush пытается доставить остаток,
// останавливает воркер и закрывает WAL. Недоставленное остается в WAL.
func (l *Ledger) Stop(ctx context.Context, flush bool) error {
	l.life.Lock()
	defer l.life.Unlock()

	// Lock дожидается завершения Log, которые уже пишут в WAL.
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	flushCh, done, cancel := l.flushCh, l.done, l.cancel
	l.mu.Unlock()

	var flushErr error
	if flush {
		if flushErr = l.requestFlush(ctx, flushCh, done); flushErr != nil {
			l.logger.Warn("final flush failed, entries stay in wal", zap.Error(flushErr))
		}
	}

	cancel()
	<-done

	closeErr := l.wal.Close()
	l.logger.Info("ledger stopped", zap.Int64("undelivered", l.unsent.Load()))
	return errors.Join(flushErr, closeErr)
}

// Running сообщает, принимает ли журнал записи.
func (l *Ledger) Running() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.running
}

// Pending - число записей в WAL, еще не подтвержденных получателем.
func (l *Ledger) Pending() int {
	return int(l.unsent.Load())
}

func (l *Ledger) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		l.fill(ctx)
		if len(l.batch) >= l.cfg.BatchSize && !time.Now().Before(l.retryAt) {
			if l.send(ctx) == nil {
				continue
			}
		}

		// Пока батч полон, очередь не читаем: пусть копится backpressure.
		queue := l.queue
		if len(l.batch) >= l.cfg.BatchSize {
			queue = nil
		}

		select {
		case <-ctx.Done():
			l.logger.Debug("ledger worker finished", zap.Int("in_memory", len(l.batch)+len(l.backlog)))
			return
		case reply := <-l.flushCh:
			reply <- l.drain(ctx)
		case e := <-queue:
			l.batch = append(l.batch, e)
			l.metrics.LedgerQueueDepth.Set(float64(len(l.queue)))
		case <-ticker.C:
			l.expire(ctx)
			if len(l.batch) > 0 && !time.Now().Before(l.retryAt) {
				_ = l.send(ctx)
			}
		}
	}
}

// deadLetter переносит строки старше MaxWALAge в wal_dead_letters.
func (l *Ledger) deadLetter(ctx context.Context) (int, error) {
	if l.cfg.MaxWALAge <= 0 {
		return 0, nil
	}
	n, err := l.wal.DeadLetter(ctx, time.Now().Add(-l.cfg.MaxWALAge))
	if err != nil || n == 0 {
		return 0, err
	}
	l.metrics.LedgerDropped.WithLabelValues("dead_letter").Add(float64(n))
	l.logger.Warn("undelivered entries exceeded max age and were dead-lettered",
		zap.Int("count", n), zap.Duration("max_age", l.cfg.MaxWALAge))
	return n, nil
}

// expire - deadLetter на работающем журнале. Перенесенные строки убираются из batch
// и backlog, чтобы не уйти получателю. Записи, еще лежащие в очереди, моложе
// MaxWALAge, если воркер не стоит дольше этого срока.
func (l *Ledger) expire(ctx context.Context) {
	n, err := l.deadLetter(ctx)
	if err != nil {
		l.logger.Error("failed to dead-letter expired wal entries", zap.Error(err))
		return
	}
	if n == 0 {
		return
	}
	l.metrics.WALUnsentRows.Set(float64(l.unsent.Add(-int64(n))))

	l.batch = l.keepStored(ctx, l.batch)
	l.backlog = l.keepStored(ctx, l.backlog)
}

// keepStored оставляет только записи, чьи строки все еще есть в WAL.
func (l *Ledger) keepStored(ctx context.Context, entries []domain.LedgerEntry) []domain.LedgerEntry {
	if len(entries) == 0 {
		return entries
	}
	kept := make(map[int64]bool, len(entries))
	for start := 0; start < len(entries); start += overflowChunk {
		chunk := entries[start:min(start+overflowChunk, len(entries))]
		ids := make([]int64, len(chunk))
		for i, e := range chunk {
			ids[i] = e.WALID
		}
		stored, err := l.wal.Get(ctx, ids)
		if err != nil {
			// Лишняя доставка лучше потери: оставляем все как есть.
			l.logger.Error("failed to check in-memory entries against wal", zap.Error(err))
			return entries
		}
		for _, e := range stored {
			kept[e.WALID] = true
		}
	}
	out := entries[:0]
	for _, e := range entries {
		if kept[e.WALID] {
			out = append(out, e)
		}
	}
	return out
}

// fill добирает батч: сначала backlog (старые строки), затем очередь, затем overflow.
func (l *Ledger) fill(ctx context.Context) {
	for len(l.batch) < l.cfg.BatchSize {
		if len(l.backlog) > 0 {
			l.batch = append(l.batch, l.backlog[0])
			l.backlog = l.backlog[1:]
			continue
		}
		select {
		case e := <-l.queue:
			l.batch = append(l.batch, e)
			l.metrics.LedgerQueueDepth.Set(float64(len(l.queue)))
			continue
		default:
		}
		if !l.loadOverflow(ctx) {
			return
		}
	}
}

// loadOverflow переносит очередной кусок overflow в backlog. Разрешено только при пустой
// очереди: все, что в ней лежит, было записано раньше overflow.
func (l *Ledger) loadOverflow(ctx context.Context) bool {
	l.overflowMu.Lock()
	if len(l.queue) > 0 || len(l.overflow) == 0 {
		l.overflowMu.Unlock()
		return false
	}
	n := min(len(l.overflow), overflowChunk)
	ids := l.overflow[:n:n]
	l.overflow = l.overflow[n:]
	if len(l.overflow) == 0 {
		l.overflow = nil
	}
	l.overflowMu.Unlock()

	entries, err := l.wal.Get(ctx, ids)
	if err != nil {
		// Строки остаются в WAL и будут переиграны при следующем Start.
		l.logger.Error("failed to load overflow entries from wal", zap.Int("count", len(ids)), zap.Error(err))
		return len(l.overflow) > 0
	}
	l.backlog = append(l.backlog, entries...)
	return len(entries) > 0 || len(l.overflow) > 0
}

// drain отправляет все, что есть в памяти и в overflow, игнорируя backoff.
func (l *Ledger) drain(ctx context.Context) error {
	for {
		l.fill(ctx)
		if len(l.batch) == 0 {
			return nil
		}
		if err := l.send(ctx); err != nil {
			return err
		}
	}
}

func (l *Ledger) send(ctx context.Context) error {
	if len(l.batch) == 0 {
		return nil
	}

	err := l.shipper.ShipBatch(ctx, l.batch)
	if err != nil {
		l.metrics.LedgerBatches.WithLabelValues("failure").Inc()
		l.failures++
		delay := l.cfg.FlushInterval << min(l.failures-1, 16)
		if delay <= 0 || delay > l.cfg.MaxBackoff {
			delay = l.cfg.MaxBackoff
		}
		l.retryAt = time.Now().Add(delay)
		l.logger.Warn("ledger batch delivery failed, will retry",
			zap.Int("size", len(l.batch)),
			zap.Int("attempt", l.failures),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		return err
	}

	ids := make([]int64, len(l.batch))
	for i, e := range l.batch {
		ids[i] = e.WALID
	}

	// Удаляем даже если воркер уже отменен: батч доставлен.
	delCtx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
	defer cancel()
	if err := l.wal.Delete(delCtx, ids); err != nil {
		// Строки остаются в WAL и уйдут повторно после рестарта: at-least-once.
		// Счетчик unsent не трогаем - он отражает содержимое WAL.
		l.logger.Error("failed to delete delivered entries from wal", zap.Int("count", len(ids)), zap.Error(err))
	} else {
		l.metrics.WALUnsentRows.Set(float64(l.unsent.Add(-int64(len(ids)))))
	}

	l.metrics.LedgerBatches.WithLabelValues("success").Inc()
	l.logger.Debug("ledger batch delivered", zap.Int("size", len(ids)))

	l.batch = make([]domain.LedgerEntry, 0, l.cfg.BatchSize)
	l.failures = 0
	l.retryAt = time.Time{}
	return nil
}
