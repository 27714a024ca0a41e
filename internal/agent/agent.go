// Package agent собирает рантайм агента из конфигурации: ключ, политики, журнал,
// control plane, kill switch и guard. Initialize/Shutdown управляют фоновыми задачами.
package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/hashed-guard/internal/backend"
	"github.com/xela07ax/hashed-guard/internal/connectors"
	"github.com/xela07ax/hashed-guard/internal/controlplane"
	"github.com/xela07ax/hashed-guard/internal/domain"
	"github.com/xela07ax/hashed-guard/internal/guard"
	"github.com/xela07ax/hashed-guard/internal/identity"
	"github.com/xela07ax/hashed-guard/internal/infra"
	"github.com/xela07ax/hashed-guard/internal/ledger"
	"github.com/xela07ax/hashed-guard/internal/policy"
	"github.com/xela07ax/hashed-guard/internal/repository/postgres"
)

// pgStore - control plane поверх собственной PostgreSQL.
type pgStore struct {
	*postgres.PolicyRepo
	*postgres.AgentRepo
}

type Agent struct {
	cfg      *infra.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *infra.Metrics

	identity        *identity.Identity
	identityCreated bool
	engine          *policy.Engine
	policyFile      *policy.File
	watcher         *policy.FileWatcher

	client      *backend.Client
	dbs         map[string]*sql.DB
	agents      *postgres.AgentRepo
	coordinator *controlplane.Coordinator
	ledger      *ledger.Ledger
	rdb         *redis.Client
	killSwitch  *guard.KillSwitch
	guard       *guard.Guard

	mu          sync.Mutex
	initialized bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New строит все компоненты, но ничего не запускает. Сетевые вызовы делает только
// подключение к PostgreSQL и Redis, если они настроены.
func New(ctx context.Context, cfg *infra.Config, logger *zap.Logger) (*Agent, error) {
	reg := prometheus.NewRegistry()
	a := &Agent{
		cfg:      cfg,
		logger:   logger.With(zap.String("mod", "agent"), zap.String("agent", cfg.Agent.Name)),
		registry: reg,
		metrics:  infra.NewMetrics(reg),
		dbs:      make(map[string]*sql.DB),
	}
	if err := a.build(ctx); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *Agent) build(ctx context.Context) error {
	cfg := a.cfg

	// 1. Идентичность
	id, created, err := identity.LoadOrCreate(cfg.Identity.Path, []byte(cfg.Identity.Password), cfg.Identity.CreateIfMissing, a.logger)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	a.identity, a.identityCreated = id, created
	pub := id.PublicKeyHex()

	// 2. Локальные политики
	a.engine = policy.NewEngine(a.logger)
	if cfg.Sync.PolicyFile != "" {
		f, err := policy.LoadFile(cfg.Sync.PolicyFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			a.logger.Debug("no local policy file", zap.String("path", cfg.Sync.PolicyFile))
		case err != nil:
			return err
		default:
			if err := a.engine.BulkMerge(f.For(cfg.Agent.Name)); err != nil {
				return err
			}
			a.policyFile = f
		}
		if cfg.Sync.WatchPolicyFile {
			a.watcher = policy.NewFileWatcher(cfg.Sync.PolicyFile, cfg.Agent.Name, a.engine, a.logger)
			a.watcher.OnReload(func(n int, err error) {
				if err == nil {
					a.metrics.PolicySyncs.WithLabelValues("file", "success").Inc()
					a.metrics.PolicyCount.Set(float64(a.engine.Len()))
					return
				}
				a.metrics.PolicySyncs.WithLabelValues("file", "failure").Inc()
			})
		}
	}
	a.metrics.PolicyCount.Set(float64(a.engine.Len()))

	// 3. Control plane: HTTP и/или собственная PostgreSQL
	if cfg.Backend.Enabled() {
		a.client, err = backend.NewClient(cfg.Backend, a.metrics, a.logger,
			backend.WithAgentKey(pub),
			backend.WithBatchPath(cfg.Ledger.Endpoint),
		)
		if err != nil {
			return err
		}
	}

	var store controlplane.Store
	if cfg.Sync.PostgresURL != "" {
		db, err := a.openDB(ctx, cfg.Sync.PostgresURL)
		if err != nil {
			return err
		}
		a.agents = postgres.NewAgentRepo(db)
		store = pgStore{PolicyRepo: postgres.NewPolicyRepo(db), AgentRepo: a.agents}
	} else if a.client != nil {
		store = a.client
	}
	if store != nil {
		a.coordinator = controlplane.NewCoordinator(store, a.engine, domain.AgentRegistration{
			Name:        cfg.Agent.Name,
			PublicKey:   pub,
			AgentType:   cfg.Agent.Type,
			Description: cfg.Agent.Description,
		}, a.metrics, a.logger)
	}

	// 4. Журнал аудита
	if cfg.Ledger.Enabled {
		var shipper ledger.Shipper
		if cfg.Ledger.PostgresURL != "" {
			db, err := a.openDB(ctx, cfg.Ledger.PostgresURL)
			if err != nil {
				return err
			}
			shipper = postgres.NewAuditRepo(db, pub)
		} else if a.client != nil {
			shipper = a.client
		}
		if shipper != nil {
			a.ledger = ledger.New(ledger.ConfigFrom(cfg.Ledger), ledger.NewSQLiteWAL(cfg.Ledger.WALPath), shipper, a.metrics, a.logger)
		} else {
			a.logger.Warn("ledger enabled but no backend or postgres configured: audit goes to logs only")
		}
	}

	// 5. Redis: kill switch и сигналы обновления политик
	if cfg.Redis.Enabled() {
		a.rdb, err = infra.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
	}
	if cfg.Guard.KillSwitch {
		a.killSwitch = guard.NewKillSwitch(a.rdb, a.logger)
	}

	// 6. Guard
	opts := []guard.Option{guard.WithConfig(cfg.Guard), guard.WithMetrics(a.metrics)}
	if a.client != nil {
		opts = append(opts, guard.WithRemote(a.client))
	}
	if a.ledger != nil {
		opts = append(opts, guard.WithLedger(a.ledger))
	}
	if a.killSwitch != nil {
		opts = append(opts, guard.WithKillSwitch(a.killSwitch))
	}
	a.guard = guard.New(a.engine, a.identity, a.logger, opts...)
	return nil
}

// openDB переиспользует пул, если журнал и политики смотрят в одну базу.
func (a *Agent) openDB(ctx context.Context, url string) (*sql.DB, error) {
	if db, ok := a.dbs[url]; ok {
		return db, nil
	}
	db, err := postgres.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	a.dbs[url] = db
	return db, nil
}

// Initialize: регистрация -> публикация локальных правил при первом запуске -> синхронизация ->
// старт журнала -> фоновые задачи. Сбои control plane не фатальны, агент работает на локальных правилах.
func (a *Agent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return nil
	}

	if a.coordinator != nil {
		created, err := a.coordinator.RegisterAgentOnce(ctx)
		if err != nil {
			a.logger.Warn("agent registration failed, continuing with local policies", zap.Error(err))
		}
		if created && a.cfg.Sync.PushOnFirstRun {
			a.pushLocal(ctx)
		}
		if a.cfg.Sync.Enabled {
			if _, err := a.coordinator.SyncPolicies(ctx); err != nil {
				a.logger.Warn("initial policy sync failed, continuing with local policies", zap.Error(err))
			}
		}
	}

	if a.killSwitch != nil {
		if err := a.killSwitch.Init(ctx); err != nil {
			a.logger.Warn("kill switch state not loaded", zap.Error(err))
		}
		a.warmupKillSwitch(ctx)
	}

	if a.ledger != nil {
		if err := a.ledger.Start(ctx); err != nil {
			return fmt.Errorf("start ledger: %w", err)
		}
	}

	// Фоновые задачи живут до Shutdown, а не до ctx вызывающего.
	bgCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.coordinator != nil && a.cfg.Sync.Enabled {
		a.spawn(func() { a.coordinator.Run(bgCtx, a.cfg.Sync.Interval) })
		if a.rdb != nil {
			a.spawn(func() { a.coordinator.ListenUpdates(bgCtx, a.rdb) })
		}
	}
	if a.killSwitch != nil && a.rdb != nil {
		a.spawn(func() { a.killSwitch.StartListener(bgCtx) })
	}
	if a.watcher != nil {
		a.spawn(func() {
			if err := a.watcher.Run(bgCtx); err != nil {
				a.logger.Error("policy file watcher stopped", zap.Error(err))
			}
		})
	}

	a.initialized = true
	a.logger.Info("agent initialized",
		zap.String("public_key", a.identity.PublicKeyHex()),
		zap.Int("policies", a.engine.Len()),
		zap.Bool("control_plane", a.coordinator != nil),
		zap.Bool("ledger", a.ledger != nil),
	)
	return nil
}

func (a *Agent) pushLocal(ctx context.Context) {
	var (
		n   int
		err error
	)
	if a.policyFile != nil {
		n, err = a.coordinator.PushLocalPolicies(ctx, a.policyFile)
	} else {
		n, err = a.coordinator.PushEnginePolicies(ctx)
	}
	if err != nil {
		a.logger.Warn("first run policy push incomplete", zap.Int("pushed", n), zap.Error(err))
		return
	}
	a.logger.Info("local policies pushed to control plane", zap.Int("count", n))
}

// warmupKillSwitch переносит заблокированных агентов из таблицы agents в Redis set.
func (a *Agent) warmupKillSwitch(ctx context.Context) {
	if a.agents == nil {
		return
	}
	keys, err := a.agents.BlockedAgents(ctx)
	if err != nil {
		a.logger.Warn("failed to load blocked agents", zap.Error(err))
		return
	}
	if err := a.killSwitch.Warmup(ctx, keys); err != nil {
		a.logger.Warn("kill switch warmup failed", zap.Error(err))
	}
}

func (a *Agent) spawn(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// Shutdown останавливает фоновые задачи и журнал с финальной доставкой.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.cancel != nil {
		a.cancel()
		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("background tasks: %w", ctx.Err()))
		}
		a.cancel = nil
	}

	if a.ledger != nil && a.ledger.Running() {
		if err := a.ledger.Stop(ctx, true); err != nil {
			errs = append(errs, fmt.Errorf("stop ledger: %w", err))
		}
	}
	a.closeResources()
	a.initialized = false

	err := errors.Join(errs...)
	if err != nil {
		a.logger.Warn("agent shutdown incomplete", zap.Error(err))
	} else {
		a.logger.Info("agent stopped")
	}
	return err
}

func (a *Agent) closeResources() {
	if a.rdb != nil {
		_ = a.rdb.Close()
		a.rdb = nil
	}
	for url, db := range a.dbs {
		_ = db.Close()
		delete(a.dbs, url)
	}
}

// Wrap - guarded версия операции.
func (a *Agent) Wrap(name string, op guard.Operation, opts ...guard.WrapOption) guard.Operation {
	return a.guard.Wrap(name, op, opts...)
}

// Tools строит guarded операции для инструментов из конфигурации.
func (a *Agent) Tools() (map[string]guard.Operation, error) {
	out := make(map[string]guard.Operation, len(a.cfg.Tools))
	for _, t := range a.cfg.Tools {
		conn, err := connectors.FromConfig(t, a.metrics, a.logger)
		if err != nil {
			return nil, err
		}
		var opts []guard.WrapOption
		switch {
		case t.NoAmount:
			opts = append(opts, guard.WithoutAmount())
		case t.AmountParam != "":
			opts = append(opts, guard.WithAmountParam(t.AmountParam))
		}
		if t.FailClosed != nil {
			opts = append(opts, guard.FailClosed(*t.FailClosed))
		}
		out[t.Name] = a.guard.Wrap(t.Name, connectors.Operation(conn), opts...)
	}
	return out, nil
}

// Health - состояние компонентов для /health.
func (a *Agent) Health() map[string]any {
	out := map[string]any{
		"public_key": a.identity.PublicKeyHex(),
		"policies":   a.engine.Len(),
	}
	if a.client != nil {
		out["control_plane"] = a.client.State()
	}
	if a.ledger != nil {
		out["ledger_running"] = a.ledger.Running()
		out["ledger_pending"] = a.ledger.Pending()
	}
	if a.killSwitch != nil {
		out["blocked"] = a.killSwitch.IsBlocked(a.identity.PublicKeyHex())
	}
	return out
}

func (a *Agent) Identity() *identity.Identity { return a.identity }
func (a *Agent) IdentityCreated() bool { return a.identityCreated }
func (a *Agent) Policy() *policy.Engine { return a.engine }
func (a *Agent) Ledger() *ledger.Ledger { return a.ledger }
func (a *Agent) Coordinator() *controlplane.Coordinator { return a.coordinator }
func (a *Agent) Registry() *prometheus.Registry { return a.registry }
func (a *Agent) Metrics() *infra.Metrics { return a.metrics }

// PolicyFile - разобранный локальный файл политик, nil если его нет.
func (a *Agent) PolicyFile() *policy.File { return a.policyFile }
