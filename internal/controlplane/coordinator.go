// Package controlplane синхронизирует агента с control plane: регистрация,
// загрузка политик, публикация локальных правил и фоновый цикл обновления.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/hashed-guard/internal/domain"
	"github.com/xela07ax/hashed-guard/internal/infra"
	"github.com/xela07ax/hashed-guard/internal/policy"
)

// PolicySource отдает актуальный набор правил агента (backend.Client или postgres.PolicyRepo).
type PolicySource interface {
	SyncPolicies(ctx context.Context, agentPublicKey string) (*domain.PolicySnapshot, error)
}

// Registrar регистрирует агента; created=false - агент уже был известен.
type Registrar interface {
	RegisterAgent(ctx context.Context, reg domain.AgentRegistration) (bool, error)
}

// PolicyPusher публикует правило. Пустой agentPublicKey - глобальное правило.
type PolicyPusher interface {
	PushPolicy(ctx context.Context, agentPublicKey, tool string, rule domain.Rule) error
}

// Store - все, что умеет control plane.
type Store interface {
	PolicySource
	Registrar
	PolicyPusher
}

// Источник правил в метаданных при автоматической публикации.
const firstRunSource = "first_run_auto_push"

type Coordinator struct {
	store   Store
	engine  *policy.Engine
	agent   domain.AgentRegistration
	metrics *infra.Metrics
	logger  *zap.Logger

	trigger chan struct{}
}

func NewCoordinator(store Store, engine *policy.Engine, agent domain.AgentRegistration, metrics *infra.Metrics, logger *zap.Logger) *Coordinator {
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	return &Coordinator{
		store:   store,
		engine:  engine,
		agent:   agent,
		metrics: metrics,
		logger:  logger.With(zap.String("mod", "controlplane")),
		trigger: make(chan struct{}, 1),
	}
}

// RegisterAgentOnce регистрирует агента. Повторная регистрация (409) - не ошибка.
func (c *Coordinator) RegisterAgentOnce(ctx context.Context) (bool, error) {
	created, err := c.store.RegisterAgent(ctx, c.agent)
	if err != nil {
		return false, fmt.Errorf("register agent %q: %w", c.agent.Name, err)
	}
	if created {
		c.logger.Info("agent registered for the first time", zap.String("agent", c.agent.Name))
	} else {
		c.logger.Info("agent already registered", zap.String("agent", c.agent.Name))
	}
	return created, nil
}

// SyncPolicies забирает правила и сливает их в движок. Удаленные правила перекрывают
// локальные с тем же именем.
func (c *Coordinator) SyncPolicies(ctx context.Context) (int, error) {
	snap, err := c.store.SyncPolicies(ctx, c.agent.PublicKey)
	if err != nil {
		c.metrics.PolicySyncs.WithLabelValues("remote", "failure").Inc()
		return 0, fmt.Errorf("sync policies: %w", err)
	}
	if err := c.engine.BulkMerge(snap.Policies); err != nil {
		c.metrics.PolicySyncs.WithLabelValues("remote", "invalid").Inc()
		return 0, fmt.Errorf("sync policies: %w", err)
	}

	c.metrics.PolicySyncs.WithLabelValues("remote", "success").Inc()
	c.metrics.PolicyCount.Set(float64(c.engine.Len()))
	c.logger.Info("policies synced", zap.Int("count", len(snap.Policies)), zap.String("synced_at", snap.SyncedAt))
	return len(snap.Policies), nil
}

// PushLocalPolicies публикует глобальные правила файла и правила этого агента.
// Ошибки отдельных правил не прерывают публикацию; возвращается число опубликованных.
func (c *Coordinator) PushLocalPolicies(ctx context.Context, f *policy.File) (int, error) {
	pushed, errG := c.push(ctx, "", f.Global, firstRunSource)
	n, errA := c.push(ctx, c.agent.PublicKey, f.AgentRules(c.agent.Name), firstRunSource)
	pushed += n

	err := errors.Join(errG, errA)
	c.logger.Info("local policy file pushed", zap.Int("pushed", pushed), zap.Error(err))
	return pushed, err
}

// PushEnginePolicies публикует текущие правила движка как правила этого агента.
func (c *Coordinator) PushEnginePolicies(ctx context.Context) (int, error) {
	rules := c.engine.Export()
	if len(rules) == 0 {
		c.logger.Info("no local policies to push")
		return 0, nil
	}
	pushed, err := c.push(ctx, c.agent.PublicKey, rules, "")
	c.logger.Info("policies pushed", zap.Int("pushed", pushed), zap.Int("total", len(rules)), zap.Error(err))
	return pushed, err
}

func (c *Coordinator) push(ctx context.Context, agentKey string, rules map[string]domain.Rule, source string) (int, error) {
	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		pushed int
		errs   []error
	)
	for _, name := range names {
		rule := rules[name].Clone()
		if source != "" {
			if rule.Metadata == nil {
				rule.Metadata = map[string]any{}
			}
			rule.Metadata["source"] = source
		}
		if err := c.store.PushPolicy(ctx, agentKey, name, rule); err != nil {
			c.logger.Warn("failed to push policy", zap.String("tool", name), zap.Error(err))
			errs = append(errs, fmt.Errorf("push %s: %w", name, err))
			continue
		}
		pushed++
	}
	return pushed, errors.Join(errs...)
}

// TriggerSync просит Run синхронизироваться вне расписания. Не блокирует.
func (c *Coordinator) TriggerSync() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run - фоновый цикл: раз в interval (или по TriggerSync) синхронизирует политики.
// Ошибка синхронизации логируется и не останавливает цикл. Выход по отмене ctx.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("background policy sync started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("background policy sync stopped")
			return
		case <-ticker.C:
		case <-c.trigger:
			c.logger.Debug("out-of-band policy sync requested")
		}
		if _, err := c.SyncPolicies(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("background policy sync failed", zap.Error(err))
		}
	}
}

// ListenUpdates подписывается на сигналы "public_key|*:updated" и запускает внеочередную
// синхронизацию. После переподключения синхронизируется сразу: сигналы могли быть пропущены.
func (c *Coordinator) ListenUpdates(ctx context.Context, rdb *redis.Client) {
	infra.ListenResilient(ctx, rdb, c.logger, infra.RedisChanPolicyUpdate,
		func(context.Context) error {
			c.TriggerSync()
			return nil
		},
		func(payload string) {
			id, _, ok := infra.ParseSignal(payload)
			if !ok {
				c.logger.Error("invalid signal format", zap.String("payload", payload))
				return
			}
			if id == "*" || id == c.agent.PublicKey {
				c.TriggerSync()
			}
		})
}
