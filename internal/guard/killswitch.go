package guard

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/hashed-guard/internal/infra"
)

// KillSwitch - локальный кэш заблокированных агентов. Источник истины - Redis-set,
// изменения приходят сигналами "public_key:on|off".
type KillSwitch struct {
	mu      sync.RWMutex
	blocked map[string]struct{}
	rdb     *redis.Client
	logger  *zap.Logger
}

func NewKillSwitch(rdb *redis.Client, logger *zap.Logger) *KillSwitch {
	return &KillSwitch{
		blocked: make(map[string]struct{}),
		rdb:     rdb,
		logger:  logger.With(zap.String("mod", "killswitch")),
	}
}

// Init загружает текущее состояние блокировок. Без Redis - no-op.
func (k *KillSwitch) Init(ctx context.Context) error {
	if k.rdb == nil {
		return nil
	}
	keys, err := k.rdb.SMembers(ctx, infra.RedisKeyBlockedAgents).Result()
	if err != nil {
		return fmt.Errorf("killswitch: load blocked set: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.blocked = make(map[string]struct{}, len(keys))
	for _, key := range keys {
		k.blocked[key] = struct{}{}
	}
	return nil
}

// Warmup заполняет кэш ключами из БД и, если Redis-set пуст, прогревает и его.
func (k *KillSwitch) Warmup(ctx context.Context, keys []string) error {
	k.mu.Lock()
	for _, key := range keys {
		k.blocked[key] = struct{}{}
	}
	k.mu.Unlock()

	if k.rdb == nil {
		return nil
	}
	return infra.WarmupSet(ctx, k.rdb, k.logger, infra.RedisKeyBlockedAgents, keys)
}

// Set включает или снимает блокировку локально.
func (k *KillSwitch) Set(publicKey string, blocked bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if blocked {
		k.blocked[publicKey] = struct{}{}
	} else {
		delete(k.blocked, publicKey)
	}
}

// IsBlocked - проверка на hot path.
func (k *KillSwitch) IsBlocked(publicKey string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.blocked[publicKey]
	return ok
}

// StartListener подписывается на сигналы kill switch. Блокирует до отмены ctx.
func (k *KillSwitch) StartListener(ctx context.Context) {
	if k.rdb == nil {
		return
	}
	k.logger.Info("kill-switch listener started")
	infra.ListenResilient(ctx, k.rdb, k.logger, infra.RedisChanKillSwitch,
		k.Init, // при переподключении перечитываем set целиком
		func(payload string) {
			key, on, ok := infra.ParseSignal(payload)
			if !ok {
				k.logger.Error("invalid signal format", zap.String("payload", payload))
				return
			}
			k.Set(key, on)
			k.logger.Warn("kill-switch signal received", zap.String("agent", key), zap.Bool("blocked", on))
		})
}
