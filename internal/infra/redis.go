package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Enabled - Redis используется только если задан адрес.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// NewRedisClient создает клиента и проверяет соединение.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// Паузы между переподключениями подписки; переменные, чтобы тесты не ждали секундами.
var (
	resubscribeDelay = 5 * time.Second
	reconnectDelay   = time.Second
)

// ListenResilient - "живучая" подписка на канал Redis. Переподключается после обрыва,
// после каждой успешной подписки вызывает onReconnect (досинхронизация пропущенного),
// каждое сообщение отдает в onMessage. Возвращается только по отмене ctx.
func ListenResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func(ctx context.Context) error,
	onMessage func(payload string),
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleepCtx(ctx, resubscribeDelay) {
				return
			}
			continue
		}

		if onReconnect != nil {
			if err := onReconnect(ctx); err != nil {
				logger.Error("sync failed on reconnect", zap.String("chan", channel), zap.Error(err))
			}
		}

		ch := pubsub.Channel()
	loop:
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				onMessage(msg.Payload)
			}
		}

		_ = pubsub.Close()
		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

// ParseSignal разбирает сигнал формата "id:status". Статус "on"/"true" - включено.
// Разделитель ищется справа, так что id может сам содержать двоеточия.
func ParseSignal(payload string) (id string, on bool, ok bool) {
	i := strings.LastIndexByte(payload, ':')
	if i <= 0 || i == len(payload)-1 {
		return "", false, false
	}
	id, status := payload[:i], strings.ToLower(payload[i+1:])
	switch status {
	case "on", "true", "updated":
		return id, true, true
	case "off", "false":
		return id, false, true
	default:
		return "", false, false
	}
}

// WarmupSet заливает ids в Redis-set, если он пуст. SetNX-лок гарантирует,
// что прогревом занимается только один инстанс.
func WarmupSet(ctx context.Context, rdb *redis.Client, logger *zap.Logger, key string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ok, err := rdb.SetNX(ctx, key+":warmup_lock", "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return nil // Либо ошибка сети, либо другой уже греет кэш
	}

	count, err := rdb.SCard(ctx, key).Result()
	if err != nil {
		count = 0
		logger.Warn("could not check Redis set size, proceeding with warm-up",
			zap.String("key", key), zap.Error(err))
	}
	if count > 0 {
		return nil
	}

	logger.Info("redis set is empty, performing warm-up", zap.String("key", key), zap.Int("count", len(ids)))
	pipe := rdb.Pipeline()
	for _, id := range ids {
		pipe.SAdd(ctx, key, id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
