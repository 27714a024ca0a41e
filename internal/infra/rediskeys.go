package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "hashed"
)

// Ключи для Sets (состояние)
const (
	RedisKeyBlockedAgents = RedisNamespace + ":agents:blocked_set"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanKillSwitch - "public_key:on|off", мгновенная блокировка агента.
	RedisChanKillSwitch = RedisNamespace + ":agents:kill-switch-signal"
	// RedisChanPolicyUpdate - "public_key|*:updated", сигнал внеочередной синхронизации политик.
	RedisChanPolicyUpdate = RedisNamespace + ":agents:policy-update"
)
