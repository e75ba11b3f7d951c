package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "webasset"
)

// Ключи для Sets/Hashes (состояние)
const (
	// RedisKeyPolicyGroups — hash asset_id -> "group1,group2". Перекрывает группы из каталога.
	RedisKeyPolicyGroups = RedisNamespace + ":policy:groups"
	// RedisKeyBlockedOperators — set заблокированных операторов (owner id).
	RedisKeyBlockedOperators = RedisNamespace + ":operators:blocked_set"
)

// Каналы Pub/Sub (события)
const (
	RedisChanPolicyUpdate = RedisNamespace + ":policy-update"
	// RedisChanLockout — формат сообщения "owner_id:true" / "owner_id:false".
	RedisChanLockout = RedisNamespace + ":operators:lockout-signal"
)
