package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "aisup"
)

// Ключи состояния
const (
	RedisKeyBudgetPrefix = RedisNamespace + ":budget:"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanApprovalDecisions — трансляция решений оператора (HITL)
	// всем инстансам шлюза, у которых висит PendingUserApproval.
	RedisChanApprovalDecisions = RedisNamespace + ":approvals:decisions"

	// RedisChanSessionRevoked — широковещательная отмена сессии: каждый
	// инстанс отменяет её невыполненные запросы.
	RedisChanSessionRevoked = RedisNamespace + ":sessions:revoked"

	// RedisChanPolicyUpdate — сигнал перечитать таблицу политик классификатора.
	RedisChanPolicyUpdate = RedisNamespace + ":policies:update"
)
