package config

const (
	EnvPrefix = "UNILEVEL"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	// MaxCommissionLevels is the depth of the sponsor chain that earns commission.
	MaxCommissionLevels = 10
	// MinSolvencyFloorBps is the lowest configurable breaker threshold (100%).
	MinSolvencyFloorBps = 10000
)

const (
	EnvAppEnv    = "UNILEVEL_APP_ENV"
	EnvDBDSN     = "UNILEVEL_DB_DSN"
	EnvDBHost    = "UNILEVEL_DB_HOST"
	EnvDBUser    = "UNILEVEL_DB_USER"
	EnvDBName    = "UNILEVEL_DB_NAME"
	EnvRedisURL  = "UNILEVEL_REDIS_URL"
	EnvUseSQLite = "UNILEVEL_USE_SQLITE"

	EnvCommissionPercentages = "UNILEVEL_COMMISSION_PERCENTAGES"
	EnvSolvencyMinBps        = "UNILEVEL_SOLVENCY_MIN_BPS"
	EnvLimitsMaxPerTx        = "UNILEVEL_LIMITS_MAX_PER_TX"
	EnvLimitsMaxPerMonth     = "UNILEVEL_LIMITS_MAX_PER_MONTH"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
