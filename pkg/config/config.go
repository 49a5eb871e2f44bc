package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	pkgerrors "github.com/angelmondragon/unilevel-ledger/pkg/errors"
	"github.com/angelmondragon/unilevel-ledger/pkg/validators"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Commission   CommissionConfig
	Unlock       UnlockConfig
	Limits       LimitsConfig
	Solvency     SolvencyConfig
	Subscription SubscriptionConfig
	Settlement   SettlementConfig
	Cron         CronConfig
	Writer       WriterConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field rules the env tags cannot express.
func (c *Config) Validate() error {
	if err := validators.Struct(c); err != nil {
		return err
	}
	if len(c.Commission.Percentages) != MaxCommissionLevels {
		return pkgerrors.Newf(pkgerrors.CodeValidation, "commission table must have %d entries, got %d", MaxCommissionLevels, len(c.Commission.Percentages))
	}
	if c.Solvency.MinBps < MinSolvencyFloorBps {
		return pkgerrors.Newf(pkgerrors.CodeValidation, "minimum solvency must be at least %d bps", MinSolvencyFloorBps)
	}
	if c.Limits.MaxPerTx.LessThan(c.Limits.MinWithdrawal) {
		return pkgerrors.New(pkgerrors.CodeValidation, "max per transaction must not be below the minimum withdrawal")
	}
	if c.Limits.MaxPerMonth.LessThan(c.Limits.MaxPerTx) {
		return pkgerrors.New(pkgerrors.CodeValidation, "monthly cap must not be below the per transaction cap")
	}
	if c.Writer.LeaseRefresh >= c.Writer.LeaseTTL {
		return pkgerrors.New(pkgerrors.CodeValidation, "writer lease refresh must be shorter than the lease ttl")
	}
	return nil
}

type AppConfig struct {
	Env          string `envconfig:"UNILEVEL_APP_ENV" required:"true" validate:"required"`
	LogLevel     string `envconfig:"UNILEVEL_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"UNILEVEL_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"UNILEVEL_LOG_FORMAT" default:"json"`
	MetricsAddr  string `envconfig:"UNILEVEL_METRICS_ADDR" default:":9102"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"UNILEVEL_SERVICE_KIND" default:"ledger-worker"`
}

type DBConfig struct {
	DSN    string `envconfig:"UNILEVEL_DB_DSN"`
	Driver string `envconfig:"UNILEVEL_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"UNILEVEL_DB_HOST"`
	LegacyPort     int    `envconfig:"UNILEVEL_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"UNILEVEL_DB_USER"`
	LegacyPassword string `envconfig:"UNILEVEL_DB_PASSWORD"`
	LegacyName     string `envconfig:"UNILEVEL_DB_NAME"`
	LegacySSLMode  string `envconfig:"UNILEVEL_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"UNILEVEL_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"UNILEVEL_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"UNILEVEL_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"UNILEVEL_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"UNILEVEL_REDIS_URL" required:"true" validate:"required"`
	Address      string        `envconfig:"UNILEVEL_REDIS_ADDR"`
	Password     string        `envconfig:"UNILEVEL_REDIS_PASSWORD"`
	DB           int           `envconfig:"UNILEVEL_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"UNILEVEL_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"UNILEVEL_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"UNILEVEL_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"UNILEVEL_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"UNILEVEL_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"UNILEVEL_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"UNILEVEL_AUTO_MIGRATE" default:"false"`
}

// CommissionConfig holds the pool fraction and the per-level percentage
// table, both expressed in percent of profit.
type CommissionConfig struct {
	PoolPercent decimal.Decimal   `envconfig:"UNILEVEL_COMMISSION_POOL_PERCENT" default:"25" validate:"gt=0,max=100"`
	Percentages []decimal.Decimal `envconfig:"UNILEVEL_COMMISSION_PERCENTAGES" default:"8,3,2,1,1,2,2,2,2,2"`
	Scale       int32             `envconfig:"UNILEVEL_COMMISSION_SCALE" default:"6" validate:"min=0,max=18"`
}

type UnlockConfig struct {
	RequiredDirects int             `envconfig:"UNILEVEL_UNLOCK_REQUIRED_DIRECTS" default:"5" validate:"min=1"`
	RequiredVolume  decimal.Decimal `envconfig:"UNILEVEL_UNLOCK_REQUIRED_VOLUME" default:"5000" validate:"gte=0"`
}

type LimitsConfig struct {
	MinWithdrawal     decimal.Decimal `envconfig:"UNILEVEL_LIMITS_MIN_WITHDRAWAL" default:"50" validate:"gt=0"`
	MaxPerTx          decimal.Decimal `envconfig:"UNILEVEL_LIMITS_MAX_PER_TX" default:"10000" validate:"gt=0"`
	MaxPerMonth       decimal.Decimal `envconfig:"UNILEVEL_LIMITS_MAX_PER_MONTH" default:"50000" validate:"gt=0"`
	MonthlyWindow     time.Duration   `envconfig:"UNILEVEL_LIMITS_MONTHLY_WINDOW" default:"720h" validate:"required"`
	MaxTreasuryPerDay decimal.Decimal `envconfig:"UNILEVEL_LIMITS_MAX_TREASURY_PER_DAY" default:"50000" validate:"gt=0"`
	TreasuryWindow    time.Duration   `envconfig:"UNILEVEL_LIMITS_TREASURY_WINDOW" default:"24h" validate:"required"`
	RequireKYC        bool            `envconfig:"UNILEVEL_LIMITS_REQUIRE_KYC" default:"false"`
}

type SolvencyConfig struct {
	MinBps int64 `envconfig:"UNILEVEL_SOLVENCY_MIN_BPS" default:"11000"`
	// Share of every subscription fee routed into the emergency reserve.
	ReserveShareBps int64 `envconfig:"UNILEVEL_SOLVENCY_RESERVE_SHARE_BPS" default:"100" validate:"min=0,max=10000"`
}

type SubscriptionConfig struct {
	Fee      decimal.Decimal `envconfig:"UNILEVEL_SUBSCRIPTION_FEE" default:"19" validate:"gt=0"`
	Duration time.Duration   `envconfig:"UNILEVEL_SUBSCRIPTION_DURATION" default:"720h" validate:"required"`
}

type SettlementConfig struct {
	Timeout          time.Duration `envconfig:"UNILEVEL_SETTLEMENT_TIMEOUT" default:"15s" validate:"required"`
	MaxAttempts      int           `envconfig:"UNILEVEL_SETTLEMENT_MAX_ATTEMPTS" default:"10" validate:"min=1"`
	AttemptsPerCycle int           `envconfig:"UNILEVEL_SETTLEMENT_ATTEMPTS_PER_CYCLE" default:"3" validate:"min=1"`
	BaseBackoff      time.Duration `envconfig:"UNILEVEL_SETTLEMENT_BASE_BACKOFF" default:"1s" validate:"required"`
	MaxBackoff       time.Duration `envconfig:"UNILEVEL_SETTLEMENT_MAX_BACKOFF" default:"10s" validate:"required"`
	BatchLimit       int           `envconfig:"UNILEVEL_SETTLEMENT_BATCH_LIMIT" default:"50" validate:"min=1"`
	Topic            string        `envconfig:"UNILEVEL_SETTLEMENT_TOPIC" default:"unilevel-settlement"`
	RoundLockTTL     time.Duration `envconfig:"UNILEVEL_SETTLEMENT_ROUND_LOCK_TTL" default:"5m" validate:"required"`
}

type CronConfig struct {
	Interval time.Duration `envconfig:"UNILEVEL_CRON_INTERVAL" default:"1m" validate:"required"`
	LockTTL  time.Duration `envconfig:"UNILEVEL_CRON_LOCK_TTL" default:"2h" validate:"required"`
}

// WriterConfig controls the lease that keeps a single ledger writer alive.
type WriterConfig struct {
	LeaseTTL     time.Duration `envconfig:"UNILEVEL_WRITER_LEASE_TTL" default:"30s" validate:"required"`
	LeaseRefresh time.Duration `envconfig:"UNILEVEL_WRITER_LEASE_REFRESH" default:"10s" validate:"required"`
}

type EventingConfig struct {
	IdempotencyTTL time.Duration `envconfig:"UNILEVEL_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"UNILEVEL_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"UNILEVEL_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"UNILEVEL_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	AccountEventsSubscription string `envconfig:"UNILEVEL_PUBSUB_ACCOUNT_EVENTS_SUBSCRIPTION" default:"unilevel-account-events-sub"`
}

func (db *DBConfig) ensureDSN(sqlite bool) error {
	if db.DSN != "" {
		return nil
	}
	if sqlite {
		db.DSN = "file:unilevel.db?cache=shared"
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
