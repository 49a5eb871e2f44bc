package main

import (
	"context"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/unilevel-ledger/internal/accounts"
	"github.com/angelmondragon/unilevel-ledger/internal/audit"
	"github.com/angelmondragon/unilevel-ledger/internal/commission"
	"github.com/angelmondragon/unilevel-ledger/internal/cron"
	"github.com/angelmondragon/unilevel-ledger/internal/engine"
	"github.com/angelmondragon/unilevel-ledger/internal/ledger"
	"github.com/angelmondragon/unilevel-ledger/internal/persistence"
	"github.com/angelmondragon/unilevel-ledger/internal/ratelimit"
	"github.com/angelmondragon/unilevel-ledger/internal/settlement"
	"github.com/angelmondragon/unilevel-ledger/internal/unlock"
	"github.com/angelmondragon/unilevel-ledger/pkg/config"
	"github.com/angelmondragon/unilevel-ledger/pkg/db"
	"github.com/angelmondragon/unilevel-ledger/pkg/logger"
	"github.com/angelmondragon/unilevel-ledger/pkg/metrics"
	"github.com/angelmondragon/unilevel-ledger/pkg/redis"
)

type appParams struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         *db.Client
	Redis      *redis.Client
	Publisher  *gcppubsub.Publisher
	Registerer prometheus.Registerer
}

type app struct {
	ledger *ledger.Ledger
	engine engine.Service
	jobs   *cron.Registry
}

// newApp builds the ledger, rebuilds it from the database and wires the
// settlement pipeline and cron jobs around it.
func newApp(ctx context.Context, p appParams) (*app, error) {
	cfg, logg := p.Config, p.Logger

	commissionCfg, err := commissionConfig(cfg.Commission)
	if err != nil {
		return nil, err
	}

	store := accounts.NewStore()
	limiter, err := ratelimit.New(rateLimits(cfg.Limits), store, time.Now)
	if err != nil {
		return nil, err
	}

	repos := persistence.NewRepositories(p.DB.DB())
	persister, err := persistence.NewPersister(p.DB, repos)
	if err != nil {
		return nil, err
	}
	l, err := ledger.New(ledgerConfig(cfg), store, limiter, ledger.Options{
		Persister: persister,
		Audit:     audit.NewLogSink(logg),
		Metrics:   metrics.NewLedgerMetrics(p.Registerer),
		Logger:    logg,
	})
	if err != nil {
		return nil, err
	}

	hydrated, err := persistence.Hydrate(ctx, repos, store, l)
	if err != nil {
		return nil, err
	}
	logg.Info(logg.WithFields(ctx, map[string]any{
		"accounts":   hydrated.Accounts,
		"batches":    hydrated.Batches,
		"fresh_boot": hydrated.FreshBoot,
	}), "ledger hydrated")

	calc, err := commission.New(commissionCfg, store, logg)
	if err != nil {
		return nil, err
	}
	evaluator, err := unlock.New(unlock.Config{
		RequiredDirects: cfg.Unlock.RequiredDirects,
		RequiredVolume:  cfg.Unlock.RequiredVolume,
	}, store, l, logg)
	if err != nil {
		return nil, err
	}

	settleSvc, err := settlement.NewService(settlement.ServiceParams{
		Logger:     logg,
		Calculator: calc,
		Ledger:     l,
		Locks:      roundLocks(p.Redis, cfg.Settlement.RoundLockTTL),
	})
	if err != nil {
		return nil, err
	}
	sink, err := settlement.NewPubSubSink(p.Publisher)
	if err != nil {
		return nil, err
	}
	dispatcher, err := settlement.NewDispatcher(settlement.DispatcherParams{
		Logger:     logg,
		Repository: repos.Settlements,
		Ledger:     l,
		Sink:       sink,
		Metrics:    metrics.NewSettlementMetrics(p.Registerer),
		Config:     settlement.DispatchConfigFrom(cfg.Settlement),
	})
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Params{
		Logger:     logg,
		Ledger:     l,
		Evaluator:  evaluator,
		Settlement: settleSvc,
		Batches:    repos.Settlements,
	})
	if err != nil {
		return nil, err
	}

	jobs, err := cronJobs(logg, evaluator, dispatcher, l)
	if err != nil {
		return nil, err
	}
	return &app{ledger: l, engine: eng, jobs: jobs}, nil
}

func cronJobs(logg *logger.Logger, evaluator *unlock.Evaluator, dispatcher *settlement.Dispatcher, l *ledger.Ledger) (*cron.Registry, error) {
	refresh, err := cron.NewEligibilityRefreshJob(logg, evaluator, 0)
	if err != nil {
		return nil, err
	}
	dispatch, err := cron.NewSettlementDispatchJob(dispatcher)
	if err != nil {
		return nil, err
	}
	expiry, err := cron.NewSubscriptionExpiryJob(logg, l, time.Now)
	if err != nil {
		return nil, err
	}
	auditJob, err := cron.NewLiabilityAuditJob(logg, l)
	if err != nil {
		return nil, err
	}
	return cron.NewRegistry(dispatch, refresh, expiry, auditJob), nil
}

func roundLocks(client *redis.Client, ttl time.Duration) settlement.RoundLocker {
	return func(roundID string) (settlement.RoundLock, error) {
		lock, err := cron.NewRedisLock(client, client.LockKey("settlement-round:"+roundID), ttl)
		if err != nil {
			return nil, err
		}
		return lock, nil
	}
}

func ledgerConfig(cfg *config.Config) ledger.Config {
	return ledger.Config{
		MinSolvencyBps:     cfg.Solvency.MinBps,
		ReserveShareBps:    cfg.Solvency.ReserveShareBps,
		SubscriptionFee:    cfg.Subscription.Fee,
		SubscriptionPeriod: cfg.Subscription.Duration,
		RequireKYC:         cfg.Limits.RequireKYC,
	}
}

func rateLimits(cfg config.LimitsConfig) ratelimit.Limits {
	return ratelimit.Limits{
		MinWithdrawal:     cfg.MinWithdrawal,
		MaxPerTx:          cfg.MaxPerTx,
		MaxPerMonth:       cfg.MaxPerMonth,
		MonthlyWindow:     cfg.MonthlyWindow,
		MaxTreasuryPerDay: cfg.MaxTreasuryPerDay,
		TreasuryWindow:    cfg.TreasuryWindow,
	}
}

func commissionConfig(cfg config.CommissionConfig) (commission.Config, error) {
	return commission.ConfigFromSlice(cfg.PoolPercent, cfg.Percentages, cfg.Scale)
}
