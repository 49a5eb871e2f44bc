package main

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/unilevel-ledger/internal/accounts"
	"github.com/angelmondragon/unilevel-ledger/internal/commission"
	"github.com/angelmondragon/unilevel-ledger/internal/ledger"
	"github.com/angelmondragon/unilevel-ledger/internal/ratelimit"
	"github.com/angelmondragon/unilevel-ledger/pkg/config"
)

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("UNILEVEL_APP_ENV", "dev")
	t.Setenv("UNILEVEL_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("UNILEVEL_USE_SQLITE", "true")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestDefaultConfigMapsOntoDomainDefaults(t *testing.T) {
	cfg := loadTestConfig(t)

	limits, want := rateLimits(cfg.Limits), ratelimit.DefaultLimits()
	require.True(t, want.MinWithdrawal.Equal(limits.MinWithdrawal))
	require.True(t, want.MaxPerTx.Equal(limits.MaxPerTx))
	require.True(t, want.MaxPerMonth.Equal(limits.MaxPerMonth))
	require.True(t, want.MaxTreasuryPerDay.Equal(limits.MaxTreasuryPerDay))
	require.Equal(t, want.MonthlyWindow, limits.MonthlyWindow)
	require.Equal(t, want.TreasuryWindow, limits.TreasuryWindow)

	lc := ledgerConfig(cfg)
	def := ledger.DefaultConfig()
	require.Equal(t, def.MinSolvencyBps, lc.MinSolvencyBps)
	require.Equal(t, def.ReserveShareBps, lc.ReserveShareBps)
	require.True(t, def.SubscriptionFee.Equal(lc.SubscriptionFee))
	require.Equal(t, def.SubscriptionPeriod, lc.SubscriptionPeriod)

	cc, err := commissionConfig(cfg.Commission)
	require.NoError(t, err)
	require.True(t, cc.Sum().Equal(decimal.NewFromInt(25)))
	require.True(t, cc.Percentages[0].Equal(commission.DefaultConfig().Percentages[0]))
}

func TestMappedConfigBuildsLedger(t *testing.T) {
	cfg := loadTestConfig(t)

	store := accounts.NewStore()
	limiter, err := ratelimit.New(rateLimits(cfg.Limits), store, time.Now)
	require.NoError(t, err)
	_, err = ledger.New(ledgerConfig(cfg), store, limiter, ledger.Options{})
	require.NoError(t, err)
}
