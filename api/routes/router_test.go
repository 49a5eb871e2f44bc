package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/unilevel-ledger/internal/accounts"
	"github.com/angelmondragon/unilevel-ledger/internal/ledger"
	"github.com/angelmondragon/unilevel-ledger/internal/settlement"
	"github.com/angelmondragon/unilevel-ledger/pkg/config"
	"github.com/angelmondragon/unilevel-ledger/pkg/enums"
	"github.com/angelmondragon/unilevel-ledger/pkg/logger"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type stubLedger struct {
	snapshot ledger.Snapshot
	accounts map[string]accounts.Account
	review   []settlement.Record
	limit    int
}

func (s *stubLedger) Snapshot() ledger.Snapshot { return s.snapshot }

func (s *stubLedger) Account(id string) (accounts.Account, error) {
	if a, ok := s.accounts[id]; ok {
		return a, nil
	}
	return accounts.Account{}, errors.New("unreachable")
}

func (s *stubLedger) BatchesForReview(_ context.Context, limit int) ([]settlement.Record, error) {
	s.limit = limit
	return s.review, nil
}

func newTestRouter(t *testing.T, redisErr error) (http.Handler, *stubLedger) {
	t.Helper()
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "unilevel_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	l := &stubLedger{
		snapshot: ledger.Snapshot{TotalLiabilities: decimal.NewFromInt(50), ReportedAssets: decimal.NewFromInt(5000), Breaker: enums.BreakerStateNormal},
		accounts: map[string]accounts.Account{"alice": {ID: "alice", Active: true, UnlockedLevel: 5}},
	}
	h := NewOpsRouter(RouterParams{
		Config:   &config.Config{App: config.AppConfig{Env: "test"}},
		Logger:   logger.Nop(),
		DB:       stubPinger{},
		Redis:    stubPinger{err: redisErr},
		Gatherer: reg,
		Ledger:   l,
	})
	return h, l
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthEndpoints(t *testing.T) {
	h, _ := newTestRouter(t, nil)

	require.Equal(t, http.StatusOK, get(h, "/healthz").Code)
	require.Equal(t, http.StatusOK, get(h, "/health/live").Code)
	w := get(h, "/health/ready")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "test", w.Header().Get("X-Unilevel-Env"))
}

func TestReadyFailsWhenDependencyDown(t *testing.T) {
	h, _ := newTestRouter(t, errors.New("connection refused"))

	w := get(h, "/health/ready")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, w.Body.String(), "DEPENDENCY_ERROR")
}

func TestMetricsServesRegistry(t *testing.T) {
	h, _ := newTestRouter(t, nil)

	w := get(h, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.Contains(w.Body.String(), "unilevel_test_total 1"))
}

func TestOpsSnapshotAndAccount(t *testing.T) {
	h, _ := newTestRouter(t, nil)

	w := get(h, "/ops/snapshot")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data ledger.Snapshot `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.True(t, body.Data.ReportedAssets.Equal(decimal.NewFromInt(5000)))

	w = get(h, "/ops/accounts/alice")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"unlocked_level":5`)
}

func TestOpsReviewBatches(t *testing.T) {
	h, l := newTestRouter(t, nil)
	l.review = []settlement.Record{{
		Batch:     ledger.Batch{ID: uuid.New(), RoundID: "2026-07-01"},
		Status:    enums.SettlementStatusReversed,
		LastError: "settlement commit rejected",
	}}

	w := get(h, "/ops/settlements/review?limit=20")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 20, l.limit)
	require.Contains(t, w.Body.String(), `"status":"reversed"`)

	require.Equal(t, http.StatusBadRequest, get(h, "/ops/settlements/review?limit=0").Code)
}
