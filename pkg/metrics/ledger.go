package metrics

import (
	"github.com/angelmondragon/unilevel-ledger/internal/ledger"
	"github.com/angelmondragon/unilevel-ledger/pkg/enums"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "unilevel"

var _ ledger.Metrics = (*LedgerMetrics)(nil)

// LedgerMetrics exports the solvency aggregate and outflow outcomes. It
// satisfies ledger.Metrics.
type LedgerMetrics struct {
	amounts     *prometheus.GaugeVec
	ratio       prometheus.Gauge
	breaker     *prometheus.GaugeVec
	halted      prometheus.Gauge
	withdrawals *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	if reg == nil {
		return &LedgerMetrics{}
	}
	m := &LedgerMetrics{
		amounts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_amount",
			Help:      "Aggregate ledger amounts by kind.",
		}, []string{"kind"}),
		ratio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "solvency_ratio_bps",
			Help:      "Reported assets over total liabilities in basis points. -1 when there are no liabilities.",
		}),
		breaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "1 for the current breaker state.",
		}, []string{"state"}),
		halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_halted",
			Help:      "1 while the ledger refuses writes after an invariant violation.",
		}),
		withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_total",
			Help:      "Withdrawal attempts by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Breaker transitions by target state.",
		}, []string{"to"}),
	}
	reg.MustRegister(m.amounts, m.ratio, m.breaker, m.halted, m.withdrawals, m.transitions)
	return m
}

func (m *LedgerMetrics) ObserveSnapshot(s ledger.Snapshot) {
	if m == nil || m.amounts == nil {
		return
	}
	m.amounts.WithLabelValues("liabilities").Set(s.TotalLiabilities.InexactFloat64())
	m.amounts.WithLabelValues("reported_assets").Set(s.ReportedAssets.InexactFloat64())
	m.amounts.WithLabelValues("emergency_reserve").Set(s.EmergencyReserve.InexactFloat64())
	if s.InfiniteRatio {
		m.ratio.Set(-1)
	} else {
		m.ratio.Set(float64(s.SolvencyRatioBps))
	}
	for _, st := range []enums.BreakerState{enums.BreakerStateNormal, enums.BreakerStateTripped} {
		v := 0.0
		if s.Breaker == st {
			v = 1
		}
		m.breaker.WithLabelValues(string(st)).Set(v)
	}
	if s.Halted {
		m.halted.Set(1)
	} else {
		m.halted.Set(0)
	}
}

func (m *LedgerMetrics) ObserveWithdrawal(outcome string) {
	if m == nil || m.withdrawals == nil {
		return
	}
	m.withdrawals.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *LedgerMetrics) ObserveBreakerTransition(to enums.BreakerState) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(string(to))).Inc()
}

// SettlementMetrics counts settlement dispatch outcomes.
type SettlementMetrics struct {
	commits *prometheus.CounterVec
}

func NewSettlementMetrics(reg prometheus.Registerer) *SettlementMetrics {
	if reg == nil {
		return &SettlementMetrics{}
	}
	commits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settlement_batches_total",
		Help:      "Settlement batch dispatch outcomes.",
	}, []string{"outcome"})
	reg.MustRegister(commits)
	return &SettlementMetrics{commits: commits}
}

func (m *SettlementMetrics) ObserveCommit(outcome string) {
	if m == nil || m.commits == nil {
		return
	}
	m.commits.WithLabelValues(normalizeLabel(outcome)).Inc()
}
