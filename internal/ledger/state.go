package ledger

import (
	"time"

	"github.com/angelmondragon/unilevel-ledger/pkg/enums"
	"github.com/shopspring/decimal"
)

var bpsScale = decimal.NewFromInt(10000)

// Snapshot is an immutable view of the aggregate ledger state. Readers get it
// through an atomic pointer and never block writers.
type Snapshot struct {
	TotalLiabilities decimal.Decimal    `json:"total_liabilities"`
	ReportedAssets   decimal.Decimal    `json:"reported_assets"`
	EmergencyReserve decimal.Decimal    `json:"emergency_reserve"`
	SolvencyRatioBps int64              `json:"solvency_ratio_bps"`
	InfiniteRatio    bool               `json:"infinite_ratio"`
	MinSolvencyBps   int64              `json:"min_solvency_bps"`
	Breaker          enums.BreakerState `json:"breaker"`
	Maintenance      bool               `json:"maintenance"`
	Halted           bool               `json:"halted"`
	HaltReason       string             `json:"halt_reason,omitempty"`
	Version          uint64             `json:"version"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// BreakerActive reports whether outflows are frozen.
func (s Snapshot) BreakerActive() bool {
	return s.Breaker == enums.BreakerStateTripped
}

// AvailableForPayout is the part of reported assets outside the ring-fenced
// emergency reserve.
func (s Snapshot) AvailableForPayout() decimal.Decimal {
	return decimal.Max(s.ReportedAssets.Sub(s.EmergencyReserve), decimal.Zero)
}

// State is the persisted part of the aggregate. Liabilities are not stored:
// they are rebuilt from account rows on startup.
type State struct {
	ReportedAssets   decimal.Decimal
	EmergencyReserve decimal.Decimal
	MinSolvencyBps   int64
	Maintenance      bool
	Breaker          enums.BreakerState
	// TreasuryUsed and TreasuryWindowStart carry the daily treasury cap
	// across restarts.
	TreasuryUsed        decimal.Decimal
	TreasuryWindowStart time.Time
	UpdatedAt           time.Time
}

// aggregate is mutated only while Ledger.aggMu is held.
type aggregate struct {
	totalLiabilities decimal.Decimal
	reportedAssets   decimal.Decimal
	emergencyReserve decimal.Decimal
	minSolvencyBps   int64
	breaker          enums.BreakerState
	maintenance      bool
	halted           bool
	haltReason       string
	version          uint64
}

// ratio returns reportedAssets*10000/totalLiabilities truncated to whole
// basis points, and whether it is infinite (no liabilities).
func (a aggregate) ratio() (int64, bool) {
	if !a.totalLiabilities.IsPositive() {
		return 0, true
	}
	return a.reportedAssets.Mul(bpsScale).Div(a.totalLiabilities).Truncate(0).IntPart(), false
}

// breached reports whether the solvency ratio sits below the minimum.
func (a aggregate) breached() bool {
	bps, infinite := a.ratio()
	return !infinite && bps < a.minSolvencyBps
}

// evaluateBreaker returns the state the breaker should hold after a
// balance-affecting operation.
func (a aggregate) evaluateBreaker() enums.BreakerState {
	if a.maintenance || a.breached() {
		return enums.BreakerStateTripped
	}
	return enums.BreakerStateNormal
}

func (a aggregate) snapshot(now time.Time) Snapshot {
	bps, infinite := a.ratio()
	return Snapshot{
		TotalLiabilities: a.totalLiabilities,
		ReportedAssets:   a.reportedAssets,
		EmergencyReserve: a.emergencyReserve,
		SolvencyRatioBps: bps,
		InfiniteRatio:    infinite,
		MinSolvencyBps:   a.minSolvencyBps,
		Breaker:          a.breaker,
		Maintenance:      a.maintenance,
		Halted:           a.halted,
		HaltReason:       a.haltReason,
		Version:          a.version,
		UpdatedAt:        now,
	}
}

func (a aggregate) state(now time.Time) State {
	return State{
		ReportedAssets:   a.reportedAssets,
		EmergencyReserve: a.emergencyReserve,
		MinSolvencyBps:   a.minSolvencyBps,
		Maintenance:      a.maintenance,
		Breaker:          a.breaker,
		UpdatedAt:        now,
	}
}
