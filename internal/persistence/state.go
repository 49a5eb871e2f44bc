package persistence

import (
	"context"
	"errors"

	"github.com/angelmondragon/unilevel-ledger/internal/ledger"
	"github.com/angelmondragon/unilevel-ledger/pkg/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StateRepository persists the single ledger_state row.
type StateRepository interface {
	WithTx(tx *gorm.DB) StateRepository
	Save(ctx context.Context, state ledger.State) error
	// Load reports false when the ledger has never committed anything.
	Load(ctx context.Context) (ledger.State, bool, error)
}

type stateRepository struct {
	db *gorm.DB
}

func NewStateRepository(db *gorm.DB) StateRepository {
	return &stateRepository{db: db}
}

func (r *stateRepository) WithTx(tx *gorm.DB) StateRepository {
	if tx == nil {
		return r
	}
	return &stateRepository{db: tx}
}

func (r *stateRepository) Save(ctx context.Context, state ledger.State) error {
	row := models.LedgerState{
		ID:               models.LedgerStateID,
		ReportedAssets:   state.ReportedAssets,
		EmergencyReserve: state.EmergencyReserve,
		MinSolvencyBps:   state.MinSolvencyBps,
		Maintenance:      state.Maintenance,
		Breaker:          state.Breaker,
		TreasuryUsed:     state.TreasuryUsed,
		UpdatedAt:        state.UpdatedAt,
	}
	if !state.TreasuryWindowStart.IsZero() {
		start := state.TreasuryWindowStart
		row.TreasuryStart = &start
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"reported_assets", "emergency_reserve", "min_solvency_bps", "maintenance", "breaker",
				"treasury_used", "treasury_window_started_at", "updated_at",
			}),
		}).
		Create(&row).Error
}

func (r *stateRepository) Load(ctx context.Context) (ledger.State, bool, error) {
	var row models.LedgerState
	err := r.db.WithContext(ctx).Where("id = ?", models.LedgerStateID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.State{}, false, nil
	}
	if err != nil {
		return ledger.State{}, false, err
	}
	state := ledger.State{
		ReportedAssets:   row.ReportedAssets,
		EmergencyReserve: row.EmergencyReserve,
		MinSolvencyBps:   row.MinSolvencyBps,
		Maintenance:      row.Maintenance,
		Breaker:          row.Breaker,
		TreasuryUsed:     row.TreasuryUsed,
		UpdatedAt:        row.UpdatedAt,
	}
	if row.TreasuryStart != nil {
		state.TreasuryWindowStart = *row.TreasuryStart
	}
	return state, true, nil
}
