package unlock

import (
	"context"
	"fmt"

	"github.com/angelmondragon/unilevel-ledger/internal/accounts"
	"github.com/angelmondragon/unilevel-ledger/pkg/logger"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

// AccountReader is the slice of the account table eligibility needs.
type AccountReader interface {
	Get(id string) (accounts.Account, error)
	ActiveDirects(id string) (int, decimal.Decimal, error)
	ActiveIDs() []string
}

// LevelWriter applies a recommended level through the ledger's single-writer
// path. It reports whether the stored level changed.
type LevelWriter interface {
	ApplyEligibility(ctx context.Context, accountID string, level, directActiveCount int) (bool, error)
}

type Config struct {
	RequiredDirects int
	RequiredVolume  decimal.Decimal
}

func DefaultConfig() Config {
	return Config{RequiredDirects: 5, RequiredVolume: decimal.NewFromInt(5000)}
}

type Requirement[T any] struct {
	Required T    `json:"required"`
	Current  T    `json:"current"`
	Met      bool `json:"met"`
}

type Requirements struct {
	Directs Requirement[int]             `json:"directs"`
	Volume  Requirement[decimal.Decimal] `json:"volume"`
}

type Result struct {
	AccountID     string       `json:"account_id"`
	Active        bool         `json:"active"`
	CurrentLevel  int          `json:"current_level"`
	UnlockedLevel int          `json:"unlocked_level"`
	Qualifies     bool         `json:"qualifies"`
	NeedsUpdate   bool         `json:"needs_update"`
	Requirements  Requirements `json:"requirements"`
}

type Change struct {
	AccountID string
	From      int
	To        int
}

type Summary struct {
	Checked int
	Updated int
	Failed  int
	Changes []Change
}

// Evaluator decides whether an account has unlocked levels 6 to 10. Unlock is
// binary: an active account sits at level 5 or level 10.
type Evaluator struct {
	cfg    Config
	reader AccountReader
	writer LevelWriter
	logg   *logger.Logger
}

func New(cfg Config, reader AccountReader, writer LevelWriter, logg *logger.Logger) (*Evaluator, error) {
	if reader == nil {
		return nil, fmt.Errorf("account reader required")
	}
	if writer == nil {
		return nil, fmt.Errorf("level writer required")
	}
	if cfg.RequiredDirects <= 0 {
		return nil, fmt.Errorf("required directs must be positive")
	}
	if cfg.RequiredVolume.IsNegative() {
		return nil, fmt.Errorf("required volume must not be negative")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &Evaluator{cfg: cfg, reader: reader, writer: writer, logg: logg}, nil
}

func (e *Evaluator) Evaluate(ctx context.Context, accountID string) (Result, error) {
	return e.evaluate(accountID, 0, decimal.Zero)
}

// Simulate evaluates as if the account had extra active directs and extra
// combined volume.
func (e *Evaluator) Simulate(ctx context.Context, accountID string, extraDirects int, extraVolume decimal.Decimal) (Result, error) {
	if extraDirects < 0 || extraVolume.IsNegative() {
		return Result{}, fmt.Errorf("simulated additions must not be negative")
	}
	return e.evaluate(accountID, extraDirects, extraVolume)
}

func (e *Evaluator) evaluate(accountID string, extraDirects int, extraVolume decimal.Decimal) (Result, error) {
	acct, err := e.reader.Get(accountID)
	if err != nil {
		return Result{}, err
	}
	directs, volume, err := e.reader.ActiveDirects(acct.ID)
	if err != nil {
		return Result{}, err
	}
	directs += extraDirects
	volume = volume.Add(extraVolume)

	res := Result{
		AccountID:    acct.ID,
		Active:       acct.Active,
		CurrentLevel: acct.UnlockedLevel,
		Requirements: Requirements{
			Directs: Requirement[int]{Required: e.cfg.RequiredDirects, Current: directs, Met: directs >= e.cfg.RequiredDirects},
			Volume:  Requirement[decimal.Decimal]{Required: e.cfg.RequiredVolume, Current: volume, Met: volume.GreaterThanOrEqual(e.cfg.RequiredVolume)},
		},
	}
	res.Qualifies = res.Requirements.Directs.Met && res.Requirements.Volume.Met

	// Levels of an inactive account are frozen until it reactivates.
	switch {
	case !acct.Active:
		res.UnlockedLevel = acct.UnlockedLevel
	case res.Qualifies:
		res.UnlockedLevel = accounts.MaxLevel
	default:
		res.UnlockedLevel = accounts.BaseLevel
	}
	res.NeedsUpdate = res.UnlockedLevel != acct.UnlockedLevel
	return res, nil
}

// BatchEvaluate re-evaluates every active account and applies changed levels
// through the ledger. Per-account failures are collected and do not stop the
// pass.
func (e *Evaluator) BatchEvaluate(ctx context.Context) (Summary, error) {
	var (
		summary Summary
		errs    error
	)
	for _, id := range e.reader.ActiveIDs() {
		if err := ctx.Err(); err != nil {
			return summary, multierr.Append(errs, err)
		}
		summary.Checked++

		res, err := e.Evaluate(ctx, id)
		if err != nil {
			summary.Failed++
			errs = multierr.Append(errs, fmt.Errorf("evaluate %s: %w", id, err))
			continue
		}
		changed, err := e.writer.ApplyEligibility(ctx, id, res.UnlockedLevel, res.Requirements.Directs.Current)
		if err != nil {
			summary.Failed++
			errs = multierr.Append(errs, fmt.Errorf("apply %s: %w", id, err))
			continue
		}
		if changed {
			summary.Updated++
			summary.Changes = append(summary.Changes, Change{AccountID: id, From: res.CurrentLevel, To: res.UnlockedLevel})
		}
	}

	e.logg.Info(e.logg.WithFields(ctx, map[string]any{
		"checked": summary.Checked,
		"updated": summary.Updated,
		"failed":  summary.Failed,
	}), "eligibility refresh completed")

	return summary, errs
}
