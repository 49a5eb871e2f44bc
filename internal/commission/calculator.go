package commission

import (
	"context"
	"fmt"
	"sort"

	"github.com/angelmondragon/unilevel-ledger/internal/accounts"
	pkgerrors "github.com/angelmondragon/unilevel-ledger/pkg/errors"
	"github.com/angelmondragon/unilevel-ledger/pkg/logger"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// AccountReader is the read side of the account table the calculator needs.
type AccountReader interface {
	Get(id string) (accounts.Account, error)
	Upline(id string, depth int) ([]accounts.Account, error)
}

// Config holds the pool fraction and the per-level table, both in percent.
type Config struct {
	PoolPercent decimal.Decimal
	Percentages [accounts.MaxLevel]decimal.Decimal
	Scale       int32
}

func DefaultConfig() Config {
	cfg := Config{PoolPercent: decimal.NewFromInt(25), Scale: 6}
	for i, p := range []int64{8, 3, 2, 1, 1, 2, 2, 2, 2, 2} {
		cfg.Percentages[i] = decimal.NewFromInt(p)
	}
	return cfg
}

// ConfigFromSlice copies an operator supplied table into a Config.
func ConfigFromSlice(pool decimal.Decimal, percentages []decimal.Decimal, scale int32) (Config, error) {
	if len(percentages) != accounts.MaxLevel {
		return Config{}, pkgerrors.Newf(pkgerrors.CodeInvalidPercentageTable, "expected %d percentages, got %d", accounts.MaxLevel, len(percentages))
	}
	cfg := Config{PoolPercent: pool, Scale: scale}
	copy(cfg.Percentages[:], percentages)
	return cfg, nil
}

// Sum totals the per-level table.
func (c Config) Sum() decimal.Decimal {
	sum := decimal.Zero
	for _, p := range c.Percentages {
		sum = sum.Add(p)
	}
	return sum
}

func (c Config) validate() error {
	if c.PoolPercent.LessThanOrEqual(decimal.Zero) || c.PoolPercent.GreaterThan(hundred) {
		return pkgerrors.New(pkgerrors.CodeInvalidPercentageTable, "pool percent must be within (0, 100]")
	}
	for i, p := range c.Percentages {
		if p.IsNegative() {
			return pkgerrors.Newf(pkgerrors.CodeInvalidPercentageTable, "level %d percentage is negative", i+1)
		}
	}
	if c.Scale < 0 {
		return pkgerrors.New(pkgerrors.CodeInvalidPercentageTable, "scale must not be negative")
	}
	return nil
}

// Calculator walks sponsor chains and produces commission lines. It never
// mutates accounts.
type Calculator struct {
	cfg    Config
	reader AccountReader
	logg   *logger.Logger

	// tableWarning is set when the table does not sum to the pool percent.
	tableWarning error
}

func New(cfg Config, reader AccountReader, logg *logger.Logger) (*Calculator, error) {
	if reader == nil {
		return nil, fmt.Errorf("account reader required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Calculator{cfg: cfg, reader: reader, logg: logg}
	if sum := cfg.Sum(); !sum.Equal(cfg.PoolPercent) {
		c.tableWarning = pkgerrors.New(pkgerrors.CodeInvalidPercentageTable, "percentage table does not sum to the pool percent").
			WithDetails(map[string]any{"sum": sum.String(), "pool_percent": cfg.PoolPercent.String()})
		ctx := logg.WithFields(context.Background(), map[string]any{
			"code":         string(pkgerrors.CodeInvalidPercentageTable),
			"sum":          sum.String(),
			"pool_percent": cfg.PoolPercent.String(),
		})
		logg.Warn(ctx, "commission percentage table mismatch")
	}
	return c, nil
}

// TableWarning returns the non-fatal table mismatch detected at startup.
func (c *Calculator) TableWarning() error {
	return c.tableWarning
}

func (c *Calculator) Config() Config {
	return c.cfg
}

// Compute distributes the commission pool of one beneficiary's profit over
// its upline. Level L pays the sponsor L links up when that sponsor has
// unlocked L; an inactive but unlocked sponsor gets a pending line. Shares of
// locked or missing levels are reported as unallocated and never
// redistributed.
func (c *Calculator) Compute(ctx context.Context, beneficiaryID string, profit decimal.Decimal) (Result, error) {
	if profit.IsNegative() {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "profit must not be negative").
			WithDetails(map[string]any{"account_id": beneficiaryID, "profit": profit.String()})
	}
	beneficiary, err := c.reader.Get(beneficiaryID)
	if err != nil {
		return Result{}, err
	}
	upline, err := c.reader.Upline(beneficiary.ID, accounts.MaxLevel)
	if err != nil {
		return Result{}, err
	}

	pool := profit.Mul(c.cfg.PoolPercent).Div(hundred).Truncate(c.cfg.Scale)
	res := Result{
		BeneficiaryID: beneficiary.ID,
		Profit:        profit,
		Pool:          pool,
		Distributed:   decimal.Zero,
		Pending:       decimal.Zero,
		Unallocated:   decimal.Zero,
	}

	for i := 0; i < accounts.MaxLevel; i++ {
		level := i + 1
		pct := c.cfg.Percentages[i]
		share := c.share(pool, pct)

		if i >= len(upline) {
			res.Unallocated = res.Unallocated.Add(share)
			continue
		}
		sponsor := upline[i]
		if sponsor.UnlockedLevel < level {
			res.Unallocated = res.Unallocated.Add(share)
			continue
		}

		line := Line{
			PayerID:     beneficiary.ID,
			RecipientID: sponsor.ID,
			Level:       level,
			Percentage:  pct,
			Amount:      share,
			Pending:     !sponsor.Active,
		}
		if share.IsZero() {
			continue
		}
		res.Lines = append(res.Lines, line)
		res.Distributed = res.Distributed.Add(share)
		if line.Pending {
			res.Pending = res.Pending.Add(share)
		}
	}
	res.Remainder = pool.Sub(res.Distributed).Sub(res.Unallocated)

	c.logg.Debug(c.logg.WithFields(ctx, map[string]any{
		"account_id":  beneficiary.ID,
		"profit":      profit.String(),
		"pool":        pool.String(),
		"lines":       len(res.Lines),
		"distributed": res.Distributed.String(),
		"unallocated": res.Unallocated.String(),
	}), "commission computed")

	return res, nil
}

func (c *Calculator) share(pool, pct decimal.Decimal) decimal.Decimal {
	return pool.Mul(pct).Div(hundred).Truncate(c.cfg.Scale)
}

// ComputeBatch runs Compute per entry and folds the lines by recipient so the
// ledger performs one mutation per recipient per round.
func (c *Calculator) ComputeBatch(ctx context.Context, entries []Entry) (BatchResult, error) {
	out := BatchResult{
		Pool:        decimal.Zero,
		Distributed: decimal.Zero,
		Pending:     decimal.Zero,
		Unallocated: decimal.Zero,
		Remainder:   decimal.Zero,
	}
	for i, entry := range entries {
		res, err := c.Compute(ctx, entry.AccountID, entry.Profit)
		if err != nil {
			if typed := pkgerrors.As(err); typed != nil && typed.Details() == nil {
				typed.WithDetails(map[string]any{"entry": i, "account_id": entry.AccountID})
			}
			return BatchResult{}, err
		}
		out.Results = append(out.Results, res)
		out.Lines = append(out.Lines, res.Lines...)
		out.Pool = out.Pool.Add(res.Pool)
		out.Distributed = out.Distributed.Add(res.Distributed)
		out.Pending = out.Pending.Add(res.Pending)
		out.Unallocated = out.Unallocated.Add(res.Unallocated)
		out.Remainder = out.Remainder.Add(res.Remainder)
	}

	SortLines(out.Lines)
	out.Recipients = Aggregate(out.Lines)

	c.logg.Info(c.logg.WithFields(ctx, map[string]any{
		"entries":     len(entries),
		"recipients":  len(out.Recipients),
		"distributed": out.Distributed.String(),
		"pending":     out.Pending.String(),
		"unallocated": out.Unallocated.String(),
	}), "commission batch computed")

	return out, nil
}

// SortLines orders lines by recipient, then payer, then level. Replays of the
// same batch therefore apply in the same order.
func SortLines(lines []Line) {
	sort.SliceStable(lines, func(i, j int) bool {
		a, b := lines[i], lines[j]
		if a.RecipientID != b.RecipientID {
			return a.RecipientID < b.RecipientID
		}
		if a.PayerID != b.PayerID {
			return a.PayerID < b.PayerID
		}
		return a.Level < b.Level
	})
}

// Aggregate groups sorted lines into one total per recipient.
func Aggregate(lines []Line) []RecipientTotal {
	var out []RecipientTotal
	for _, line := range lines {
		n := len(out)
		if n == 0 || out[n-1].RecipientID != line.RecipientID {
			out = append(out, RecipientTotal{RecipientID: line.RecipientID, Amount: decimal.Zero, Pending: decimal.Zero})
			n++
		}
		rt := &out[n-1]
		rt.Amount = rt.Amount.Add(line.Amount)
		if line.Pending {
			rt.Pending = rt.Pending.Add(line.Amount)
		}
		rt.Lines = append(rt.Lines, line)
	}
	return out
}

// Simulate computes commissions and reports the state of every upline level,
// without side effects.
func (c *Calculator) Simulate(ctx context.Context, beneficiaryID string, profit decimal.Decimal) (Simulation, error) {
	res, err := c.Compute(ctx, beneficiaryID, profit)
	if err != nil {
		return Simulation{}, err
	}
	upline, err := c.reader.Upline(res.BeneficiaryID, accounts.MaxLevel)
	if err != nil {
		return Simulation{}, err
	}
	sim := Simulation{Result: res}
	for i, sponsor := range upline {
		level := i + 1
		sim.Upline = append(sim.Upline, UplineDetail{
			Level:             level,
			AccountID:         sponsor.ID,
			Active:            sponsor.Active,
			UnlockedLevel:     sponsor.UnlockedLevel,
			Unlocked:          sponsor.UnlockedLevel >= level,
			DirectActiveCount: sponsor.DirectActiveCount,
			MonthlyVolume:     sponsor.MonthlyVolume,
		})
	}
	return sim, nil
}
