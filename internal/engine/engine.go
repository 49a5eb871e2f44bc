// Package engine exposes the inbound operations of the commission ledger. It
// is wired once at startup and shared by the consumers and the cron jobs.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/angelmondragon/unilevel-ledger/internal/accounts"
	"github.com/angelmondragon/unilevel-ledger/internal/ledger"
	"github.com/angelmondragon/unilevel-ledger/internal/settlement"
	"github.com/angelmondragon/unilevel-ledger/internal/unlock"
	"github.com/angelmondragon/unilevel-ledger/pkg/enums"
	"github.com/angelmondragon/unilevel-ledger/pkg/logger"
	"github.com/angelmondragon/unilevel-ledger/pkg/validators"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

const defaultReviewLimit = 100

type ledgerOps interface {
	Register(ctx context.Context, id, sponsorID string) (accounts.Account, error)
	SetActive(ctx context.Context, id string, active bool) (decimal.Decimal, error)
	SetVolume(ctx context.Context, id string, volume decimal.Decimal) error
	ActivateSubscription(ctx context.Context, id string, fromBalance bool, now time.Time) (time.Time, error)
	ApplyEligibility(ctx context.Context, id string, level, directActiveCount int) (bool, error)
	ReportReserveAssets(ctx context.Context, amount decimal.Decimal) (ledger.Snapshot, error)
	Withdraw(ctx context.Context, id string, amount decimal.Decimal) (ledger.Receipt, error)
	TreasuryPayout(ctx context.Context, amount decimal.Decimal, reason string) (ledger.Receipt, error)
	Snapshot() ledger.Snapshot
	Account(id string) (accounts.Account, error)
}

type eligibility interface {
	Evaluate(ctx context.Context, accountID string) (unlock.Result, error)
	BatchEvaluate(ctx context.Context) (unlock.Summary, error)
}

type settlementTrigger interface {
	Trigger(ctx context.Context, input settlement.TriggerInput) (settlement.TriggerResult, error)
}

type batchLister interface {
	ListByStatus(ctx context.Context, status enums.SettlementStatus, limit int) ([]settlement.Record, error)
}

type RegisterRequest struct {
	AccountID string `json:"account_id" validate:"required,max=128"`
	SponsorID string `json:"sponsor_id,omitempty" validate:"omitempty,max=128"`
}

type ActivationRequest struct {
	AccountID string `json:"account_id" validate:"required"`
	Active    bool   `json:"active"`
}

type ActivationResult struct {
	Account  accounts.Account `json:"account"`
	Released decimal.Decimal  `json:"released"`
	// SponsorPromoted is set when the activation lifted the sponsor to the
	// full depth.
	SponsorPromoted bool `json:"sponsor_promoted"`
}

type VolumeRequest struct {
	AccountID string          `json:"account_id" validate:"required"`
	Volume    decimal.Decimal `json:"volume" validate:"gte=0"`
}

type ReserveRequest struct {
	Amount decimal.Decimal `json:"amount" validate:"gte=0"`
}

type WithdrawalRequest struct {
	AccountID string          `json:"account_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount" validate:"gt=0"`
}

type TreasuryPayoutRequest struct {
	Amount decimal.Decimal `json:"amount" validate:"gt=0"`
	Reason string          `json:"reason" validate:"required,max=256"`
}

type SubscriptionRequest struct {
	AccountID   string `json:"account_id" validate:"required"`
	FromBalance bool   `json:"from_balance"`
}

type Params struct {
	Logger     *logger.Logger
	Ledger     ledgerOps
	Evaluator  eligibility
	Settlement settlementTrigger
	Batches    batchLister
	Now        func() time.Time
}

// Service is the inbound surface of the ledger.
type Service interface {
	Register(ctx context.Context, req RegisterRequest) (accounts.Account, error)
	NotifyActivation(ctx context.Context, req ActivationRequest) (ActivationResult, error)
	ReportVolume(ctx context.Context, req VolumeRequest) error
	ReportReserveAssets(ctx context.Context, req ReserveRequest) (ledger.Snapshot, error)
	RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (ledger.Receipt, error)
	RequestTreasuryPayout(ctx context.Context, req TreasuryPayoutRequest) (ledger.Receipt, error)
	ActivateSubscription(ctx context.Context, req SubscriptionRequest) (time.Time, error)
	TriggerSettlementBatch(ctx context.Context, input settlement.TriggerInput) (settlement.TriggerResult, error)
	TriggerEligibilityRefresh(ctx context.Context) (unlock.Summary, error)
	EvaluateEligibility(ctx context.Context, accountID string) (unlock.Result, error)
	BatchesForReview(ctx context.Context, limit int) ([]settlement.Record, error)
	Snapshot() ledger.Snapshot
	Account(id string) (accounts.Account, error)
}

type service struct {
	logg       *logger.Logger
	ledger     ledgerOps
	evaluator  eligibility
	settlement settlementTrigger
	batches    batchLister
	now        func() time.Time
}

// New builds the engine. Batches may be nil when nothing is persisted.
func New(p Params) (Service, error) {
	if p.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if p.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if p.Evaluator == nil {
		return nil, errors.New("unlock evaluator is required")
	}
	if p.Settlement == nil {
		return nil, errors.New("settlement service is required")
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		logg:       p.Logger,
		ledger:     p.Ledger,
		evaluator:  p.Evaluator,
		settlement: p.Settlement,
		batches:    p.Batches,
		now:        now,
	}, nil
}

func (s *service) Register(ctx context.Context, req RegisterRequest) (accounts.Account, error) {
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.SponsorID = strings.TrimSpace(req.SponsorID)
	if err := validators.Struct(req); err != nil {
		return accounts.Account{}, err
	}
	return s.ledger.Register(ctx, req.AccountID, req.SponsorID)
}

// NotifyActivation flips the active flag. Activating may promote the sponsor
// right away; demotions only happen in the periodic refresh.
func (s *service) NotifyActivation(ctx context.Context, req ActivationRequest) (ActivationResult, error) {
	if err := validators.Struct(req); err != nil {
		return ActivationResult{}, err
	}
	released, err := s.ledger.SetActive(ctx, req.AccountID, req.Active)
	if err != nil {
		return ActivationResult{}, err
	}
	acct, err := s.ledger.Account(req.AccountID)
	if err != nil {
		return ActivationResult{}, err
	}
	res := ActivationResult{Account: acct, Released: released}
	if req.Active {
		res.SponsorPromoted = s.promoteSponsor(ctx, acct)
	}
	return res, nil
}

func (s *service) ReportVolume(ctx context.Context, req VolumeRequest) error {
	if err := validators.Struct(req); err != nil {
		return err
	}
	if err := s.ledger.SetVolume(ctx, req.AccountID, req.Volume); err != nil {
		return err
	}
	acct, err := s.ledger.Account(req.AccountID)
	if err != nil {
		return err
	}
	if acct.Active {
		s.promoteSponsor(ctx, acct)
	}
	return nil
}

func (s *service) ReportReserveAssets(ctx context.Context, req ReserveRequest) (ledger.Snapshot, error) {
	if err := validators.Struct(req); err != nil {
		return ledger.Snapshot{}, err
	}
	return s.ledger.ReportReserveAssets(ctx, req.Amount)
}

func (s *service) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (ledger.Receipt, error) {
	if err := validators.Struct(req); err != nil {
		return ledger.Receipt{}, err
	}
	return s.ledger.Withdraw(ctx, req.AccountID, req.Amount)
}

func (s *service) RequestTreasuryPayout(ctx context.Context, req TreasuryPayoutRequest) (ledger.Receipt, error) {
	if err := validators.Struct(req); err != nil {
		return ledger.Receipt{}, err
	}
	return s.ledger.TreasuryPayout(ctx, req.Amount, req.Reason)
}

func (s *service) ActivateSubscription(ctx context.Context, req SubscriptionRequest) (time.Time, error) {
	if err := validators.Struct(req); err != nil {
		return time.Time{}, err
	}
	expiry, err := s.ledger.ActivateSubscription(ctx, req.AccountID, req.FromBalance, s.now().UTC())
	if err != nil {
		return time.Time{}, err
	}
	if acct, err := s.ledger.Account(req.AccountID); err == nil {
		s.promoteSponsor(ctx, acct)
	}
	return expiry, nil
}

func (s *service) TriggerSettlementBatch(ctx context.Context, input settlement.TriggerInput) (settlement.TriggerResult, error) {
	return s.settlement.Trigger(ctx, input)
}

func (s *service) TriggerEligibilityRefresh(ctx context.Context) (unlock.Summary, error) {
	return s.evaluator.BatchEvaluate(ctx)
}

func (s *service) EvaluateEligibility(ctx context.Context, accountID string) (unlock.Result, error) {
	return s.evaluator.Evaluate(ctx, strings.TrimSpace(accountID))
}

// BatchesForReview lists reversed batches followed by those whose reversal
// failed.
func (s *service) BatchesForReview(ctx context.Context, limit int) ([]settlement.Record, error) {
	if s.batches == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultReviewLimit
	}
	var (
		out  []settlement.Record
		errs error
	)
	for _, status := range []enums.SettlementStatus{enums.SettlementStatusReversed, enums.SettlementStatusManualReview} {
		recs, err := s.batches.ListByStatus(ctx, status, limit)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		out = append(out, recs...)
	}
	return out, errs
}

func (s *service) Snapshot() ledger.Snapshot {
	return s.ledger.Snapshot()
}

func (s *service) Account(id string) (accounts.Account, error) {
	return s.ledger.Account(strings.TrimSpace(id))
}

// promoteSponsor applies an upward level change for the sponsor of acct.
// Failures are logged; the triggering update has already committed.
func (s *service) promoteSponsor(ctx context.Context, acct accounts.Account) bool {
	if !acct.HasSponsor() {
		return false
	}
	ctx = s.logg.WithAccountID(ctx, acct.SponsorID)
	res, err := s.evaluator.Evaluate(ctx, acct.SponsorID)
	if err != nil {
		s.logg.Error(ctx, "failed to evaluate sponsor eligibility", err)
		return false
	}
	if !res.NeedsUpdate || res.UnlockedLevel <= res.CurrentLevel {
		return false
	}
	changed, err := s.ledger.ApplyEligibility(ctx, acct.SponsorID, res.UnlockedLevel, res.Requirements.Directs.Current)
	if err != nil {
		s.logg.Error(ctx, "failed to promote sponsor", err)
		return false
	}
	if changed {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"from": res.CurrentLevel,
			"to":   res.UnlockedLevel,
		}), "sponsor unlocked full depth")
	}
	return changed
}
