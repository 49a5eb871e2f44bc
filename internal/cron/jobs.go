package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/unilevel-ledger/internal/ledger"
	"github.com/angelmondragon/unilevel-ledger/internal/settlement"
	"github.com/angelmondragon/unilevel-ledger/internal/unlock"
	"github.com/angelmondragon/unilevel-ledger/pkg/logger"
)

const (
	JobEligibilityRefresh = "eligibility-refresh"
	JobSettlementDispatch = "settlement-dispatch"
	JobSubscriptionExpiry = "subscription-expiry"
	JobLiabilityAudit     = "liability-audit"
)

const defaultEligibilityEvery = 24 * time.Hour

type eligibilityRefresher interface {
	BatchEvaluate(ctx context.Context) (unlock.Summary, error)
}

type settlementDispatcher interface {
	RunOnce(ctx context.Context) (settlement.DispatchSummary, error)
}

type subscriptionExpirer interface {
	ExpireSubscriptions(ctx context.Context, now time.Time) (int, error)
}

type liabilityVerifier interface {
	Verify(ctx context.Context) (ledger.VerifyReport, error)
}

// EligibilityRefreshJob re-evaluates level unlocks for every active account.
// It is the only place where levels are taken away.
type EligibilityRefreshJob struct {
	logg      *logger.Logger
	refresher eligibilityRefresher
	every     time.Duration
}

func NewEligibilityRefreshJob(logg *logger.Logger, refresher eligibilityRefresher, every time.Duration) (*EligibilityRefreshJob, error) {
	if logg == nil {
		return nil, errors.New("logger required")
	}
	if refresher == nil {
		return nil, errors.New("unlock evaluator required")
	}
	if every <= 0 {
		every = defaultEligibilityEvery
	}
	return &EligibilityRefreshJob{logg: logg, refresher: refresher, every: every}, nil
}

func (j *EligibilityRefreshJob) Name() string         { return JobEligibilityRefresh }
func (j *EligibilityRefreshJob) Every() time.Duration { return j.every }

func (j *EligibilityRefreshJob) Run(ctx context.Context) error {
	summary, err := j.refresher.BatchEvaluate(ctx)
	for _, c := range summary.Changes {
		j.logg.Info(j.logg.WithFields(j.logg.WithAccountID(ctx, c.AccountID), map[string]any{
			"from": c.From,
			"to":   c.To,
		}), "unlocked level changed")
	}
	if err != nil {
		return fmt.Errorf("eligibility refresh: %d of %d accounts failed: %w", summary.Failed, summary.Checked, err)
	}
	return nil
}

// SettlementDispatchJob pushes uncommitted batches to the settlement sink.
type SettlementDispatchJob struct {
	dispatcher settlementDispatcher
}

func NewSettlementDispatchJob(dispatcher settlementDispatcher) (*SettlementDispatchJob, error) {
	if dispatcher == nil {
		return nil, errors.New("settlement dispatcher required")
	}
	return &SettlementDispatchJob{dispatcher: dispatcher}, nil
}

func (j *SettlementDispatchJob) Name() string { return JobSettlementDispatch }

func (j *SettlementDispatchJob) Run(ctx context.Context) error {
	_, err := j.dispatcher.RunOnce(ctx)
	return err
}

// SubscriptionExpiryJob deactivates accounts whose subscription lapsed.
type SubscriptionExpiryJob struct {
	logg    *logger.Logger
	expirer subscriptionExpirer
	now     func() time.Time
}

func NewSubscriptionExpiryJob(logg *logger.Logger, expirer subscriptionExpirer, now func() time.Time) (*SubscriptionExpiryJob, error) {
	if logg == nil {
		return nil, errors.New("logger required")
	}
	if expirer == nil {
		return nil, errors.New("ledger required")
	}
	if now == nil {
		now = time.Now
	}
	return &SubscriptionExpiryJob{logg: logg, expirer: expirer, now: now}, nil
}

func (j *SubscriptionExpiryJob) Name() string { return JobSubscriptionExpiry }

func (j *SubscriptionExpiryJob) Run(ctx context.Context) error {
	expired, err := j.expirer.ExpireSubscriptions(ctx, j.now().UTC())
	if err != nil {
		return fmt.Errorf("expire subscriptions: %w", err)
	}
	if expired > 0 {
		j.logg.Info(j.logg.WithField(ctx, "expired", expired), "subscriptions expired")
	}
	return nil
}

// LiabilityAuditJob recomputes liabilities from the accounts. A mismatch
// halts the ledger and fails the job.
type LiabilityAuditJob struct {
	logg     *logger.Logger
	verifier liabilityVerifier
}

func NewLiabilityAuditJob(logg *logger.Logger, verifier liabilityVerifier) (*LiabilityAuditJob, error) {
	if logg == nil {
		return nil, errors.New("logger required")
	}
	if verifier == nil {
		return nil, errors.New("ledger required")
	}
	return &LiabilityAuditJob{logg: logg, verifier: verifier}, nil
}

func (j *LiabilityAuditJob) Name() string { return JobLiabilityAudit }

func (j *LiabilityAuditJob) Run(ctx context.Context) error {
	report, err := j.verifier.Verify(ctx)
	ctx = j.logg.WithFields(ctx, map[string]any{
		"accounts": report.Accounts,
		"computed": report.Computed.String(),
		"tracked":  report.Tracked.String(),
	})
	if err != nil {
		return err
	}
	if !report.Consistent {
		return fmt.Errorf("liabilities inconsistent, ledger already halted (first failed account %q)", report.FirstFailed)
	}
	j.logg.Debug(ctx, "liability audit passed")
	return nil
}
