package controllers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/unilevel-ledger/api/responses"
	"github.com/angelmondragon/unilevel-ledger/internal/accounts"
	"github.com/angelmondragon/unilevel-ledger/internal/ledger"
	"github.com/angelmondragon/unilevel-ledger/internal/settlement"
	pkgerrors "github.com/angelmondragon/unilevel-ledger/pkg/errors"
	"github.com/angelmondragon/unilevel-ledger/pkg/logger"
)

const maxReviewLimit = 500

// LedgerReader is the read-only slice of the engine the ops endpoints use.
type LedgerReader interface {
	Snapshot() ledger.Snapshot
	Account(id string) (accounts.Account, error)
	BatchesForReview(ctx context.Context, limit int) ([]settlement.Record, error)
}

type accountDTO struct {
	ID                  string          `json:"id"`
	SponsorID           string          `json:"sponsor_id,omitempty"`
	Active              bool            `json:"active"`
	UnlockedLevel       int             `json:"unlocked_level"`
	InternalBalance     decimal.Decimal `json:"internal_balance"`
	PendingInactive     decimal.Decimal `json:"pending_inactive"`
	MonthlyVolume       decimal.Decimal `json:"monthly_volume"`
	DirectActiveCount   int             `json:"direct_active_count"`
	WithdrawnThisWindow decimal.Decimal `json:"withdrawn_this_window"`
	KYCStatus           string          `json:"kyc_status"`
}

type reviewBatchDTO struct {
	BatchID      string          `json:"batch_id"`
	RoundID      string          `json:"round_id"`
	Status       string          `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	LastError    string          `json:"last_error,omitempty"`
	Total        decimal.Decimal `json:"total"`
	Shortfall    decimal.Decimal `json:"shortfall"`
	AppliedAt    time.Time       `json:"applied_at"`
	ReversedAt   *time.Time      `json:"reversed_at,omitempty"`
}

func OpsSnapshot(reader LedgerReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, reader.Snapshot())
	}
}

func OpsAccount(reader LedgerReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := reader.Account(chi.URLParam(r, "accountID"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, accountDTO{
			ID:                  acct.ID,
			SponsorID:           acct.SponsorID,
			Active:              acct.Active,
			UnlockedLevel:       acct.UnlockedLevel,
			InternalBalance:     acct.InternalBalance,
			PendingInactive:     acct.PendingInactive,
			MonthlyVolume:       acct.MonthlyVolume,
			DirectActiveCount:   acct.DirectActiveCount,
			WithdrawnThisWindow: acct.WithdrawnThisWindow,
			KYCStatus:           acct.KYCStatus.String(),
		})
	}
}

// OpsReviewBatches lists reversed batches and those parked for manual review.
func OpsReviewBatches(reader LedgerReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > maxReviewLimit {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Newf(pkgerrors.CodeValidation, "limit must be between 1 and %d", maxReviewLimit))
				return
			}
			limit = n
		}
		recs, err := reader.BatchesForReview(r.Context(), limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list settlement batches"))
			return
		}
		out := make([]reviewBatchDTO, 0, len(recs))
		for _, rec := range recs {
			out = append(out, reviewBatchDTO{
				BatchID:      rec.Batch.ID.String(),
				RoundID:      rec.Batch.RoundID,
				Status:       string(rec.Status),
				AttemptCount: rec.AttemptCount,
				LastError:    rec.LastError,
				Total:        rec.Batch.Total(),
				Shortfall:    rec.Shortfall,
				AppliedAt:    rec.AppliedAt,
				ReversedAt:   rec.ReversedAt,
			})
		}
		responses.WriteSuccess(w, out)
	}
}
