package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/model"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/observer"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/pkg/logger"
)

// --- Stage Change Ledger Methods ---

// sameStageLabel compares stage labels the way the pipeline catalog ranks
// them: trimmed and case-insensitive. A CRM case flip of an unchanged stage
// must not read as a transition.
func sameStageLabel(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// RecordTransition appends a stage transition to the ledger if, and only if,
// the lead's canonical stage actually changed. It runs as a single
// transaction:
//
//  1. Take a per-lead advisory xact lock so concurrent notifications for the
//     same lead serialize on the whole read-compare-write sequence, not just
//     on existing rows. A FOR UPDATE alone cannot serialize two writers when
//     the lead has no rows yet.
//  2. Read the latest ledger row FOR UPDATE and compare its stage_to with the
//     candidate's. Equal stages mean the transition was already recorded;
//     return the existing row and inserted=false.
//  3. Otherwise derive stage_from from the latest row, hand the full history
//     to the enrich callback, and insert with ON CONFLICT (idempotency_key)
//     DO NOTHING. Zero rows affected means a concurrent transaction with the
//     same key won; that is also a no-op, never an error.
//
// The enrich callback computes dwell time and progression fields from the
// locked history so enrichment and the append commit atomically.
func (r *PostgresRepo) RecordTransition(ctx context.Context, candidate model.StageChangeRecord, enrich EnrichFunc) (*model.StageChangeRecord, bool, error) {
	if candidate.LeadID == "" {
		return nil, false, fmt.Errorf("%w: lead ID is required", apperrors.ErrBadRequest)
	}
	if candidate.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("%w: idempotency key is required", apperrors.ErrBadRequest)
	}

	var (
		recorded *model.StageChangeRecord
		inserted bool
	)

	operation := func() error {
		recorded = nil
		inserted = false

		tx := r.db.WithContext(ctx).Begin()
		if tx.Error != nil {
			return fmt.Errorf("%w: failed to begin transaction: %w", apperrors.ErrDatabase, tx.Error)
		}
		var txErr error
		defer func() {
			if r := recover(); r != nil {
				tx.Rollback()
				panic(r)
			} else if txErr != nil {
				if rbErr := tx.Rollback().Error; rbErr != nil {
					logger.FromContext(ctx).Error("Failed to rollback transaction after error", zap.Error(rbErr), zap.NamedError("originalTxError", txErr))
				}
			}
		}()

		// Serialize all writers for this lead, including the first-ever row.
		if lockErr := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", candidate.LeadID).Error; lockErr != nil {
			txErr = fmt.Errorf("%w: failed to acquire advisory lock: %w", apperrors.ErrDatabase, lockErr)
			return txErr
		}

		var latest model.StageChangeRecord
		result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("lead_id = ?", candidate.LeadID).
			Order("occurred_at DESC, id DESC").
			Take(&latest)
		findErr := result.Error

		if findErr == nil {
			if sameStageLabel(latest.StageTo, candidate.StageTo) {
				// Canonical stage unchanged, nothing to append.
				if commitErr := tx.Commit().Error; commitErr != nil {
					txErr = fmt.Errorf("%w: failed to commit no-op transaction: %w", apperrors.ErrDatabase, commitErr)
					return txErr
				}
				recorded = &latest
				return nil
			}
			from := latest.StageTo
			candidate.StageFrom = &from
		} else if !errors.Is(findErr, gorm.ErrRecordNotFound) {
			txErr = fmt.Errorf("%w: failed to lock latest ledger row: %w", apperrors.ErrDatabase, findErr)
			return txErr
		}
		// No prior row: first observed stage for this lead, StageFrom stays nil.

		if enrich != nil {
			var history []model.StageChangeRecord
			if findErr == nil {
				if histErr := tx.Where("lead_id = ?", candidate.LeadID).
					Order("occurred_at ASC, id ASC").
					Find(&history).Error; histErr != nil {
					txErr = fmt.Errorf("%w: failed to load ledger history: %w", apperrors.ErrDatabase, histErr)
					return txErr
				}
			}
			enrich(history, &candidate)
		}

		createResult := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).Create(&candidate)
		if createResult.Error != nil {
			txErr = checkConstraintViolation(createResult.Error)
			return txErr
		}

		if commitErr := tx.Commit().Error; commitErr != nil {
			txErr = fmt.Errorf("%w: failed to commit transition: %w", apperrors.ErrDatabase, commitErr)
			return txErr
		}

		if createResult.RowsAffected == 0 {
			// A concurrent writer inserted the same idempotency key first.
			logger.FromContext(ctx).Debug("Transition already recorded under idempotency key",
				zap.String("lead_id", candidate.LeadID),
				zap.String("idempotency_key", candidate.IdempotencyKey))
			return nil
		}

		recorded = &candidate
		inserted = true
		return nil
	}

	startTime := time.Now()
	policy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	err := retryableOperation(ctx, policy, "record_transition", operation)
	observer.ObserveDbOperationDuration("record_transition", time.Since(startTime), err)

	if err != nil {
		return nil, false, err
	}
	return recorded, inserted, nil
}

// FindLatestByLeadID returns the most recent ledger row for a lead, or
// ErrNotFound if the lead has no recorded transitions.
func (r *PostgresRepo) FindLatestByLeadID(ctx context.Context, leadID string) (*model.StageChangeRecord, error) {
	var record model.StageChangeRecord

	operation := func() error {
		return r.db.WithContext(ctx).
			Where("lead_id = ?", leadID).
			Order("occurred_at DESC, id DESC").
			Take(&record).Error
	}

	startTime := time.Now()
	policy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	err := retryableOperation(ctx, policy, "find_latest_by_lead_id", operation)
	observer.ObserveDbOperationDuration("find_latest_by_lead_id", time.Since(startTime), err)

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no transitions recorded for lead %s", apperrors.ErrNotFound, leadID)
		}
		return nil, fmt.Errorf("%w: failed to find latest transition: %w", apperrors.ErrDatabase, err)
	}
	return &record, nil
}

// FindHistoryByLeadID returns every recorded transition for a lead in
// chronological order. An empty history is not an error.
func (r *PostgresRepo) FindHistoryByLeadID(ctx context.Context, leadID string) ([]model.StageChangeRecord, error) {
	var records []model.StageChangeRecord

	operation := func() error {
		return r.db.WithContext(ctx).
			Where("lead_id = ?", leadID).
			Order("occurred_at ASC, id ASC").
			Find(&records).Error
	}

	startTime := time.Now()
	policy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	err := retryableOperation(ctx, policy, "find_history_by_lead_id", operation)
	observer.ObserveDbOperationDuration("find_history_by_lead_id", time.Since(startTime), err)

	if err != nil {
		return nil, fmt.Errorf("%w: failed to load transition history: %w", apperrors.ErrDatabase, err)
	}
	return records, nil
}
