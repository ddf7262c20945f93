package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/psicosafe/laudos_backend/config"
	"github.com/psicosafe/laudos_backend/models"
	"github.com/psicosafe/laudos_backend/utils"
	"github.com/psicosafe/laudos_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrQueuedForRetry tells the caller the emission failed transiently and the
// queue will retry it. Distinct from validation errors, which are final.
var ErrQueuedForRetry = errors.New("emission failed, queued for automatic retry")

// RequestEmission is the manual trigger. Readiness is checked before
// anything durable happens: a not-ready batch produces no queue entry and no
// report. A ready batch is enqueued for attribution, then attempted
// immediately; on transient failure the entry stays queued with backoff.
func RequestEmission(ctx context.Context, batchId int, requester models.Requester) (int, error) {

	logger := config.GetLogger()
	db := config.GetDB()

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return 0, errors.New("company id is required")
	}

	var entry models.EmissionQueueEntry
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {

		var batch models.Batch
		if err := tx.Where("company_id = ?", companyId).First(&batch, batchId).Error; err != nil {
			return models.ErrNotFound
		}
		if batch.Status != models.BatchStatusCompleted &&
			batch.Status != models.BatchStatusIssued &&
			batch.Status != models.BatchStatusSent {
			return models.ErrNotReady
		}

		if err := models.EnqueueEmission(tx, &batch, requester); err != nil {
			return err
		}
		if err := tx.Where("batch_id = ?", batchId).First(&entry).Error; err != nil {
			return err
		}
		return models.CreateAuditRecord(tx, batchId, models.AuditActionManualEmissionRequest,
			requester, "", "")
	})
	if err != nil {
		return 0, err
	}

	reportId, err := processEmissionEntry(ctx, logger, &entry, requester)
	if err != nil {
		if models.IsTransientEmissionError(err) {
			return 0, ErrQueuedForRetry
		}
		return 0, err
	}
	return reportId, nil
}

// EmergencyEmission bypasses the completed-batch gate. Synchronous,
// never queued: the operator asked for it now and gets the outcome now.
func EmergencyEmission(ctx context.Context, batchId int, requester models.Requester, justification string) (int, error) {
	return workflow.GenerateAndIssue(ctx, batchId, requester, workflow.IssueOptions{
		Emergency:     true,
		Justification: justification,
	})
}

// processEmissionEntry runs one attempt for a claimed queue entry. The redis
// lock is a best-effort optimization; correctness comes from the DB advisory
// lock and the report row lock inside GenerateAndIssue.
func processEmissionEntry(ctx context.Context, logger *logrus.Logger, entry *models.EmissionQueueEntry, requester models.Requester) (int, error) {

	var lock *redislock.Lock
	if redisLock := config.GetRedisLock(); redisLock != nil {
		var err error
		lock, err = redisLock.Obtain(ctx, fmt.Sprintf("lock:emission:%d", entry.BatchId), 30*time.Second, nil)
		if err != nil {
			if err != redislock.ErrNotObtained {
				logger.WithFields(logrus.Fields{
					"field":    "processEmissionEntry",
					"batch_id": entry.BatchId,
				}).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
			}
			lock = nil
		}
	}
	defer func() {
		if lock != nil {
			if releaseErr := lock.Release(ctx); releaseErr != nil {
				logger.WithFields(logrus.Fields{
					"field":    "processEmissionEntry",
					"batch_id": entry.BatchId,
				}).Warn("failed to release redis lock: " + releaseErr.Error())
			}
		}
	}()

	procCtx := utils.SetCompanyIdInContext(ctx, entry.CompanyId)

	db := config.GetDB()
	operationId := fmt.Sprintf("batch:%d", entry.BatchId)
	skip := false
	err := db.WithContext(procCtx).Transaction(func(tx *gorm.DB) error {
		var err error
		skip, err = workflow.BeginIdempotency(tx, entry.CompanyId, "laudo-emission", operationId)
		return err
	})
	if err != nil {
		return 0, err
	}
	if skip {
		// a previous attempt already succeeded; the report row has the id
		markEmissionSuccess(procCtx, logger, entry)
		return entry.BatchId, nil
	}

	reportId, genErr := workflow.GenerateAndIssue(procCtx, entry.BatchId, requester, workflow.IssueOptions{})

	markCtx := procCtx
	if genErr != nil {
		_ = db.WithContext(markCtx).Transaction(func(tx *gorm.DB) error {
			return workflow.MarkIdempotencyFailed(tx, entry.CompanyId, "laudo-emission", operationId, genErr)
		})
		_ = db.WithContext(markCtx).Transaction(func(tx *gorm.DB) error {
			return models.CreateAuditRecord(tx, entry.BatchId, models.AuditActionEmissionFailed,
				requester, "", genErr.Error())
		})

		if models.IsTransientEmissionError(genErr) {
			if dead := markEmissionFailure(markCtx, logger, entry.ID, genErr); dead {
				logger.WithFields(logrus.Fields{
					"field":    "processEmissionEntry",
					"batch_id": entry.BatchId,
					"entry_id": entry.ID,
				}).Error("emission attempts exhausted, entry marked FAILED")
			}
		} else {
			// Precondition failure: not an attempt worth burning. Release
			// the claim and let the sweeper re-verify readiness later.
			releaseEmissionClaim(markCtx, entry.ID, genErr)
		}
		return 0, genErr
	}

	_ = db.WithContext(markCtx).Transaction(func(tx *gorm.DB) error {
		return workflow.MarkIdempotencySucceeded(tx, entry.CompanyId, "laudo-emission", operationId)
	})
	markEmissionSuccess(markCtx, logger, entry)
	return reportId, nil
}

// releaseEmissionClaim resets a claimed entry to PENDING without touching
// the attempt counter. next_attempt_at is pushed out so the sweeper does not
// spin on a batch that stopped being ready.
func releaseEmissionClaim(ctx context.Context, entryId int, cause error) {

	cfg := getEmissionRetryConfig()
	next := time.Now().UTC().Add(cfg.baseBackoff)
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	db := config.GetDB()
	_ = db.WithContext(ctx).Model(&models.EmissionQueueEntry{}).
		Where("id = ? AND status = ?", entryId, models.EmissionStatusProcessing).
		Updates(map[string]interface{}{
			"status":          models.EmissionStatusPending,
			"next_attempt_at": next,
			"last_error":      errMsg,
			"locked_at":       nil,
			"locked_by":       "",
		}).Error
}
