package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/psicosafe/laudos_backend/config"
	"github.com/psicosafe/laudos_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EmissionSweeper drives the automatic emission path: it claims due queue
// entries and runs the report generator for each. Multiple instances can
// sweep concurrently; claiming is a conditional update so no entry is
// double-processed.
const sweeperHeartbeatKey = "emission:sweeper:last_claim"

type EmissionSweeper struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	SweeperID string

	BatchSize    int
	PollInterval time.Duration
	LockTimeout  time.Duration
}

func NewEmissionSweeper(db *gorm.DB, logger *logrus.Logger) *EmissionSweeper {
	return &EmissionSweeper{
		DB:           db,
		Logger:       logger,
		SweeperID:    uuid.NewString(),
		BatchSize:    20,
		PollInterval: time.Minute,
		LockTimeout:  5 * time.Minute,
	}
}

func (s *EmissionSweeper) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.PollInterval):
		}
	}
}

// SweepOnce claims due entries and processes them. Also invoked by the cron
// endpoint; safe to call concurrently.
func (s *EmissionSweeper) SweepOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-s.LockTimeout)
	db := s.DB
	if db == nil {
		return
	}

	var claimed []models.EmissionQueueEntry
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - PENDING and due
		// - PROCESSING but the lock is stale (sweeper crashed mid-run)
		q := tx.
			Where(`
				(
					status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, models.EmissionStatusPending, now, models.EmissionStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(s.BatchSize)
		if tx.Dialector.Name() == "mysql" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			claimed[i].Status = models.EmissionStatusProcessing
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = s.SweeperID
			if err := tx.Model(&models.EmissionQueueEntry{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"status":    models.EmissionStatusProcessing,
				"locked_at": &now,
				"locked_by": s.SweeperID,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if s.Logger != nil {
			config.LogError(s.Logger, "emission_sweeper", "SweepOnce", "claim transaction", nil, err)
		}
		return
	}
	s.recordHeartbeat(now)
	if len(claimed) == 0 {
		return
	}

	for i := range claimed {
		entry := &claimed[i]

		ready, err := s.verifyBatchStillReady(ctx, entry)
		if err != nil {
			releaseEmissionClaim(ctx, entry.ID, err)
			continue
		}
		if !ready {
			// The batch reached completed transiently and was invalidated
			// since (e.g. an evaluation reopened administratively). Park the
			// entry, do not burn an attempt.
			releaseEmissionClaim(ctx, entry.ID, models.ErrNotReady)
			if s.Logger != nil {
				s.Logger.WithFields(logrus.Fields{
					"field":    "EmissionSweeper",
					"batch_id": entry.BatchId,
					"entry_id": entry.ID,
				}).Warn("batch no longer ready at sweep time, entry released")
			}
			continue
		}

		requester := models.SystemRequester(uuid.NewString())
		auditErr := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return models.CreateAuditRecord(tx, entry.BatchId, models.AuditActionAutomaticEmissionAttempt,
				requester, "", "")
		})
		if auditErr != nil && s.Logger != nil {
			s.Logger.WithFields(logrus.Fields{
				"field":    "EmissionSweeper",
				"batch_id": entry.BatchId,
			}).Warn("audit write failed: " + auditErr.Error())
		}

		_, _ = processEmissionEntry(ctx, s.Logger, entry, requester)
	}
}

// recordHeartbeat publishes the last successful claim time so the ops status
// endpoint can tell a quiet queue apart from a stuck sweeper.
func (s *EmissionSweeper) recordHeartbeat(now time.Time) {
	if err := config.SetRedisValue(sweeperHeartbeatKey, now.Format(time.RFC3339), 0); err != nil && s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field": "EmissionSweeper",
		}).Warn("heartbeat write failed: " + err.Error())
	}
}

// verifyBatchStillReady re-checks, at sweep time, that the batch is still
// completed with every evaluation terminal and at least one concluded.
func (s *EmissionSweeper) verifyBatchStillReady(ctx context.Context, entry *models.EmissionQueueEntry) (bool, error) {

	db := s.DB.WithContext(ctx)

	var batch models.Batch
	if err := db.First(&batch, entry.BatchId).Error; err != nil {
		return false, err
	}
	if batch.Status != models.BatchStatusCompleted &&
		batch.Status != models.BatchStatusIssued &&
		batch.Status != models.BatchStatusSent {
		return false, nil
	}

	var concluded int64
	err := db.Model(&models.Evaluation{}).
		Where("batch_id = ? AND status = ?", entry.BatchId, models.EvaluationStatusConcluded).
		Count(&concluded).Error
	if err != nil {
		return false, err
	}
	if concluded == 0 {
		return false, nil
	}

	var nonTerminal int64
	err = db.Model(&models.Evaluation{}).
		Where("batch_id = ? AND status NOT IN ?", entry.BatchId,
			[]models.EvaluationStatus{models.EvaluationStatusConcluded, models.EvaluationStatusDeactivated}).
		Count(&nonTerminal).Error
	if err != nil {
		return false, err
	}
	return nonTerminal == 0, nil
}
