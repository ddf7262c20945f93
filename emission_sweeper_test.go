package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/psicosafe/laudos_backend/models"
	"gorm.io/gorm"
)

func testSweeper(db *gorm.DB) *EmissionSweeper {
	s := NewEmissionSweeper(db, testLogger())
	s.PollInterval = 10 * time.Millisecond
	return s
}

func TestSweepOnceProcessesDueEntry(t *testing.T) {
	db := setupEmissionTest(t)
	ctx, batch := seedEmissionBatch(t, db, 1, 1)

	if err := models.EnqueueEmission(db, batch, emissionRequester()); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	testSweeper(db).SweepOnce(context.Background())

	report, err := models.GetReport(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to load report: %v", err)
	}
	if report.Status != models.ReportStatusIssued || report.ContentHash == nil {
		t.Fatalf("sweep did not issue the report: %+v", report)
	}
	if _, err := models.GetEmissionEntry(ctx, batch.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("queue entry survived a successful sweep: %v", err)
	}

	trail, err := models.AuditTrailForBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to load audit trail: %v", err)
	}
	var sawAttempt bool
	for _, rec := range trail {
		if rec.Action == models.AuditActionAutomaticEmissionAttempt {
			sawAttempt = true
			if rec.RequesterRole != models.RequesterRoleSystemCron {
				t.Fatalf("attempt attributed to %s, want %s", rec.RequesterRole, models.RequesterRoleSystemCron)
			}
		}
	}
	if !sawAttempt {
		t.Fatalf("no %s audit record", models.AuditActionAutomaticEmissionAttempt)
	}
}

func TestSweepOnceSkipsFutureEntries(t *testing.T) {
	db := setupEmissionTest(t)
	ctx, batch := seedEmissionBatch(t, db, 1, 1)

	if err := models.EnqueueEmission(db, batch, emissionRequester()); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	future := time.Now().UTC().Add(time.Hour)
	err := db.Model(&models.EmissionQueueEntry{}).
		Where("batch_id = ?", batch.ID).
		Update("next_attempt_at", future).Error
	if err != nil {
		t.Fatalf("failed to push next_attempt_at: %v", err)
	}

	testSweeper(db).SweepOnce(context.Background())

	entry, err := models.GetEmissionEntry(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to load entry: %v", err)
	}
	if entry.Status != models.EmissionStatusPending {
		t.Fatalf("entry status = %s, a future entry must not be claimed", entry.Status)
	}
	report, err := models.GetReport(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to load report: %v", err)
	}
	if report.Status != models.ReportStatusDraft {
		t.Fatalf("report status = %s, want %s", report.Status, models.ReportStatusDraft)
	}
}

// A batch can stop being ready between enqueue and sweep (an evaluation
// reopened administratively). The sweeper must release the claim without
// burning an attempt.
func TestSweepOnceReleasesNoLongerReadyEntry(t *testing.T) {
	db := setupEmissionTest(t)
	ctx, batch := seedEmissionBatch(t, db, 1, 1)

	if err := models.EnqueueEmission(db, batch, emissionRequester()); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	evaluations, err := models.ListEvaluationsForBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to list evaluations: %v", err)
	}
	err = db.Model(&models.Evaluation{}).
		Where("id = ?", evaluations[0].ID).
		Update("status", models.EvaluationStatusInProgress).Error
	if err != nil {
		t.Fatalf("failed to reopen evaluation: %v", err)
	}

	testSweeper(db).SweepOnce(context.Background())

	entry, err := models.GetEmissionEntry(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to load entry: %v", err)
	}
	if entry.Status != models.EmissionStatusPending {
		t.Fatalf("entry status = %s, want %s", entry.Status, models.EmissionStatusPending)
	}
	if entry.Attempts != 0 {
		t.Fatalf("attempts = %d, a readiness release must not burn one", entry.Attempts)
	}
	if entry.NextAttemptAt == nil || !entry.NextAttemptAt.After(time.Now().UTC().Add(-time.Second)) {
		t.Fatalf("next_attempt_at = %v, want pushed out", entry.NextAttemptAt)
	}

	report, err := models.GetReport(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to load report: %v", err)
	}
	if report.Status != models.ReportStatusDraft {
		t.Fatalf("report status = %s, want %s", report.Status, models.ReportStatusDraft)
	}
}

// A stale PROCESSING claim (sweeper died mid-run) is reclaimed.
func TestSweepOnceReclaimsStaleLock(t *testing.T) {
	db := setupEmissionTest(t)
	ctx, batch := seedEmissionBatch(t, db, 1, 1)

	if err := models.EnqueueEmission(db, batch, emissionRequester()); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	stale := time.Now().UTC().Add(-time.Hour)
	err := db.Model(&models.EmissionQueueEntry{}).
		Where("batch_id = ?", batch.ID).
		Updates(map[string]interface{}{
			"status":    models.EmissionStatusProcessing,
			"locked_at": stale,
			"locked_by": "dead-instance",
		}).Error
	if err != nil {
		t.Fatalf("failed to fake a stale claim: %v", err)
	}

	testSweeper(db).SweepOnce(context.Background())

	report, err := models.GetReport(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to load report: %v", err)
	}
	if report.Status != models.ReportStatusIssued {
		t.Fatalf("stale claim not reclaimed, report status = %s", report.Status)
	}
	if _, err := models.GetEmissionEntry(ctx, batch.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("queue entry survived: %v", err)
	}
}

// FAILED entries are out of the sweeper's reach until an operator requeues.
func TestSweepOnceIgnoresFailedEntries(t *testing.T) {
	db := setupEmissionTest(t)
	ctx, batch := seedEmissionBatch(t, db, 1, 1)

	if err := models.EnqueueEmission(db, batch, emissionRequester()); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	err := db.Model(&models.EmissionQueueEntry{}).
		Where("batch_id = ?", batch.ID).
		Updates(map[string]interface{}{
			"status":          models.EmissionStatusFailed,
			"attempts":        3,
			"next_attempt_at": nil,
		}).Error
	if err != nil {
		t.Fatalf("failed to park entry: %v", err)
	}

	testSweeper(db).SweepOnce(context.Background())

	entry, err := models.GetEmissionEntry(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to load entry: %v", err)
	}
	if entry.Status != models.EmissionStatusFailed {
		t.Fatalf("entry status = %s, want untouched FAILED", entry.Status)
	}

	// Operator requeue puts it back in rotation; the next sweep issues.
	if err := models.RequeueFailedEmission(ctx, batch.ID, emissionRequester()); err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	testSweeper(db).SweepOnce(context.Background())

	report, err := models.GetReport(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to load report: %v", err)
	}
	if report.Status != models.ReportStatusIssued {
		t.Fatalf("report status = %s after requeue and sweep, want %s", report.Status, models.ReportStatusIssued)
	}
}
