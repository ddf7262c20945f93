package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"time"

	"github.com/psicosafe/laudos_backend/config"
	"github.com/psicosafe/laudos_backend/models"
	"github.com/psicosafe/laudos_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type IssueOptions struct {
	// Emergency bypasses the completed-batch gate. Requires a justification
	// and consumes the batch's single override.
	Emergency     bool
	Justification string
	// Regenerate clears the previous report metadata and re-runs the full
	// pipeline. Admin-gated at the API layer.
	Regenerate bool
}

// GenerateAndIssue validates the batch is emission-ready, renders the laudo,
// computes its digest and issues the report. Safe to re-run: an issued
// report with a digest short-circuits, an issued report with a lost digest
// is repaired from the stored artifact instead of re-rendered.
//
// At most one full pipeline run succeeds per report at a time: callers race
// on the advisory lock plus the report row lock, and the loser observes the
// issued status.
func GenerateAndIssue(ctx context.Context, batchId int, requester models.Requester, opts IssueOptions) (int, error) {

	db := config.GetDB()

	reportId := 0
	issuedNow := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {

		if err := AcquireIssuanceLock(tx, batchId); err != nil {
			return err
		}
		defer ReleaseIssuanceLock(tx, batchId)

		var batch models.Batch
		dbCtx := tx.Session(&gorm.Session{})
		if tx.Dialector.Name() == "mysql" {
			dbCtx = dbCtx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := dbCtx.First(&batch, batchId).Error; err != nil {
			return models.ErrNotFound
		}

		report, err := models.EnsureReportRow(tx, &batch)
		if err != nil {
			return err
		}

		if report.Status != models.ReportStatusDraft && !opts.Regenerate {
			if report.ContentHash != nil {
				// already issued, nothing to do
				reportId = report.ID
				return nil
			}
			// issued but the digest was lost: repair from the stored
			// artifact rather than re-rendering, so the accepted content
			// never drifts.
			repaired, err := repairDigest(ctx, tx, report)
			if err != nil {
				return err
			}
			if repaired {
				reportId = report.ID
				return nil
			}
			// no artifact either, fall through and re-run the pipeline
		}

		if opts.Regenerate {
			if report.Status == models.ReportStatusDraft {
				return models.ErrInvalidState
			}
			if err := ClearReportForRegeneration(tx, report.ID); err != nil {
				return err
			}
			report.ContentHash = nil
		}

		if err := checkEmissionPreconditions(tx, &batch, opts.Emergency); err != nil {
			return err
		}

		if opts.Emergency {
			if err := models.MarkEmergencyUsed(tx, batchId, opts.Justification); err != nil {
				return err
			}
			report.EmergencyIssued = utils.NewTrue()
			if err := models.CreateAuditRecord(tx, batchId, models.AuditActionEmergencyOverrideUsed,
				requester, opts.Justification, ""); err != nil {
				return err
			}
			batch.EmergencyJustification = opts.Justification
		}

		aggregate, err := models.AggregateBatchResults(tx, batchId)
		if err != nil {
			return err
		}

		generatedAt := time.Now()
		artifact, err := RenderLaudo(&batch, report, aggregate, generatedAt)
		if err != nil {
			return err
		}

		sum := sha256.Sum256(artifact)
		digest := hex.EncodeToString(sum[:])

		objectName := utils.ArtifactObjectName(report.ID)
		if err := utils.SaveArtifact(ctx, objectName, artifact); err != nil {
			return &models.PersistError{Stage: "artifact", Err: err}
		}
		metadata := utils.ArtifactMetadata{Hash: digest, GeneratedAt: generatedAt}
		if err := utils.SaveArtifactMetadata(ctx, report.ID, metadata); err != nil {
			return &models.PersistError{Stage: "metadata", Err: err}
		}

		now := time.Now()
		updates := map[string]interface{}{
			"status":        models.ReportStatusIssued,
			"content_hash":  digest,
			"artifact_path": objectName,
			"generated_at":  generatedAt,
			"issued_at":     now,
		}
		if opts.Emergency {
			updates["emergency_issued"] = true
		}
		if err := tx.Model(&models.Report{}).Where("id = ?", report.ID).Updates(updates).Error; err != nil {
			return &models.PersistError{Stage: "report-row", Err: err}
		}

		if batch.Status != models.BatchStatusIssued && batch.Status != models.BatchStatusSent {
			if err := tx.Model(&models.Batch{}).
				Where("id = ?", batchId).
				Update("status", models.BatchStatusIssued).Error; err != nil {
				return &models.PersistError{Stage: "batch-row", Err: err}
			}
		}

		if err := models.CreateAuditRecord(tx, batchId, models.AuditActionEmissionSucceeded,
			requester, "", "digest "+digest); err != nil {
			return err
		}

		reportId = report.ID
		issuedNow = true
		return nil
	})
	if err != nil {
		return 0, err
	}

	// The no-op and digest-repair short-circuits issued nothing new;
	// re-publishing for them would duplicate the downstream delivery.
	if issuedNow {
		notifyReportIssued(ctx, batchId, reportId, requester)
	}

	return reportId, nil
}

// checkEmissionPreconditions enforces the readiness gate. Emergency keeps
// only the minimum: the batch is past draft and at least one evaluation
// concluded, so there is something to report on.
func checkEmissionPreconditions(tx *gorm.DB, batch *models.Batch, emergency bool) error {

	if batch.Status == models.BatchStatusDraft {
		return models.ErrNotReady
	}

	var concluded int64
	err := tx.Model(&models.Evaluation{}).
		Where("batch_id = ? AND status = ?", batch.ID, models.EvaluationStatusConcluded).
		Count(&concluded).Error
	if err != nil {
		return err
	}
	if concluded == 0 {
		return models.ErrNotReady
	}

	if emergency {
		return nil
	}

	if batch.Status != models.BatchStatusCompleted &&
		batch.Status != models.BatchStatusIssued &&
		batch.Status != models.BatchStatusSent {
		return models.ErrNotReady
	}

	var nonTerminal int64
	err = tx.Model(&models.Evaluation{}).
		Where("batch_id = ? AND status NOT IN ?", batch.ID,
			[]models.EvaluationStatus{models.EvaluationStatusConcluded, models.EvaluationStatusDeactivated}).
		Count(&nonTerminal).Error
	if err != nil {
		return err
	}
	if nonTerminal > 0 {
		return models.ErrNotReady
	}

	return nil
}

// repairDigest recomputes the hash from the stored artifact. Returns false
// when no artifact exists.
func repairDigest(ctx context.Context, tx *gorm.DB, report *models.Report) (bool, error) {

	objectName := report.ArtifactPath
	if objectName == "" {
		objectName = utils.ArtifactObjectName(report.ID)
	}
	exists, err := utils.ArtifactExists(ctx, objectName)
	if err != nil {
		return false, &models.PersistError{Stage: "artifact-stat", Err: err}
	}
	if !exists {
		return false, nil
	}

	artifact, err := utils.LoadArtifact(ctx, objectName)
	if err != nil {
		return false, &models.PersistError{Stage: "artifact-read", Err: err}
	}
	sum := sha256.Sum256(artifact)
	digest := hex.EncodeToString(sum[:])

	err = tx.Model(&models.Report{}).
		Where("id = ?", report.ID).
		Updates(map[string]interface{}{"content_hash": digest, "artifact_path": objectName}).Error
	if err != nil {
		return false, err
	}
	hash := digest
	report.ContentHash = &hash
	return true, nil
}

// ClearReportForRegeneration drops the previous metadata so the pipeline can
// re-run. Called inside GenerateAndIssue's transaction via opts.Regenerate;
// exposed for the admin tooling.
func ClearReportForRegeneration(tx *gorm.DB, reportId int) error {
	return tx.Model(&models.Report{}).
		Where("id = ?", reportId).
		Updates(map[string]interface{}{
			"content_hash": nil,
			"generated_at": nil,
		}).Error
}

// publishIssuedEvent is indirected so tests can observe publishes without a
// live Pub/Sub project.
var publishIssuedEvent = config.PublishReportIssued

// notifyReportIssued publishes the issued event. Best-effort: the report is
// already committed, a publish failure is only logged.
func notifyReportIssued(ctx context.Context, batchId int, reportId int, requester models.Requester) {

	if os.Getenv("PUBSUB_REPORT_TOPIC") == "" {
		return
	}
	logger := config.GetLogger()

	var report models.Report
	db := config.GetDB()
	hasReport := db.WithContext(ctx).First(&report, reportId).Error == nil

	event := config.ReportIssuedEvent{
		BatchId:       batchId,
		ReportId:      reportId,
		RequesterId:   requester.Id,
		RequesterRole: string(requester.Role),
		CorrelationId: requester.CorrelationId,
		IssuedAt:      time.Now(),
	}
	if hasReport {
		event.CompanyId = report.CompanyId
		if report.ContentHash != nil {
			event.ContentHash = *report.ContentHash
		}
		event.EmergencyIssued = report.EmergencyIssued != nil && *report.EmergencyIssued
	}

	if _, err := publishIssuedEvent(ctx, event); err != nil {
		logger.WithFields(logrus.Fields{
			"batch_id":  batchId,
			"report_id": reportId,
		}).Error("notifyReportIssued: publish failed: " + err.Error())
	}
}
