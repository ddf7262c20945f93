package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/psicosafe/laudos_backend/config"
	"github.com/psicosafe/laudos_backend/models"
	"github.com/psicosafe/laudos_backend/utils"
)

func TestGenerateAndIssueHappyPath(t *testing.T) {
	db := setupWorkflowTest(t)
	ctx, batch := completedBatch(t, db, 2)

	reportId, err := GenerateAndIssue(ctx, batch.ID, testRequester(), IssueOptions{})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if reportId != batch.ID {
		t.Fatalf("report id = %d, want batch id %d", reportId, batch.ID)
	}

	report, err := models.GetReport(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to load report: %v", err)
	}
	if report.Status != models.ReportStatusIssued {
		t.Fatalf("report status = %s, want %s", report.Status, models.ReportStatusIssued)
	}
	if report.ContentHash == nil || len(*report.ContentHash) != 64 {
		t.Fatalf("content hash = %v, want 64 hex chars", report.ContentHash)
	}
	if report.IssuedAt == nil || report.GeneratedAt == nil {
		t.Fatalf("issued_at/generated_at not set")
	}

	artifact, err := utils.LoadArtifact(ctx, report.ArtifactPath)
	if err != nil {
		t.Fatalf("failed to load artifact: %v", err)
	}
	sum := sha256.Sum256(artifact)
	if got := hex.EncodeToString(sum[:]); got != *report.ContentHash {
		t.Fatalf("stored digest %s does not match artifact digest %s", *report.ContentHash, got)
	}

	metadata, err := utils.LoadArtifactMetadata(ctx, report.ID)
	if err != nil {
		t.Fatalf("failed to load metadata sidecar: %v", err)
	}
	if metadata.Hash != *report.ContentHash {
		t.Fatalf("sidecar hash %s != report hash %s", metadata.Hash, *report.ContentHash)
	}

	got, err := models.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to reload batch: %v", err)
	}
	if got.Status != models.BatchStatusIssued {
		t.Fatalf("batch status = %s, want %s", got.Status, models.BatchStatusIssued)
	}
}

func TestGenerateAndIssueNotReadyWithOpenEvaluations(t *testing.T) {
	db := setupWorkflowTest(t)
	ctx, batch := seedBatch(t, db, 2)
	concludeEvaluations(t, ctx, batch.ID, 1)

	_, err := GenerateAndIssue(ctx, batch.ID, testRequester(), IssueOptions{})
	if !errors.Is(err, models.ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}

	report, err := models.GetReport(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to load report: %v", err)
	}
	if report.Status != models.ReportStatusDraft || report.ContentHash != nil {
		t.Fatalf("report was touched: %+v", report)
	}
}

func TestGenerateAndIssueAllDeactivated(t *testing.T) {
	db := setupWorkflowTest(t)
	ctx, batch := seedBatch(t, db, 2)

	evaluations, err := models.ListEvaluationsForBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to list evaluations: %v", err)
	}
	for _, e := range evaluations {
		if _, err := models.DeactivateEvaluation(ctx, e.ID, testRequester(), "left"); err != nil {
			t.Fatalf("failed to deactivate: %v", err)
		}
	}

	// Zero concluded evaluations: even the emergency override has nothing
	// to report on.
	_, err = GenerateAndIssue(ctx, batch.ID, testRequester(), IssueOptions{})
	if !errors.Is(err, models.ErrNotReady) {
		t.Fatalf("standard err = %v, want ErrNotReady", err)
	}
	_, err = GenerateAndIssue(ctx, batch.ID, testRequester(), IssueOptions{Emergency: true, Justification: "deadline"})
	if !errors.Is(err, models.ErrNotReady) {
		t.Fatalf("emergency err = %v, want ErrNotReady", err)
	}
}

func TestGenerateAndIssueIsIdempotent(t *testing.T) {
	db := setupWorkflowTest(t)
	ctx, batch := completedBatch(t, db, 1)

	first, err := GenerateAndIssue(ctx, batch.ID, testRequester(), IssueOptions{})
	if err != nil {
		t.Fatalf("first issue failed: %v", err)
	}
	report, err := models.GetReport(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to load report: %v", err)
	}
	originalHash := *report.ContentHash

	second, err := GenerateAndIssue(ctx, batch.ID, testRequester(), IssueOptions{})
	if err != nil {
		t.Fatalf("second issue failed: %v", err)
	}
	if first != second {
		t.Fatalf("report ids differ: %d vs %d", first, second)
	}

	report, err = models.GetReport(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to reload report: %v", err)
	}
	if *report.ContentHash != originalHash {
		t.Fatalf("re-issue changed the digest: %s -> %s", originalHash, *report.ContentHash)
	}
}

func TestDigestRepairFromStoredArtifact(t *testing.T) {
	db := setupWorkflowTest(t)
	ctx, batch := completedBatch(t, db, 1)

	if _, err := GenerateAndIssue(ctx, batch.ID, testRequester(), IssueOptions{}); err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	report, err := models.GetReport(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to load report: %v", err)
	}
	originalHash := *report.ContentHash

	// Lose the digest, keep the artifact.
	err = db.Model(&models.Report{}).Where("id = ?", report.ID).Update("content_hash", nil).Error
	if err != nil {
		t.Fatalf("failed to null the digest: %v", err)
	}

	if _, err := GenerateAndIssue(ctx, batch.ID, testRequester(), IssueOptions{}); err != nil {
		t.Fatalf("repair run failed: %v", err)
	}
	report, err = models.GetReport(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to reload report: %v", err)
	}
	if report.ContentHash == nil {
		t.Fatalf("digest not repaired")
	}
	if *report.ContentHash != originalHash {
		t.Fatalf("repair re-rendered instead of rehashing: %s -> %s", originalHash, *report.ContentHash)
	}
}

func TestRegenerateProducesNewDigest(t *testing.T) {
	db := setupWorkflowTest(t)
	ctx, batch := completedBatch(t, db, 1)

	if _, err := GenerateAndIssue(ctx, batch.ID, testRequester(), IssueOptions{}); err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	report, err := models.GetReport(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to load report: %v", err)
	}
	originalHash := *report.ContentHash

	if _, err := GenerateAndIssue(ctx, batch.ID, testRequester(), IssueOptions{Regenerate: true}); err != nil {
		t.Fatalf("regenerate failed: %v", err)
	}
	report, err = models.GetReport(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to reload report: %v", err)
	}
	if report.Status != models.ReportStatusIssued {
		t.Fatalf("report status = %s after regeneration, want %s", report.Status, models.ReportStatusIssued)
	}
	if report.ContentHash == nil || *report.ContentHash == originalHash {
		t.Fatalf("regeneration kept the old digest")
	}
}

func TestRegenerateRequiresIssuedReport(t *testing.T) {
	db := setupWorkflowTest(t)
	ctx, batch := completedBatch(t, db, 1)

	_, err := GenerateAndIssue(ctx, batch.ID, testRequester(), IssueOptions{Regenerate: true})
	if !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestEmergencyIssuance(t *testing.T) {
	db := setupWorkflowTest(t)
	ctx, batch := seedBatch(t, db, 2)
	concludeEvaluations(t, ctx, batch.ID, 1)

	// One of two evaluations open: the standard gate refuses.
	_, err := GenerateAndIssue(ctx, batch.ID, testRequester(), IssueOptions{})
	if !errors.Is(err, models.ErrNotReady) {
		t.Fatalf("standard err = %v, want ErrNotReady", err)
	}

	reportId, err := GenerateAndIssue(ctx, batch.ID, testRequester(), IssueOptions{
		Emergency:     true,
		Justification: "labor auditor deadline",
	})
	if err != nil {
		t.Fatalf("emergency issue failed: %v", err)
	}
	if reportId != batch.ID {
		t.Fatalf("report id = %d, want %d", reportId, batch.ID)
	}

	report, err := models.GetReport(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to load report: %v", err)
	}
	if report.EmergencyIssued == nil || !*report.EmergencyIssued {
		t.Fatalf("report not flagged as emergency issued")
	}

	got, err := models.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to reload batch: %v", err)
	}
	if got.EmergencyUsed == nil || !*got.EmergencyUsed {
		t.Fatalf("batch emergency override not consumed")
	}
	if got.EmergencyJustification != "labor auditor deadline" {
		t.Fatalf("justification = %q", got.EmergencyJustification)
	}

	trail, err := models.AuditTrailForBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to load audit trail: %v", err)
	}
	var sawOverride bool
	for _, rec := range trail {
		if rec.Action == models.AuditActionEmergencyOverrideUsed {
			sawOverride = true
		}
	}
	if !sawOverride {
		t.Fatalf("no %s audit record", models.AuditActionEmergencyOverrideUsed)
	}
}

func TestIssueWithoutResultRows(t *testing.T) {
	db := setupWorkflowTest(t)
	ctx, batch := completedBatch(t, db, 1)

	if err := db.Where("batch_id = ?", batch.ID).Delete(&models.Result{}).Error; err != nil {
		t.Fatalf("failed to delete results: %v", err)
	}

	// Statistics are best-effort; the laudo still issues without them.
	if _, err := GenerateAndIssue(ctx, batch.ID, testRequester(), IssueOptions{}); err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	report, err := models.GetReport(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to load report: %v", err)
	}
	if report.Status != models.ReportStatusIssued {
		t.Fatalf("report status = %s, want %s", report.Status, models.ReportStatusIssued)
	}
}

func TestIssuedEventPublishedOnceForRepeatedIssue(t *testing.T) {
	db := setupWorkflowTest(t)
	ctx, batch := completedBatch(t, db, 1)
	t.Setenv("PUBSUB_REPORT_TOPIC", "report-issued")

	published := 0
	orig := publishIssuedEvent
	publishIssuedEvent = func(ctx context.Context, event config.ReportIssuedEvent) (string, error) {
		published++
		return "msg-1", nil
	}
	t.Cleanup(func() { publishIssuedEvent = orig })

	if _, err := GenerateAndIssue(ctx, batch.ID, testRequester(), IssueOptions{}); err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if published != 1 {
		t.Fatalf("published = %d after first issue, want 1", published)
	}

	// already-issued short-circuit must not re-announce
	if _, err := GenerateAndIssue(ctx, batch.ID, testRequester(), IssueOptions{}); err != nil {
		t.Fatalf("re-run failed: %v", err)
	}
	if published != 1 {
		t.Fatalf("published = %d after no-op re-run, want 1", published)
	}

	// regeneration renders fresh content and announces it
	if _, err := GenerateAndIssue(ctx, batch.ID, testRequester(), IssueOptions{Regenerate: true}); err != nil {
		t.Fatalf("regenerate failed: %v", err)
	}
	if published != 2 {
		t.Fatalf("published = %d after regeneration, want 2", published)
	}
}
