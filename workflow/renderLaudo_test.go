package workflow

import (
	"bytes"
	"testing"
	"time"

	"github.com/psicosafe/laudos_backend/models"
	"github.com/psicosafe/laudos_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

func TestRenderLaudoWorkbook(t *testing.T) {
	batch := &models.Batch{
		ID:                   42,
		RoundNumber:          3,
		Type:                 models.BatchTypeFull,
		TotalEvaluations:     10,
		ConcludedEvaluations: 9,
	}
	report := &models.Report{ID: 42, EmergencyIssued: utils.NewFalse()}
	aggregate := &models.BatchAggregate{
		BatchId:              42,
		ConcludedEvaluations: 9,
		Domains: []models.DomainAggregate{
			{
				Domain:          models.DomainDemands,
				MeanScore:       decimal.RequireFromString("2.5"),
				RiskLevel:       models.RiskLevelHigh,
				EvaluationCount: 9,
			},
		},
	}
	generatedAt := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	artifact, err := RenderLaudo(batch, report, aggregate, generatedAt)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(artifact))
	if err != nil {
		t.Fatalf("artifact is not a readable workbook: %v", err)
	}
	defer f.Close()

	get := func(cell string) string {
		v, err := f.GetCellValue("Laudo", cell)
		if err != nil {
			t.Fatalf("failed to read %s: %v", cell, err)
		}
		return v
	}
	if get("B2") != "42" {
		t.Fatalf("B2 = %q, want 42", get("B2"))
	}
	if get("B5") != generatedAt.Format(time.RFC3339Nano) {
		t.Fatalf("B5 = %q, want %s", get("B5"), generatedAt.Format(time.RFC3339Nano))
	}
	if get("A12") != string(models.DomainDemands) {
		t.Fatalf("A12 = %q, want %s", get("A12"), models.DomainDemands)
	}
	if get("C12") != string(models.RiskLevelHigh) {
		t.Fatalf("C12 = %q, want %s", get("C12"), models.RiskLevelHigh)
	}
	if v := get("A9"); v != "" {
		t.Fatalf("A9 = %q, emergency banner must be absent", v)
	}
}

func TestRenderLaudoEmergencyBanner(t *testing.T) {
	batch := &models.Batch{
		ID:                     7,
		RoundNumber:            1,
		Type:                   models.BatchTypeFull,
		EmergencyJustification: "auditor deadline",
	}
	report := &models.Report{ID: 7, EmergencyIssued: utils.NewTrue()}
	aggregate := &models.BatchAggregate{BatchId: 7}

	artifact, err := RenderLaudo(batch, report, aggregate, time.Now())
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(artifact))
	if err != nil {
		t.Fatalf("artifact is not a readable workbook: %v", err)
	}
	defer f.Close()

	banner, err := f.GetCellValue("Laudo", "A9")
	if err != nil {
		t.Fatalf("failed to read A9: %v", err)
	}
	if banner != "EMERGENCY ISSUANCE" {
		t.Fatalf("A9 = %q, want the emergency banner", banner)
	}
	justification, err := f.GetCellValue("Laudo", "B9")
	if err != nil {
		t.Fatalf("failed to read B9: %v", err)
	}
	if justification != "auditor deadline" {
		t.Fatalf("B9 = %q", justification)
	}
}
