package models

import (
	"testing"

	"github.com/psicosafe/laudos_backend/config"
	"github.com/shopspring/decimal"
)

func TestScoredValueReversesNegativeItems(t *testing.T) {
	// Item 1 (Demands) is reverse-scored, item 8 (Control) is not.
	if got := ScoredValue(1, 1); got != 5 {
		t.Fatalf("ScoredValue(1, 1) = %d, want 5", got)
	}
	if got := ScoredValue(1, 5); got != 1 {
		t.Fatalf("ScoredValue(1, 5) = %d, want 1", got)
	}
	if got := ScoredValue(8, 4); got != 4 {
		t.Fatalf("ScoredValue(8, 4) = %d, want 4", got)
	}
}

func TestItemDomainCoversFullInstrument(t *testing.T) {
	counts := make(map[InstrumentDomain]int)
	for item := 1; item <= InstrumentItemCount; item++ {
		counts[ItemDomain(item)]++
	}
	if len(counts) != len(InstrumentDomains) {
		t.Fatalf("items map to %d domains, want %d", len(counts), len(InstrumentDomains))
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total != InstrumentItemCount {
		t.Fatalf("domain item counts sum to %d, want %d", total, InstrumentItemCount)
	}
}

func TestRiskLevelForScore(t *testing.T) {
	cases := []struct {
		score string
		want  RiskLevel
	}{
		{"5", RiskLevelLow},
		{"4", RiskLevelLow},
		{"3.9999", RiskLevelModerate},
		{"3", RiskLevelModerate},
		{"2.5", RiskLevelHigh},
		{"2", RiskLevelHigh},
		{"1.9999", RiskLevelCritical},
		{"1", RiskLevelCritical},
	}
	for _, tc := range cases {
		score, err := decimal.NewFromString(tc.score)
		if err != nil {
			t.Fatalf("bad score %q: %v", tc.score, err)
		}
		if got := RiskLevelForScore(score); got != tc.want {
			t.Fatalf("RiskLevelForScore(%s) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestComputeEvaluationResultsScoresByDomain(t *testing.T) {
	ctx, _, evaluation := oneEmployeeBatch(t)

	// All answers 5. Reverse-scored domains (Demands, Relationships) come
	// out at 1, every other domain at 5.
	concluded := concludeEvaluation(t, ctx, evaluation.ID, 5)

	var results []Result
	if err := config.GetDB().Where("evaluation_id = ?", concluded.ID).Find(&results).Error; err != nil {
		t.Fatalf("failed to load results: %v", err)
	}
	if len(results) != len(InstrumentDomains) {
		t.Fatalf("got %d results, want %d", len(results), len(InstrumentDomains))
	}
	for _, r := range results {
		want := "5"
		wantLevel := RiskLevelLow
		if r.Domain == DomainDemands || r.Domain == DomainRelationships {
			want = "1"
			wantLevel = RiskLevelCritical
		}
		if !r.Score.Equal(decimal.RequireFromString(want)) {
			t.Fatalf("domain %s score = %s, want %s", r.Domain, r.Score, want)
		}
		if r.RiskLevel != wantLevel {
			t.Fatalf("domain %s risk level = %s, want %s", r.Domain, r.RiskLevel, wantLevel)
		}
	}
}

func TestAggregateBatchResultsWithoutResultRows(t *testing.T) {
	ctx, batch, evaluation := oneEmployeeBatch(t)
	db := config.GetDB()

	concludeEvaluation(t, ctx, evaluation.ID, 3)
	if err := db.Where("batch_id = ?", batch.ID).Delete(&Result{}).Error; err != nil {
		t.Fatalf("failed to delete results: %v", err)
	}

	aggregate, err := AggregateBatchResults(db, batch.ID)
	if err != nil {
		t.Fatalf("aggregate failed: %v", err)
	}
	if aggregate.ConcludedEvaluations != 1 {
		t.Fatalf("concluded = %d, want 1", aggregate.ConcludedEvaluations)
	}
	if len(aggregate.Domains) != 0 {
		t.Fatalf("got %d domain lines, want 0 without result rows", len(aggregate.Domains))
	}
}
