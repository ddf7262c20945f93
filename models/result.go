package models

import (
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Result holds the derived per-domain score for one concluded evaluation.
// Rows are best-effort: emission works without them, they only enrich the
// laudo's statistics section.
type Result struct {
	ID           int              `gorm:"primary_key" json:"id"`
	CompanyId    string           `gorm:"index;not null" json:"company_id"`
	BatchId      int              `gorm:"index;not null" json:"batch_id"`
	EvaluationId int              `gorm:"not null;uniqueIndex:idx_result_eval_domain" json:"evaluation_id"`
	Domain       InstrumentDomain `gorm:"size:30;not null;uniqueIndex:idx_result_eval_domain" json:"domain"`
	Score        decimal.Decimal  `gorm:"type:decimal(6,4);not null" json:"score"`
	RiskLevel    RiskLevel        `gorm:"size:20;not null" json:"risk_level"`
	ItemCount    int              `gorm:"not null" json:"item_count"`
}

// ComputeEvaluationResults derives the per-domain scores from the answer set
// and upserts one Result row per domain. It runs inside the caller's
// transaction and validates stored values strictly: a single out-of-range
// answer fails the whole computation, which the caller treats as non-fatal.
func ComputeEvaluationResults(tx *gorm.DB, evaluation *Evaluation) error {

	var answers []Answer
	err := tx.Where("evaluation_id = ?", evaluation.ID).
		Order("item_number").
		Find(&answers).Error
	if err != nil {
		return err
	}
	if len(answers) < InstrumentItemCount {
		return fmt.Errorf("evaluation %d has %d answers, want %d", evaluation.ID, len(answers), InstrumentItemCount)
	}

	sums := make(map[InstrumentDomain]int, len(InstrumentDomains))
	counts := make(map[InstrumentDomain]int, len(InstrumentDomains))
	for _, a := range answers {
		if !IsValidItemNumber(a.ItemNumber) {
			return fmt.Errorf("evaluation %d has unknown item %d", evaluation.ID, a.ItemNumber)
		}
		if !IsValidLikertValue(a.Value) {
			return fmt.Errorf("evaluation %d item %d has out-of-range value %d", evaluation.ID, a.ItemNumber, a.Value)
		}
		domain := ItemDomain(a.ItemNumber)
		sums[domain] += ScoredValue(a.ItemNumber, a.Value)
		counts[domain]++
	}

	results := make([]Result, 0, len(InstrumentDomains))
	for _, domain := range InstrumentDomains {
		n := counts[domain]
		if n == 0 {
			continue
		}
		score := decimal.NewFromInt(int64(sums[domain])).
			Div(decimal.NewFromInt(int64(n))).
			Round(4)
		results = append(results, Result{
			CompanyId:    evaluation.CompanyId,
			BatchId:      evaluation.BatchId,
			EvaluationId: evaluation.ID,
			Domain:       domain,
			Score:        score,
			RiskLevel:    RiskLevelForScore(score),
			ItemCount:    n,
		})
	}

	// Upsert keeps recomputation idempotent.
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "evaluation_id"}, {Name: "domain"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"score", "risk_level", "item_count",
		}),
	}).Create(&results).Error
}

// DomainAggregate is one line of the laudo's statistics section.
type DomainAggregate struct {
	Domain          InstrumentDomain
	MeanScore       decimal.Decimal
	RiskLevel       RiskLevel
	EvaluationCount int
}

// BatchAggregate is the rendered report's input.
type BatchAggregate struct {
	BatchId              int
	ConcludedEvaluations int
	Domains              []DomainAggregate
}

// AggregateBatchResults averages domain scores across the batch's concluded
// evaluations. Result rows may legitimately be missing for some or all
// evaluations; the aggregate then covers whatever is present, and the laudo
// still renders with an empty statistics section.
func AggregateBatchResults(tx *gorm.DB, batchId int) (*BatchAggregate, error) {

	var concluded int64
	err := tx.Model(&Evaluation{}).
		Where("batch_id = ? AND status = ?", batchId, EvaluationStatusConcluded).
		Count(&concluded).Error
	if err != nil {
		return nil, err
	}

	type row struct {
		Domain InstrumentDomain
		Total  decimal.Decimal
		N      int
	}
	var rows []row
	err = tx.Model(&Result{}).
		Select("domain, SUM(score) as total, COUNT(*) as n").
		Where("batch_id = ?", batchId).
		Group("domain").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	byDomain := make(map[InstrumentDomain]row, len(rows))
	for _, r := range rows {
		byDomain[r.Domain] = r
	}

	aggregate := &BatchAggregate{
		BatchId:              batchId,
		ConcludedEvaluations: int(concluded),
	}
	for _, domain := range InstrumentDomains {
		r, ok := byDomain[domain]
		if !ok || r.N == 0 {
			continue
		}
		mean := r.Total.Div(decimal.NewFromInt(int64(r.N))).Round(4)
		aggregate.Domains = append(aggregate.Domains, DomainAggregate{
			Domain:          domain,
			MeanScore:       mean,
			RiskLevel:       RiskLevelForScore(mean),
			EvaluationCount: r.N,
		})
	}

	return aggregate, nil
}
