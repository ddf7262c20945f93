package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/psicosafe/laudos_backend/config"
	"github.com/psicosafe/laudos_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Evaluation struct {
	ID         int              `gorm:"primary_key" json:"id"`
	CompanyId  string           `gorm:"index;not null" json:"company_id"`
	BatchId    int              `gorm:"not null;uniqueIndex:idx_eval_batch_employee" json:"batch_id"`
	EmployeeId int              `gorm:"not null;uniqueIndex:idx_eval_batch_employee" json:"employee_id"`
	Status     EvaluationStatus `gorm:"size:20;not null;default:Started" json:"status"`

	AnsweredCount int `gorm:"not null;default:0" json:"answered_count"`

	InclusionReason         InclusionReason    `gorm:"size:30;not null" json:"inclusion_reason"`
	Priority                EvaluationPriority `gorm:"size:20;not null" json:"priority"`
	RiskIndex               int                `gorm:"not null;default:0" json:"risk_index"`
	DaysSinceLastEvaluation int                `gorm:"not null;default:0" json:"days_since_last_evaluation"`

	ConcludedAt *time.Time `json:"concluded_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Answer is append-only: no UpdatedAt, no soft delete, never rewritten.
type Answer struct {
	ID           int       `gorm:"primary_key" json:"id"`
	CompanyId    string    `gorm:"index;not null" json:"company_id"`
	EvaluationId int       `gorm:"not null;uniqueIndex:idx_answer_eval_item" json:"evaluation_id"`
	ItemNumber   int       `gorm:"not null;uniqueIndex:idx_answer_eval_item" json:"item_number"`
	Value        int       `gorm:"not null" json:"value"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type NewAnswer struct {
	ItemNumber int `json:"item_number" binding:"required"`
	Value      int `json:"value" binding:"required"`
}

// SubmitAnswer records one questionnaire item. When the answer completes the
// instrument the evaluation concludes and three steps run in order:
//  1. the status change persists, always;
//  2. result computation runs in a nested transaction, failures are logged
//     and swallowed so statistics can never block the round;
//  3. the parent batch's counters are recomputed, which may complete the
//     batch.
func SubmitAnswer(ctx context.Context, evaluationId int, input *NewAnswer) (*Evaluation, error) {

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}

	if !IsValidItemNumber(input.ItemNumber) {
		return nil, errors.New("invalid item number")
	}
	if !IsValidLikertValue(input.Value) {
		return nil, errors.New("answer value out of range")
	}

	logger := config.GetLogger()

	var evaluation Evaluation

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {

		dbCtx := tx.Where("company_id = ?", companyId)
		if tx.Dialector.Name() == "mysql" {
			dbCtx = dbCtx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := dbCtx.First(&evaluation, evaluationId).Error; err != nil {
			return ErrNotFound
		}
		if evaluation.Status.IsTerminal() {
			return ErrEvaluationConcluded
		}

		answer := Answer{
			CompanyId:    companyId,
			EvaluationId: evaluation.ID,
			ItemNumber:   input.ItemNumber,
			Value:        input.Value,
		}
		if err := tx.Create(&answer).Error; err != nil {
			if IsDuplicateKeyErr(err) {
				return ErrDuplicateAnswer
			}
			return err
		}

		var answered int64
		err := tx.Model(&Answer{}).
			Where("evaluation_id = ?", evaluation.ID).
			Count(&answered).Error
		if err != nil {
			return err
		}

		evaluation.AnsweredCount = int(answered)
		if int(answered) >= InstrumentItemCount {
			now := time.Now()
			evaluation.Status = EvaluationStatusConcluded
			evaluation.ConcludedAt = &now
		} else {
			evaluation.Status = EvaluationStatusInProgress
		}
		if err := tx.Save(&evaluation).Error; err != nil {
			return err
		}

		if evaluation.Status != EvaluationStatusConcluded {
			return nil
		}

		// Result computation is best-effort. The nested transaction keeps a
		// failed computation from dirtying the outer writes, and the
		// recover keeps a panicking one from rolling them back.
		if err := runIsolated(tx, func(tx2 *gorm.DB) error {
			return ComputeEvaluationResults(tx2, &evaluation)
		}); err != nil {
			logger.WithFields(logrus.Fields{
				"company_id":    companyId,
				"batch_id":      evaluation.BatchId,
				"evaluation_id": evaluation.ID,
			}).Error("SubmitAnswer: result computation failed: " + err.Error())
		}

		return RecomputeBatchCounters(tx, evaluation.BatchId)
	})
	if err != nil {
		return nil, err
	}

	return &evaluation, nil
}

// runIsolated runs fn in a nested transaction and converts a panic into an
// error. The savepoint is rolled back either way, so the surrounding
// transaction stays usable.
func runIsolated(tx *gorm.DB, fn func(*gorm.DB) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered: %v", r)
		}
	}()
	return tx.Transaction(fn)
}

// DeactivateEvaluation administratively excludes an employee from the round.
// Deactivated is the alternate terminal state; it counts toward batch
// completion but never toward the concluded minimum.
func DeactivateEvaluation(ctx context.Context, evaluationId int, requester Requester, reason string) (*Evaluation, error) {

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}

	var evaluation Evaluation

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {

		dbCtx := tx.Where("company_id = ?", companyId)
		if tx.Dialector.Name() == "mysql" {
			dbCtx = dbCtx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := dbCtx.First(&evaluation, evaluationId).Error; err != nil {
			return ErrNotFound
		}
		if evaluation.Status.IsTerminal() {
			return ErrInvalidState
		}

		evaluation.Status = EvaluationStatusDeactivated
		if err := tx.Save(&evaluation).Error; err != nil {
			return err
		}

		if err := createAuditRecord(tx, evaluation.BatchId, AuditActionEvaluationDeactivated,
			requester, "", reason); err != nil {
			return err
		}

		return RecomputeBatchCounters(tx, evaluation.BatchId)
	})
	if err != nil {
		return nil, err
	}

	return &evaluation, nil
}

func GetEvaluation(ctx context.Context, id int) (*Evaluation, error) {

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}
	evaluation, err := utils.FetchModel[Evaluation](ctx, companyId, id)
	if err != nil {
		return nil, ErrNotFound
	}
	return evaluation, nil
}

func ListEvaluationsForBatch(ctx context.Context, batchId int) ([]*Evaluation, error) {

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}

	var evaluations []*Evaluation
	db := config.GetDB()
	err := db.WithContext(ctx).
		Where("company_id = ? AND batch_id = ?", companyId, batchId).
		Order("id").
		Find(&evaluations).Error
	if err != nil {
		return nil, err
	}
	return evaluations, nil
}
