package models

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/psicosafe/laudos_backend/config"
	"github.com/psicosafe/laudos_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Batch struct {
	ID        int       `gorm:"primary_key" json:"id"`
	CompanyId string    `gorm:"index;not null;uniqueIndex:idx_batch_round" json:"company_id"`
	// RoundNumber is monotonic per company. The unique index keeps two
	// concurrent creations from claiming the same round.
	RoundNumber int         `gorm:"not null;uniqueIndex:idx_batch_round" json:"round_number"`
	Type        BatchType   `gorm:"size:20;not null" json:"type"`
	Status      BatchStatus `gorm:"size:20;not null;default:Active" json:"status"`

	TotalEvaluations       int `gorm:"not null;default:0" json:"total_evaluations"`
	ConcludedEvaluations   int `gorm:"not null;default:0" json:"concluded_evaluations"`
	DeactivatedEvaluations int `gorm:"not null;default:0" json:"deactivated_evaluations"`

	EmergencyUsed          *bool  `gorm:"not null;default:false" json:"emergency_used"`
	EmergencyJustification string `gorm:"type:text" json:"emergency_justification"`

	// AutoEmitAt schedules automatic emission once the batch completes.
	AutoEmitAt *time.Time `json:"auto_emit_at"`

	CreatedBy int       `gorm:"index" json:"created_by"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBatch struct {
	// RoundNumber 0 means "next round for this company".
	RoundNumber int        `json:"round_number"`
	Type        BatchType  `json:"type" binding:"required"`
	AutoEmitAt  *time.Time `json:"auto_emit_at"`
}

// CreateBatch opens a survey round. It runs as one transaction: the batch
// row, its evaluations and its counters commit together. The report
// placeholder is reserved in a nested transaction so a failure there rolls
// back only the reservation; a missing placeholder is repaired at emission
// time, losing the whole round over it is not acceptable.
func CreateBatch(ctx context.Context, input *NewBatch, requester Requester) (*Batch, error) {

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}
	if !input.Type.IsValid() {
		return nil, errors.New("invalid batch type")
	}

	logger := config.GetLogger()
	now := time.Now()

	eligible, err := EligibleEmployeesForRound(ctx, companyId, input.Type, now)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, ErrNoEligibleEmployees
	}

	var batch Batch

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {

		roundNumber := input.RoundNumber
		if roundNumber <= 0 {
			if roundNumber, err = nextRoundNumber(tx, companyId); err != nil {
				return err
			}
		}

		batch = Batch{
			CompanyId:        companyId,
			RoundNumber:      roundNumber,
			Type:             input.Type,
			Status:           BatchStatusActive,
			TotalEvaluations: len(eligible),
			EmergencyUsed:    utils.NewFalse(),
			AutoEmitAt:       input.AutoEmitAt,
			CreatedBy:        requester.Id,
		}
		if err := tx.Create(&batch).Error; err != nil {
			return err
		}

		// Reservation sub-transaction: Report.ID is claimed here, at
		// creation time, so the 1:1 identity with the batch can never be
		// raced away later.
		if err := tx.Transaction(func(tx2 *gorm.DB) error {
			return reserveReport(tx2, &batch)
		}); err != nil {
			logger.WithFields(logrus.Fields{
				"company_id": companyId,
				"batch_id":   batch.ID,
			}).Error("CreateBatch: report reservation failed, will repair at emission: " + err.Error())
		}

		evaluations := make([]Evaluation, 0, len(eligible))
		for _, e := range eligible {
			evaluations = append(evaluations, Evaluation{
				CompanyId:               companyId,
				BatchId:                 batch.ID,
				EmployeeId:              e.Employee.ID,
				Status:                  EvaluationStatusStarted,
				InclusionReason:         e.Reason,
				Priority:                e.Priority,
				RiskIndex:               e.RiskIndex,
				DaysSinceLastEvaluation: e.DaysSinceLastEvaluation,
			})
		}
		if err := tx.Create(&evaluations).Error; err != nil {
			return err
		}

		return createAuditRecord(tx, batch.ID, AuditActionBatchCreated, requester,
			"", "batch created with "+strconv.Itoa(len(eligible))+" evaluations")
	})
	if err != nil {
		return nil, err
	}

	return &batch, nil
}

func nextRoundNumber(tx *gorm.DB, companyId string) (int, error) {
	var maxRound *int
	err := tx.Model(&Batch{}).
		Where("company_id = ?", companyId).
		Select("MAX(round_number)").
		Scan(&maxRound).Error
	if err != nil {
		return 0, err
	}
	if maxRound == nil {
		return 1, nil
	}
	return *maxRound + 1, nil
}

// RecomputeBatchCounters re-derives the batch's aggregate counters from
// current evaluation rows. It is idempotent: concurrent completions converge
// because counts come from the rows, not from deltas. When every evaluation
// is terminal and at least one concluded, the batch moves Active -> Completed.
func RecomputeBatchCounters(tx *gorm.DB, batchId int) error {

	var batch Batch
	dbCtx := tx.Model(&Batch{})
	if tx.Dialector.Name() == "mysql" {
		dbCtx = dbCtx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := dbCtx.First(&batch, batchId).Error; err != nil {
		return ErrNotFound
	}

	type statusCount struct {
		Status EvaluationStatus
		N      int
	}
	var counts []statusCount
	err := tx.Model(&Evaluation{}).
		Select("status, COUNT(*) as n").
		Where("batch_id = ?", batchId).
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return err
	}

	var total, concluded, deactivated int
	for _, c := range counts {
		total += c.N
		switch c.Status {
		case EvaluationStatusConcluded:
			concluded += c.N
		case EvaluationStatusDeactivated:
			deactivated += c.N
		}
	}

	updates := map[string]interface{}{
		"total_evaluations":       total,
		"concluded_evaluations":   concluded,
		"deactivated_evaluations": deactivated,
	}
	allTerminal := total > 0 && concluded+deactivated == total
	completing := batch.Status == BatchStatusActive && allTerminal && concluded > 0
	if completing {
		updates["status"] = BatchStatusCompleted
	}

	if err := tx.Model(&Batch{}).Where("id = ?", batchId).Updates(updates).Error; err != nil {
		return err
	}

	// A scheduled batch enters the automatic emission path the moment it
	// completes; the sweeper picks the entry up once auto_emit_at passes.
	if completing && batch.AutoEmitAt != nil {
		return ScheduleAutoEmission(tx, &batch)
	}
	return nil
}

// MarkEmergencyUsed consumes the batch's single emergency override. The
// conditional UPDATE is the atomicity point: a second caller matches zero
// rows and gets ErrEmergencyAlreadyUsed.
func MarkEmergencyUsed(tx *gorm.DB, batchId int, justification string) error {

	if len(justification) == 0 {
		return errors.New("emergency justification is required")
	}

	result := tx.Model(&Batch{}).
		Where("id = ? AND emergency_used = ?", batchId, false).
		Updates(map[string]interface{}{
			"emergency_used":          true,
			"emergency_justification": justification,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := tx.Model(&Batch{}).Where("id = ?", batchId).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrEmergencyAlreadyUsed
	}
	return nil
}

func GetBatch(ctx context.Context, id int) (*Batch, error) {

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}
	batch, err := utils.FetchModel[Batch](ctx, companyId, id)
	if err != nil {
		return nil, ErrNotFound
	}
	return batch, nil
}

func ListBatches(ctx context.Context) ([]*Batch, error) {

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}

	var batches []*Batch
	db := config.GetDB()
	err := db.WithContext(ctx).
		Where("company_id = ?", companyId).
		Order("round_number DESC").
		Find(&batches).Error
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// MarkBatchSent is called after a downstream delivery confirmation.
func MarkBatchSent(ctx context.Context, batchId int) error {

	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Batch{}).
			Where("id = ? AND status = ?", batchId, BatchStatusIssued).
			Update("status", BatchStatusSent)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrInvalidState
		}
		now := time.Now()
		return tx.Model(&Report{}).
			Where("id = ?", batchId).
			Updates(map[string]interface{}{"status": ReportStatusSent, "sent_at": now}).Error
	})
}
