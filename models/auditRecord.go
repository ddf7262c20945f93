package models

import (
	"context"
	"errors"
	"time"

	"github.com/psicosafe/laudos_backend/config"
	"github.com/psicosafe/laudos_backend/utils"
	"gorm.io/gorm"
)

// AuditRecord is the append-only trail of every emission-affecting action,
// keyed by batch id. Rows are never updated or deleted.
type AuditRecord struct {
	ID            int           `gorm:"primary_key" json:"id"`
	CompanyId     string        `gorm:"index;not null" json:"company_id"`
	BatchId       int           `gorm:"index;not null" json:"batch_id"`
	Action        AuditAction   `gorm:"size:40;not null" json:"action"`
	RequesterId   int           `gorm:"index" json:"requester_id"`
	RequesterName string        `gorm:"size:100" json:"requester_name"`
	RequesterRole RequesterRole `gorm:"size:30" json:"requester_role"`
	Justification string        `gorm:"type:text" json:"justification"`
	Detail        string        `gorm:"type:text" json:"detail"`
	CorrelationId string        `gorm:"size:64" json:"correlation_id"`
	CreatedAt     time.Time     `gorm:"autoCreateTime" json:"created_at"`
}

// Requester is the explicit request-scoped identity threaded through every
// lifecycle and emission operation.
type Requester struct {
	Id            int
	Name          string
	Role          RequesterRole
	CorrelationId string
}

// SystemRequester attributes scheduler-driven work.
func SystemRequester(correlationId string) Requester {
	return Requester{
		Name:          "system",
		Role:          RequesterRoleSystemCron,
		CorrelationId: correlationId,
	}
}

func RequesterFromContext(ctx context.Context) (Requester, error) {

	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return Requester{}, errors.New("user id is required")
	}
	userName, _ := utils.GetUserNameFromContext(ctx)
	role, _ := utils.GetRequesterRoleFromContext(ctx)
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)

	requesterRole := RequesterRole(role)
	if !requesterRole.IsValid() {
		requesterRole = RequesterRoleInternalHR
	}

	return Requester{
		Id:            userId,
		Name:          userName,
		Role:          requesterRole,
		CorrelationId: correlationId,
	}, nil
}

func createAuditRecord(tx *gorm.DB, batchId int, action AuditAction, requester Requester, justification string, detail string) error {

	var companyId string
	if ctx := tx.Statement.Context; ctx != nil {
		companyId, _ = utils.GetCompanyIdFromContext(ctx)
	}
	if companyId == "" {
		// scheduler path has no request context, derive from the batch
		var batch Batch
		if err := tx.Select("company_id").First(&batch, batchId).Error; err != nil {
			return err
		}
		companyId = batch.CompanyId
	}

	record := AuditRecord{
		CompanyId:     companyId,
		BatchId:       batchId,
		Action:        action,
		RequesterId:   requester.Id,
		RequesterName: requester.Name,
		RequesterRole: requester.Role,
		Justification: justification,
		Detail:        detail,
		CorrelationId: requester.CorrelationId,
	}
	return tx.Create(&record).Error
}

// CreateAuditRecord is the exported entry point for callers outside a model
// transaction.
func CreateAuditRecord(tx *gorm.DB, batchId int, action AuditAction, requester Requester, justification string, detail string) error {
	return createAuditRecord(tx, batchId, action, requester, justification, detail)
}

// AuditTrailForBatch answers "who requested emission of batch X and when".
func AuditTrailForBatch(ctx context.Context, batchId int) ([]*AuditRecord, error) {

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}

	// An empty trail for a real batch is valid; distinguish it from a bad id.
	if err := utils.ValidateResourceId[Batch](ctx, companyId, batchId); err != nil {
		return nil, ErrNotFound
	}

	var records []*AuditRecord
	db := config.GetDB()
	err := db.WithContext(ctx).
		Where("company_id = ? AND batch_id = ?", companyId, batchId).
		Order("id").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
