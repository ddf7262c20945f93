package models

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/psicosafe/laudos_backend/config"
	"github.com/psicosafe/laudos_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const DefaultEmissionMaxAttempts = 3

// EmissionQueueEntry is the durable unit of the automatic emission path.
// One row per batch; success removes the row, exhausted attempts park it in
// FAILED for operators. Entries are never silently dropped.
type EmissionQueueEntry struct {
	ID        int            `gorm:"primary_key" json:"id"`
	CompanyId string         `gorm:"index;not null" json:"company_id"`
	BatchId   int            `gorm:"not null;uniqueIndex" json:"batch_id"`
	Status    EmissionStatus `gorm:"size:20;not null;default:PENDING" json:"status"`

	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts   int        `gorm:"not null;default:3" json:"max_attempts"`
	NextAttemptAt *time.Time `gorm:"index" json:"next_attempt_at"`
	LastError     string     `gorm:"type:text" json:"last_error"`

	RequesterId   int           `json:"requester_id"`
	RequesterName string        `gorm:"size:100" json:"requester_name"`
	RequesterRole RequesterRole `gorm:"size:30;not null" json:"requester_role"`
	RequestedAt   time.Time     `gorm:"not null" json:"requested_at"`

	// claim metadata, guards against double-processing across instances
	LockedAt *time.Time `json:"locked_at"`
	LockedBy string     `gorm:"size:100" json:"locked_by"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// EnqueueEmission upserts the batch's queue entry for an immediate attempt.
// Re-requesting emission refreshes requester attribution only; an existing
// entry keeps its status and schedule so retries hold their backoff. It
// never creates a duplicate.
func EnqueueEmission(tx *gorm.DB, batch *Batch, requester Requester) error {
	return enqueueEmissionAt(tx, batch, requester, time.Now())
}

// ScheduleAutoEmission puts a just-completed batch on the automatic emission
// path. The first attempt is never earlier than auto_emit_at.
func ScheduleAutoEmission(tx *gorm.DB, batch *Batch) error {

	at := time.Now()
	if batch.AutoEmitAt != nil && batch.AutoEmitAt.After(at) {
		at = *batch.AutoEmitAt
	}
	return enqueueEmissionAt(tx, batch, SystemRequester("auto-emit:batch:"+strconv.Itoa(batch.ID)), at)
}

func enqueueEmissionAt(tx *gorm.DB, batch *Batch, requester Requester, at time.Time) error {

	entry := EmissionQueueEntry{
		CompanyId:     batch.CompanyId,
		BatchId:       batch.ID,
		Status:        EmissionStatusPending,
		MaxAttempts:   DefaultEmissionMaxAttempts,
		NextAttemptAt: &at,
		RequesterId:   requester.Id,
		RequesterName: requester.Name,
		RequesterRole: requester.Role,
		RequestedAt:   time.Now(),
	}

	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "batch_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"requester_id", "requester_name", "requester_role", "requested_at",
		}),
	}).Create(&entry).Error
}

// CancelEmission removes a pending entry so no future attempt runs. An
// in-flight attempt is left alone; it finishes on its own and the entry is
// gone by the time it would reschedule.
func CancelEmission(ctx context.Context, batchId int, requester Requester) error {

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return errors.New("company id is required")
	}

	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("company_id = ? AND batch_id = ? AND status = ?",
			companyId, batchId, EmissionStatusPending).
			Delete(&EmissionQueueEntry{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return createAuditRecord(tx, batchId, AuditActionEmissionCancelled, requester, "", "")
	})
}

// RequeueFailedEmission is the operator path for a FAILED entry: reset
// attempts and put it back in rotation.
func RequeueFailedEmission(ctx context.Context, batchId int, requester Requester) error {

	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		result := tx.Model(&EmissionQueueEntry{}).
			Where("batch_id = ? AND status = ?", batchId, EmissionStatusFailed).
			Updates(map[string]interface{}{
				"status":          EmissionStatusPending,
				"attempts":        0,
				"next_attempt_at": now,
				"last_error":      "",
				"locked_at":       nil,
				"locked_by":       "",
				"requester_id":    requester.Id,
				"requester_name":  requester.Name,
				"requester_role":  requester.Role,
				"requested_at":    now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return createAuditRecord(tx, batchId, AuditActionManualEmissionRequest, requester, "", "failed entry requeued")
	})
}

func GetEmissionEntry(ctx context.Context, batchId int) (*EmissionQueueEntry, error) {

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}

	var entry EmissionQueueEntry
	db := config.GetDB()
	err := db.WithContext(ctx).
		Where("company_id = ? AND batch_id = ?", companyId, batchId).
		First(&entry).Error
	if err != nil {
		return nil, ErrNotFound
	}
	return &entry, nil
}

// ListFailedEmissions surfaces exhausted entries to operators.
func ListFailedEmissions(ctx context.Context) ([]*EmissionQueueEntry, error) {

	var entries []*EmissionQueueEntry
	db := config.GetDB()
	err := db.WithContext(ctx).
		Where("status = ?", EmissionStatusFailed).
		Order("updated_at").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
