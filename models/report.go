package models

import (
	"context"
	"errors"
	"time"

	"github.com/psicosafe/laudos_backend/config"
	"github.com/psicosafe/laudos_backend/utils"
	"gorm.io/gorm"
)

// Report is the laudo record for one batch. Its primary key is never
// generated: Report.ID always equals Batch.ID, claimed by reserveReport at
// batch creation and repaired by the generator when the reservation was
// lost.
type Report struct {
	ID        int          `gorm:"primary_key;autoIncrement:false" json:"id"`
	CompanyId string       `gorm:"index;not null" json:"company_id"`
	Status    ReportStatus `gorm:"size:20;not null;default:Draft" json:"status"`

	// ContentHash is the hex sha256 of the artifact bytes. Null until the
	// first successful generation; a null hash on an issued report is a
	// repair opportunity, not an error.
	ContentHash  *string `gorm:"size:64" json:"content_hash"`
	ArtifactPath string  `gorm:"size:255" json:"artifact_path"`

	EmergencyIssued *bool `gorm:"not null;default:false" json:"emergency_issued"`

	GeneratedAt *time.Time `json:"generated_at"`
	IssuedAt    *time.Time `json:"issued_at"`
	SentAt      *time.Time `json:"sent_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func reserveReport(tx *gorm.DB, batch *Batch) error {
	report := Report{
		ID:              batch.ID,
		CompanyId:       batch.CompanyId,
		Status:          ReportStatusDraft,
		EmergencyIssued: utils.NewFalse(),
	}
	return tx.Create(&report).Error
}

// EnsureReportRow repairs a missing placeholder. Safe under races: a
// duplicate-key error means another writer repaired it first.
func EnsureReportRow(tx *gorm.DB, batch *Batch) (*Report, error) {

	var report Report
	err := tx.First(&report, batch.ID).Error
	if err == nil {
		return &report, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if err := reserveReport(tx, batch); err != nil {
		if !IsDuplicateKeyErr(err) {
			return nil, err
		}
	}
	if err := tx.First(&report, batch.ID).Error; err != nil {
		return nil, err
	}
	return &report, nil
}

func GetReport(ctx context.Context, batchId int) (*Report, error) {

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}

	var report Report
	db := config.GetDB()
	err := db.WithContext(ctx).
		Where("company_id = ?", companyId).
		First(&report, batchId).Error
	if err != nil {
		return nil, ErrNotFound
	}
	return &report, nil
}
