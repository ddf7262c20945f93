package models

import (
	"context"
	"errors"
	"time"

	"github.com/psicosafe/laudos_backend/config"
	"github.com/psicosafe/laudos_backend/utils"
)

type EmployeeCategory string

const (
	EmployeeCategoryOperational EmployeeCategory = "Operational"
	EmployeeCategoryManagement  EmployeeCategory = "Management"
)

func (c EmployeeCategory) IsValid() bool {
	return c == EmployeeCategoryOperational || c == EmployeeCategoryManagement
}

type Employee struct {
	ID        int              `gorm:"primary_key" json:"id"`
	CompanyId string           `gorm:"index;not null" json:"company_id"`
	Name      string           `gorm:"index;size:100;not null" json:"name" binding:"required"`
	Email     string           `gorm:"size:255" json:"email"`
	Category  EmployeeCategory `gorm:"size:20;not null" json:"category"`
	HiredAt   time.Time        `gorm:"not null" json:"hired_at"`
	// RiskIndex 0..100, maintained by upstream occupational-health imports.
	RiskIndex       int        `gorm:"not null;default:0" json:"risk_index"`
	LastEvaluatedAt *time.Time `json:"last_evaluated_at"`
	IsActive        *bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewEmployee struct {
	Name      string           `json:"name" binding:"required"`
	Email     string           `json:"email"`
	Category  EmployeeCategory `json:"category" binding:"required"`
	HiredAt   time.Time        `json:"hired_at" binding:"required"`
	RiskIndex int              `json:"risk_index"`
}

func (input *NewEmployee) validate() error {
	if !input.Category.IsValid() {
		return errors.New("invalid employee category")
	}
	if input.RiskIndex < 0 || input.RiskIndex > 100 {
		return errors.New("risk index must be between 0 and 100")
	}
	return nil
}

func CreateEmployee(ctx context.Context, input *NewEmployee) (*Employee, error) {

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}

	if err := input.validate(); err != nil {
		return nil, err
	}
	if input.Email != "" {
		if err := utils.ValidateUnique[Employee](ctx, companyId, "email", input.Email, 0); err != nil {
			return nil, errors.New("email already registered")
		}
	}

	employee := Employee{
		CompanyId: companyId,
		Name:      input.Name,
		Email:     input.Email,
		Category:  input.Category,
		HiredAt:   input.HiredAt,
		RiskIndex: input.RiskIndex,
		IsActive:  utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&employee).Error; err != nil {
		return nil, err
	}

	return &employee, nil
}

func GetEmployee(ctx context.Context, id int) (*Employee, error) {

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}
	return utils.FetchModel[Employee](ctx, companyId, id)
}

// ActiveEmployees returns the active workforce for a company, optionally
// filtered by category for Operational/Management rounds.
func ActiveEmployees(ctx context.Context, companyId string, batchType BatchType) ([]*Employee, error) {

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).
		Where("company_id = ?", companyId).
		Where("is_active = ?", true)

	switch batchType {
	case BatchTypeOperational:
		dbCtx = dbCtx.Where("category = ?", EmployeeCategoryOperational)
	case BatchTypeManagement:
		dbCtx = dbCtx.Where("category = ?", EmployeeCategoryManagement)
	}

	var employees []*Employee
	if err := dbCtx.Order("id").Find(&employees).Error; err != nil {
		return nil, err
	}
	return employees, nil
}
