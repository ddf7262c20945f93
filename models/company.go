package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/psicosafe/laudos_backend/config"
	"github.com/psicosafe/laudos_backend/utils"
)

type Company struct {
	ID          uuid.UUID `gorm:"primary_key" json:"id"`
	Name        string    `gorm:"index;size:100;not null" json:"name" binding:"required"`
	ContactName string    `gorm:"size:100" json:"contact_name"`
	Email       string    `gorm:"size:255" json:"email"`
	Phone       string    `gorm:"size:20" json:"phone"`
	Address     string    `gorm:"type:text" json:"address"`
	Country     string    `gorm:"size:100" json:"country"`
	City        string    `gorm:"size:100" json:"city"`
	Timezone    string    `gorm:"size:50" json:"timezone"`
	// CompanyId duplicates ID as string so multi-tenant scoping stays uniform
	// with every other table.
	CompanyId string    `gorm:"size:100;index" json:"company_id"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCompany struct {
	Name        string `json:"name" binding:"required"`
	ContactName string `json:"contact_name"`
	Email       string `json:"email" binding:"required"`
	Phone       string `json:"phone"`
	Address     string `json:"address"`
	Country     string `json:"country"`
	City        string `json:"city"`
	Timezone    string `json:"timezone"`
}

func CreateCompany(ctx context.Context, input *NewCompany) (*Company, error) {

	id := uuid.New()
	company := Company{
		ID:          id,
		Name:        input.Name,
		ContactName: input.ContactName,
		Email:       input.Email,
		Phone:       input.Phone,
		Address:     input.Address,
		Country:     input.Country,
		City:        input.City,
		Timezone:    input.Timezone,
		CompanyId:   id.String(),
		IsActive:    utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&company).Error; err != nil {
		return nil, err
	}

	return &company, nil
}

func GetCompany(ctx context.Context, companyId string) (*Company, error) {

	if companyId == "" {
		return nil, errors.New("company id is required")
	}

	var company Company
	db := config.GetDB()
	err := db.WithContext(ctx).Where("company_id = ?", companyId).First(&company).Error
	if err != nil {
		return nil, ErrNotFound
	}
	return &company, nil
}
