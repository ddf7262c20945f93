// seed-dev bootstraps a local database with a demo company, an HR admin
// user and a small workforce, so the batch lifecycle can be exercised
// end to end.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-dev
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/psicosafe/laudos_backend/config"
	"github.com/psicosafe/laudos_backend/models"
	"github.com/psicosafe/laudos_backend/utils"
	"gorm.io/gorm"
)

const (
	adminUsername = "psicosafeAdmin"
	adminPassword = "Ps!c0SafeAdmin"
	adminName     = "PsicoSafe Admin"
)

func main() {
	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	models.MigrateTable()

	var company models.Company
	err := db.WithContext(ctx).Model(&models.Company{}).First(&company).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			fmt.Fprintf(os.Stderr, "failed to lookup company: %v\n", err)
			os.Exit(1)
		}
		created, err := models.CreateCompany(ctx, &models.NewCompany{
			Name:        "Demo Ltda",
			ContactName: "Demo Contact",
			Email:       "demo@example.com",
			Country:     "Brazil",
			City:        "Sao Paulo",
			Timezone:    "America/Sao_Paulo",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create company: %v\n", err)
			os.Exit(1)
		}
		company = *created
		fmt.Printf("Created company %q (%s)\n", company.Name, company.CompanyId)
	}

	ctx = utils.SetCompanyIdInContext(ctx, company.CompanyId)
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Seed")

	var existing models.User
	err = db.WithContext(ctx).Model(&models.User{}).Where("username = ?", adminUsername).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		user, err := models.CreateUser(ctx, company.CompanyId, &models.NewUser{
			Username: adminUsername,
			Name:     adminName,
			Password: adminPassword,
			Role:     models.UserRoleAdmin,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create admin user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created admin user: username=%q id=%d\n", adminUsername, user.ID)
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "failed to lookup user: %v\n", err)
		os.Exit(1)
	}

	var employeeCount int64
	if err := db.WithContext(ctx).Model(&models.Employee{}).
		Where("company_id = ?", company.CompanyId).
		Count(&employeeCount).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to count employees: %v\n", err)
		os.Exit(1)
	}
	if employeeCount > 0 {
		fmt.Printf("Workforce already seeded (%d employees), nothing to do\n", employeeCount)
		return
	}

	now := time.Now()
	seedEmployees := []models.NewEmployee{
		{Name: "Ana Souza", Email: "ana@example.com", Category: models.EmployeeCategoryOperational, HiredAt: now.AddDate(-3, 0, 0), RiskIndex: 82},
		{Name: "Bruno Lima", Email: "bruno@example.com", Category: models.EmployeeCategoryOperational, HiredAt: now.AddDate(-2, -3, 0), RiskIndex: 35},
		{Name: "Carla Mendes", Email: "carla@example.com", Category: models.EmployeeCategoryOperational, HiredAt: now.AddDate(0, -1, 0), RiskIndex: 10},
		{Name: "Diego Alves", Email: "diego@example.com", Category: models.EmployeeCategoryManagement, HiredAt: now.AddDate(-5, 0, 0), RiskIndex: 55},
		{Name: "Elisa Rocha", Email: "elisa@example.com", Category: models.EmployeeCategoryManagement, HiredAt: now.AddDate(-1, -6, 0), RiskIndex: 20},
	}
	for i := range seedEmployees {
		if _, err := models.CreateEmployee(ctx, &seedEmployees[i]); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create employee %q: %v\n", seedEmployees[i].Name, err)
			os.Exit(1)
		}
	}
	fmt.Printf("Seeded %d employees for company %s\n", len(seedEmployees), company.CompanyId)
}
