package models

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/psicosafe/laudos_backend/config"
	"github.com/psicosafe/laudos_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB opens an in-memory sqlite database and installs it as the
// package-global connection. One connection only: sqlite's :memory: database
// exists per connection, a second one would see empty tables.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test DB: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := AutoMigrateAll(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	config.SetDB(db)
	return db
}

// testTenant creates a company and returns a context scoped to it, the way
// the session middleware would have prepared one.
func testTenant(t *testing.T) (context.Context, string) {
	t.Helper()

	ctx := context.Background()
	company, err := CreateCompany(ctx, &NewCompany{
		Name:  "Acme Consultoria",
		Email: "rh@acme.test",
	})
	if err != nil {
		t.Fatalf("failed to create company: %v", err)
	}

	ctx = utils.SetCompanyIdInContext(ctx, company.CompanyId)
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "tester")
	ctx = utils.SetRequesterRoleInContext(ctx, string(RequesterRoleInternalHR))
	return ctx, company.CompanyId
}

func testRequester() Requester {
	return Requester{Id: 1, Name: "tester", Role: RequesterRoleInternalHR}
}

// seedEmployee inserts an employee row directly so tests control every
// eligibility input. lastEvalDaysAgo < 0 means never evaluated.
func seedEmployee(t *testing.T, db *gorm.DB, companyId string, category EmployeeCategory, riskIndex int, hiredDaysAgo int, lastEvalDaysAgo int) *Employee {
	t.Helper()

	now := time.Now()
	emp := Employee{
		CompanyId: companyId,
		Name:      "employee",
		Category:  category,
		HiredAt:   now.AddDate(0, 0, -hiredDaysAgo),
		RiskIndex: riskIndex,
		IsActive:  utils.NewTrue(),
	}
	if lastEvalDaysAgo >= 0 {
		last := now.AddDate(0, 0, -lastEvalDaysAgo)
		emp.LastEvaluatedAt = &last
	}
	if err := db.Create(&emp).Error; err != nil {
		t.Fatalf("failed to seed employee: %v", err)
	}
	return &emp
}

// concludeEvaluation answers the full instrument with a fixed value.
func concludeEvaluation(t *testing.T, ctx context.Context, evaluationId int, value int) *Evaluation {
	t.Helper()

	var evaluation *Evaluation
	var err error
	for item := 1; item <= InstrumentItemCount; item++ {
		evaluation, err = SubmitAnswer(ctx, evaluationId, &NewAnswer{ItemNumber: item, Value: value})
		if err != nil {
			t.Fatalf("failed to submit item %d: %v", item, err)
		}
	}
	if evaluation.Status != EvaluationStatusConcluded {
		t.Fatalf("evaluation status = %s, want %s", evaluation.Status, EvaluationStatusConcluded)
	}
	return evaluation
}
