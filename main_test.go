package main

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/psicosafe/laudos_backend/config"
	"github.com/psicosafe/laudos_backend/models"
	"github.com/psicosafe/laudos_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupEmissionTest wires an in-memory database and local artifact storage.
// One connection only: sqlite's :memory: database exists per connection.
func setupEmissionTest(t *testing.T) *gorm.DB {
	t.Helper()

	t.Setenv("STORAGE_PROVIDER", "local")
	t.Setenv("ARTIFACT_DIR", t.TempDir())

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

	if err := models.AutoMigrateAll(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	config.SetDB(db)
	return db
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func emissionRequester() models.Requester {
	return models.Requester{Id: 1, Name: "tester", Role: models.RequesterRoleInternalHR}
}

// seedEmissionBatch creates a tenant and a batch with n evaluations and
// concludes the requested number of them.
func seedEmissionBatch(t *testing.T, db *gorm.DB, n int, concluded int) (context.Context, *models.Batch) {
	t.Helper()

	ctx := context.Background()
	company, err := models.CreateCompany(ctx, &models.NewCompany{
		Name:  "Acme Consultoria",
		Email: "rh@acme.test",
	})
	if err != nil {
		t.Fatalf("failed to create company: %v", err)
	}
	ctx = utils.SetCompanyIdInContext(ctx, company.CompanyId)
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "tester")
	ctx = utils.SetRequesterRoleInContext(ctx, string(models.RequesterRoleInternalHR))

	now := time.Now()
	last := now.AddDate(0, 0, -30)
	for i := 0; i < n; i++ {
		emp := models.Employee{
			CompanyId:       company.CompanyId,
			Name:            "employee",
			Category:        models.EmployeeCategoryOperational,
			HiredAt:         now.AddDate(0, 0, -400),
			RiskIndex:       82,
			LastEvaluatedAt: &last,
			IsActive:        utils.NewTrue(),
		}
		if err := db.Create(&emp).Error; err != nil {
			t.Fatalf("failed to seed employee: %v", err)
		}
	}

	batch, err := models.CreateBatch(ctx, &models.NewBatch{Type: models.BatchTypeFull}, emissionRequester())
	if err != nil {
		t.Fatalf("failed to create batch: %v", err)
	}

	evaluations, err := models.ListEvaluationsForBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to list evaluations: %v", err)
	}
	for i := 0; i < concluded; i++ {
		for item := 1; item <= models.InstrumentItemCount; item++ {
			if _, err := models.SubmitAnswer(ctx, evaluations[i].ID, &models.NewAnswer{ItemNumber: item, Value: 3}); err != nil {
				t.Fatalf("failed to submit item %d: %v", item, err)
			}
		}
	}

	got, err := models.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("failed to reload batch: %v", err)
	}
	return ctx, got
}
