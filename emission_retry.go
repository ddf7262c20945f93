package main

import (
	"context"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/psicosafe/laudos_backend/config"
	"github.com/psicosafe/laudos_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type emissionBackoffPolicy string

const (
	backoffPolicyLinear      emissionBackoffPolicy = "linear"
	backoffPolicyExponential emissionBackoffPolicy = "exponential"
)

type emissionRetryConfig struct {
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	policy      emissionBackoffPolicy
}

func getEmissionRetryConfig() emissionRetryConfig {
	cfg := emissionRetryConfig{
		maxAttempts: models.DefaultEmissionMaxAttempts,
		baseBackoff: 30 * time.Second,
		maxBackoff:  15 * time.Minute,
		policy:      backoffPolicyExponential,
	}

	if v := os.Getenv("EMISSION_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxAttempts = n
		}
	}
	if v := os.Getenv("EMISSION_BASE_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.baseBackoff = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("EMISSION_MAX_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxBackoff = time.Duration(n) * time.Second
		}
	}
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("EMISSION_BACKOFF_POLICY"))); v == string(backoffPolicyLinear) {
		cfg.policy = backoffPolicyLinear
	}

	return cfg
}

func emissionBackoff(attempt int, cfg emissionRetryConfig) time.Duration {
	if attempt <= 0 {
		return cfg.baseBackoff
	}
	var delay time.Duration
	switch cfg.policy {
	case backoffPolicyLinear:
		delay = time.Duration(attempt) * cfg.baseBackoff
	default:
		// base * 2^(attempt-1), capped.
		exp := float64(attempt - 1)
		delay = time.Duration(float64(cfg.baseBackoff) * math.Pow(2, exp))
	}
	if delay > cfg.maxBackoff {
		return cfg.maxBackoff
	}
	return delay
}

// markEmissionFailure records a failed attempt. Returns whether the entry is
// now terminal FAILED. Terminal entries keep no next_attempt_at; they wait
// for an operator.
func markEmissionFailure(ctx context.Context, logger *logrus.Logger, entryId int, err error) bool {

	cfg := getEmissionRetryConfig()
	now := time.Now().UTC()
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}

	db := config.GetDB()

	var entry models.EmissionQueueEntry
	attempts := 0
	status := models.EmissionStatusPending
	txErr := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Row lock: a manual attempt and a sweeper attempt racing on the
		// same entry must not lose an increment.
		q := tx.Select("id,company_id,batch_id,attempts,max_attempts")
		if tx.Dialector.Name() == "mysql" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if qerr := q.Where("id = ?", entryId).First(&entry).Error; qerr != nil {
			return qerr
		}

		maxAttempts := entry.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = cfg.maxAttempts
		}

		attempts = entry.Attempts + 1
		var nextAttemptAt *time.Time
		if attempts >= maxAttempts {
			status = models.EmissionStatusFailed
			nextAttemptAt = nil
		} else {
			t := now.Add(emissionBackoff(attempts, cfg))
			nextAttemptAt = &t
		}

		return tx.Model(&models.EmissionQueueEntry{}).
			Where("id = ?", entryId).
			Updates(map[string]interface{}{
				"attempts":        attempts,
				"status":          status,
				"next_attempt_at": nextAttemptAt,
				"last_error":      errMsg,
				"locked_at":       nil,
				"locked_by":       "",
			}).Error
	})
	if txErr != nil {
		return false
	}

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":      "EmissionQueue",
			"company_id": entry.CompanyId,
			"batch_id":   entry.BatchId,
			"entry_id":   entry.ID,
			"status":     status,
			"attempts":   attempts,
		}).Error("emission attempt failed: " + errMsg)
	}

	return status == models.EmissionStatusFailed
}

// markEmissionSuccess removes the entry; the report row is the durable
// record of the outcome.
func markEmissionSuccess(ctx context.Context, logger *logrus.Logger, entry *models.EmissionQueueEntry) {

	db := config.GetDB()
	_ = db.WithContext(ctx).
		Where("id = ?", entry.ID).
		Delete(&models.EmissionQueueEntry{}).Error

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":      "EmissionQueue",
			"company_id": entry.CompanyId,
			"batch_id":   entry.BatchId,
			"entry_id":   entry.ID,
		}).Info("emission succeeded, queue entry removed")
	}
}
