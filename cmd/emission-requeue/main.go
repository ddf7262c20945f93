// Simple tool to put a FAILED emission queue entry back in rotation without
// going through the HTTP ops endpoint.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/psicosafe/laudos_backend/config"
	"github.com/psicosafe/laudos_backend/models"
	"gorm.io/gorm"
)

func main() {
	batchID := flag.Int("batch-id", 0, "Required: batch id of the FAILED entry")
	dryRun := flag.Bool("dry-run", true, "Show entry only (no writes)")
	confirm := flag.String("confirm", "", "Type REQUEUE to proceed when dry-run=false")
	flag.Parse()

	if *batchID <= 0 {
		fmt.Fprintln(os.Stderr, "--batch-id is required")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "REQUEUE" {
		fmt.Fprintln(os.Stderr, "set --confirm=REQUEUE to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	var entry models.EmissionQueueEntry
	if err := db.Where("batch_id = ?", *batchID).First(&entry).Error; err != nil {
		fmt.Fprintf(os.Stderr, "no queue entry for batch %d: %v\n", *batchID, err)
		os.Exit(1)
	}

	fmt.Printf("entry id=%d batch=%d status=%s attempts=%d/%d last_error=%q\n",
		entry.ID, entry.BatchId, entry.Status, entry.Attempts, entry.MaxAttempts, entry.LastError)

	if *dryRun {
		return
	}
	if entry.Status != models.EmissionStatusFailed {
		fmt.Fprintf(os.Stderr, "entry is %s, only FAILED entries can be requeued\n", entry.Status)
		os.Exit(1)
	}

	now := time.Now().UTC()
	if err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.EmissionQueueEntry{}).
			Where("id = ? AND status = ?", entry.ID, models.EmissionStatusFailed).
			Updates(map[string]interface{}{
				"status":          models.EmissionStatusPending,
				"attempts":        0,
				"next_attempt_at": &now,
				"last_error":      "",
				"locked_at":       nil,
				"locked_by":       "",
			}).Error; err != nil {
			return err
		}
		requester := models.SystemRequester("emission-requeue")
		return models.CreateAuditRecord(tx, entry.BatchId, models.AuditActionManualEmissionRequest,
			requester, "", "failed entry requeued via cli")
	}); err != nil {
		fmt.Fprintf(os.Stderr, "requeue failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("entry %d requeued, next attempt at %s\n", entry.ID, now.Format(time.RFC3339))
}
