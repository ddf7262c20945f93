// migrate runs AutoMigrate as a standalone job. Use with
// SKIP_MIGRATIONS=true on the server so DDL never blocks request traffic.
package main

import (
	"fmt"
	"os"

	"github.com/psicosafe/laudos_backend/config"
	"github.com/psicosafe/laudos_backend/models"
)

func main() {
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()
	fmt.Println("migrations applied")
}
