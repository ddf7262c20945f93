package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireIssuanceLock serializes report issuance per batch across instances
// using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB that will run the issuance transaction. On non-MySQL dialects the
// Report row lock inside the transaction is the only serialization point.
func AcquireIssuanceLock(tx *gorm.DB, batchId int) error {
	if tx.Dialector.Name() != "mysql" {
		return nil
	}
	lockName := fmt.Sprintf("laudo-issuance:%d", batchId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire issuance lock for batch_id=%d", batchId)
	}
	return nil
}

func ReleaseIssuanceLock(tx *gorm.DB, batchId int) {
	if tx.Dialector.Name() != "mysql" {
		return
	}
	lockName := fmt.Sprintf("laudo-issuance:%d", batchId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
