package migrations

import (
	"gorm.io/gorm"

	"github.com/Themath93/stock-manager-sub000/internal/recovery"
)

// AddRecoveryLog creates the append-only reconciliation audit table.
func AddRecoveryLog(db *gorm.DB) error {
	if err := db.AutoMigrate(&recovery.RecoveryRecord{}); err != nil {
		return err
	}

	return nil
}
