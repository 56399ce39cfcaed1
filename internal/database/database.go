package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Themath93/stock-manager-sub000/internal/database/migrations"
	"github.com/Themath93/stock-manager-sub000/internal/lifecycle"
	"github.com/Themath93/stock-manager-sub000/internal/locks"
	"github.com/Themath93/stock-manager-sub000/internal/types"
)

// NewDatabase opens the shared coordination store and brings the schema up
// to date. TranslateError is required: the lock and idempotency paths
// arbitrate writers through unique-constraint violations and need them
// surfaced as gorm.ErrDuplicatedKey.
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	if err := migrations.AddRecoveryLog(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddCoordinationIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&types.Order{},
		&types.Fill{},
		&locks.Lock{},
		&lifecycle.WorkerRecord{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
