package migrations

import (
	"gorm.io/gorm"
)

// AddCoordinationIndexes creates the indexes the hot coordination queries
// depend on
func AddCoordinationIndexes(db *gorm.DB) error {
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Lease expiry scans run every sweep tick
		`CREATE INDEX IF NOT EXISTS idx_locks_expires_at
		 ON locks(expires_at)`,

		// ReleaseAllHeldBy walks a crashed worker's leases
		`CREATE INDEX IF NOT EXISTS idx_locks_holder_id
		 ON locks(holder_id)`,

		// Stale-worker sweep filters on heartbeat age and status together
		`CREATE INDEX IF NOT EXISTS idx_workers_heartbeat_status
		 ON workers(last_heartbeat_at, status)`,

		// Open-order reconciliation filters on status
		`CREATE INDEX IF NOT EXISTS idx_orders_status
		 ON orders(status)`,

		// Entry-price lookups filter on symbol and side
		`CREATE INDEX IF NOT EXISTS idx_orders_symbol_side
		 ON orders(symbol, side)`,

		// Fill polling joins fills back to their order
		`CREATE INDEX IF NOT EXISTS idx_fills_order_id
		 ON fills(order_id)`,

		// Recovery audit queries filter on kind and recency
		`CREATE INDEX IF NOT EXISTS idx_recovery_records_kind
		 ON recovery_records(kind)`,
		`CREATE INDEX IF NOT EXISTS idx_recovery_records_created_at
		 ON recovery_records(created_at)`,
	}

	// Execute each index creation
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
