package recovery

import (
	"time"

	"gorm.io/gorm"
)

// Discrepancy kinds written during reconciliation.
const (
	KindUnconfirmedSubmit  = "UNCONFIRMED_SUBMIT"
	KindBrokerUnknownOrder = "BROKER_UNKNOWN_ORDER"
	KindUnknownBrokerOrder = "UNKNOWN_BROKER_ORDER"
	KindLocalBehindBroker  = "LOCAL_BEHIND_BROKER"
	KindFillMismatch       = "FILL_MISMATCH"
	KindStatusMismatch     = "STATUS_MISMATCH"
	KindOrphanPosition     = "ORPHAN_POSITION"
)

// RecoveryRecord is one reconciliation finding. Append-only: rows are never
// mutated after insert, forming the audit trail an operator works from.
type RecoveryRecord struct {
	gorm.Model `json:"-"`
	Kind       string    `gorm:"index" json:"kind"`
	OrderID    string    `gorm:"index" json:"order_id"`
	Symbol     string    `json:"symbol"`
	Action     string    `json:"action"` // RESOLVED, CONFIRMED or FLAGGED
	Detail     string    `json:"detail"`
	Timestamp  time.Time `json:"timestamp"`
}
