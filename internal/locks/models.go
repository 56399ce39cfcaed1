package locks

import (
	"time"

	"gorm.io/gorm"
)

// Lock is an exclusive, time-boxed lease on a trading symbol. The unique
// index on ResourceKey means at most one row exists per symbol; an expired
// row is taken over in place by a conditional update rather than a
// delete-then-insert, so two racing acquirers can never both win.
type Lock struct {
	gorm.Model      `json:"-"`
	ResourceKey     string    `gorm:"uniqueIndex" json:"resource_key"`
	HolderID        string    `gorm:"index" json:"holder_id"`
	AcquiredAt      time.Time `json:"acquired_at"`
	ExpiresAt       time.Time `gorm:"index" json:"expires_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	LeaseVersion    int64     `json:"lease_version"` // bumped on every takeover and renewal
}

// ExpiredAt reports whether the lease is past its TTL at the given instant.
func (l *Lock) ExpiredAt(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}
