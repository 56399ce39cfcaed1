package locks

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// InsertLock creates a fresh lease row. A unique-constraint violation means
// another holder's row already exists and surfaces as gorm.ErrDuplicatedKey.
func (d *Database) InsertLock(lock *Lock) error {
	return d.db.Create(lock).Error
}

// TakeOverExpired atomically claims an existing row whose lease has lapsed.
// The WHERE clause is the compare-and-swap: it only matches a row that is
// expired right now, so exactly one of any number of racing callers gets
// RowsAffected == 1.
func (d *Database) TakeOverExpired(key, holderID string, now, expiresAt time.Time) (bool, error) {
	result := d.db.Model(&Lock{}).
		Where("resource_key = ? AND expires_at <= ?", key, now).
		Updates(map[string]interface{}{
			"holder_id":         holderID,
			"acquired_at":       now,
			"expires_at":        expiresAt,
			"last_heartbeat_at": now,
			"lease_version":     gorm.Expr("lease_version + 1"),
			"updated_at":        now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ExtendLease renews a live lease, guarded by holder identity and
// non-expiry. A zero RowsAffected means the caller no longer owns the lock.
func (d *Database) ExtendLease(key, holderID string, now, expiresAt time.Time) (bool, error) {
	result := d.db.Model(&Lock{}).
		Where("resource_key = ? AND holder_id = ? AND expires_at > ?", key, holderID, now).
		Updates(map[string]interface{}{
			"expires_at":        expiresAt,
			"last_heartbeat_at": now,
			"lease_version":     gorm.Expr("lease_version + 1"),
			"updated_at":        now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// DeleteOwned removes the lease only if held by holderID.
func (d *Database) DeleteOwned(key, holderID string) (bool, error) {
	result := d.db.Unscoped().
		Where("resource_key = ? AND holder_id = ?", key, holderID).
		Delete(&Lock{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// DeleteAllHeldBy removes every lease owned by holderID, returning the
// resource keys that were released.
func (d *Database) DeleteAllHeldBy(holderID string) ([]string, error) {
	var held []Lock
	if err := d.db.Where("holder_id = ?", holderID).Find(&held).Error; err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(held))
	for _, lock := range held {
		released, err := d.DeleteOwned(lock.ResourceKey, holderID)
		if err != nil {
			return keys, err
		}
		if released {
			keys = append(keys, lock.ResourceKey)
		}
	}
	return keys, nil
}

// DeleteExpired reclaims every lease past its TTL at the given instant.
func (d *Database) DeleteExpired(now time.Time) (int64, error) {
	result := d.db.Unscoped().
		Where("expires_at <= ?", now).
		Delete(&Lock{})
	return result.RowsAffected, result.Error
}

func (d *Database) GetLock(key string) (*Lock, error) {
	var lock Lock
	if err := d.db.Where("resource_key = ?", key).First(&lock).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &lock, nil
}

func (d *Database) ListLocks() ([]Lock, error) {
	var all []Lock
	if err := d.db.Order("resource_key").Find(&all).Error; err != nil {
		return nil, err
	}
	return all, nil
}
