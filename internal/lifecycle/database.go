package lifecycle

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// UpsertWorker inserts the worker row, or refreshes it in place when the
// worker_id already exists. The on-conflict clause makes re-registration a
// single atomic write; two concurrent registrations of the same ID cannot
// race a lookup-then-create into a duplicate-key error.
func (d *Database) UpsertWorker(record *WorkerRecord) error {
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "worker_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "held_symbol", "started_at", "last_heartbeat_at", "updated_at",
		}),
	}).Create(record).Error
}

func (d *Database) GetWorker(workerID string) (*WorkerRecord, error) {
	var record WorkerRecord
	if err := d.db.Where("worker_id = ?", workerID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// TransitionStatus moves a worker between statuses conditionally on the
// current status, so a sweep marking CRASHED and the worker's own transition
// cannot both land.
func (d *Database) TransitionStatus(workerID, fromStatus, toStatus string, now time.Time, set map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		"status":            toStatus,
		"last_heartbeat_at": now,
		"updated_at":        now,
	}
	for k, v := range set {
		updates[k] = v
	}
	result := d.db.Model(&WorkerRecord{}).
		Where("worker_id = ? AND status = ?", workerID, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (d *Database) TouchHeartbeat(workerID string, now time.Time) (bool, error) {
	result := d.db.Model(&WorkerRecord{}).
		Where("worker_id = ? AND status <> ?", workerID, StatusCrashed).
		Updates(map[string]interface{}{
			"last_heartbeat_at": now,
			"updated_at":        now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (d *Database) SetHeldSymbol(workerID, symbol string, now time.Time) error {
	return d.db.Model(&WorkerRecord{}).
		Where("worker_id = ?", workerID).
		Updates(map[string]interface{}{
			"held_symbol": symbol,
			"updated_at":  now,
		}).Error
}

// GetStaleWorkers returns live workers whose heartbeat is older than the
// cutoff.
func (d *Database) GetStaleWorkers(cutoff time.Time) ([]WorkerRecord, error) {
	var stale []WorkerRecord
	err := d.db.
		Where("last_heartbeat_at < ? AND status NOT IN ?", cutoff, []string{StatusCrashed, StatusExiting}).
		Find(&stale).Error
	if err != nil {
		return nil, err
	}
	return stale, nil
}

func (d *Database) DeleteWorker(workerID string) error {
	return d.db.Unscoped().Where("worker_id = ?", workerID).Delete(&WorkerRecord{}).Error
}

func (d *Database) ListWorkers() ([]WorkerRecord, error) {
	var all []WorkerRecord
	if err := d.db.Order("worker_id").Find(&all).Error; err != nil {
		return nil, err
	}
	return all, nil
}
