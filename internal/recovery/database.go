package recovery

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Record appends one finding to the recovery log. Satisfies the order
// service's DiscrepancyRecorder.
func (d *Database) Record(ctx context.Context, kind, orderID, symbol, action, detail string) error {
	record := &RecoveryRecord{
		Kind:      kind,
		OrderID:   orderID,
		Symbol:    symbol,
		Action:    action,
		Detail:    detail,
		Timestamp: time.Now(),
	}
	return d.db.WithContext(ctx).Create(record).Error
}

func (d *Database) ListRecords(limit int) ([]RecoveryRecord, error) {
	var records []RecoveryRecord
	query := d.db.Order("timestamp DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (d *Database) CountByKind(kind string) (int64, error) {
	var count int64
	err := d.db.Model(&RecoveryRecord{}).Where("kind = ?", kind).Count(&count).Error
	return count, err
}
