package idempotency

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/paysync-api/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Exists reports whether an unexpired record exists for eventID.
func (d *Database) Exists(ctx context.Context, eventID string, now time.Time) (bool, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&Record{}).
		Where("event_id = ? AND expires_at > ?", eventID, now).
		Count(&n).Error
	return n > 0, types.Persistence("check idempotency record", err)
}

// Create inserts the record; an existing record for the same event wins.
func (d *Database) Create(ctx context.Context, record *Record) error {
	err := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(record).Error
	return types.Persistence("create idempotency record", err)
}

func (d *Database) Get(ctx context.Context, eventID string) (*Record, error) {
	var record Record
	err := d.db.WithContext(ctx).Where("event_id = ?", eventID).Limit(1).Find(&record).Error
	if err != nil {
		return nil, types.Persistence("get idempotency record", err)
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

// PurgeExpired hard-deletes records past their retention.
func (d *Database) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := d.db.WithContext(ctx).Unscoped().Where("expires_at <= ?", now).Delete(&Record{})
	return res.RowsAffected, types.Persistence("purge idempotency records", res.Error)
}
