package migrations

import (
	"gorm.io/gorm"

	"github.com/ksred/paysync-api/internal/idempotency"
	"github.com/ksred/paysync-api/internal/orders"
	"github.com/ksred/paysync-api/internal/payments"
)

// CreateReconciliationTables creates orders, their audit trail, payments and
// the durable idempotency records
func CreateReconciliationTables(db *gorm.DB) error {
	if err := db.AutoMigrate(&orders.Order{}, &orders.StatusEvent{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&payments.Payment{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&idempotency.Record{}); err != nil {
		return err
	}

	indexes := []string{
		// Audit trail reads are always per order, in insertion order
		`CREATE INDEX IF NOT EXISTS idx_status_events_order_created
		 ON status_events(order_id, created_at)`,

		// Scheduled payment executor due query
		`CREATE INDEX IF NOT EXISTS idx_payments_due
		 ON payments(status, scheduled_date)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
