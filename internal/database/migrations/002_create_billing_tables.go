package migrations

import (
	"gorm.io/gorm"

	"github.com/ksred/paysync-api/internal/billing"
	"github.com/ksred/paysync-api/internal/payments"
)

// CreateBillingTables creates the refund, dispute and billing targets that
// reconciliation writes besides orders
func CreateBillingTables(db *gorm.DB) error {
	if err := db.AutoMigrate(&payments.Refund{}, &payments.Dispute{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&billing.Invoice{}, &billing.Subscription{}, &billing.CreditPurchase{}); err != nil {
		return err
	}

	indexes := []string{
		// Invoice lookups by subscription and status
		`CREATE INDEX IF NOT EXISTS idx_invoices_subscription_status
		 ON invoices(provider_subscription_id, status)`,

		// Credit purchase status filtering
		`CREATE INDEX IF NOT EXISTS idx_credit_purchases_status
		 ON credit_purchases(status)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
