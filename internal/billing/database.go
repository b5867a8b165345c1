package billing

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/paysync-api/internal/txscope"
	"github.com/ksred/paysync-api/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetInvoice(ctx context.Context, s txscope.Scope, invoiceID string) (*Invoice, error) {
	var invoice Invoice
	return findOne(lock(s.DB(ctx, d.db), s).Where("invoice_id = ?", invoiceID), &invoice, "get invoice")
}

func (d *Database) GetInvoiceByProviderID(ctx context.Context, s txscope.Scope, providerID string) (*Invoice, error) {
	var invoice Invoice
	return findOne(lock(s.DB(ctx, d.db), s).Where("provider_invoice_id = ?", providerID), &invoice, "get invoice")
}

func (d *Database) SaveInvoice(ctx context.Context, s txscope.Scope, invoice *Invoice) error {
	return types.Persistence("save invoice", s.DB(ctx, d.db).Save(invoice).Error)
}

func (d *Database) InvoicePaid(ctx context.Context, providerID string) (bool, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&Invoice{}).
		Where("provider_invoice_id = ? AND status IN ?", providerID, []InvoiceStatus{InvoicePaid, InvoiceRefunded}).
		Count(&n).Error
	return n > 0, types.Persistence("check invoice", err)
}

func (d *Database) GetSubscription(ctx context.Context, s txscope.Scope, providerID string) (*Subscription, error) {
	var sub Subscription
	return findOne(lock(s.DB(ctx, d.db), s).Where("provider_subscription_id = ?", providerID), &sub, "get subscription")
}

func (d *Database) SaveSubscription(ctx context.Context, s txscope.Scope, sub *Subscription) error {
	return types.Persistence("save subscription", s.DB(ctx, d.db).Save(sub).Error)
}

func (d *Database) GetCreditPurchase(ctx context.Context, s txscope.Scope, purchaseID string) (*CreditPurchase, error) {
	var purchase CreditPurchase
	return findOne(lock(s.DB(ctx, d.db), s).Where("purchase_id = ?", purchaseID), &purchase, "get credit purchase")
}

func (d *Database) CreateCreditPurchase(ctx context.Context, s txscope.Scope, purchase *CreditPurchase) error {
	return types.Persistence("create credit purchase", s.DB(ctx, d.db).Create(purchase).Error)
}

func (d *Database) SaveCreditPurchase(ctx context.Context, s txscope.Scope, purchase *CreditPurchase) error {
	return types.Persistence("save credit purchase", s.DB(ctx, d.db).Save(purchase).Error)
}

func lock(q *gorm.DB, s txscope.Scope) *gorm.DB {
	if s.InTx() {
		return q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

func findOne[T any](q *gorm.DB, dest *T, op string) (*T, error) {
	if err := q.First(dest).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, types.Persistence(op, err)
	}
	return dest, nil
}
