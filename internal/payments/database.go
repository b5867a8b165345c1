package payments

import (
	"context"
	"errors"
	"time"

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

func (d *Database) CreatePayment(ctx context.Context, s txscope.Scope, payment *Payment) error {
	return types.Persistence("create payment", s.DB(ctx, d.db).Create(payment).Error)
}

func (d *Database) SavePayment(ctx context.Context, s txscope.Scope, payment *Payment) error {
	return types.Persistence("save payment", s.DB(ctx, d.db).Save(payment).Error)
}

func (d *Database) GetPayment(ctx context.Context, s txscope.Scope, paymentID string) (*Payment, error) {
	return firstPayment(s.DB(ctx, d.db).Where("payment_id = ?", paymentID))
}

// LockPayment reads the payment with a row lock when inside a transaction.
func (d *Database) LockPayment(ctx context.Context, s txscope.Scope, paymentID string) (*Payment, error) {
	q := s.DB(ctx, d.db)
	if s.InTx() {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return firstPayment(q.Where("payment_id = ?", paymentID))
}

func (d *Database) GetByProviderRef(ctx context.Context, s txscope.Scope, ref string) (*Payment, error) {
	return firstPayment(s.DB(ctx, d.db).Where("provider_payment_id = ?", ref))
}

func (d *Database) GetByCharge(ctx context.Context, s txscope.Scope, chargeID string) (*Payment, error) {
	return firstPayment(s.DB(ctx, d.db).Where("provider_charge_id = ?", chargeID))
}

// HasStatus reports whether a payment with ref exists in one of statuses.
func (d *Database) HasStatus(ctx context.Context, ref string, statuses ...types.PaymentStatus) (bool, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&Payment{}).
		Where("provider_payment_id = ? AND status IN ?", ref, statuses).
		Count(&n).Error
	return n > 0, types.Persistence("check payment status", err)
}

// FindDue returns pending scheduled payments whose date has arrived and that
// have no provider attempt in flight, oldest first.
func (d *Database) FindDue(ctx context.Context, now time.Time, limit int) ([]Payment, error) {
	var due []Payment
	q := d.db.WithContext(ctx).
		Where("status = ? AND scheduled_date IS NOT NULL AND scheduled_date <= ? AND provider_payment_id IS NULL",
			types.PaymentPending, now).
		Order("scheduled_date ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&due).Error
	return due, types.Persistence("find due payments", err)
}

// FindInFlight returns pending scheduled payments with a provider attempt
// made at or before attemptedBefore, oldest attempt first.
func (d *Database) FindInFlight(ctx context.Context, attemptedBefore time.Time, limit int) ([]Payment, error) {
	var inFlight []Payment
	q := d.db.WithContext(ctx).
		Where("status = ? AND scheduled_date IS NOT NULL AND provider_payment_id IS NOT NULL AND attempted_at <= ?",
			types.PaymentPending, attemptedBefore).
		Order("attempted_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&inFlight).Error
	return inFlight, types.Persistence("find in-flight payments", err)
}

func (d *Database) GetRefund(ctx context.Context, s txscope.Scope, refundID string) (*Refund, error) {
	var refund Refund
	if err := s.DB(ctx, d.db).Where("refund_id = ?", refundID).First(&refund).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, types.Persistence("get refund", err)
	}
	return &refund, nil
}

func (d *Database) SaveRefund(ctx context.Context, s txscope.Scope, refund *Refund) error {
	return types.Persistence("save refund", s.DB(ctx, d.db).Save(refund).Error)
}

func (d *Database) GetDispute(ctx context.Context, s txscope.Scope, disputeID string) (*Dispute, error) {
	var dispute Dispute
	if err := s.DB(ctx, d.db).Where("dispute_id = ?", disputeID).First(&dispute).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, types.Persistence("get dispute", err)
	}
	return &dispute, nil
}

func (d *Database) SaveDispute(ctx context.Context, s txscope.Scope, dispute *Dispute) error {
	return types.Persistence("save dispute", s.DB(ctx, d.db).Save(dispute).Error)
}

func (d *Database) DisputeExists(ctx context.Context, disputeID string) (bool, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&Dispute{}).Where("dispute_id = ?", disputeID).Count(&n).Error
	return n > 0, types.Persistence("check dispute", err)
}

func firstPayment(q *gorm.DB) (*Payment, error) {
	var payment Payment
	if err := q.First(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, types.Persistence("get payment", err)
	}
	return &payment, nil
}
