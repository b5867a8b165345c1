package orders

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

func (d *Database) CreateOrder(ctx context.Context, s txscope.Scope, order *Order) error {
	return types.Persistence("create order", s.DB(ctx, d.db).Create(order).Error)
}

func (d *Database) UpdateFields(ctx context.Context, s txscope.Scope, order *Order, fields map[string]interface{}) error {
	err := s.DB(ctx, d.db).Model(&Order{}).Where("id = ?", order.ID).Updates(fields).Error
	return types.Persistence("update order", err)
}

func (d *Database) CreateStatusEvent(ctx context.Context, s txscope.Scope, event *StatusEvent) error {
	return types.Persistence("create status event", s.DB(ctx, d.db).Create(event).Error)
}

// LockOrder reads the order with a row lock when the driver supports one.
func (d *Database) LockOrder(ctx context.Context, s txscope.Scope, orderID string) (*Order, error) {
	q := s.DB(ctx, d.db)
	if s.InTx() {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return first(q.Where("order_id = ?", orderID))
}

func (d *Database) GetOrder(ctx context.Context, s txscope.Scope, orderID string) (*Order, error) {
	return first(s.DB(ctx, d.db).Where("order_id = ?", orderID))
}

func (d *Database) GetByPaymentIntent(ctx context.Context, s txscope.Scope, ref string) (*Order, error) {
	return first(s.DB(ctx, d.db).Where("payment_intent_id = ?", ref))
}

func (d *Database) GetByCheckoutSession(ctx context.Context, s txscope.Scope, sessionID string) (*Order, error) {
	return first(s.DB(ctx, d.db).Where("checkout_session_id = ?", sessionID))
}

func (d *Database) GetByCustomOrderRequest(ctx context.Context, s txscope.Scope, requestID string) (*Order, error) {
	return first(s.DB(ctx, d.db).Where("custom_order_request_id = ?", requestID).Order("id DESC"))
}

// GetByProviderCharge finds the unflagged order that recorded the charge.
func (d *Database) GetByProviderCharge(ctx context.Context, s txscope.Scope, chargeID string) (*Order, error) {
	return first(s.DB(ctx, d.db).Where("provider_charge_id = ? AND flagged = ?", chargeID, false).Order("id ASC"))
}

// GetFlagged finds an order created earlier for the same reference and buyer
// after a buyer mismatch.
func (d *Database) GetFlagged(ctx context.Context, s txscope.Scope, ref string, buyer Buyer) (*Order, error) {
	q := s.DB(ctx, d.db).Where("flagged_payment_intent = ?", ref)
	switch {
	case buyer.UserID != "":
		q = q.Where("user_id = ?", buyer.UserID)
	case buyer.GuestEmail != "":
		q = q.Where("guest_email = ?", NormalizeEmail(buyer.GuestEmail))
	}
	return first(q)
}

func (d *Database) ListByPaymentIntent(ctx context.Context, ref string) ([]Order, error) {
	var orders []Order
	err := d.db.WithContext(ctx).
		Where("payment_intent_id = ? OR flagged_payment_intent = ?", ref, ref).
		Order("id ASC").
		Find(&orders).Error
	return orders, types.Persistence("list orders", err)
}

func (d *Database) ListStatusEvents(ctx context.Context, orderID string) ([]StatusEvent, error) {
	var events []StatusEvent
	err := d.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&events).Error
	return events, types.Persistence("list status events", err)
}

func (d *Database) OrderNumberExists(ctx context.Context, s txscope.Scope, number string) (bool, error) {
	var n int64
	err := s.DB(ctx, d.db).Model(&Order{}).Unscoped().Where("order_number = ?", number).Count(&n).Error
	return n > 0, types.Persistence("check order number", err)
}

func first(q *gorm.DB) (*Order, error) {
	var order Order
	if err := q.First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, types.Persistence("get order", err)
	}
	return &order, nil
}
