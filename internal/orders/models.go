package orders

import (
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/paysync-api/internal/types"
)

type Status string

const (
	StatusPending         Status = "pending"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusPaid            Status = "paid"
	StatusProcessing      Status = "processing"
	StatusShipped         Status = "shipped"
	StatusDelivered       Status = "delivered"
	StatusCompleted       Status = "completed"
	StatusFailedPayment   Status = "failed_payment"
	StatusCancelled       Status = "cancelled"
)

func (s Status) String() string {
	return string(s)
}

// Reason codes written on status events.
const (
	ReasonOrderCreated     = "order-created"
	ReasonStatusUnchanged  = "status-unchanged"
	ReasonPaymentSucceeded = "payment-succeeded"
	ReasonPaymentFailed    = "payment-failed"
	ReasonChargeRefunded   = "charge-refunded"
	ReasonAdminUpdate      = "admin-update"
)

type Order struct {
	gorm.Model           `json:"-"`
	OrderID              string              `gorm:"uniqueIndex;size:64" json:"order_id"`
	OrderNumber          string              `gorm:"uniqueIndex;size:32" json:"order_number"`
	Status               Status              `gorm:"size:32;index" json:"status"`
	PaymentStatus        types.PaymentStatus `gorm:"size:32" json:"payment_status"`
	Amount               int64               `json:"amount"` // minor units
	Currency             string              `gorm:"size:3" json:"currency"`
	PaymentIntentID      *string             `gorm:"uniqueIndex;size:128" json:"payment_intent_id,omitempty"`
	CheckoutSessionID    *string             `gorm:"uniqueIndex;size:128" json:"checkout_session_id,omitempty"`
	ProviderChargeID     *string             `gorm:"size:128" json:"provider_charge_id,omitempty"`
	UserID               *string             `gorm:"index;size:64" json:"user_id,omitempty"`
	GuestEmail           *string             `gorm:"index;size:255" json:"guest_email,omitempty"`
	ProductID            string              `gorm:"size:64" json:"product_id,omitempty"`
	Quantity             int                 `json:"quantity"`
	CustomOrderRequestID *string             `gorm:"index;size:64" json:"custom_order_request_id,omitempty"`
	Flagged              bool                `json:"flagged"`
	FlaggedPaymentIntent *string             `gorm:"index;size:128" json:"flagged_payment_intent,omitempty"`
	PurchasedAt          *time.Time          `json:"purchased_at,omitempty"`
	ShippedAt            *time.Time          `json:"shipped_at,omitempty"`
	DeliveredAt          *time.Time          `json:"delivered_at,omitempty"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
}

// Buyer returns the identity recorded on the order.
func (o *Order) Buyer() Buyer {
	var b Buyer
	if o.UserID != nil {
		b.UserID = *o.UserID
	}
	if o.GuestEmail != nil {
		b.GuestEmail = *o.GuestEmail
	}
	return b
}

// SetBuyer stores exactly one identity: a registered user wins over a guest email.
func (o *Order) SetBuyer(b Buyer) {
	o.UserID, o.GuestEmail = nil, nil
	switch {
	case b.UserID != "":
		id := b.UserID
		o.UserID = &id
	case b.GuestEmail != "":
		email := NormalizeEmail(b.GuestEmail)
		o.GuestEmail = &email
	}
}

// StatusEvent is the append-only audit trail of status changes.
type StatusEvent struct {
	ID         uint            `gorm:"primaryKey" json:"-"`
	EventID    string          `gorm:"uniqueIndex;size:64" json:"event_id"`
	OrderID    string          `gorm:"index;size:64" json:"order_id"`
	FromStatus Status          `gorm:"size:32" json:"from_status"`
	ToStatus   Status          `gorm:"size:32" json:"to_status"`
	Reason     string          `gorm:"size:64" json:"reason"`
	Actor      types.ActorType `gorm:"size:16" json:"actor"`
	ActorID    string          `gorm:"size:64" json:"actor_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Buyer identifies who paid: a registered user or a guest email.
type Buyer struct {
	UserID     string `json:"user_id,omitempty"`
	GuestEmail string `json:"guest_email,omitempty"`
}

func (b Buyer) Empty() bool {
	return b.UserID == "" && b.GuestEmail == ""
}

// Matches compares identities of the same kind. An unresolved incoming
// identity matches anything; identities of different kinds never match.
func (b Buyer) Matches(other Buyer) bool {
	if other.Empty() || b.Empty() {
		return true
	}
	if b.UserID != "" || other.UserID != "" {
		return b.UserID == other.UserID
	}
	return NormalizeEmail(b.GuestEmail) == NormalizeEmail(other.GuestEmail)
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type TransitionRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}
