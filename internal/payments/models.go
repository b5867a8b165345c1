package payments

import (
	"time"

	"gorm.io/gorm"

	"github.com/ksred/paysync-api/internal/types"
)

// Payment is one attempted charge. It targets at most one of order, invoice,
// subscription or credit purchase.
type Payment struct {
	gorm.Model        `json:"-"`
	PaymentID         string              `gorm:"uniqueIndex;size:64" json:"payment_id"`
	ProviderPaymentID *string             `gorm:"uniqueIndex;size:128" json:"provider_payment_id,omitempty"`
	ProviderChargeID  *string             `gorm:"index;size:128" json:"provider_charge_id,omitempty"`
	OrderID           *string             `gorm:"index;size:64" json:"order_id,omitempty"`
	InvoiceID         *string             `gorm:"index;size:64" json:"invoice_id,omitempty"`
	SubscriptionID    *string             `gorm:"index;size:128" json:"subscription_id,omitempty"`
	CreditPurchaseID  *string             `gorm:"index;size:64" json:"credit_purchase_id,omitempty"`
	CustomerID        string              `gorm:"size:128" json:"customer_id,omitempty"`
	Amount            int64               `json:"amount"`
	AmountRefunded    int64               `json:"amount_refunded"`
	Currency          string              `gorm:"size:3" json:"currency"`
	Status            types.PaymentStatus `gorm:"size:32;index" json:"status"`
	FailureReason     string              `gorm:"size:255" json:"failure_reason,omitempty"`
	ScheduledDate     *time.Time          `gorm:"index" json:"scheduled_date,omitempty"`
	AttemptedAt       *time.Time          `json:"attempted_at,omitempty"`
	PaidAt            *time.Time          `json:"paid_at,omitempty"`
	FailedAt          *time.Time          `json:"failed_at,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// ProviderRef returns the provider payment reference or "".
func (p *Payment) ProviderRef() string {
	if p.ProviderPaymentID == nil {
		return ""
	}
	return *p.ProviderPaymentID
}

type Dispute struct {
	gorm.Model `json:"-"`
	DisputeID  string    `gorm:"uniqueIndex;size:128" json:"dispute_id"`
	PaymentID  string    `gorm:"index;size:64" json:"payment_id"`
	ChargeID   string    `gorm:"index;size:128" json:"charge_id"`
	Amount     int64     `json:"amount"`
	Currency   string    `gorm:"size:3" json:"currency"`
	Reason     string    `gorm:"size:64" json:"reason"`
	Status     string    `gorm:"size:32" json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Refund struct {
	gorm.Model `json:"-"`
	RefundID   string    `gorm:"uniqueIndex;size:128" json:"refund_id"`
	PaymentID  string    `gorm:"index;size:64" json:"payment_id"`
	ChargeID   string    `gorm:"index;size:128" json:"charge_id"`
	Amount     int64     `json:"amount"`
	Status     string    `gorm:"size:32" json:"status"`
	Reason     string    `gorm:"size:64" json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type ScheduleRequest struct {
	CustomerID    string    `json:"customer_id" binding:"required"`
	Amount        int64     `json:"amount" binding:"required,gt=0"`
	Currency      string    `json:"currency" binding:"required,len=3"`
	ScheduledDate time.Time `json:"scheduled_date" binding:"required"`
	OrderID       string    `json:"order_id"`
	InvoiceID     string    `json:"invoice_id"`
}

// RefundRequest asks the provider to refund a settled payment. A zero amount
// refunds whatever has not been refunded yet.
type RefundRequest struct {
	Amount int64  `json:"amount" binding:"gte=0"`
	Reason string `json:"reason" binding:"omitempty,oneof=duplicate fraudulent requested_by_customer"`
}
