package billing

import (
	"time"

	"gorm.io/gorm"
)

type InvoiceStatus string

const (
	InvoiceOpen     InvoiceStatus = "open"
	InvoicePaid     InvoiceStatus = "paid"
	InvoiceRefunded InvoiceStatus = "refunded"
	InvoiceVoid     InvoiceStatus = "void"
)

type Invoice struct {
	gorm.Model             `json:"-"`
	InvoiceID              string        `gorm:"uniqueIndex;size:64" json:"invoice_id"`
	ProviderInvoiceID      *string       `gorm:"uniqueIndex;size:128" json:"provider_invoice_id,omitempty"`
	ProviderSubscriptionID string        `gorm:"index;size:128" json:"provider_subscription_id,omitempty"`
	CustomerID             string        `gorm:"size:128" json:"customer_id,omitempty"`
	Amount                 int64         `json:"amount"`
	Currency               string        `gorm:"size:3" json:"currency"`
	Status                 InvoiceStatus `gorm:"size:16" json:"status"`
	PaidAt                 *time.Time    `json:"paid_at,omitempty"`
	CreatedAt              time.Time     `json:"created_at"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

type Subscription struct {
	gorm.Model             `json:"-"`
	ProviderSubscriptionID string     `gorm:"uniqueIndex;size:128" json:"provider_subscription_id"`
	CustomerID             string     `gorm:"index;size:128" json:"customer_id"`
	Status                 string     `gorm:"size:32" json:"status"`
	CurrentPeriodEnd       *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool       `json:"cancel_at_period_end"`
	CanceledAt             *time.Time `json:"canceled_at,omitempty"`
	LastEventAt            time.Time  `json:"last_event_at"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

type CreditPurchaseStatus string

const (
	CreditPending   CreditPurchaseStatus = "pending"
	CreditSucceeded CreditPurchaseStatus = "succeeded"
	CreditFailed    CreditPurchaseStatus = "failed"
)

// CreditPurchase is a one-time purchase that grants credits once paid.
type CreditPurchase struct {
	gorm.Model        `json:"-"`
	PurchaseID        string               `gorm:"uniqueIndex;size:64" json:"purchase_id"`
	UserID            string               `gorm:"index;size:64" json:"user_id"`
	Credits           int                  `json:"credits"`
	Amount            int64                `json:"amount"`
	Currency          string               `gorm:"size:3" json:"currency"`
	ProviderPaymentID *string              `gorm:"uniqueIndex;size:128" json:"provider_payment_id,omitempty"`
	Status            CreditPurchaseStatus `gorm:"size:16" json:"status"`
	GrantedAt         *time.Time           `json:"granted_at,omitempty"`
	FailedAt          *time.Time           `json:"failed_at,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}
