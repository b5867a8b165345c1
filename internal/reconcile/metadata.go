package reconcile

import (
	"strconv"
	"strings"

	"github.com/ksred/paysync-api/internal/orders"
)

// Metadata is the typed form of the provider's free-form metadata bag. Handlers
// only ever see this struct.
type Metadata struct {
	PaymentID            string
	OrderID              string
	CustomOrderRequestID string
	ProductID            string
	Quantity             int
	UserID               string
	GuestEmail           string
	CreditPurchaseID     string
	InvoiceID            string
}

// NormalizeMetadata reads the recognized keys in snake_case or camelCase.
// Unknown keys are dropped, emails are lower-cased, quantity defaults to 1.
func NormalizeMetadata(raw map[string]string) Metadata {
	get := func(keys ...string) string {
		for _, k := range keys {
			if v := strings.TrimSpace(raw[k]); v != "" {
				return v
			}
		}
		return ""
	}

	md := Metadata{
		PaymentID:            get("payment_id", "paymentId"),
		OrderID:              get("order_id", "orderId"),
		CustomOrderRequestID: get("custom_order_request_id", "customOrderRequestId"),
		ProductID:            get("product_id", "productId"),
		UserID:               get("user_id", "userId"),
		GuestEmail:           orders.NormalizeEmail(get("guest_email", "guestEmail")),
		CreditPurchaseID:     get("credit_purchase_id", "creditPurchaseId"),
		InvoiceID:            get("invoice_id", "invoiceId"),
		Quantity:             1,
	}
	if q, err := strconv.Atoi(get("quantity")); err == nil && q > 0 {
		md.Quantity = q
	}
	return md
}

// Buyer returns the buyer identity carried in the metadata, falling back to
// the receipt email for guests.
func (m Metadata) Buyer(receiptEmail string) orders.Buyer {
	switch {
	case m.UserID != "":
		return orders.Buyer{UserID: m.UserID}
	case m.GuestEmail != "":
		return orders.Buyer{GuestEmail: m.GuestEmail}
	default:
		return orders.Buyer{GuestEmail: orders.NormalizeEmail(receiptEmail)}
	}
}

// OrderHint reports whether the metadata carries enough to create an order.
func (m Metadata) OrderHint() bool {
	return m.ProductID != "" || m.CustomOrderRequestID != ""
}
