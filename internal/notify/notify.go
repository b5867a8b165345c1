// Package notify sends customer and admin notifications after reconciliation
// has committed.
package notify

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Kind string

const (
	OrderConfirmed   Kind = "order_confirmed"
	PaymentFailed    Kind = "payment_failed"
	RefundIssued     Kind = "refund_issued"
	DisputeOpened    Kind = "dispute_opened"
	BuyerMismatch    Kind = "buyer_mismatch"
	InvoicePaid      Kind = "invoice_paid"
	SubscriptionEnds Kind = "subscription_ended"
)

// Recipient of a notification. Admin notifications leave Email empty.
type Recipient struct {
	UserID string
	Email  string
	Admin  bool
}

type Notification struct {
	Kind      Kind
	To        Recipient
	OrderID   string
	PaymentID string
	Amount    int64
	Currency  string
	Detail    string
}

// Notifier delivers a notification. Callers log and drop its errors.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log instead of sending email.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.With().Str("component", "notifier").Logger()}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.logger.Info().
		Str("kind", string(n.Kind)).
		Bool("admin", n.To.Admin).
		Str("user_id", n.To.UserID).
		Str("email", n.To.Email).
		Str("order_id", n.OrderID).
		Str("payment_id", n.PaymentID).
		Int64("amount", n.Amount).
		Str("currency", n.Currency).
		Str("detail", n.Detail).
		Msg("Notification")
	return nil
}

// Send notifies and swallows failures.
func Send(ctx context.Context, notifier Notifier, n Notification) {
	if notifier == nil {
		return
	}
	if err := notifier.Notify(ctx, n); err != nil {
		log.Warn().Err(err).Str("kind", string(n.Kind)).Str("order_id", n.OrderID).Msg("Notification failed")
	}
}
