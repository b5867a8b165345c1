package reconcile

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ksred/paysync-api/internal/billing"
	"github.com/ksred/paysync-api/internal/notify"
	"github.com/ksred/paysync-api/internal/payments"
	"github.com/ksred/paysync-api/internal/txscope"
	"github.com/ksred/paysync-api/internal/types"
)

type SubscriptionUpdate struct {
	SubscriptionID    string
	CustomerID        string
	Status            string
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
	CanceledAt        *time.Time
	Deleted           bool
	// EventCreated orders updates for the same subscription.
	EventCreated time.Time
}

type InvoiceUpdate struct {
	ProviderInvoiceID string
	SubscriptionID    string
	CustomerID        string
	Amount            int64
	Currency          string
	ProviderRef       string
	ChargeID          string
	FailureReason     string
	Metadata          Metadata
}

// SubscriptionChanged upserts the subscription. Subscription events recur for
// the same object, so an update older than the last applied one is skipped.
func (r *Reconciler) SubscriptionChanged(ctx context.Context, u SubscriptionUpdate) (Result, error) {
	return r.run(ctx, "subscription changed", func(s txscope.Scope, outbox *[]notify.Notification) (Result, error) {
		logger := r.logger.With().Str("subscription_id", u.SubscriptionID).Str("status", u.Status).Logger()
		res := Result{ResourceType: ResourceSubscription, ResourceID: u.SubscriptionID}

		sub, err := r.billing.GetSubscription(ctx, s, u.SubscriptionID)
		if err != nil {
			return Result{}, err
		}
		if sub == nil {
			sub = &billing.Subscription{ProviderSubscriptionID: u.SubscriptionID}
		} else if u.EventCreated.Before(sub.LastEventAt) {
			logger.Debug().Time("last_event_at", sub.LastEventAt).Msg("Stale subscription event, skipping")
			return res, nil
		}

		wasActive := sub.Status != "canceled"
		sub.CustomerID = u.CustomerID
		sub.Status = u.Status
		sub.CurrentPeriodEnd = u.CurrentPeriodEnd
		sub.CancelAtPeriodEnd = u.CancelAtPeriodEnd
		sub.CanceledAt = u.CanceledAt
		sub.LastEventAt = u.EventCreated
		if u.Deleted {
			sub.Status = "canceled"
			if sub.CanceledAt == nil {
				now := r.now()
				sub.CanceledAt = &now
			}
		}
		if err := r.billing.SaveSubscription(ctx, s, sub); err != nil {
			return Result{}, err
		}

		if sub.Status == "canceled" && wasActive {
			*outbox = append(*outbox, notify.Notification{
				Kind:   notify.SubscriptionEnds,
				To:     notify.Recipient{UserID: sub.CustomerID},
				Detail: sub.ProviderSubscriptionID,
			})
		}

		logger.Info().Msg("Subscription reconciled")
		return res, nil
	})
}

// upsertInvoice finds the invoice by provider id, then by internal id from the
// metadata, creating it when neither matches.
func (r *Reconciler) upsertInvoice(ctx context.Context, s txscope.Scope, u InvoiceUpdate) (*billing.Invoice, error) {
	invoice, err := r.billing.GetInvoiceByProviderID(ctx, s, u.ProviderInvoiceID)
	if err != nil {
		return nil, err
	}
	if invoice == nil && u.Metadata.InvoiceID != "" {
		if invoice, err = r.billing.GetInvoice(ctx, s, u.Metadata.InvoiceID); err != nil {
			return nil, err
		}
	}
	if invoice == nil {
		invoice = &billing.Invoice{
			InvoiceID: "INV_" + uuid.New().String(),
			Status:    billing.InvoiceOpen,
		}
	}
	if invoice.ProviderInvoiceID == nil {
		invoice.ProviderInvoiceID = strPtr(u.ProviderInvoiceID)
	}
	if u.SubscriptionID != "" {
		invoice.ProviderSubscriptionID = u.SubscriptionID
	}
	if u.CustomerID != "" {
		invoice.CustomerID = u.CustomerID
	}
	if invoice.Amount == 0 {
		invoice.Amount = u.Amount
		invoice.Currency = strings.ToLower(u.Currency)
	}
	return invoice, nil
}

// invoicePayment upserts the payment row behind an invoice charge.
func (r *Reconciler) invoicePayment(ctx context.Context, s txscope.Scope, u InvoiceUpdate, invoice *billing.Invoice) (*payments.Payment, error) {
	if u.ProviderRef == "" {
		return nil, nil
	}
	payment, err := r.payments.GetByProviderRef(ctx, s, u.ProviderRef)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		payment = &payments.Payment{
			PaymentID:         payments.NewPaymentID(),
			ProviderPaymentID: strPtr(u.ProviderRef),
			CustomerID:        u.CustomerID,
			Amount:            u.Amount,
			Currency:          strings.ToLower(u.Currency),
			Status:            types.PaymentPending,
		}
	}
	payment.InvoiceID = &invoice.InvoiceID
	payment.SubscriptionID = strPtr(u.SubscriptionID)
	if u.ChargeID != "" {
		payment.ProviderChargeID = &u.ChargeID
	}
	return payment, nil
}

// InvoicePaid marks the invoice paid and its payment succeeded.
func (r *Reconciler) InvoicePaid(ctx context.Context, u InvoiceUpdate) (Result, error) {
	return r.run(ctx, "invoice paid", func(s txscope.Scope, outbox *[]notify.Notification) (Result, error) {
		invoice, err := r.upsertInvoice(ctx, s, u)
		if err != nil {
			return Result{}, err
		}

		now := r.now()
		if invoice.Status == billing.InvoiceOpen || invoice.Status == "" {
			invoice.Status = billing.InvoicePaid
			invoice.PaidAt = &now
		}
		if err := r.billing.SaveInvoice(ctx, s, invoice); err != nil {
			return Result{}, err
		}

		payment, err := r.invoicePayment(ctx, s, u, invoice)
		if err != nil {
			return Result{}, err
		}
		if payment != nil {
			if !payment.Status.Settled() {
				payment.Status = types.PaymentSucceeded
				payment.FailureReason = ""
			}
			if payment.PaidAt == nil {
				payment.PaidAt = &now
			}
			if err := r.payments.SavePayment(ctx, s, payment); err != nil {
				return Result{}, err
			}
		}

		*outbox = append(*outbox, notify.Notification{
			Kind:     notify.InvoicePaid,
			To:       notify.Recipient{UserID: invoice.CustomerID},
			Amount:   invoice.Amount,
			Currency: invoice.Currency,
			Detail:   invoice.InvoiceID,
		})

		r.logger.Info().Str("invoice_id", invoice.InvoiceID).Str("payment_intent", u.ProviderRef).Msg("Invoice payment reconciled")
		return Result{ResourceType: ResourceInvoice, ResourceID: invoice.InvoiceID}, nil
	})
}

// InvoicePaymentFailed records a failed invoice charge. It never reopens a paid
// invoice or downgrades a settled payment.
func (r *Reconciler) InvoicePaymentFailed(ctx context.Context, u InvoiceUpdate) (Result, error) {
	return r.run(ctx, "invoice payment failed", func(s txscope.Scope, outbox *[]notify.Notification) (Result, error) {
		invoice, err := r.upsertInvoice(ctx, s, u)
		if err != nil {
			return Result{}, err
		}
		if err := r.billing.SaveInvoice(ctx, s, invoice); err != nil {
			return Result{}, err
		}

		payment, err := r.invoicePayment(ctx, s, u, invoice)
		if err != nil {
			return Result{}, err
		}
		if payment != nil && !payment.Status.Settled() {
			now := r.now()
			payment.Status = types.PaymentFailed
			payment.FailedAt = &now
			payment.FailureReason = u.FailureReason
			if err := r.payments.SavePayment(ctx, s, payment); err != nil {
				return Result{}, err
			}
			*outbox = append(*outbox, notify.Notification{
				Kind:      notify.PaymentFailed,
				To:        notify.Recipient{UserID: invoice.CustomerID},
				PaymentID: payment.PaymentID,
				Amount:    payment.Amount,
				Currency:  payment.Currency,
				Detail:    u.FailureReason,
			})
		}

		r.logger.Warn().Str("invoice_id", invoice.InvoiceID).Str("status", string(invoice.Status)).Msg("Invoice payment failed")
		return Result{ResourceType: ResourceInvoice, ResourceID: invoice.InvoiceID}, nil
	})
}
