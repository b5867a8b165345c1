package webhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ksred/paysync-api/internal/idempotency"
	"github.com/ksred/paysync-api/internal/reconcile"
)

// NewRegistry returns the routes for every supported event type.
func NewRegistry(rec *reconcile.Reconciler) Registry {
	subscription := Route{Handler: HandlerFunc(subscriptionChanged(rec))}

	return Registry{
		PaymentIntentSucceeded: {
			Handler: HandlerFunc(paymentIntentSucceeded(rec)),
			Duplicate: func(ctx context.Context, raw json.RawMessage) (bool, error) {
				pi, err := decodeObject[PaymentIntentObject](raw)
				if err != nil {
					return false, err
				}
				return rec.SucceededApplied(ctx, pi.ID)
			},
		},
		PaymentIntentPaymentFailed: {
			Handler: HandlerFunc(paymentIntentFailed(rec)),
			Duplicate: func(ctx context.Context, raw json.RawMessage) (bool, error) {
				pi, err := decodeObject[PaymentIntentObject](raw)
				if err != nil {
					return false, err
				}
				return rec.FailureApplied(ctx, pi.ID)
			},
		},
		CheckoutSessionCompleted: {
			Handler: HandlerFunc(checkoutCompleted(rec)),
			Duplicate: func(ctx context.Context, raw json.RawMessage) (bool, error) {
				cs, err := decodeObject[CheckoutSessionObject](raw)
				if err != nil {
					return false, err
				}
				return rec.CheckoutApplied(ctx, cs.ID, cs.PaymentIntent)
			},
		},
		ChargeRefunded: {
			Handler: HandlerFunc(chargeRefunded(rec)),
		},
		ChargeDisputeCreated: {
			Handler: HandlerFunc(disputeCreated(rec)),
			Duplicate: func(ctx context.Context, raw json.RawMessage) (bool, error) {
				dp, err := decodeObject[DisputeObject](raw)
				if err != nil {
					return false, err
				}
				return rec.DisputeRecorded(ctx, dp.ID)
			},
		},
		SubscriptionCreated: subscription,
		SubscriptionUpdated: subscription,
		SubscriptionDeleted: subscription,
		InvoicePaid: {
			Handler: HandlerFunc(invoicePaid(rec)),
			Duplicate: func(ctx context.Context, raw json.RawMessage) (bool, error) {
				inv, err := decodeObject[InvoiceObject](raw)
				if err != nil {
					return false, err
				}
				return rec.InvoicePaidApplied(ctx, inv.ID)
			},
		},
		InvoicePaymentFailed: {
			Handler: HandlerFunc(invoicePaymentFailed(rec)),
		},
	}
}

func resource(r reconcile.Result) idempotency.Resource {
	return idempotency.Resource{Type: r.ResourceType, ID: r.ResourceID}
}

func paymentResult(pi *PaymentIntentObject) reconcile.PaymentResult {
	return reconcile.PaymentResult{
		ProviderRef:   pi.ID,
		ChargeID:      pi.LatestCharge,
		Amount:        pi.Amount,
		Currency:      pi.Currency,
		CustomerID:    pi.Customer,
		ReceiptEmail:  pi.ReceiptEmail,
		FailureReason: pi.FailureReason(),
		Metadata:      reconcile.NormalizeMetadata(pi.Metadata),
		Source:        reconcile.SourceWebhook,
	}
}

func paymentIntentSucceeded(rec *reconcile.Reconciler) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage, _ *Event) (idempotency.Resource, error) {
		pi, err := decodeObject[PaymentIntentObject](raw)
		if err != nil {
			return idempotency.Resource{}, err
		}
		res, err := rec.PaymentSucceeded(ctx, paymentResult(pi))
		return resource(res), err
	}
}

func paymentIntentFailed(rec *reconcile.Reconciler) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage, _ *Event) (idempotency.Resource, error) {
		pi, err := decodeObject[PaymentIntentObject](raw)
		if err != nil {
			return idempotency.Resource{}, err
		}
		res, err := rec.PaymentFailed(ctx, paymentResult(pi))
		return resource(res), err
	}
}

func checkoutCompleted(rec *reconcile.Reconciler) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage, _ *Event) (idempotency.Resource, error) {
		cs, err := decodeObject[CheckoutSessionObject](raw)
		if err != nil {
			return idempotency.Resource{}, err
		}
		res, err := rec.CheckoutCompleted(ctx, reconcile.PaymentResult{
			ProviderRef:  cs.PaymentIntent,
			SessionID:    cs.ID,
			Amount:       cs.AmountTotal,
			Currency:     cs.Currency,
			CustomerID:   cs.Customer,
			ReceiptEmail: cs.Email(),
			Metadata:     reconcile.NormalizeMetadata(cs.Metadata),
			Source:       reconcile.SourceWebhook,
		}, cs.PaymentStatus == "paid" || cs.PaymentStatus == "no_payment_required")
		return resource(res), err
	}
}

func chargeRefunded(rec *reconcile.Reconciler) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage, _ *Event) (idempotency.Resource, error) {
		ch, err := decodeObject[ChargeObject](raw)
		if err != nil {
			return idempotency.Resource{}, err
		}
		lines := make([]reconcile.RefundLine, 0, len(ch.Refunds.Data))
		for _, r := range ch.Refunds.Data {
			lines = append(lines, reconcile.RefundLine{ID: r.ID, Amount: r.Amount, Status: r.Status, Reason: r.Reason})
		}
		res, err := rec.ChargeRefunded(ctx, reconcile.ChargeRefund{
			ChargeID:       ch.ID,
			ProviderRef:    ch.PaymentIntent,
			Amount:         ch.Amount,
			AmountRefunded: ch.AmountRefunded,
			Refunds:        lines,
		})
		return resource(res), err
	}
}

func disputeCreated(rec *reconcile.Reconciler) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage, _ *Event) (idempotency.Resource, error) {
		dp, err := decodeObject[DisputeObject](raw)
		if err != nil {
			return idempotency.Resource{}, err
		}
		res, err := rec.DisputeCreated(ctx, reconcile.DisputeOpened{
			DisputeID:   dp.ID,
			ChargeID:    dp.Charge,
			ProviderRef: dp.PaymentIntent,
			Amount:      dp.Amount,
			Currency:    dp.Currency,
			Reason:      dp.Reason,
			Status:      dp.Status,
		})
		return resource(res), err
	}
}

func subscriptionChanged(rec *reconcile.Reconciler) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage, evt *Event) (idempotency.Resource, error) {
		sub, err := decodeObject[SubscriptionObject](raw)
		if err != nil {
			return idempotency.Resource{}, err
		}
		update := reconcile.SubscriptionUpdate{
			SubscriptionID:    sub.ID,
			CustomerID:        sub.Customer,
			Status:            sub.Status,
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
			Deleted:           evt.Type == SubscriptionDeleted,
			EventCreated:      evt.CreatedAt(),
		}
		if sub.CurrentPeriodEnd > 0 {
			end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			update.CurrentPeriodEnd = &end
		}
		if sub.CanceledAt != nil {
			at := time.Unix(*sub.CanceledAt, 0).UTC()
			update.CanceledAt = &at
		}
		res, err := rec.SubscriptionChanged(ctx, update)
		return resource(res), err
	}
}

func invoiceUpdate(inv *InvoiceObject) reconcile.InvoiceUpdate {
	amount := inv.AmountPaid
	if amount == 0 {
		amount = inv.AmountDue
	}
	u := reconcile.InvoiceUpdate{
		ProviderInvoiceID: inv.ID,
		SubscriptionID:    inv.Subscription,
		CustomerID:        inv.Customer,
		Amount:            amount,
		Currency:          inv.Currency,
		ProviderRef:       inv.PaymentIntent,
		ChargeID:          inv.Charge,
		Metadata:          reconcile.NormalizeMetadata(inv.Metadata),
	}
	if inv.LastPaymentError != nil {
		u.FailureReason = inv.LastPaymentError.Code
	}
	return u
}

func invoicePaid(rec *reconcile.Reconciler) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage, _ *Event) (idempotency.Resource, error) {
		inv, err := decodeObject[InvoiceObject](raw)
		if err != nil {
			return idempotency.Resource{}, err
		}
		res, err := rec.InvoicePaid(ctx, invoiceUpdate(inv))
		return resource(res), err
	}
}

func invoicePaymentFailed(rec *reconcile.Reconciler) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage, _ *Event) (idempotency.Resource, error) {
		inv, err := decodeObject[InvoiceObject](raw)
		if err != nil {
			return idempotency.Resource{}, err
		}
		res, err := rec.InvoicePaymentFailed(ctx, invoiceUpdate(inv))
		return resource(res), err
	}
}
