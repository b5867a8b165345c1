package reconcile

import (
	"context"
	"fmt"

	"github.com/ksred/paysync-api/internal/billing"
	"github.com/ksred/paysync-api/internal/notify"
	"github.com/ksred/paysync-api/internal/orders"
	"github.com/ksred/paysync-api/internal/payments"
	"github.com/ksred/paysync-api/internal/txscope"
	"github.com/ksred/paysync-api/internal/types"
)

// PaymentFailed marks the payment failed. A settled payment is never
// downgraded, and a paid order is never moved backward.
func (r *Reconciler) PaymentFailed(ctx context.Context, p PaymentResult) (Result, error) {
	return r.run(ctx, "payment failed", func(s txscope.Scope, outbox *[]notify.Notification) (Result, error) {
		md := p.Metadata
		logger := r.logger.With().
			Str("payment_intent", p.ProviderRef).
			Str("payment_id", md.PaymentID).
			Str("source", string(p.Source)).
			Logger()

		payment, err := r.resolvePayment(ctx, s, p)
		if err != nil {
			return Result{}, err
		}
		if payment == nil {
			logger.Warn().Msg("Payment failure without a payment reference")
			return Result{}, nil
		}
		res := Result{ResourceType: ResourcePayment, ResourceID: payment.PaymentID}

		if payment.Status.Settled() {
			logger.Info().Str("status", string(payment.Status)).Msg("Ignoring failure for a settled payment")
			return res, nil
		}
		if payment.Status == types.PaymentFailed && payment.ID != 0 {
			return res, nil
		}

		now := r.now()
		payment.Status = types.PaymentFailed
		payment.FailedAt = &now
		payment.FailureReason = p.FailureReason
		if p.ChargeID != "" {
			payment.ProviderChargeID = &p.ChargeID
		}

		purchaseID := md.CreditPurchaseID
		if payment.CreditPurchaseID != nil {
			purchaseID = *payment.CreditPurchaseID
		}
		if purchaseID != "" {
			if err := r.failCredits(ctx, s, purchaseID); err != nil {
				return Result{}, err
			}
		}

		order, err := r.failedOrder(ctx, s, p, payment)
		if err != nil {
			return Result{}, err
		}
		if order != nil {
			payment.OrderID = &order.OrderID
		}

		if err := r.payments.SavePayment(ctx, s, payment); err != nil {
			return Result{}, err
		}

		n := notify.Notification{
			Kind:      notify.PaymentFailed,
			PaymentID: payment.PaymentID,
			Amount:    payment.Amount,
			Currency:  payment.Currency,
			Detail:    p.FailureReason,
		}
		if order != nil {
			n.OrderID = order.OrderID
			n.To = notify.Recipient{UserID: deref(order.UserID), Email: deref(order.GuestEmail)}
		} else {
			n.To = notify.Recipient{Admin: true}
		}
		*outbox = append(*outbox, n)

		logger.Info().Str("failure_reason", p.FailureReason).Msg("Payment failure reconciled")
		return res, nil
	})
}

// failedOrder records the failure on the linked order. Only an order still
// awaiting payment changes status.
func (r *Reconciler) failedOrder(ctx context.Context, s txscope.Scope, p PaymentResult, payment *payments.Payment) (*orders.Order, error) {
	var (
		order *orders.Order
		err   error
	)
	switch {
	case payment.OrderID != nil:
		order, err = r.orders.LockOrder(ctx, s, *payment.OrderID)
	case p.Metadata.OrderID != "":
		order, err = r.orders.LockOrder(ctx, s, p.Metadata.OrderID)
	case p.ProviderRef != "":
		order, err = r.orders.GetByPaymentIntent(ctx, s, p.ProviderRef)
	}
	if err != nil || order == nil {
		return nil, err
	}

	if order.PaymentStatus.Settled() {
		return order, nil
	}
	if err := r.orders.UpdateFields(ctx, s, order, map[string]interface{}{
		"payment_status": types.PaymentFailed,
		"updated_at":     r.now(),
	}); err != nil {
		return nil, err
	}
	order.PaymentStatus = types.PaymentFailed

	if order.Status == orders.StatusAwaitingPayment {
		if _, err := r.machine.Transition(ctx, s, order.OrderID, orders.StatusFailedPayment, orders.ReasonPaymentFailed, types.SystemActor); err != nil {
			return nil, err
		}
		order.Status = orders.StatusFailedPayment
	}
	return order, nil
}

func (r *Reconciler) failCredits(ctx context.Context, s txscope.Scope, purchaseID string) error {
	purchase, err := r.billing.GetCreditPurchase(ctx, s, purchaseID)
	if err != nil || purchase == nil {
		return err
	}
	if purchase.Status != billing.CreditPending {
		return nil
	}
	now := r.now()
	purchase.Status = billing.CreditFailed
	purchase.FailedAt = &now
	return r.billing.SaveCreditPurchase(ctx, s, purchase)
}

// PaymentAttempted records a provider attempt that has not settled yet. The
// payment stays pending and the webhook for the intent finishes it.
func (r *Reconciler) PaymentAttempted(ctx context.Context, paymentID, providerRef string) error {
	_, err := r.run(ctx, "payment attempted", func(s txscope.Scope, _ *[]notify.Notification) (Result, error) {
		payment, err := r.payments.LockPayment(ctx, s, paymentID)
		if err != nil {
			return Result{}, err
		}
		if payment == nil {
			return Result{}, fmt.Errorf("%w: %s", payments.ErrPaymentNotFound, paymentID)
		}
		if payment.Status != types.PaymentPending {
			return Result{}, nil
		}

		now := r.now()
		payment.AttemptedAt = &now
		if providerRef != "" {
			payment.ProviderPaymentID = &providerRef
		}
		return Result{ResourceType: ResourcePayment, ResourceID: paymentID}, r.payments.SavePayment(ctx, s, payment)
	})
	return err
}
