package reconcile

import (
	"context"
	"strings"

	"github.com/ksred/paysync-api/internal/billing"
	"github.com/ksred/paysync-api/internal/notify"
	"github.com/ksred/paysync-api/internal/orders"
	"github.com/ksred/paysync-api/internal/payments"
	"github.com/ksred/paysync-api/internal/txscope"
	"github.com/ksred/paysync-api/internal/types"
)

type RefundLine struct {
	ID     string
	Amount int64
	Status string
	Reason string
}

// ChargeRefund is a refund notification for one charge. AmountRefunded is the
// cumulative refunded amount reported by the provider.
type ChargeRefund struct {
	ChargeID       string
	ProviderRef    string
	Amount         int64
	AmountRefunded int64
	Refunds        []RefundLine
}

type DisputeOpened struct {
	DisputeID   string
	ChargeID    string
	ProviderRef string
	Amount      int64
	Currency    string
	Reason      string
	Status      string
}

func (r *Reconciler) paymentForCharge(ctx context.Context, s txscope.Scope, chargeID, ref string) (*payments.Payment, error) {
	if chargeID != "" {
		payment, err := r.payments.GetByCharge(ctx, s, chargeID)
		if err != nil || payment != nil {
			return payment, err
		}
	}
	if ref != "" {
		return r.payments.GetByProviderRef(ctx, s, ref)
	}
	return nil, nil
}

// orderForPayment is the order the payment is linked to, or else the order
// that recorded the charge.
func (r *Reconciler) orderForPayment(ctx context.Context, s txscope.Scope, payment *payments.Payment, chargeID string) (string, error) {
	if payment.OrderID != nil {
		return *payment.OrderID, nil
	}
	if chargeID == "" {
		return "", nil
	}
	order, err := r.orders.GetByProviderCharge(ctx, s, chargeID)
	if err != nil || order == nil {
		return "", err
	}
	return order.OrderID, nil
}

// ChargeRefunded upserts refund lines and moves the payment to refunded or
// partially_refunded. A full refund cancels the order when that is legal and
// marks its invoice refunded. A charge this service does not track is
// acknowledged and ignored.
func (r *Reconciler) ChargeRefunded(ctx context.Context, c ChargeRefund) (Result, error) {
	return r.run(ctx, "charge refunded", func(s txscope.Scope, outbox *[]notify.Notification) (Result, error) {
		logger := r.logger.With().Str("charge_id", c.ChargeID).Str("payment_intent", c.ProviderRef).Logger()

		payment, err := r.paymentForCharge(ctx, s, c.ChargeID, c.ProviderRef)
		if err != nil {
			return Result{}, err
		}
		if payment == nil {
			logger.Warn().Msg("Refund for an unknown charge, ignoring")
			return Result{}, nil
		}
		logger = logger.With().Str("payment_id", payment.PaymentID).Logger()

		var lineTotal int64
		for _, line := range c.Refunds {
			refund, err := r.payments.GetRefund(ctx, s, line.ID)
			if err != nil {
				return Result{}, err
			}
			if refund == nil {
				refund = &payments.Refund{RefundID: line.ID}
			}
			refund.PaymentID = payment.PaymentID
			refund.ChargeID = c.ChargeID
			refund.Amount = line.Amount
			refund.Status = line.Status
			refund.Reason = line.Reason
			if err := r.payments.SaveRefund(ctx, s, refund); err != nil {
				return Result{}, err
			}
			if line.Status != "failed" && line.Status != "canceled" {
				lineTotal += line.Amount
			}
		}

		refunded := c.AmountRefunded
		if refunded == 0 {
			refunded = lineTotal
		}
		if refunded < payment.AmountRefunded {
			// an older notification; totals only grow
			refunded = payment.AmountRefunded
		}

		amount := payment.Amount
		if amount == 0 {
			amount = c.Amount
		}
		full := amount > 0 && refunded >= amount

		payment.AmountRefunded = refunded
		if c.ChargeID != "" && payment.ProviderChargeID == nil {
			payment.ProviderChargeID = &c.ChargeID
		}
		switch {
		case full:
			payment.Status = types.PaymentRefunded
		case refunded > 0:
			payment.Status = types.PaymentPartiallyRefunded
		}
		if err := r.payments.SavePayment(ctx, s, payment); err != nil {
			return Result{}, err
		}

		orderID, err := r.orderForPayment(ctx, s, payment, c.ChargeID)
		if err != nil {
			return Result{}, err
		}
		res := Result{ResourceType: ResourcePayment, ResourceID: payment.PaymentID}
		if orderID != "" {
			order, err := r.refundOrder(ctx, s, orderID, full)
			if err != nil {
				return Result{}, err
			}
			if order != nil {
				res = Result{ResourceType: ResourceOrder, ResourceID: order.OrderID}
				*outbox = append(*outbox, notify.Notification{
					Kind:      notify.RefundIssued,
					To:        notify.Recipient{UserID: deref(order.UserID), Email: deref(order.GuestEmail)},
					OrderID:   order.OrderID,
					PaymentID: payment.PaymentID,
					Amount:    refunded,
					Currency:  payment.Currency,
				})
			}
		}
		if full && payment.InvoiceID != nil {
			invoice, err := r.billing.GetInvoice(ctx, s, *payment.InvoiceID)
			if err != nil {
				return Result{}, err
			}
			if invoice != nil && invoice.Status != billing.InvoiceRefunded {
				invoice.Status = billing.InvoiceRefunded
				if err := r.billing.SaveInvoice(ctx, s, invoice); err != nil {
					return Result{}, err
				}
			}
		}

		logger.Info().Int64("amount_refunded", refunded).Bool("full", full).Msg("Refund reconciled")
		return res, nil
	})
}

func (r *Reconciler) refundOrder(ctx context.Context, s txscope.Scope, orderID string, full bool) (*orders.Order, error) {
	order, err := r.orders.LockOrder(ctx, s, orderID)
	if err != nil || order == nil {
		return order, err
	}

	status := types.PaymentPartiallyRefunded
	if full {
		status = types.PaymentRefunded
	}
	if err := r.orders.UpdateFields(ctx, s, order, map[string]interface{}{
		"payment_status": status,
		"updated_at":     r.now(),
	}); err != nil {
		return nil, err
	}
	order.PaymentStatus = status

	if !full || order.Status == orders.StatusCancelled {
		return order, nil
	}
	if !orders.CanTransition(order.Status, orders.StatusCancelled) {
		r.logger.Info().
			Str("order_id", order.OrderID).
			Str("status", order.Status.String()).
			Msg("Fully refunded order cannot be cancelled from its current status")
		return order, nil
	}
	if _, err := r.machine.Transition(ctx, s, order.OrderID, orders.StatusCancelled, orders.ReasonChargeRefunded, types.SystemActor); err != nil {
		return nil, err
	}
	order.Status = orders.StatusCancelled
	return order, nil
}

// DisputeCreated records the dispute against its payment and alerts an admin.
func (r *Reconciler) DisputeCreated(ctx context.Context, d DisputeOpened) (Result, error) {
	return r.run(ctx, "dispute created", func(s txscope.Scope, outbox *[]notify.Notification) (Result, error) {
		logger := r.logger.With().Str("dispute_id", d.DisputeID).Str("charge_id", d.ChargeID).Logger()

		payment, err := r.paymentForCharge(ctx, s, d.ChargeID, d.ProviderRef)
		if err != nil {
			return Result{}, err
		}
		if payment == nil {
			logger.Warn().Msg("Dispute for an unknown charge, ignoring")
			return Result{}, nil
		}

		dispute, err := r.payments.GetDispute(ctx, s, d.DisputeID)
		if err != nil {
			return Result{}, err
		}
		created := dispute == nil
		if created {
			dispute = &payments.Dispute{DisputeID: d.DisputeID}
		}
		dispute.PaymentID = payment.PaymentID
		dispute.ChargeID = d.ChargeID
		dispute.Amount = d.Amount
		dispute.Currency = strings.ToLower(d.Currency)
		dispute.Reason = d.Reason
		dispute.Status = d.Status
		if err := r.payments.SaveDispute(ctx, s, dispute); err != nil {
			return Result{}, err
		}

		if created {
			orderID, err := r.orderForPayment(ctx, s, payment, d.ChargeID)
			if err != nil {
				return Result{}, err
			}
			*outbox = append(*outbox, notify.Notification{
				Kind:      notify.DisputeOpened,
				To:        notify.Recipient{Admin: true},
				OrderID:   orderID,
				PaymentID: payment.PaymentID,
				Amount:    d.Amount,
				Currency:  dispute.Currency,
				Detail:    d.Reason,
			})
		}

		logger.Warn().Str("payment_id", payment.PaymentID).Str("reason", d.Reason).Msg("Dispute recorded")
		return Result{ResourceType: ResourceDispute, ResourceID: d.DisputeID}, nil
	})
}
