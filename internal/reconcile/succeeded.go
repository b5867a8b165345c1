package reconcile

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/ksred/paysync-api/internal/billing"
	"github.com/ksred/paysync-api/internal/notify"
	"github.com/ksred/paysync-api/internal/orders"
	"github.com/ksred/paysync-api/internal/payments"
	"github.com/ksred/paysync-api/internal/txscope"
	"github.com/ksred/paysync-api/internal/types"
)

// PaymentSucceeded applies a successful payment: the payment row is upserted by
// provider reference and the owning invoice, credit purchase or order is
// moved forward. A success may upgrade a pending or failed payment.
func (r *Reconciler) PaymentSucceeded(ctx context.Context, p PaymentResult) (Result, error) {
	return r.run(ctx, "payment succeeded", func(s txscope.Scope, outbox *[]notify.Notification) (Result, error) {
		return r.paymentSucceeded(ctx, s, p, outbox)
	})
}

// CheckoutCompleted confirms the same payment through the checkout session. It
// finds an order created by the payment success path and binds the session to
// it instead of creating a second order.
func (r *Reconciler) CheckoutCompleted(ctx context.Context, p PaymentResult, paid bool) (Result, error) {
	logger := r.logger.With().Str("checkout_session", p.SessionID).Str("payment_intent", p.ProviderRef).Logger()
	if !paid {
		logger.Info().Msg("Checkout completed without payment, waiting for payment events")
		return Result{}, nil
	}
	return r.run(ctx, "checkout completed", func(s txscope.Scope, outbox *[]notify.Notification) (Result, error) {
		return r.paymentSucceeded(ctx, s, p, outbox)
	})
}

func (r *Reconciler) paymentSucceeded(ctx context.Context, s txscope.Scope, p PaymentResult, outbox *[]notify.Notification) (Result, error) {
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

	invoiceID := md.InvoiceID
	if payment != nil && payment.InvoiceID != nil {
		invoiceID = *payment.InvoiceID
	}
	purchaseID := md.CreditPurchaseID
	if payment != nil && payment.CreditPurchaseID != nil {
		purchaseID = *payment.CreditPurchaseID
	}

	var res Result
	switch {
	case invoiceID != "":
		res, err = r.settleInvoice(ctx, s, invoiceID, payment)
	case purchaseID != "":
		res, err = r.grantCredits(ctx, s, purchaseID, p, outbox)
	default:
		var order *orders.Order
		order, err = r.settleOrder(ctx, s, p, payment, outbox)
		if order != nil {
			res = Result{ResourceType: ResourceOrder, ResourceID: order.OrderID}
			if payment != nil && payment.OrderID == nil {
				payment.OrderID = &order.OrderID
			}
		}
	}
	if err != nil {
		return Result{}, err
	}

	if payment == nil {
		if res.ResourceType == "" {
			logger.Warn().Msg("Payment succeeded without a recognizable target")
		}
		return res, nil
	}

	now := r.now()
	if !payment.Status.Settled() {
		payment.Status = types.PaymentSucceeded
	}
	if payment.PaidAt == nil {
		payment.PaidAt = &now
	}
	payment.FailureReason = ""
	if p.ChargeID != "" {
		payment.ProviderChargeID = &p.ChargeID
	}
	if payment.Amount == 0 {
		payment.Amount = p.Amount
	}
	if payment.Currency == "" {
		payment.Currency = strings.ToLower(p.Currency)
	}
	if payment.CustomerID == "" {
		payment.CustomerID = p.CustomerID
	}
	if err := r.payments.SavePayment(ctx, s, payment); err != nil {
		return Result{}, err
	}

	if res.ResourceType == "" {
		logger.Warn().Msg("Payment succeeded without a recognizable target, payment recorded")
		res = Result{ResourceType: ResourcePayment, ResourceID: payment.PaymentID}
	}
	logger.Info().Str("resource_type", res.ResourceType).Str("resource_id", res.ResourceID).Msg("Payment success reconciled")
	return res, nil
}

// resolvePayment finds the payment row by internal id, then by provider
// reference. Without a match it returns an unsaved row keyed by the reference,
// or nil when there is no reference to key it by.
func (r *Reconciler) resolvePayment(ctx context.Context, s txscope.Scope, p PaymentResult) (*payments.Payment, error) {
	md := p.Metadata
	if md.PaymentID != "" {
		payment, err := r.payments.LockPayment(ctx, s, md.PaymentID)
		if err != nil || payment != nil {
			if payment != nil && p.ProviderRef != "" && payment.ProviderRef() != p.ProviderRef {
				payment.ProviderPaymentID = &p.ProviderRef
			}
			return payment, err
		}
	}
	if p.ProviderRef != "" {
		payment, err := r.payments.GetByProviderRef(ctx, s, p.ProviderRef)
		if err != nil || payment != nil {
			return payment, err
		}
	} else if md.PaymentID == "" {
		return nil, nil
	}

	paymentID := md.PaymentID
	if paymentID == "" {
		paymentID = payments.NewPaymentID()
	}
	return &payments.Payment{
		PaymentID:         paymentID,
		ProviderPaymentID: strPtr(p.ProviderRef),
		CustomerID:        p.CustomerID,
		Amount:            p.Amount,
		Currency:          strings.ToLower(p.Currency),
		Status:            types.PaymentPending,
		CreditPurchaseID:  strPtr(md.CreditPurchaseID),
		InvoiceID:         strPtr(md.InvoiceID),
	}, nil
}

// settleOrder resolves or creates the order for a successful payment and
// advances it. It returns nil when the payment belongs to no order.
func (r *Reconciler) settleOrder(ctx context.Context, s txscope.Scope, p PaymentResult, payment *payments.Payment, outbox *[]notify.Notification) (*orders.Order, error) {
	md := p.Metadata
	buyer := md.Buyer(p.ReceiptEmail)

	order, byRef, err := r.resolveOrder(ctx, s, p, payment)
	if err != nil {
		return nil, err
	}

	if order != nil && byRef && !order.Buyer().Matches(buyer) {
		r.logger.Error().
			Str("anomaly", "buyer_mismatch").
			Str("order_id", order.OrderID).
			Str("payment_intent", p.ProviderRef).
			Err(types.ErrBuyerMismatch).
			Msg("Buyer does not match the order holding this payment reference, leaving it untouched")

		*outbox = append(*outbox, notify.Notification{
			Kind:    notify.BuyerMismatch,
			To:      notify.Recipient{Admin: true},
			OrderID: order.OrderID,
			Detail:  p.ProviderRef,
		})
		// the charge stays with the order that holds the reference
		if payment != nil && payment.OrderID == nil {
			payment.OrderID = &order.OrderID
		}
		return r.flaggedOrder(ctx, s, p, buyer)
	}

	if order == nil {
		if !md.OrderHint() {
			return nil, nil
		}
		order, err = r.createOrder(ctx, s, p, buyer, false)
		if err != nil {
			return nil, err
		}
	}

	if err := r.applyOrderPayment(ctx, s, order, p, buyer); err != nil {
		return nil, err
	}
	if err := r.advance(ctx, s, order, r.successTarget(order, p.Source), orders.ReasonPaymentSucceeded); err != nil {
		return nil, err
	}

	*outbox = append(*outbox, notify.Notification{
		Kind:      notify.OrderConfirmed,
		To:        notify.Recipient{UserID: deref(order.UserID), Email: deref(order.GuestEmail)},
		OrderID:   order.OrderID,
		PaymentID: md.PaymentID,
		Amount:    order.Amount,
		Currency:  order.Currency,
	})
	return order, nil
}

// resolveOrder applies the lookup precedence: the payment's order, the
// metadata order id, the provider reference or checkout session, then the
// custom order request. byRef reports a match made only through the provider
// reference, which requires a buyer check before it may be updated. A payment
// found by reference rather than by its metadata id counts as such a match.
func (r *Reconciler) resolveOrder(ctx context.Context, s txscope.Scope, p PaymentResult, payment *payments.Payment) (*orders.Order, bool, error) {
	md := p.Metadata

	if id := deref(paymentOrderID(payment)); id != "" {
		byID := md.PaymentID != "" && payment.PaymentID == md.PaymentID
		order, err := r.orders.LockOrder(ctx, s, id)
		if err != nil || order != nil {
			return order, !byID, err
		}
	}
	if md.OrderID != "" {
		order, err := r.orders.LockOrder(ctx, s, md.OrderID)
		if err != nil || order != nil {
			return order, false, err
		}
	}

	if p.ProviderRef != "" {
		order, err := r.orders.GetByPaymentIntent(ctx, s, p.ProviderRef)
		if err != nil || order != nil {
			return order, true, err
		}
	}
	if p.SessionID != "" {
		order, err := r.orders.GetByCheckoutSession(ctx, s, p.SessionID)
		if err != nil || order != nil {
			return order, true, err
		}
	}

	if md.CustomOrderRequestID != "" {
		order, err := r.orders.GetByCustomOrderRequest(ctx, s, md.CustomOrderRequestID)
		if err != nil || order != nil {
			return order, false, err
		}
	}
	return nil, false, nil
}

func paymentOrderID(p *payments.Payment) *string {
	if p == nil {
		return nil
	}
	return p.OrderID
}

// flaggedOrder returns the order kept for a mismatched buyer, creating it on
// first sight. It does not hold the provider reference, which stays unique.
func (r *Reconciler) flaggedOrder(ctx context.Context, s txscope.Scope, p PaymentResult, buyer orders.Buyer) (*orders.Order, error) {
	order, err := r.orders.GetFlagged(ctx, s, p.ProviderRef, buyer)
	if err != nil {
		return nil, err
	}
	if order == nil {
		if order, err = r.createOrder(ctx, s, p, buyer, true); err != nil {
			return nil, err
		}
	}

	if err := r.applyOrderPayment(ctx, s, order, p, buyer); err != nil {
		return nil, err
	}
	if err := r.advance(ctx, s, order, r.successTarget(order, p.Source), orders.ReasonPaymentSucceeded); err != nil {
		return nil, err
	}
	return order, nil
}

func (r *Reconciler) createOrder(ctx context.Context, s txscope.Scope, p PaymentResult, buyer orders.Buyer, flagged bool) (*orders.Order, error) {
	md := p.Metadata
	number, err := r.numbers.Next(ctx, s)
	if err != nil {
		return nil, err
	}

	order := &orders.Order{
		OrderID:              "ORD_" + uuid.New().String(),
		OrderNumber:          number,
		PaymentStatus:        types.PaymentPending,
		Amount:               p.Amount,
		Currency:             strings.ToLower(p.Currency),
		ProductID:            md.ProductID,
		Quantity:             md.Quantity,
		CustomOrderRequestID: strPtr(md.CustomOrderRequestID),
	}
	order.SetBuyer(buyer)
	if flagged {
		order.Flagged = true
		order.FlaggedPaymentIntent = strPtr(p.ProviderRef)
	} else {
		order.PaymentIntentID = strPtr(p.ProviderRef)
		order.CheckoutSessionID = strPtr(p.SessionID)
	}

	if err := r.machine.Create(ctx, s, order, types.SystemActor); err != nil {
		return nil, err
	}
	r.logger.Info().
		Str("order_id", order.OrderID).
		Str("order_number", order.OrderNumber).
		Str("payment_intent", p.ProviderRef).
		Bool("flagged", flagged).
		Msg("Order created from payment")
	return order, nil
}

// applyOrderPayment records payment details on the order without touching its
// status or reassigning its buyer.
func (r *Reconciler) applyOrderPayment(ctx context.Context, s txscope.Scope, order *orders.Order, p PaymentResult, buyer orders.Buyer) error {
	now := r.now()
	if !order.PaymentStatus.Settled() {
		order.PaymentStatus = types.PaymentSucceeded
	}
	if order.PurchasedAt == nil {
		order.PurchasedAt = &now
	}
	if p.ChargeID != "" {
		order.ProviderChargeID = &p.ChargeID
	}
	if order.Amount == 0 {
		order.Amount = p.Amount
		order.Currency = strings.ToLower(p.Currency)
	}
	if order.Buyer().Empty() && !buyer.Empty() {
		order.SetBuyer(buyer)
	}

	if !order.Flagged {
		if order.PaymentIntentID == nil && p.ProviderRef != "" {
			holder, err := r.orders.GetByPaymentIntent(ctx, s, p.ProviderRef)
			if err != nil {
				return err
			}
			if holder == nil {
				order.PaymentIntentID = &p.ProviderRef
			} else {
				r.logger.Warn().
					Str("order_id", order.OrderID).
					Str("holder_order_id", holder.OrderID).
					Str("payment_intent", p.ProviderRef).
					Msg("Payment reference already bound to another order")
			}
		}
		if order.CheckoutSessionID == nil && p.SessionID != "" {
			order.CheckoutSessionID = &p.SessionID
		}
	}

	return r.orders.UpdateFields(ctx, s, order, map[string]interface{}{
		"payment_status":      order.PaymentStatus,
		"purchased_at":        order.PurchasedAt,
		"provider_charge_id":  order.ProviderChargeID,
		"amount":              order.Amount,
		"currency":            order.Currency,
		"user_id":             order.UserID,
		"guest_email":         order.GuestEmail,
		"payment_intent_id":   order.PaymentIntentID,
		"checkout_session_id": order.CheckoutSessionID,
		"updated_at":          now,
	})
}

// successTarget is processing, or completed when a scheduled payment settles
// an order that was already paid for.
func (r *Reconciler) successTarget(order *orders.Order, source Source) orders.Status {
	if source == SourceScheduler {
		switch order.Status {
		case orders.StatusPaid, orders.StatusProcessing, orders.StatusShipped:
			return orders.StatusCompleted
		}
	}
	return orders.StatusProcessing
}

// advance walks the order to target one audited hop at a time. An order already
// past target gets a self-transition; a cancelled order is left alone.
func (r *Reconciler) advance(ctx context.Context, s txscope.Scope, order *orders.Order, target orders.Status, reason string) error {
	if order.Status == orders.StatusCancelled && target != orders.StatusCancelled {
		r.logger.Warn().
			Str("order_id", order.OrderID).
			Str("target_status", target.String()).
			Msg("Payment settled for a cancelled order, status left unchanged")
		return nil
	}

	path := orders.PathTo(order.Status, target)
	if len(path) == 0 {
		path = []orders.Status{order.Status}
	}
	for _, next := range path {
		updated, err := r.machine.Transition(ctx, s, order.OrderID, next, reason, types.SystemActor)
		if err != nil {
			return err
		}
		order.Status = updated.Status
	}
	return nil
}

func (r *Reconciler) settleInvoice(ctx context.Context, s txscope.Scope, invoiceID string, payment *payments.Payment) (Result, error) {
	invoice, err := r.billing.GetInvoice(ctx, s, invoiceID)
	if err != nil {
		return Result{}, err
	}
	if invoice == nil {
		r.logger.Warn().Str("invoice_id", invoiceID).Msg("Payment references an unknown invoice")
		return Result{}, nil
	}

	if invoice.Status == billing.InvoiceOpen {
		now := r.now()
		invoice.Status = billing.InvoicePaid
		invoice.PaidAt = &now
		if err := r.billing.SaveInvoice(ctx, s, invoice); err != nil {
			return Result{}, err
		}
	}
	if payment != nil {
		payment.InvoiceID = &invoice.InvoiceID
	}
	return Result{ResourceType: ResourceInvoice, ResourceID: invoice.InvoiceID}, nil
}

func (r *Reconciler) grantCredits(ctx context.Context, s txscope.Scope, purchaseID string, p PaymentResult, outbox *[]notify.Notification) (Result, error) {
	purchase, err := r.billing.GetCreditPurchase(ctx, s, purchaseID)
	if err != nil {
		return Result{}, err
	}
	if purchase == nil {
		r.logger.Warn().Str("credit_purchase_id", purchaseID).Msg("Payment references an unknown credit purchase")
		return Result{}, nil
	}

	if purchase.Status != billing.CreditSucceeded {
		now := r.now()
		purchase.Status = billing.CreditSucceeded
		purchase.GrantedAt = &now
		purchase.FailedAt = nil
		if purchase.ProviderPaymentID == nil {
			purchase.ProviderPaymentID = strPtr(p.ProviderRef)
		}
		if err := r.billing.SaveCreditPurchase(ctx, s, purchase); err != nil {
			return Result{}, err
		}
		*outbox = append(*outbox, notify.Notification{
			Kind:     notify.OrderConfirmed,
			To:       notify.Recipient{UserID: purchase.UserID},
			Amount:   purchase.Amount,
			Currency: purchase.Currency,
			Detail:   "credits granted",
		})
	}
	return Result{ResourceType: ResourceCreditPurchase, ResourceID: purchase.PurchaseID}, nil
}
