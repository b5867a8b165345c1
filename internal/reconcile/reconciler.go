// Package reconcile maps provider payment events onto orders, payments and
// billing rows. Webhook handlers and the scheduled payment executor both go
// through it, so the two entry points update domain state the same way.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/paysync-api/internal/billing"
	"github.com/ksred/paysync-api/internal/notify"
	"github.com/ksred/paysync-api/internal/orders"
	"github.com/ksred/paysync-api/internal/payments"
	"github.com/ksred/paysync-api/internal/txscope"
	"github.com/ksred/paysync-api/internal/types"
)

const maxConflictRetries = 3

type Source string

const (
	SourceWebhook   Source = "webhook"
	SourceScheduler Source = "scheduler"
)

// PaymentResult is a provider payment outcome, from a webhook or from the
// executor's own provider call.
type PaymentResult struct {
	ProviderRef   string
	ChargeID      string
	SessionID     string
	Amount        int64
	Currency      string
	CustomerID    string
	ReceiptEmail  string
	FailureReason string
	Metadata      Metadata
	Source        Source
}

// Result names the row an event resolved to.
type Result struct {
	ResourceType string
	ResourceID   string
}

const (
	ResourceOrder          = "order"
	ResourcePayment        = "payment"
	ResourceInvoice        = "invoice"
	ResourceSubscription   = "subscription"
	ResourceCreditPurchase = "credit_purchase"
	ResourceDispute        = "dispute"
)

type Reconciler struct {
	db       *gorm.DB
	orders   *orders.Database
	machine  *orders.StateMachine
	numbers  *orders.NumberGenerator
	payments *payments.Database
	billing  *billing.Database
	notifier notify.Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

func New(db *gorm.DB, machine *orders.StateMachine, numbers *orders.NumberGenerator, notifier notify.Notifier) *Reconciler {
	return &Reconciler{
		db:       db,
		orders:   orders.NewDatabase(db),
		machine:  machine,
		numbers:  numbers,
		payments: payments.NewDatabase(db),
		billing:  billing.NewDatabase(db),
		notifier: notifier,
		logger:   log.With().Str("component", "reconciler").Logger(),
		now:      time.Now,
	}
}

// unit is one atomic reconciliation step. Notifications it queues are sent
// only after commit.
type unit func(s txscope.Scope, outbox *[]notify.Notification) (Result, error)

// run executes fn in its own transaction. Two concurrent deliveries can both
// try to insert the same order or payment; the loser hits a unique key, and
// the retry finds the winner's row and updates it.
func (r *Reconciler) run(ctx context.Context, op string, fn unit) (Result, error) {
	var (
		res    Result
		outbox []notify.Notification
		err    error
	)
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		outbox = outbox[:0]
		err = txscope.Run(ctx, r.db, txscope.None(), func(s txscope.Scope) error {
			var err error
			res, err = fn(s, &outbox)
			return err
		})
		if err == nil || !txscope.IsConflict(err) {
			break
		}
		r.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("Reconciliation conflict, retrying")
	}
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	for _, n := range outbox {
		notify.Send(ctx, r.notifier, n)
	}
	return res, nil
}

// SucceededApplied is the durable guard for payment success: the reference
// already has a settled payment or a settled order.
func (r *Reconciler) SucceededApplied(ctx context.Context, ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	ok, err := r.payments.HasStatus(ctx, ref, types.PaymentSucceeded, types.PaymentRefunded, types.PaymentPartiallyRefunded)
	if err != nil || ok {
		return ok, err
	}
	order, err := r.orders.GetByPaymentIntent(ctx, txscope.None(), ref)
	if err != nil {
		return false, err
	}
	return order != nil && order.PaymentStatus.Settled(), nil
}

// FailureApplied is the durable guard for payment failure: the payment is
// already failed, or settled and therefore immune to the failure.
func (r *Reconciler) FailureApplied(ctx context.Context, ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	return r.payments.HasStatus(ctx, ref,
		types.PaymentFailed, types.PaymentSucceeded, types.PaymentRefunded, types.PaymentPartiallyRefunded)
}

// CheckoutApplied is the durable guard for checkout completion: an order is
// already bound to the session, or to its payment intent with a session set.
func (r *Reconciler) CheckoutApplied(ctx context.Context, sessionID, ref string) (bool, error) {
	if sessionID != "" {
		order, err := r.orders.GetByCheckoutSession(ctx, txscope.None(), sessionID)
		if err != nil || order != nil {
			return order != nil, err
		}
	}
	if ref == "" {
		return false, nil
	}
	order, err := r.orders.GetByPaymentIntent(ctx, txscope.None(), ref)
	if err != nil {
		return false, err
	}
	return order != nil && order.CheckoutSessionID != nil && order.PaymentStatus.Settled(), nil
}

// DisputeRecorded is the durable guard for dispute creation.
func (r *Reconciler) DisputeRecorded(ctx context.Context, disputeID string) (bool, error) {
	return r.payments.DisputeExists(ctx, disputeID)
}

// InvoicePaidApplied is the durable guard for invoice payment.
func (r *Reconciler) InvoicePaidApplied(ctx context.Context, providerInvoiceID string) (bool, error) {
	return r.billing.InvoicePaid(ctx, providerInvoiceID)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
