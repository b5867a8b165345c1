// Package scheduler executes scheduled payments against the provider and
// feeds the outcomes back through the reconciler.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/paysync-api/internal/payments"
	"github.com/ksred/paysync-api/internal/provider"
	"github.com/ksred/paysync-api/internal/reconcile"
)

const (
	defaultBatchSize    = 100
	defaultRecheckAfter = 15 * time.Minute
)

var ErrNoPaymentMethod = errors.New("customer has no payment method")

// Summary counts one executor run. Processed includes every attempted payment.
// Rechecked counts in-flight attempts looked up again; the ones that resolved
// are also counted in Succeeded or Failed.
type Summary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Rechecked int `json:"rechecked"`
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomePending
	outcomeFailed
)

type ExecutorConfig struct {
	BatchSize       int
	ProviderTimeout time.Duration
	// RecheckAfter is how long an in-flight attempt waits for its webhook
	// before the executor asks the provider about it.
	RecheckAfter time.Duration
}

type Executor struct {
	payments     *payments.Database
	provider     provider.Client
	rec          *reconcile.Reconciler
	batchSize    int
	recheckAfter time.Duration
	logger       zerolog.Logger
	now          func() time.Time
}

func NewExecutor(db *gorm.DB, client provider.Client, rec *reconcile.Reconciler, cfg ExecutorConfig) *Executor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.RecheckAfter <= 0 {
		cfg.RecheckAfter = defaultRecheckAfter
	}
	return &Executor{
		payments:     payments.NewDatabase(db),
		provider:     provider.WithTimeout(client, cfg.ProviderTimeout),
		rec:          rec,
		batchSize:    cfg.BatchSize,
		recheckAfter: cfg.RecheckAfter,
		logger:       log.With().Str("component", "payment_executor").Logger(),
		now:          time.Now,
	}
}

// Run rechecks stale in-flight attempts, then charges every due payment once.
// Only a failure to load a batch is returned; a failing payment is marked
// failed and the run moves on.
func (e *Executor) Run(ctx context.Context) (Summary, error) {
	var summary Summary

	if err := e.recheck(ctx, &summary); err != nil {
		return summary, err
	}

	due, err := e.payments.FindDue(ctx, e.now(), e.batchSize)
	if err != nil {
		return summary, err
	}
	if len(due) == 0 {
		return summary, nil
	}
	e.logger.Info().Int("due_count", len(due)).Msg("Executing scheduled payments")

	for i := range due {
		if ctx.Err() != nil {
			break
		}
		payment := &due[i]
		summary.Processed++

		result, err := e.execute(ctx, payment)
		if err != nil {
			e.logger.Error().Err(err).Str("payment_id", payment.PaymentID).Msg("Scheduled payment failed")
			e.markFailed(ctx, payment, err)
			result = outcomeFailed
		}

		switch result {
		case outcomeSucceeded:
			summary.Succeeded++
		case outcomePending:
			summary.Pending++
		default:
			summary.Failed++
		}
	}

	e.logger.Info().
		Int("processed", summary.Processed).
		Int("succeeded", summary.Succeeded).
		Int("pending", summary.Pending).
		Int("failed", summary.Failed).
		Int("rechecked", summary.Rechecked).
		Msg("Scheduled payment run finished")
	return summary, nil
}

// recheck asks the provider about attempts whose webhook has not arrived. A
// lookup failure leaves the payment pending for the next run.
func (e *Executor) recheck(ctx context.Context, summary *Summary) error {
	stale, err := e.payments.FindInFlight(ctx, e.now().Add(-e.recheckAfter), e.batchSize)
	if err != nil {
		return err
	}

	for i := range stale {
		if ctx.Err() != nil {
			break
		}
		payment := &stale[i]
		logger := e.logger.With().Str("payment_id", payment.PaymentID).Str("payment_intent", payment.ProviderRef()).Logger()
		summary.Rechecked++

		intent, err := e.provider.RetrievePaymentIntent(ctx, payment.ProviderRef())
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to recheck in-flight payment")
			continue
		}
		result, err := e.settle(ctx, payment, intent)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to reconcile rechecked payment")
			continue
		}
		switch result {
		case outcomeSucceeded:
			summary.Succeeded++
		case outcomeFailed:
			summary.Failed++
		}
	}
	return nil
}

func (e *Executor) execute(ctx context.Context, payment *payments.Payment) (outcome, error) {
	methods, err := e.provider.ListPaymentMethods(ctx, payment.CustomerID)
	if err != nil {
		return outcomeFailed, err
	}
	method, ok := provider.DefaultPaymentMethod(methods)
	if !ok {
		return outcomeFailed, fmt.Errorf("%w: %s", ErrNoPaymentMethod, payment.CustomerID)
	}

	md := metadataFor(payment)
	intent, err := e.provider.CreatePaymentIntent(ctx, provider.CreateIntentParams{
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		Customer:       payment.CustomerID,
		PaymentMethod:  method.ID,
		Confirm:        true,
		OffSession:     true,
		Metadata:       rawMetadata(md),
		IdempotencyKey: payment.PaymentID,
	})
	if err != nil {
		return outcomeFailed, err
	}
	return e.settle(ctx, payment, intent)
}

// settle feeds the intent's current state to the reconciler.
func (e *Executor) settle(ctx context.Context, payment *payments.Payment, intent *provider.PaymentIntent) (outcome, error) {
	md := metadataFor(payment)
	result := reconcile.PaymentResult{
		ProviderRef:   intent.ID,
		ChargeID:      intent.LatestCharge,
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		CustomerID:    payment.CustomerID,
		FailureReason: intent.LastError,
		Metadata:      md,
		Source:        reconcile.SourceScheduler,
	}

	switch {
	case intent.Status == provider.IntentSucceeded:
		if _, err := e.rec.PaymentSucceeded(ctx, result); err != nil {
			return outcomeFailed, err
		}
		return outcomeSucceeded, nil
	case intent.Status.InFlight():
		// the webhook for this intent settles it, or a later recheck
		if err := e.rec.PaymentAttempted(ctx, payment.PaymentID, intent.ID); err != nil {
			return outcomeFailed, err
		}
		return outcomePending, nil
	default:
		if result.FailureReason == "" {
			result.FailureReason = string(intent.Status)
		}
		if _, err := e.rec.PaymentFailed(ctx, result); err != nil {
			return outcomeFailed, err
		}
		return outcomeFailed, nil
	}
}

func (e *Executor) markFailed(ctx context.Context, payment *payments.Payment, cause error) {
	_, err := e.rec.PaymentFailed(ctx, reconcile.PaymentResult{
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		CustomerID:    payment.CustomerID,
		FailureReason: cause.Error(),
		Metadata:      metadataFor(payment),
		Source:        reconcile.SourceScheduler,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("payment_id", payment.PaymentID).Msg("Failed to mark scheduled payment failed")
	}
}

func metadataFor(p *payments.Payment) reconcile.Metadata {
	md := reconcile.Metadata{PaymentID: p.PaymentID, Quantity: 1}
	if p.OrderID != nil {
		md.OrderID = *p.OrderID
	}
	if p.InvoiceID != nil {
		md.InvoiceID = *p.InvoiceID
	}
	if p.CreditPurchaseID != nil {
		md.CreditPurchaseID = *p.CreditPurchaseID
	}
	return md
}

// rawMetadata is the bag sent to the provider. The webhook handlers read it
// back for the same intent.
func rawMetadata(md reconcile.Metadata) map[string]string {
	out := map[string]string{"payment_id": md.PaymentID}
	for k, v := range map[string]string{
		"order_id":           md.OrderID,
		"invoice_id":         md.InvoiceID,
		"credit_purchase_id": md.CreditPurchaseID,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
