package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/paysync-api/internal/billing"
	"github.com/ksred/paysync-api/internal/notify"
	"github.com/ksred/paysync-api/internal/orders"
	"github.com/ksred/paysync-api/internal/payments"
	"github.com/ksred/paysync-api/internal/reconcile"
	"github.com/ksred/paysync-api/internal/testutil"
	"github.com/ksred/paysync-api/internal/txscope"
	"github.com/ksred/paysync-api/internal/types"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *recordingNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Kind
	for _, m := range n.sent {
		out = append(out, m.Kind)
	}
	return out
}

type fixture struct {
	db       *gorm.DB
	machine  *orders.StateMachine
	rec      *reconcile.Reconciler
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	machine := orders.NewStateMachine(db, false)
	notifier := &recordingNotifier{}
	return &fixture{
		db:       db,
		machine:  machine,
		rec:      reconcile.New(db, machine, orders.NewNumberGenerator(db, 5), notifier),
		notifier: notifier,
	}
}

func (f *fixture) count(t *testing.T, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Count(&n).Error)
	return n
}

func (f *fixture) orderByRef(t *testing.T, ref string) orders.Order {
	t.Helper()
	var order orders.Order
	require.NoError(t, f.db.Where("payment_intent_id = ?", ref).First(&order).Error)
	return order
}

func (f *fixture) paymentByRef(t *testing.T, ref string) payments.Payment {
	t.Helper()
	var payment payments.Payment
	require.NoError(t, f.db.Where("provider_payment_id = ?", ref).First(&payment).Error)
	return payment
}

func guestCheckout(ref string) reconcile.PaymentResult {
	return reconcile.PaymentResult{
		ProviderRef: ref,
		ChargeID:    "ch_" + ref,
		Amount:      5000,
		Currency:    "usd",
		Metadata: reconcile.NormalizeMetadata(map[string]string{
			"productId":  "P1",
			"quantity":   "1",
			"guestEmail": "a@example.com",
		}),
		Source: reconcile.SourceWebhook,
	}
}

func TestPaymentSucceeded_GuestCheckoutCreatesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.rec.PaymentSucceeded(ctx, guestCheckout("pi_1"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.ResourceOrder, res.ResourceType)

	assert.Equal(t, int64(1), f.count(t, &orders.Order{}))
	assert.Equal(t, int64(1), f.count(t, &payments.Payment{}))

	order := f.orderByRef(t, "pi_1")
	assert.Equal(t, res.ResourceID, order.OrderID)
	assert.Equal(t, orders.StatusProcessing, order.Status)
	assert.Equal(t, types.PaymentSucceeded, order.PaymentStatus)
	assert.Equal(t, int64(5000), order.Amount)
	assert.Equal(t, "usd", order.Currency)
	assert.Equal(t, "P1", order.ProductID)
	assert.Equal(t, 1, order.Quantity)
	require.NotNil(t, order.GuestEmail)
	assert.Equal(t, "a@example.com", *order.GuestEmail)
	assert.Nil(t, order.UserID)
	assert.NotNil(t, order.PurchasedAt)
	assert.Regexp(t, `^\d{6}-[0-9A-F]{6}$`, order.OrderNumber)

	payment := f.paymentByRef(t, "pi_1")
	assert.Equal(t, types.PaymentSucceeded, payment.Status)
	require.NotNil(t, payment.OrderID)
	assert.Equal(t, order.OrderID, *payment.OrderID)
	assert.NotNil(t, payment.PaidAt)

	var events []orders.StatusEvent
	require.NoError(t, f.db.Where("order_id = ?", order.OrderID).Order("id").Find(&events).Error)
	require.Len(t, events, 2)
	assert.Equal(t, orders.ReasonOrderCreated, events[0].Reason)
	assert.Equal(t, orders.StatusPending, events[1].FromStatus)
	assert.Equal(t, orders.StatusProcessing, events[1].ToStatus)
	assert.Equal(t, orders.ReasonPaymentSucceeded, events[1].Reason)

	assert.Equal(t, []notify.Kind{notify.OrderConfirmed}, f.notifier.kinds())
}

func TestPaymentSucceeded_RedeliveryUpsertsRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rec.PaymentSucceeded(ctx, guestCheckout("pi_1"))
	require.NoError(t, err)
	first := f.orderByRef(t, "pi_1")

	_, err = f.rec.PaymentSucceeded(ctx, guestCheckout("pi_1"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), f.count(t, &orders.Order{}))
	assert.Equal(t, int64(1), f.count(t, &payments.Payment{}))

	again := f.orderByRef(t, "pi_1")
	assert.Equal(t, first.OrderID, again.OrderID)
	assert.Equal(t, first.OrderNumber, again.OrderNumber)
	assert.Equal(t, orders.StatusProcessing, again.Status)
	assert.Equal(t, types.PaymentSucceeded, again.PaymentStatus)
	assert.Equal(t, int64(5000), again.Amount)
}

func TestPaymentSucceeded_BuyerMismatchLeavesOriginalUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ref := "pi_shared"
	owner := "u1"
	original := &orders.Order{
		OrderID:         "ORD_original",
		OrderNumber:     "240101-AAAAAA",
		PaymentIntentID: &ref,
		UserID:          &owner,
		Amount:          5000,
		Currency:        "usd",
		Quantity:        1,
	}
	require.NoError(t, f.machine.Create(ctx, txscope.None(), original, types.SystemActor))

	p := guestCheckout(ref)
	p.Metadata = reconcile.NormalizeMetadata(map[string]string{"productId": "P1", "userId": "u2"})

	res, err := f.rec.PaymentSucceeded(ctx, p)
	require.NoError(t, err)
	assert.NotEqual(t, original.OrderID, res.ResourceID)

	var untouched orders.Order
	require.NoError(t, f.db.Where("order_id = ?", original.OrderID).First(&untouched).Error)
	assert.Equal(t, orders.StatusPending, untouched.Status)
	assert.Equal(t, "u1", *untouched.UserID)
	assert.Equal(t, types.PaymentStatus(""), untouched.PaymentStatus)

	var flagged orders.Order
	require.NoError(t, f.db.Where("order_id = ?", res.ResourceID).First(&flagged).Error)
	assert.True(t, flagged.Flagged)
	assert.Nil(t, flagged.PaymentIntentID)
	require.NotNil(t, flagged.FlaggedPaymentIntent)
	assert.Equal(t, ref, *flagged.FlaggedPaymentIntent)
	assert.Equal(t, "u2", *flagged.UserID)
	assert.Equal(t, orders.StatusProcessing, flagged.Status)

	payment := f.paymentByRef(t, ref)
	require.NotNil(t, payment.OrderID)
	assert.Equal(t, original.OrderID, *payment.OrderID)
	assert.Contains(t, f.notifier.kinds(), notify.BuyerMismatch)

	// the same mismatched buyer again reuses the flagged order
	_, err = f.rec.PaymentSucceeded(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.count(t, &orders.Order{}))
}

func TestPaymentSucceeded_SecondBuyerOnSettledReference(t *testing.T) {
	tests := []struct {
		name      string
		sessionID string
	}{
		{name: "payment_event"},
		{name: "checkout_with_new_session", sessionID: "cs_other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			first := guestCheckout("pi_x")
			first.Metadata = reconcile.NormalizeMetadata(map[string]string{"productId": "P1", "userId": "u1"})
			res, err := f.rec.PaymentSucceeded(ctx, first)
			require.NoError(t, err)
			originalID := res.ResourceID
			eventsBefore := f.count(t, &orders.StatusEvent{})

			second := guestCheckout("pi_x")
			second.Metadata = reconcile.NormalizeMetadata(map[string]string{"productId": "P1", "userId": "u2"})
			if tt.sessionID != "" {
				second.SessionID = tt.sessionID
				res, err = f.rec.CheckoutCompleted(ctx, second, true)
			} else {
				res, err = f.rec.PaymentSucceeded(ctx, second)
			}
			require.NoError(t, err)
			assert.NotEqual(t, originalID, res.ResourceID)
			assert.Equal(t, int64(2), f.count(t, &orders.Order{}))
			assert.Contains(t, f.notifier.kinds(), notify.BuyerMismatch)

			var original orders.Order
			require.NoError(t, f.db.Where("order_id = ?", originalID).First(&original).Error)
			assert.Equal(t, "u1", *original.UserID)
			assert.False(t, original.Flagged)
			assert.Nil(t, original.CheckoutSessionID)

			var originalEvents int64
			require.NoError(t, f.db.Model(&orders.StatusEvent{}).Where("order_id = ?", originalID).Count(&originalEvents).Error)
			assert.Equal(t, eventsBefore, originalEvents)

			payment := f.paymentByRef(t, "pi_x")
			require.NotNil(t, payment.OrderID)
			assert.Equal(t, originalID, *payment.OrderID)

			_, err = f.rec.ChargeRefunded(ctx, reconcile.ChargeRefund{
				ChargeID:       "ch_pi_x",
				ProviderRef:    "pi_x",
				Amount:         5000,
				AmountRefunded: 5000,
				Refunds:        []reconcile.RefundLine{{ID: "re_1", Amount: 5000, Status: "succeeded"}},
			})
			require.NoError(t, err)

			require.NoError(t, f.db.Where("order_id = ?", originalID).First(&original).Error)
			assert.Equal(t, orders.StatusCancelled, original.Status)
			assert.Equal(t, types.PaymentRefunded, original.PaymentStatus)

			var flagged orders.Order
			require.NoError(t, f.db.Where("order_id = ?", res.ResourceID).First(&flagged).Error)
			assert.True(t, flagged.Flagged)
			assert.Equal(t, "u2", *flagged.UserID)
			assert.Equal(t, orders.StatusProcessing, flagged.Status)
		})
	}
}

func TestPaymentSucceeded_ConcurrentDeliveriesCreateOneOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const deliveries = 8
	var wg sync.WaitGroup
	errs := make(chan error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.rec.PaymentSucceeded(ctx, guestCheckout("pi_race"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), f.count(t, &orders.Order{}))
	assert.Equal(t, int64(1), f.count(t, &payments.Payment{}))

	order := f.orderByRef(t, "pi_race")
	var confirmed int64
	require.NoError(t, f.db.Model(&orders.StatusEvent{}).
		Where("order_id = ? AND reason = ?", order.OrderID, orders.ReasonPaymentSucceeded).
		Count(&confirmed).Error)
	assert.Equal(t, int64(1), confirmed)
}

func TestPaymentSucceeded_RetriesUniqueConflict(t *testing.T) {
	f := newFixture(t)

	// the first payment insert loses a race to a concurrent delivery
	var conflicts atomic.Int32
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("test:lose_race", func(tx *gorm.DB) {
		if tx.Statement.Table == "payments" && conflicts.CompareAndSwap(0, 1) {
			_ = tx.AddError(gorm.ErrDuplicatedKey)
		}
	}))

	res, err := f.rec.PaymentSucceeded(context.Background(), guestCheckout("pi_1"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), conflicts.Load())
	assert.Equal(t, reconcile.ResourceOrder, res.ResourceType)

	assert.Equal(t, int64(1), f.count(t, &orders.Order{}))
	assert.Equal(t, int64(1), f.count(t, &payments.Payment{}))
	assert.Equal(t, res.ResourceID, f.orderByRef(t, "pi_1").OrderID)
	assert.Equal(t, []notify.Kind{notify.OrderConfirmed}, f.notifier.kinds())
}

func TestPaymentFailed_DoesNotDowngradeSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rec.PaymentSucceeded(ctx, guestCheckout("pi_1"))
	require.NoError(t, err)

	failure := guestCheckout("pi_1")
	failure.FailureReason = "card_declined"
	_, err = f.rec.PaymentFailed(ctx, failure)
	require.NoError(t, err)

	payment := f.paymentByRef(t, "pi_1")
	assert.Equal(t, types.PaymentSucceeded, payment.Status)
	assert.Nil(t, payment.FailedAt)

	order := f.orderByRef(t, "pi_1")
	assert.Equal(t, orders.StatusProcessing, order.Status)
	assert.Equal(t, types.PaymentSucceeded, order.PaymentStatus)
}

func TestPaymentSucceeded_UpgradesEarlierFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	failure := guestCheckout("pi_1")
	failure.FailureReason = "card_declined"
	_, err := f.rec.PaymentFailed(ctx, failure)
	require.NoError(t, err)
	assert.Equal(t, types.PaymentFailed, f.paymentByRef(t, "pi_1").Status)

	_, err = f.rec.PaymentSucceeded(ctx, guestCheckout("pi_1"))
	require.NoError(t, err)

	payment := f.paymentByRef(t, "pi_1")
	assert.Equal(t, types.PaymentSucceeded, payment.Status)
	assert.Empty(t, payment.FailureReason)
	assert.Equal(t, int64(1), f.count(t, &payments.Payment{}))
	assert.Equal(t, orders.StatusProcessing, f.orderByRef(t, "pi_1").Status)
}

func TestPaymentFailed_MovesAwaitingOrderToFailedPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ref := "pi_await"
	order := &orders.Order{OrderID: "ORD_await", OrderNumber: "240101-BBBBBB", PaymentIntentID: &ref, Amount: 900, Currency: "usd"}
	require.NoError(t, f.machine.Create(ctx, txscope.None(), order, types.SystemActor))
	_, err := f.machine.Transition(ctx, txscope.None(), order.OrderID, orders.StatusAwaitingPayment, "", types.SystemActor)
	require.NoError(t, err)

	_, err = f.rec.PaymentFailed(ctx, reconcile.PaymentResult{ProviderRef: ref, Amount: 900, Currency: "usd", FailureReason: "expired_card"})
	require.NoError(t, err)

	got := f.orderByRef(t, ref)
	assert.Equal(t, orders.StatusFailedPayment, got.Status)
	assert.Equal(t, types.PaymentFailed, got.PaymentStatus)

	// a later success walks the order back through awaiting_payment and paid
	_, err = f.rec.PaymentSucceeded(ctx, reconcile.PaymentResult{ProviderRef: ref, Amount: 900, Currency: "usd"})
	require.NoError(t, err)
	got = f.orderByRef(t, ref)
	assert.Equal(t, orders.StatusProcessing, got.Status)
	assert.Equal(t, types.PaymentSucceeded, got.PaymentStatus)
}

func TestCheckoutCompleted_AfterIntentUpdatesSameOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rec.PaymentSucceeded(ctx, guestCheckout("pi_1"))
	require.NoError(t, err)

	applied, err := f.rec.CheckoutApplied(ctx, "cs_1", "pi_1")
	require.NoError(t, err)
	assert.False(t, applied)

	checkout := guestCheckout("pi_1")
	checkout.SessionID = "cs_1"
	_, err = f.rec.CheckoutCompleted(ctx, checkout, true)
	require.NoError(t, err)

	assert.Equal(t, int64(1), f.count(t, &orders.Order{}))
	assert.Equal(t, int64(1), f.count(t, &payments.Payment{}))
	order := f.orderByRef(t, "pi_1")
	require.NotNil(t, order.CheckoutSessionID)
	assert.Equal(t, "cs_1", *order.CheckoutSessionID)
	assert.Equal(t, orders.StatusProcessing, order.Status)

	applied, err = f.rec.CheckoutApplied(ctx, "cs_1", "pi_1")
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestCheckoutCompleted_BeforeIntentCreatesOrderOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	checkout := guestCheckout("pi_1")
	checkout.SessionID = "cs_1"
	_, err := f.rec.CheckoutCompleted(ctx, checkout, true)
	require.NoError(t, err)

	applied, err := f.rec.SucceededApplied(ctx, "pi_1")
	require.NoError(t, err)
	assert.True(t, applied)

	_, err = f.rec.PaymentSucceeded(ctx, guestCheckout("pi_1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.count(t, &orders.Order{}))
}

func TestCheckoutCompleted_UnpaidIsNoop(t *testing.T) {
	f := newFixture(t)

	checkout := guestCheckout("pi_1")
	checkout.SessionID = "cs_1"
	_, err := f.rec.CheckoutCompleted(context.Background(), checkout, false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.count(t, &orders.Order{}))
}

func TestChargeRefunded(t *testing.T) {
	tests := []struct {
		name          string
		refunded      int64
		wantPayment   types.PaymentStatus
		wantOrder     orders.Status
		wantOrderPaid types.PaymentStatus
	}{
		{name: "full_refund_cancels", refunded: 5000, wantPayment: types.PaymentRefunded, wantOrder: orders.StatusCancelled, wantOrderPaid: types.PaymentRefunded},
		{name: "partial_refund_keeps_status", refunded: 1500, wantPayment: types.PaymentPartiallyRefunded, wantOrder: orders.StatusProcessing, wantOrderPaid: types.PaymentPartiallyRefunded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			_, err := f.rec.PaymentSucceeded(ctx, guestCheckout("pi_1"))
			require.NoError(t, err)

			refund := reconcile.ChargeRefund{
				ChargeID:       "ch_pi_1",
				ProviderRef:    "pi_1",
				Amount:         5000,
				AmountRefunded: tt.refunded,
				Refunds:        []reconcile.RefundLine{{ID: "re_1", Amount: tt.refunded, Status: "succeeded"}},
			}
			_, err = f.rec.ChargeRefunded(ctx, refund)
			require.NoError(t, err)
			// replays upsert the refund line
			_, err = f.rec.ChargeRefunded(ctx, refund)
			require.NoError(t, err)

			payment := f.paymentByRef(t, "pi_1")
			assert.Equal(t, tt.wantPayment, payment.Status)
			assert.Equal(t, tt.refunded, payment.AmountRefunded)
			assert.Equal(t, int64(1), f.count(t, &payments.Refund{}))

			order := f.orderByRef(t, "pi_1")
			assert.Equal(t, tt.wantOrder, order.Status)
			assert.Equal(t, tt.wantOrderPaid, order.PaymentStatus)
		})
	}
}

func TestChargeRefunded_UnknownChargeAcknowledged(t *testing.T) {
	f := newFixture(t)

	res, err := f.rec.ChargeRefunded(context.Background(), reconcile.ChargeRefund{ChargeID: "ch_unknown", AmountRefunded: 100})
	require.NoError(t, err)
	assert.Empty(t, res.ResourceID)
	assert.Equal(t, int64(0), f.count(t, &payments.Refund{}))
}

func TestChargeRefunded_FallsBackToOrderByCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	charge := "ch_9"
	order := &orders.Order{
		OrderID:          "ORD_charge",
		OrderNumber:      "240101-BBBBBB",
		ProviderChargeID: &charge,
		Amount:           5000,
		Currency:         "usd",
		Quantity:         1,
	}
	require.NoError(t, f.machine.Create(ctx, txscope.None(), order, types.SystemActor))
	require.NoError(t, f.db.Create(&payments.Payment{
		PaymentID:        "PAY_9",
		ProviderChargeID: &charge,
		Amount:           5000,
		Currency:         "usd",
		Status:           types.PaymentSucceeded,
	}).Error)

	res, err := f.rec.ChargeRefunded(ctx, reconcile.ChargeRefund{ChargeID: charge, Amount: 5000, AmountRefunded: 5000})
	require.NoError(t, err)
	assert.Equal(t, reconcile.ResourceOrder, res.ResourceType)
	assert.Equal(t, order.OrderID, res.ResourceID)

	var refunded orders.Order
	require.NoError(t, f.db.Where("order_id = ?", order.OrderID).First(&refunded).Error)
	assert.Equal(t, orders.StatusCancelled, refunded.Status)
	assert.Equal(t, types.PaymentRefunded, refunded.PaymentStatus)

	_, err = f.rec.DisputeCreated(ctx, reconcile.DisputeOpened{DisputeID: "dp_9", ChargeID: charge, Amount: 5000, Currency: "usd"})
	require.NoError(t, err)
	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	var disputed []string
	for _, m := range f.notifier.sent {
		if m.Kind == notify.DisputeOpened {
			disputed = append(disputed, m.OrderID)
		}
	}
	assert.Equal(t, []string{order.OrderID}, disputed)
}

func TestDisputeCreated_RecordsOnceNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rec.PaymentSucceeded(ctx, guestCheckout("pi_1"))
	require.NoError(t, err)

	dispute := reconcile.DisputeOpened{DisputeID: "dp_1", ChargeID: "ch_pi_1", Amount: 5000, Currency: "USD", Reason: "fraudulent", Status: "needs_response"}
	for i := 0; i < 2; i++ {
		_, err = f.rec.DisputeCreated(ctx, dispute)
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), f.count(t, &payments.Dispute{}))
	recorded, err := f.rec.DisputeRecorded(ctx, "dp_1")
	require.NoError(t, err)
	assert.True(t, recorded)

	disputes := 0
	for _, k := range f.notifier.kinds() {
		if k == notify.DisputeOpened {
			disputes++
		}
	}
	assert.Equal(t, 1, disputes)
}

func TestSubscriptionChanged_SkipsStaleEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := time.Now().Add(-time.Hour).UTC()

	_, err := f.rec.SubscriptionChanged(ctx, reconcile.SubscriptionUpdate{SubscriptionID: "sub_1", CustomerID: "cus_1", Status: "active", EventCreated: t0})
	require.NoError(t, err)
	_, err = f.rec.SubscriptionChanged(ctx, reconcile.SubscriptionUpdate{SubscriptionID: "sub_1", CustomerID: "cus_1", Status: "past_due", EventCreated: t0.Add(10 * time.Minute)})
	require.NoError(t, err)
	_, err = f.rec.SubscriptionChanged(ctx, reconcile.SubscriptionUpdate{SubscriptionID: "sub_1", CustomerID: "cus_1", Status: "active", EventCreated: t0.Add(5 * time.Minute)})
	require.NoError(t, err)

	var sub billing.Subscription
	require.NoError(t, f.db.Where("provider_subscription_id = ?", "sub_1").First(&sub).Error)
	assert.Equal(t, "past_due", sub.Status)
	assert.Equal(t, int64(1), f.count(t, &billing.Subscription{}))

	_, err = f.rec.SubscriptionChanged(ctx, reconcile.SubscriptionUpdate{SubscriptionID: "sub_1", CustomerID: "cus_1", Status: "active", Deleted: true, EventCreated: t0.Add(20 * time.Minute)})
	require.NoError(t, err)
	require.NoError(t, f.db.Where("provider_subscription_id = ?", "sub_1").First(&sub).Error)
	assert.Equal(t, "canceled", sub.Status)
	assert.NotNil(t, sub.CanceledAt)
	assert.Contains(t, f.notifier.kinds(), notify.SubscriptionEnds)
}

func TestInvoice_FailureNeverReopensPaidInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	update := reconcile.InvoiceUpdate{
		ProviderInvoiceID: "in_1",
		SubscriptionID:    "sub_1",
		CustomerID:        "cus_1",
		Amount:            2000,
		Currency:          "usd",
		ProviderRef:       "pi_inv",
	}
	_, err := f.rec.InvoicePaid(ctx, update)
	require.NoError(t, err)

	paid, err := f.rec.InvoicePaidApplied(ctx, "in_1")
	require.NoError(t, err)
	assert.True(t, paid)

	update.FailureReason = "insufficient_funds"
	_, err = f.rec.InvoicePaymentFailed(ctx, update)
	require.NoError(t, err)

	var invoice billing.Invoice
	require.NoError(t, f.db.Where("provider_invoice_id = ?", "in_1").First(&invoice).Error)
	assert.Equal(t, billing.InvoicePaid, invoice.Status)
	assert.NotNil(t, invoice.PaidAt)

	payment := f.paymentByRef(t, "pi_inv")
	assert.Equal(t, types.PaymentSucceeded, payment.Status)
	assert.Equal(t, invoice.InvoiceID, *payment.InvoiceID)
	assert.Equal(t, int64(1), f.count(t, &billing.Invoice{}))
}

func TestCreditPurchase_GrantAndFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"CP_ok", "CP_bad"} {
		require.NoError(t, billing.NewDatabase(f.db).CreateCreditPurchase(ctx, txscope.None(), &billing.CreditPurchase{
			PurchaseID: id, UserID: "u1", Credits: 100, Amount: 1000, Currency: "usd", Status: billing.CreditPending,
		}))
	}

	res, err := f.rec.PaymentSucceeded(ctx, reconcile.PaymentResult{
		ProviderRef: "pi_ok", Amount: 1000, Currency: "usd",
		Metadata: reconcile.NormalizeMetadata(map[string]string{"creditPurchaseId": "CP_ok", "userId": "u1"}),
	})
	require.NoError(t, err)
	assert.Equal(t, reconcile.ResourceCreditPurchase, res.ResourceType)

	_, err = f.rec.PaymentFailed(ctx, reconcile.PaymentResult{
		ProviderRef: "pi_bad", Amount: 1000, Currency: "usd", FailureReason: "card_declined",
		Metadata: reconcile.NormalizeMetadata(map[string]string{"credit_purchase_id": "CP_bad"}),
	})
	require.NoError(t, err)

	var ok, bad billing.CreditPurchase
	require.NoError(t, f.db.Where("purchase_id = ?", "CP_ok").First(&ok).Error)
	require.NoError(t, f.db.Where("purchase_id = ?", "CP_bad").First(&bad).Error)
	assert.Equal(t, billing.CreditSucceeded, ok.Status)
	assert.NotNil(t, ok.GrantedAt)
	assert.Equal(t, billing.CreditFailed, bad.Status)
	assert.NotNil(t, bad.FailedAt)
	assert.Equal(t, int64(0), f.count(t, &orders.Order{}))
}

func TestPaymentSucceeded_ScheduledPaymentCompletesPaidOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := &orders.Order{OrderID: "ORD_sched", OrderNumber: "240101-CCCCCC", Amount: 700, Currency: "usd"}
	require.NoError(t, f.machine.Create(ctx, txscope.None(), order, types.SystemActor))
	for _, s := range []orders.Status{orders.StatusAwaitingPayment, orders.StatusPaid} {
		_, err := f.machine.Transition(ctx, txscope.None(), order.OrderID, s, "", types.SystemActor)
		require.NoError(t, err)
	}

	_, err := f.rec.PaymentSucceeded(ctx, reconcile.PaymentResult{
		ProviderRef: "pi_sched", Amount: 700, Currency: "usd",
		Metadata: reconcile.Metadata{OrderID: order.OrderID, Quantity: 1},
		Source:   reconcile.SourceScheduler,
	})
	require.NoError(t, err)

	got := f.orderByRef(t, "pi_sched")
	assert.Equal(t, orders.StatusCompleted, got.Status)
}

func TestPaymentSucceeded_NotificationFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("smtp down")

	_, err := f.rec.PaymentSucceeded(context.Background(), guestCheckout("pi_1"))
	require.NoError(t, err)
	assert.Equal(t, types.PaymentSucceeded, f.paymentByRef(t, "pi_1").Status)
}

func TestPaymentSucceeded_UnknownTargetStillRecordsPayment(t *testing.T) {
	f := newFixture(t)

	res, err := f.rec.PaymentSucceeded(context.Background(), reconcile.PaymentResult{ProviderRef: "pi_orphan", Amount: 100, Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, reconcile.ResourcePayment, res.ResourceType)
	assert.Equal(t, int64(0), f.count(t, &orders.Order{}))
	assert.Equal(t, types.PaymentSucceeded, f.paymentByRef(t, "pi_orphan").Status)
}
