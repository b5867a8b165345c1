package orders_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/paysync-api/internal/orders"
	"github.com/ksred/paysync-api/internal/testutil"
	"github.com/ksred/paysync-api/internal/txscope"
	"github.com/ksred/paysync-api/internal/types"
)

var allStatuses = []orders.Status{
	orders.StatusPending,
	orders.StatusAwaitingPayment,
	orders.StatusPaid,
	orders.StatusProcessing,
	orders.StatusShipped,
	orders.StatusDelivered,
	orders.StatusCompleted,
	orders.StatusFailedPayment,
	orders.StatusCancelled,
}

var legal = map[orders.Status][]orders.Status{
	orders.StatusPending:         {orders.StatusAwaitingPayment, orders.StatusProcessing, orders.StatusCancelled},
	orders.StatusAwaitingPayment: {orders.StatusPaid, orders.StatusFailedPayment, orders.StatusCancelled},
	orders.StatusPaid:            {orders.StatusProcessing, orders.StatusShipped, orders.StatusCancelled},
	orders.StatusProcessing:      {orders.StatusShipped, orders.StatusDelivered, orders.StatusCompleted, orders.StatusCancelled},
	orders.StatusShipped:         {orders.StatusDelivered, orders.StatusCompleted},
	orders.StatusFailedPayment:   {orders.StatusAwaitingPayment, orders.StatusCancelled},
}

func isLegal(from, to orders.Status) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// seedOrder creates an order and forces it into status without an audit event.
func seedOrder(t *testing.T, db *gorm.DB, sm *orders.StateMachine, status orders.Status) *orders.Order {
	t.Helper()
	order := &orders.Order{
		OrderID:     "ORD_" + uuid.NewString(),
		OrderNumber: uuid.NewString()[:13],
		Amount:      5000,
		Currency:    "usd",
		Quantity:    1,
	}
	require.NoError(t, sm.Create(context.Background(), txscope.None(), order, types.SystemActor))
	require.NoError(t, db.Model(&orders.Order{}).Where("order_id = ?", order.OrderID).Update("status", status).Error)
	order.Status = status
	return order
}

func countEvents(t *testing.T, db *gorm.DB, orderID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&orders.StatusEvent{}).Where("order_id = ?", orderID).Count(&n).Error)
	return n
}

func reload(t *testing.T, db *gorm.DB, orderID string) *orders.Order {
	t.Helper()
	var order orders.Order
	require.NoError(t, db.Where("order_id = ?", orderID).First(&order).Error)
	return &order
}

func TestCanTransition_AllPairs(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := from == to || isLegal(from, to)
			assert.Equal(t, want, orders.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, orders.CanTransition("refunded", orders.StatusPending))
}

func TestTransition_LegalPairsAppendOneEvent(t *testing.T) {
	db := testutil.NewTestDB(t)
	sm := orders.NewStateMachine(db, false)
	ctx := context.Background()

	for from, targets := range legal {
		for _, to := range targets {
			t.Run(fmt.Sprintf("%s_to_%s", from, to), func(t *testing.T) {
				order := seedOrder(t, db, sm, from)
				before := countEvents(t, db, order.OrderID)

				got, err := sm.Transition(ctx, txscope.None(), order.OrderID, to, orders.ReasonAdminUpdate, types.SystemActor)
				require.NoError(t, err)
				assert.Equal(t, to, got.Status)
				assert.Equal(t, to, reload(t, db, order.OrderID).Status)
				assert.Equal(t, before+1, countEvents(t, db, order.OrderID))
			})
		}
	}
}

func TestTransition_IllegalPairsChangeNothing(t *testing.T) {
	db := testutil.NewTestDB(t)
	sm := orders.NewStateMachine(db, false)
	ctx := context.Background()

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if from == to || isLegal(from, to) {
				continue
			}
			t.Run(fmt.Sprintf("%s_to_%s", from, to), func(t *testing.T) {
				order := seedOrder(t, db, sm, from)
				before := countEvents(t, db, order.OrderID)

				_, err := sm.Transition(ctx, txscope.None(), order.OrderID, to, orders.ReasonAdminUpdate, types.SystemActor)
				require.Error(t, err)
				assert.True(t, errors.Is(err, types.ErrInvalidTransition))

				var invalid *orders.InvalidTransitionError
				require.ErrorAs(t, err, &invalid)
				assert.Equal(t, from, invalid.From)
				assert.Equal(t, to, invalid.To)

				assert.Equal(t, from, reload(t, db, order.OrderID).Status)
				assert.Equal(t, before, countEvents(t, db, order.OrderID))
			})
		}
	}
}

func TestTransition_SelfTransitionAlwaysAudited(t *testing.T) {
	db := testutil.NewTestDB(t)
	sm := orders.NewStateMachine(db, false)
	ctx := context.Background()

	for _, status := range allStatuses {
		t.Run(string(status), func(t *testing.T) {
			order := seedOrder(t, db, sm, status)
			before := countEvents(t, db, order.OrderID)

			got, err := sm.Transition(ctx, txscope.None(), order.OrderID, status, orders.ReasonPaymentSucceeded, types.SystemActor)
			require.NoError(t, err)
			assert.Equal(t, status, got.Status)
			assert.Equal(t, before+1, countEvents(t, db, order.OrderID))

			var last orders.StatusEvent
			require.NoError(t, db.Where("order_id = ?", order.OrderID).Order("id DESC").First(&last).Error)
			assert.Equal(t, orders.ReasonStatusUnchanged, last.Reason)
			assert.Equal(t, status, last.FromStatus)
			assert.Equal(t, status, last.ToStatus)
		})
	}
}

func TestTransition_DeliveredToProcessingRejected(t *testing.T) {
	db := testutil.NewTestDB(t)
	sm := orders.NewStateMachine(db, false)
	order := seedOrder(t, db, sm, orders.StatusDelivered)

	_, err := sm.Transition(context.Background(), txscope.None(), order.OrderID, orders.StatusProcessing, "", types.SystemActor)
	require.ErrorIs(t, err, types.ErrInvalidTransition)
	assert.Equal(t, "invalid status transition from delivered to processing", err.Error())
	assert.Equal(t, orders.StatusDelivered, reload(t, db, order.OrderID).Status)
}

func TestTransition_AuditFailureRollsBackStatus(t *testing.T) {
	db := testutil.NewTestDB(t)
	sm := orders.NewStateMachine(db, false)
	order := seedOrder(t, db, sm, orders.StatusPending)

	require.NoError(t, db.Migrator().DropTable(&orders.StatusEvent{}))

	_, err := sm.Transition(context.Background(), txscope.None(), order.OrderID, orders.StatusProcessing, "", types.SystemActor)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPersistence)
	assert.Equal(t, orders.StatusPending, reload(t, db, order.OrderID).Status)
}

// refuseFirstTransaction makes the next order update fail the way a driver
// does when asked to nest transactions.
func refuseFirstTransaction(t *testing.T, db *gorm.DB) {
	t.Helper()
	var fired atomic.Bool
	require.NoError(t, db.Callback().Update().Before("gorm:update").Register("test:refuse_nested", func(tx *gorm.DB) {
		if fired.CompareAndSwap(false, true) {
			_ = tx.AddError(errors.New("cannot start a transaction within a transaction"))
		}
	}))
}

func TestTransition_NestedTransactionFallback(t *testing.T) {
	tests := []struct {
		name       string
		fallback   bool
		wantErr    bool
		wantStatus orders.Status
		wantEvents int64
	}{
		{name: "fallback_enabled_applies_without_transaction", fallback: true, wantStatus: orders.StatusProcessing, wantEvents: 2},
		{name: "fallback_disabled_returns_error", fallback: false, wantErr: true, wantStatus: orders.StatusPending, wantEvents: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testutil.NewTestDB(t)
			sm := orders.NewStateMachine(db, tt.fallback)
			order := seedOrder(t, db, sm, orders.StatusPending)
			refuseFirstTransaction(t, db)

			got, err := sm.Transition(context.Background(), txscope.None(), order.OrderID, orders.StatusProcessing, "", types.SystemActor)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, txscope.IsNested(err))
			} else {
				require.NoError(t, err)
				assert.Equal(t, orders.StatusProcessing, got.Status)
			}
			assert.Equal(t, tt.wantStatus, reload(t, db, order.OrderID).Status)
			assert.Equal(t, tt.wantEvents, countEvents(t, db, order.OrderID))
		})
	}
}

func TestTransition_JoinsCallerTransaction(t *testing.T) {
	db := testutil.NewTestDB(t)
	sm := orders.NewStateMachine(db, false)
	order := seedOrder(t, db, sm, orders.StatusPending)
	ctx := context.Background()
	boom := errors.New("later step failed")

	err := txscope.Run(ctx, db, txscope.None(), func(s txscope.Scope) error {
		if _, err := sm.Transition(ctx, s, order.OrderID, orders.StatusProcessing, "", types.SystemActor); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, orders.StatusPending, reload(t, db, order.OrderID).Status)
	assert.Equal(t, int64(1), countEvents(t, db, order.OrderID))
}

func TestTransition_StampsShippingTimestamps(t *testing.T) {
	db := testutil.NewTestDB(t)
	sm := orders.NewStateMachine(db, false)
	order := seedOrder(t, db, sm, orders.StatusProcessing)
	ctx := context.Background()

	_, err := sm.Transition(ctx, txscope.None(), order.OrderID, orders.StatusShipped, "", types.SystemActor)
	require.NoError(t, err)
	_, err = sm.Transition(ctx, txscope.None(), order.OrderID, orders.StatusDelivered, "", types.SystemActor)
	require.NoError(t, err)

	got := reload(t, db, order.OrderID)
	assert.NotNil(t, got.ShippedAt)
	assert.NotNil(t, got.DeliveredAt)
}

func TestTransition_InputErrors(t *testing.T) {
	db := testutil.NewTestDB(t)
	sm := orders.NewStateMachine(db, false)
	order := seedOrder(t, db, sm, orders.StatusPending)
	ctx := context.Background()

	_, err := sm.Transition(ctx, txscope.None(), "ORD_missing", orders.StatusProcessing, "", types.SystemActor)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = sm.Transition(ctx, txscope.None(), order.OrderID, "refunded", "", types.SystemActor)
	assert.ErrorIs(t, err, orders.ErrUnknownStatus)
	assert.Equal(t, int64(1), countEvents(t, db, order.OrderID))
}

func TestCreate_WritesInitialEvent(t *testing.T) {
	db := testutil.NewTestDB(t)
	sm := orders.NewStateMachine(db, false)
	order := seedOrder(t, db, sm, orders.StatusPending)

	var events []orders.StatusEvent
	require.NoError(t, db.Where("order_id = ?", order.OrderID).Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, orders.Status(""), events[0].FromStatus)
	assert.Equal(t, orders.StatusPending, events[0].ToStatus)
	assert.Equal(t, orders.ReasonOrderCreated, events[0].Reason)
	assert.Equal(t, types.ActorSystem, events[0].Actor)
}

func TestPathTo(t *testing.T) {
	tests := []struct {
		name string
		from orders.Status
		to   orders.Status
		want []orders.Status
	}{
		{name: "same_status", from: orders.StatusProcessing, to: orders.StatusProcessing, want: []orders.Status{}},
		{name: "direct_edge", from: orders.StatusPending, to: orders.StatusProcessing, want: []orders.Status{orders.StatusProcessing}},
		{name: "via_paid", from: orders.StatusAwaitingPayment, to: orders.StatusProcessing, want: []orders.Status{orders.StatusPaid, orders.StatusProcessing}},
		{name: "recover_failed_payment", from: orders.StatusFailedPayment, to: orders.StatusProcessing, want: []orders.Status{orders.StatusAwaitingPayment, orders.StatusPaid, orders.StatusProcessing}},
		{name: "from_terminal", from: orders.StatusDelivered, to: orders.StatusProcessing, want: nil},
		{name: "backwards", from: orders.StatusShipped, to: orders.StatusProcessing, want: nil},
		{name: "unknown", from: "bogus", to: orders.StatusProcessing, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, orders.PathTo(tt.from, tt.to))
		})
	}
}

func TestBuyer_Matches(t *testing.T) {
	tests := []struct {
		name string
		a    orders.Buyer
		b    orders.Buyer
		want bool
	}{
		{name: "same_user", a: orders.Buyer{UserID: "u1"}, b: orders.Buyer{UserID: "u1"}, want: true},
		{name: "different_user", a: orders.Buyer{UserID: "u1"}, b: orders.Buyer{UserID: "u2"}, want: false},
		{name: "email_case_and_space", a: orders.Buyer{GuestEmail: "a@example.com"}, b: orders.Buyer{GuestEmail: " A@Example.com "}, want: true},
		{name: "different_email", a: orders.Buyer{GuestEmail: "a@example.com"}, b: orders.Buyer{GuestEmail: "b@example.com"}, want: false},
		{name: "user_vs_guest", a: orders.Buyer{UserID: "u1"}, b: orders.Buyer{GuestEmail: "a@example.com"}, want: false},
		{name: "unresolved_incoming", a: orders.Buyer{UserID: "u1"}, b: orders.Buyer{}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Matches(tt.b))
		})
	}
}
