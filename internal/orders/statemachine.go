package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/paysync-api/internal/txscope"
	"github.com/ksred/paysync-api/internal/types"
)

var (
	ErrOrderNotFound = fmt.Errorf("order %w", types.ErrNotFound)
	ErrUnknownStatus = errors.New("unknown order status")
)

var allowedTransitions = map[Status][]Status{
	StatusPending:         {StatusAwaitingPayment, StatusProcessing, StatusCancelled},
	StatusAwaitingPayment: {StatusPaid, StatusFailedPayment, StatusCancelled},
	StatusPaid:            {StatusProcessing, StatusShipped, StatusCancelled},
	StatusProcessing:      {StatusShipped, StatusDelivered, StatusCompleted, StatusCancelled},
	StatusShipped:         {StatusDelivered, StatusCompleted},
	StatusFailedPayment:   {StatusAwaitingPayment, StatusCancelled},
	StatusDelivered:       {},
	StatusCompleted:       {},
	StatusCancelled:       {},
}

// IsKnown reports whether s is one of the order statuses.
func IsKnown(s Status) bool {
	_, ok := allowedTransitions[s]
	return ok
}

// IsTerminal reports whether s has no outbound transitions.
func IsTerminal(s Status) bool {
	next, ok := allowedTransitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether from -> to is legal. Self-transitions are
// always legal for known statuses.
func CanTransition(from, to Status) bool {
	if !IsKnown(from) || !IsKnown(to) {
		return false
	}
	if from == to {
		return true
	}
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PathTo returns the shortest chain of statuses leading from `from` to `to`,
// excluding `from`. It returns an empty slice when from == to and nil when
// `to` cannot be reached.
func PathTo(from, to Status) []Status {
	if !IsKnown(from) || !IsKnown(to) {
		return nil
	}
	if from == to {
		return []Status{}
	}

	prev := map[Status]Status{from: from}
	queue := []Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range allowedTransitions[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				var path []Status
				for s := to; s != from; s = prev[s] {
					path = append([]Status{s}, path...)
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// InvalidTransitionError identifies both sides of a rejected transition.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == types.ErrInvalidTransition
}

// StateMachine is the only code path that changes an order's status. Every
// change is written together with its StatusEvent.
type StateMachine struct {
	db                *gorm.DB
	store             *Database
	nonAtomicFallback bool
}

func NewStateMachine(db *gorm.DB, nonAtomicFallback bool) *StateMachine {
	return &StateMachine{
		db:                db,
		store:             NewDatabase(db),
		nonAtomicFallback: nonAtomicFallback,
	}
}

// Transition moves the order to target and appends an audit event in the same
// atomic unit. Inside an existing transaction it joins it; standalone it opens
// its own.
func (m *StateMachine) Transition(ctx context.Context, s txscope.Scope, orderID string, target Status, reason string, actor types.Actor) (*Order, error) {
	if !IsKnown(target) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, target)
	}

	var order *Order
	err := txscope.Run(ctx, m.db, s, func(s txscope.Scope) error {
		var err error
		order, err = m.apply(ctx, s, orderID, target, reason, actor)
		return err
	})
	if err == nil {
		return order, nil
	}
	if !txscope.IsNested(err) || !m.nonAtomicFallback {
		return nil, err
	}

	log.Error().
		Err(err).
		Str("anomaly", "non_atomic_fallback").
		Str("order_id", orderID).
		Str("target_status", target.String()).
		Msg("Nested transaction refused, applying transition without a transaction")

	return m.apply(ctx, txscope.None(), orderID, target, reason, actor)
}

func (m *StateMachine) apply(ctx context.Context, s txscope.Scope, orderID string, target Status, reason string, actor types.Actor) (*Order, error) {
	order, err := m.store.LockOrder(ctx, s, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	from := order.Status
	if from == target {
		reason = ReasonStatusUnchanged
	} else {
		if !CanTransition(from, target) {
			return nil, &InvalidTransitionError{From: from, To: target}
		}

		now := time.Now()
		updates := map[string]interface{}{
			"status":     target,
			"updated_at": now,
		}
		switch target {
		case StatusShipped:
			updates["shipped_at"] = now
			order.ShippedAt = &now
		case StatusDelivered:
			updates["delivered_at"] = now
			order.DeliveredAt = &now
		}
		if err := m.store.UpdateFields(ctx, s, order, updates); err != nil {
			return nil, err
		}
		order.Status = target
		order.UpdatedAt = now
	}

	event := &StatusEvent{
		EventID:    uuid.New().String(),
		OrderID:    order.OrderID,
		FromStatus: from,
		ToStatus:   target,
		Reason:     reason,
		Actor:      actor.Type,
		ActorID:    actor.ID,
	}
	if err := m.store.CreateStatusEvent(ctx, s, event); err != nil {
		return nil, err
	}

	log.Debug().
		Str("order_id", order.OrderID).
		Str("from", from.String()).
		Str("to", target.String()).
		Str("reason", reason).
		Msg("Order status transition")

	return order, nil
}

// Create inserts a new order in pending together with its first audit event.
func (m *StateMachine) Create(ctx context.Context, s txscope.Scope, order *Order, actor types.Actor) error {
	return txscope.Run(ctx, m.db, s, func(s txscope.Scope) error {
		order.Status = StatusPending
		if err := m.store.CreateOrder(ctx, s, order); err != nil {
			return err
		}
		return m.store.CreateStatusEvent(ctx, s, &StatusEvent{
			EventID:  uuid.New().String(),
			OrderID:  order.OrderID,
			ToStatus: StatusPending,
			Reason:   ReasonOrderCreated,
			Actor:    actor.Type,
			ActorID:  actor.ID,
		})
	})
}
