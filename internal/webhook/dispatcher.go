package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/paysync-api/internal/idempotency"
)

// Handler performs the domain work for one event type.
type Handler interface {
	Handle(ctx context.Context, object json.RawMessage, evt *Event) (idempotency.Resource, error)
}

type HandlerFunc func(ctx context.Context, object json.RawMessage, evt *Event) (idempotency.Resource, error)

func (f HandlerFunc) Handle(ctx context.Context, object json.RawMessage, evt *Event) (idempotency.Resource, error) {
	return f(ctx, object, evt)
}

// DuplicateFunc is the durable, per-type check for an already applied effect.
type DuplicateFunc func(ctx context.Context, object json.RawMessage) (bool, error)

type Route struct {
	Handler   Handler
	Duplicate DuplicateFunc
}

// Registry maps each supported event type to its route.
type Registry map[EventType]Route

type Outcome string

const (
	Handled   Outcome = "handled"
	Duplicate Outcome = "duplicate"
	Ignored   Outcome = "ignored"
)

type Dispatcher struct {
	registry Registry
	guard    *idempotency.Guard
	logger   zerolog.Logger
}

func NewDispatcher(registry Registry, guard *idempotency.Guard) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		guard:    guard,
		logger:   log.With().Str("component", "webhook_dispatcher").Logger(),
	}
}

// Dispatch routes evt to its handler at most once per logically new event.
// Unknown types are ignored. Handler errors are returned to the caller, which
// must leave the delivery unacknowledged.
func (d *Dispatcher) Dispatch(ctx context.Context, evt *Event) (Outcome, error) {
	if evt == nil || evt.ID == "" || evt.Type == "" {
		d.logger.Warn().Msg("Rejecting webhook event without id or type")
		return "", fmt.Errorf("%w: missing id or type", ErrInvalidEvent)
	}
	logger := d.logger.With().Str("event_id", evt.ID).Str("event_type", string(evt.Type)).Logger()

	route, ok := d.registry[evt.Type]
	if !ok {
		logger.Info().Msg("Ignoring unhandled webhook event type")
		return Ignored, nil
	}

	var durable idempotency.Predicate
	if route.Duplicate != nil {
		durable = func(ctx context.Context) (bool, error) {
			return route.Duplicate(ctx, evt.Data.Object)
		}
	}
	verdict, err := d.guard.Check(ctx, evt.ID, durable)
	if err != nil {
		logger.Error().Err(err).Msg("Idempotency check failed")
		return "", err
	}
	if verdict.Duplicate() {
		logger.Info().Err(verdict.Err()).Str("verdict", verdict.String()).Msg("Duplicate webhook event")
		return Duplicate, nil
	}

	res, err := route.Handler.Handle(ctx, evt.Data.Object, evt)
	if err != nil {
		logger.Error().Err(err).Msg("Webhook handler failed")
		return "", err
	}

	if err := d.guard.Complete(ctx, evt.ID, string(evt.Type), res); err != nil {
		logger.Error().Err(err).Msg("Failed to record handled event")
		return "", err
	}

	logger.Info().
		Str("resource_type", res.Type).
		Str("resource_id", res.ID).
		Msg("Webhook event handled")
	return Handled, nil
}
