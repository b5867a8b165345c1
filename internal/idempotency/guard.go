// Package idempotency suppresses duplicate provider events in two layers: a
// transient set of recently handled event ids and a durable check against
// storage. Only the durable layer is authoritative.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/paysync-api/internal/types"
)

type Verdict int

const (
	New Verdict = iota
	DuplicateTransient
	DuplicateDurable
)

func (v Verdict) Duplicate() bool {
	return v != New
}

func (v Verdict) String() string {
	switch v {
	case DuplicateTransient:
		return "duplicate_transient"
	case DuplicateDurable:
		return "duplicate_durable"
	default:
		return "new"
	}
}

// Err is nil for a new event and wraps types.ErrDuplicateEvent otherwise.
func (v Verdict) Err() error {
	if !v.Duplicate() {
		return nil
	}
	return fmt.Errorf("%w (%s)", types.ErrDuplicateEvent, v)
}

// Predicate reports whether the domain effect of an event already exists.
type Predicate func(ctx context.Context) (bool, error)

// Resource names what an event produced, for the durable record.
type Resource struct {
	Type string
	ID   string
}

type Guard struct {
	seen      SeenSet
	store     *Database
	retention time.Duration
	now       func() time.Time
}

func NewGuard(seen SeenSet, store *Database, retention time.Duration) *Guard {
	return &Guard{
		seen:      seen,
		store:     store,
		retention: retention,
		now:       time.Now,
	}
}

// Check runs the transient layer, then the event record, then the per-type
// predicate. A durable hit is also marked in the transient layer.
func (g *Guard) Check(ctx context.Context, eventID string, durable Predicate) (Verdict, error) {
	seen, err := g.seen.Seen(ctx, eventID)
	if err != nil {
		log.Warn().Err(err).Str("event_id", eventID).Msg("Transient idempotency lookup failed")
	} else if seen {
		return DuplicateTransient, nil
	}

	exists, err := g.store.Exists(ctx, eventID, g.now())
	if err != nil {
		return New, err
	}
	if !exists && durable != nil {
		exists, err = durable(ctx)
		if err != nil {
			return New, err
		}
	}
	if !exists {
		return New, nil
	}

	g.mark(ctx, eventID)
	return DuplicateDurable, nil
}

// Complete records a handled event durably and transiently.
func (g *Guard) Complete(ctx context.Context, eventID, eventType string, res Resource) error {
	now := g.now()
	record := &Record{
		EventID:      eventID,
		EventType:    eventType,
		ResourceType: res.Type,
		ResourceID:   res.ID,
		ProcessedAt:  now,
		ExpiresAt:    now.Add(g.retention),
	}
	if err := g.store.Create(ctx, record); err != nil {
		return err
	}
	g.mark(ctx, eventID)
	return nil
}

// Purge removes expired durable records.
func (g *Guard) Purge(ctx context.Context) (int64, error) {
	return g.store.PurgeExpired(ctx, g.now())
}

// Sweep drops expired ids from the transient layer when it keeps them in
// process. ok is false for sets that expire ids on their own.
func (g *Guard) Sweep() (remaining int, ok bool) {
	sweeper, ok := g.seen.(Sweeper)
	if !ok {
		return 0, false
	}
	return sweeper.Sweep(), true
}

func (g *Guard) mark(ctx context.Context, eventID string) {
	if err := g.seen.Mark(ctx, eventID); err != nil {
		log.Warn().Err(err).Str("event_id", eventID).Msg("Transient idempotency mark failed")
	}
}
