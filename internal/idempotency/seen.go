package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// SeenSet is the transient layer: event ids handled recently. It is an
// optimization only and may forget ids at any time.
type SeenSet interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

// Sweeper is a SeenSet that must be told to drop expired ids.
type Sweeper interface {
	Sweep() int
}

// MemorySet is a process-local SeenSet. It is created once at startup and
// starts empty after every restart.
type MemorySet struct {
	mu  sync.RWMutex
	ids map[string]time.Time
	ttl time.Duration
	now func() time.Time
}

func NewMemorySet(ttl time.Duration) *MemorySet {
	return &MemorySet{
		ids: make(map[string]time.Time),
		ttl: ttl,
		now: time.Now,
	}
}

func (m *MemorySet) Seen(_ context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	expires, ok := m.ids[eventID]
	if !ok {
		return false, nil
	}
	return m.ttl <= 0 || m.now().Before(expires), nil
}

func (m *MemorySet) Mark(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ids[eventID] = m.now().Add(m.ttl)
	return nil
}

// Sweep drops expired ids and returns how many remain.
func (m *MemorySet) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ttl > 0 {
		now := m.now()
		for id, expires := range m.ids {
			if !now.Before(expires) {
				delete(m.ids, id)
			}
		}
	}
	return len(m.ids)
}

func (m *MemorySet) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// RedisSet shares the seen ids between instances.
type RedisSet struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisSet(client *redis.Client, ttl time.Duration) *RedisSet {
	return &RedisSet{
		client: client,
		prefix: "paysync:webhook:seen:",
		ttl:    ttl,
	}
}

func (r *RedisSet) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisSet) Mark(ctx context.Context, eventID string) error {
	return r.client.Set(ctx, r.prefix+eventID, 1, r.ttl).Err()
}
