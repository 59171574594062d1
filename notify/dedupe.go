package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SeenStore remembers processed dedup keys for a retention window.
type SeenStore interface {
	// MarkSeen records key and reports whether this was its first sighting.
	MarkSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Forget drops key so a later redelivery is handled again.
	Forget(ctx context.Context, key string) error
}

// Dedupe wraps h so an event redelivered within ttl is acknowledged without
// being handled again. When h fails the key is released, keeping delivery
// at-least-once.
func Dedupe(store SeenStore, ttl time.Duration, h Handler) Handler {
	return func(ctx context.Context, e Event) error {
		key := e.DedupKey()
		first, err := store.MarkSeen(ctx, key, ttl)
		if err != nil {
			return fmt.Errorf("notify: mark seen: %w", err)
		}
		if !first {
			return nil
		}
		if err := h(ctx, e); err != nil {
			if ferr := store.Forget(ctx, key); ferr != nil {
				return fmt.Errorf("notify: %w (release dedup key: %v)", err, ferr)
			}
			return err
		}
		return nil
	}
}

// DedupClient is the subset of *redis.Client used for de-duplication.
type DedupClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type RedisSeen struct {
	client DedupClient
	prefix string
}

var _ SeenStore = (*RedisSeen)(nil)

func NewRedisSeen(client DedupClient, prefix string) *RedisSeen {
	return &RedisSeen{client: client, prefix: prefix}
}

func (r *RedisSeen) MarkSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.prefix+key, 1, ttl).Result()
}

func (r *RedisSeen) Forget(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

// MemorySeen is a process-local SeenStore.
type MemorySeen struct {
	mu   sync.Mutex
	now  func() time.Time
	keys map[string]time.Time
}

var _ SeenStore = (*MemorySeen)(nil)

func NewMemorySeen() *MemorySeen {
	return &MemorySeen{now: time.Now, keys: make(map[string]time.Time)}
}

func (m *MemorySeen) MarkSeen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, ok := m.keys[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.keys[key] = now.Add(ttl)
	if len(m.keys)%1024 == 0 {
		for k, exp := range m.keys {
			if !now.Before(exp) {
				delete(m.keys, k)
			}
		}
	}
	return true, nil
}

func (m *MemorySeen) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.keys, key)
	m.mu.Unlock()
	return nil
}
