package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sparkgate/pkg/store"
)

const keyPrefix = "idem:"

// reservedMarker occupies a key between reservation and result recording so a
// racing duplicate sees "in flight" rather than an empty slot.
const reservedMarker = "__reserved__"

// Reservation is the outcome of a CheckOrReserve call.
type Reservation struct {
	Key         string
	IsNew       bool
	PriorResult string
	HasResult   bool
}

// Store provides at-most-once execution keyed by caller-supplied idempotency
// keys. Backed by the shared cache: redis in production, memory in tests and
// degraded mode.
type Store struct {
	cache store.Cache
	ttl   time.Duration
}

func New(cache store.Cache, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{cache: cache, ttl: ttl}
}

// TTL reports the configured retention window.
func (s *Store) TTL() time.Duration { return s.ttl }

// CheckOrReserve atomically claims key. The first caller wins and must later
// call RecordResult; every subsequent caller within the TTL gets IsNew=false
// plus the recorded result when one exists.
func (s *Store) CheckOrReserve(ctx context.Context, key string) (Reservation, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Reservation{}, fmt.Errorf("idempotency: empty key")
	}
	full := keyPrefix + key
	ok, err := s.cache.SetNX(ctx, full, reservedMarker, s.ttl)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: reserve %q: %w", key, err)
	}
	if ok {
		return Reservation{Key: key, IsNew: true}, nil
	}
	prior, err := s.cache.Get(ctx, full)
	if errors.Is(err, store.ErrNotFound) {
		// Reservation expired between SetNX and Get. Treat as duplicate with
		// no result rather than retrying; the window is milliseconds wide.
		return Reservation{Key: key}, nil
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: read %q: %w", key, err)
	}
	res := Reservation{Key: key}
	if prior != reservedMarker {
		res.PriorResult = prior
		res.HasResult = true
	}
	return res, nil
}

// RecordResult replaces the reservation marker with the serialized outcome so
// duplicates can replay it. The TTL restarts from now.
func (s *Store) RecordResult(ctx context.Context, key string, result string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("idempotency: empty key")
	}
	if err := s.cache.Set(ctx, keyPrefix+key, result, s.ttl); err != nil {
		return fmt.Errorf("idempotency: record %q: %w", key, err)
	}
	return nil
}

// Release drops a reservation after a failed execution so the caller may
// retry with the same key.
func (s *Store) Release(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return s.cache.Del(ctx, keyPrefix+key)
}
