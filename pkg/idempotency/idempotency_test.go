package idempotency

import (
	"context"
	"testing"
	"time"

	"sparkgate/pkg/store"
)

func TestFirstCallerWins(t *testing.T) {
	ctx := context.Background()
	s := New(store.NewMemoryCache(), time.Minute)

	res, err := s.CheckOrReserve(ctx, "key-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !res.IsNew {
		t.Fatal("first reservation should be new")
	}

	dup, err := s.CheckOrReserve(ctx, "key-1")
	if err != nil {
		t.Fatalf("duplicate reserve: %v", err)
	}
	if dup.IsNew {
		t.Fatal("duplicate reservation must not be new")
	}
	if dup.HasResult {
		t.Fatal("no result recorded yet")
	}
}

func TestDuplicateReplaysRecordedResult(t *testing.T) {
	ctx := context.Background()
	s := New(store.NewMemoryCache(), time.Minute)

	if _, err := s.CheckOrReserve(ctx, "key-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := s.RecordResult(ctx, "key-1", `{"accepted":true}`); err != nil {
		t.Fatalf("record: %v", err)
	}

	dup, err := s.CheckOrReserve(ctx, "key-1")
	if err != nil {
		t.Fatalf("duplicate reserve: %v", err)
	}
	if dup.IsNew || !dup.HasResult || dup.PriorResult != `{"accepted":true}` {
		t.Fatalf("expected replayed result, got %+v", dup)
	}
}

func TestReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	s := New(store.NewMemoryCache(), time.Minute)

	if _, err := s.CheckOrReserve(ctx, "key-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := s.Release(ctx, "key-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	res, err := s.CheckOrReserve(ctx, "key-1")
	if err != nil {
		t.Fatalf("retry reserve: %v", err)
	}
	if !res.IsNew {
		t.Fatal("released key should be claimable again")
	}
}

func TestExpiredKeyIsClaimable(t *testing.T) {
	ctx := context.Background()
	cache := store.NewMemoryCache()
	s := New(cache, time.Millisecond)

	if _, err := s.CheckOrReserve(ctx, "key-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	cache.Sweep(time.Now().Add(time.Second))

	res, err := s.CheckOrReserve(ctx, "key-1")
	if err != nil {
		t.Fatalf("reserve after expiry: %v", err)
	}
	if !res.IsNew {
		t.Fatal("expired key should be claimable")
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	s := New(store.NewMemoryCache(), time.Minute)
	if _, err := s.CheckOrReserve(context.Background(), "  "); err == nil {
		t.Fatal("expected error for blank key")
	}
	if err := s.RecordResult(context.Background(), "", "x"); err == nil {
		t.Fatal("expected error for blank key")
	}
}

func TestDefaultTTL(t *testing.T) {
	if got := New(store.NewMemoryCache(), 0).TTL(); got != 10*time.Minute {
		t.Fatalf("default TTL=%v want 10m", got)
	}
}
