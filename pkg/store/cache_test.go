package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func backends(t *testing.T) map[string]Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Cache{
		"redis":  &RedisCache{client: client},
		"memory": NewMemoryCache(),
	}
}

func TestSetNXReservesOnce(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := c.SetNX(ctx, "k", "first", time.Minute)
			if err != nil || !ok {
				t.Fatalf("first SetNX: ok=%v err=%v", ok, err)
			}
			ok, err = c.SetNX(ctx, "k", "second", time.Minute)
			if err != nil {
				t.Fatalf("second SetNX: %v", err)
			}
			if ok {
				t.Fatal("second SetNX should not win")
			}
			got, err := c.Get(ctx, "k")
			if err != nil || got != "first" {
				t.Fatalf("Get=%q err=%v, want first", got, err)
			}
		})
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := c.Get(ctx, "absent"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestSetOverwritesAndDelRemoves(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := c.Set(ctx, "k", "v1", time.Minute); err != nil {
				t.Fatalf("set: %v", err)
			}
			if err := c.Set(ctx, "k", "v2", time.Minute); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			got, err := c.Get(ctx, "k")
			if err != nil || got != "v2" {
				t.Fatalf("Get=%q err=%v, want v2", got, err)
			}
			if err := c.Del(ctx, "k"); err != nil {
				t.Fatalf("del: %v", err)
			}
			if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryCache()
	if err := m.Set(ctx, "k", "v", -time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired key to be gone, got %v", err)
	}
	ok, err := m.SetNX(ctx, "k", "fresh", time.Minute)
	if err != nil || !ok {
		t.Fatalf("SetNX after expiry should win: ok=%v err=%v", ok, err)
	}
}

func TestMemoryCacheSweep(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryCache()
	_ = m.Set(ctx, "live", "v", time.Minute)
	_ = m.Set(ctx, "dead", "v", time.Millisecond)
	if n := m.Sweep(time.Now().Add(time.Second)); n != 1 {
		t.Fatalf("Sweep survivors=%d want 1", n)
	}
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	ctx := context.Background()
	if _, ok := NewCache(ctx, nil).(*MemoryCache); !ok {
		t.Fatal("nil client should yield memory cache")
	}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	if _, ok := NewCache(ctx, client).(*RedisCache); !ok {
		t.Fatal("reachable redis should yield redis cache")
	}
	mr.Close()
	if _, ok := NewCache(ctx, client).(*MemoryCache); !ok {
		t.Fatal("unreachable redis should fall back to memory")
	}
}
