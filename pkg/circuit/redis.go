package circuit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var hitScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, ARGV[1] - ARGV[2])
local count = redis.call("ZCARD", KEYS[1])
if count >= tonumber(ARGV[3]) then
  return {count, 1}
end
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return {count + 1, 0}
`)

var peekScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, ARGV[1] - ARGV[2])
return redis.call("ZCARD", KEYS[1])
`)

// RedisBreaker shares the window across gateway replicas using a sorted set
// of hit timestamps. Falls back to the in-memory breaker when redis is down.
type RedisBreaker struct {
	Client   *redis.Client
	Window   time.Duration
	Max      int
	Prefix   string
	Fallback *MemoryBreaker
}

func NewRedisBreaker(client *redis.Client, window time.Duration, max int) *RedisBreaker {
	if window <= 0 {
		window = 60 * time.Second
	}
	if max <= 0 {
		max = 2
	}
	return &RedisBreaker{
		Client:   client,
		Window:   window,
		Max:      max,
		Prefix:   "cb:",
		Fallback: NewMemory(window, max),
	}
}

func (b *RedisBreaker) Hit(ctx context.Context, key string) (Status, error) {
	if b.Client == nil {
		return b.Fallback.Hit(ctx, key)
	}
	ctxRun, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())
	res, err := hitScript.Run(ctxRun, b.Client, []string{b.Prefix + key},
		now, b.Window.Milliseconds(), b.Max, member).Result()
	if err != nil {
		return b.Fallback.Hit(ctx, key)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return b.Fallback.Hit(ctx, key)
	}
	count, _ := vals[0].(int64)
	tripped, _ := vals[1].(int64)
	return Status{
		WindowSec:     int(b.Window / time.Second),
		MaxPerWindow:  b.Max,
		CountInWindow: int(count),
		Tripped:       tripped == 1,
	}, nil
}

func (b *RedisBreaker) Peek(ctx context.Context, key string) (Status, error) {
	if b.Client == nil {
		return b.Fallback.Peek(ctx, key)
	}
	ctxRun, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	now := time.Now().UnixMilli()
	res, err := peekScript.Run(ctxRun, b.Client, []string{b.Prefix + key},
		now, b.Window.Milliseconds()).Result()
	if err != nil {
		return b.Fallback.Peek(ctx, key)
	}
	count, _ := res.(int64)
	return Status{
		WindowSec:     int(b.Window / time.Second),
		MaxPerWindow:  b.Max,
		CountInWindow: int(count),
		Tripped:       int(count) >= b.Max,
	}, nil
}
