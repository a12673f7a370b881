package cache

import (
	"context"
	"time"
)

// BytesCache is a key/value cache with per-entry TTL.
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Generations hands out monotonically increasing counters. Cache keys embed the
// current generation so a bump makes every older entry unreachable.
type Generations interface {
	Generation(ctx context.Context, name string) (int64, error)
	BumpGeneration(ctx context.Context, name string) (int64, error)
}

type Limiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}
