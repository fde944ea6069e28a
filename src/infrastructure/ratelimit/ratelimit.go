// Package ratelimit enforces per-principal request caps over two
// windows (minute and hour). The in-process backend serves a single
// instance; the redis backend shares counts across instances.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits or rejects one request for a principal key. When
// rejected, retryAfter hints when the nearest window frees up.
type Limiter interface {
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)
}

// Config caps requests per window. Zero disables a window.
type Config struct {
	PerMinute int
	PerHour   int
}

type window struct {
	start time.Time
	count int
}

type bucket struct {
	minute window
	hour   window
}

// LocalLimiter is the in-process backend: fixed windows per key behind
// sharded mutexes.
type LocalLimiter struct {
	cfg    Config
	shards [16]struct {
		mu      sync.Mutex
		buckets map[string]*bucket
	}
	now func() time.Time
}

func NewLocalLimiter(cfg Config) *LocalLimiter {
	l := &LocalLimiter{cfg: cfg, now: time.Now}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*bucket)
	}
	return l
}

// SetClock injects a clock for tests.
func (l *LocalLimiter) SetClock(now func() time.Time) { l.now = now }

func (l *LocalLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	shard := &l.shards[fnv32(key)%uint32(len(l.shards))]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	b, ok := shard.buckets[key]
	if !ok {
		b = &bucket{}
		shard.buckets[key] = b
	}

	now := l.now()
	roll(&b.minute, now, time.Minute)
	roll(&b.hour, now, time.Hour)

	if l.cfg.PerMinute > 0 && b.minute.count >= l.cfg.PerMinute {
		return false, b.minute.start.Add(time.Minute).Sub(now), nil
	}
	if l.cfg.PerHour > 0 && b.hour.count >= l.cfg.PerHour {
		return false, b.hour.start.Add(time.Hour).Sub(now), nil
	}

	b.minute.count++
	b.hour.count++
	return true, 0, nil
}

func roll(w *window, now time.Time, d time.Duration) {
	if w.start.IsZero() || now.Sub(w.start) >= d {
		w.start = now
		w.count = 0
	}
}

func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
