// Package ratelimit throttles attempts per key, backed by Redis when
// configured and by in-process token buckets otherwise.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Rule is a steady refill rate with a burst capacity.
type Rule struct {
	PerMinute int
	Burst     int
}

func (r Rule) perSecond() float64 {
	if r.PerMinute <= 0 {
		return 0
	}
	return float64(r.PerMinute) / 60
}

func (r Rule) burst() int {
	if r.Burst > 0 {
		return r.Burst
	}
	return max(r.PerMinute, 1)
}

// Memory keeps one token bucket per key and forgets buckets idle longer than
// the idle window.
type Memory struct {
	rule Rule
	idle time.Duration

	mu       sync.Mutex
	limiters map[string]*memoryEntry
	swept    time.Time
	now      func() time.Time
}

type memoryEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewMemory(rule Rule) *Memory {
	return &Memory{
		rule:     rule,
		idle:     10 * time.Minute,
		limiters: make(map[string]*memoryEntry),
		now:      time.Now,
	}
}

func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if m.rule.PerMinute <= 0 {
		return true, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if now.Sub(m.swept) > m.idle {
		for k, entry := range m.limiters {
			if now.Sub(entry.lastSeen) > m.idle {
				delete(m.limiters, k)
			}
		}
		m.swept = now
	}

	entry, ok := m.limiters[key]
	if !ok {
		entry = &memoryEntry{limiter: rate.NewLimiter(rate.Limit(m.rule.perSecond()), m.rule.burst())}
		m.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1), nil
}
