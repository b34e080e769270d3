// Package ratelimit tracks per-bucket request budgets for the REST API.
//
// The remote service groups routes into rate-limit buckets and names the
// bucket in every response. Until a route has produced at least one such
// response its bucket is unknown and requests pass through optimistically.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sasha-s/go-csync"
	"go.uber.org/zap"
)

// Manager maps (method, route) pairs to buckets and serializes requests
// that share a bucket. Safe for concurrent use by every transport caller
// in the process.
type Manager struct {
	mu      sync.Mutex
	routes  map[string]string // method+route -> bucket id
	buckets map[string]*bucket

	// held for the duration of a global (cross-bucket) throttle
	global csync.Mutex

	config Config
}

type bucket struct {
	mu        csync.Mutex
	resetAt   time.Time
	remaining int
}

func New(opts ...ConfigOpt) *Manager {
	config := DefaultConfig()
	config.Apply(opts)

	return &Manager{
		routes:  map[string]string{},
		buckets: map[string]*bucket{},
		config:  *config,
	}
}

func routeKey(method string, route string) string {
	return method + " " + route
}

// Guard holds one bucket's lock until Unlock is called. The zero Guard is
// a no-op pass-through used when the bucket for a route is not yet known.
type Guard struct {
	b *bucket
}

func (g Guard) Unlock() {
	if g.b != nil {
		g.b.mu.Unlock()
	}
}

// Acquire locks the bucket currently associated with (method, route). If
// the bucket's budget is exhausted and its window has not reset yet, it
// sleeps until the reset before returning. Routes without a known bucket
// get a no-op guard.
func (m *Manager) Acquire(ctx context.Context, method string, route string) (Guard, error) {
	m.mu.Lock()
	b := m.buckets[m.routes[routeKey(method, route)]]
	m.mu.Unlock()

	if b == nil {
		return Guard{}, nil
	}

	if err := b.mu.CLock(ctx); err != nil {
		return Guard{}, err
	}

	m.mu.Lock()
	wait := time.Duration(0)
	if b.remaining == 0 && b.resetAt.After(time.Now()) {
		wait = time.Until(b.resetAt)
	}
	m.mu.Unlock()

	if wait > 0 {
		m.config.Logger.Warn("bucket budget exhausted, waiting",
			zap.String("route", route), zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			b.mu.Unlock()
			return Guard{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	return Guard{b: b}, nil
}

// Record associates (method, route) with a bucket and updates that
// bucket's window from response headers. resetAfter is relative to the
// local clock and wins over resetAt when both are present, since it is
// immune to clock skew. remaining < 0 means the header was absent.
// Last write wins regardless of which route produced it.
func (m *Manager) Record(method string, route string, bucketID string, resetAfter time.Duration, resetAt time.Time, remaining int) {
	if bucketID == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.routes[routeKey(method, route)] = bucketID
	b, ok := m.buckets[bucketID]
	if !ok {
		b = &bucket{}
		m.buckets[bucketID] = b
	}
	switch {
	case resetAfter > 0:
		b.resetAt = time.Now().Add(resetAfter)
	case !resetAt.IsZero():
		b.resetAt = resetAt
	}
	if remaining >= 0 {
		b.remaining = remaining
	}
}

// AwaitGlobal blocks while a global throttle is engaged and returns
// immediately once it clears.
func (m *Manager) AwaitGlobal(ctx context.Context) error {
	if err := m.global.CLock(ctx); err != nil {
		return err
	}
	m.global.Unlock()
	return nil
}

// LockGlobal engages the global throttle. Every Acquire caller in the
// process blocks in AwaitGlobal until UnlockGlobal.
func (m *Manager) LockGlobal() {
	m.global.Lock()
}

func (m *Manager) UnlockGlobal() {
	m.global.Unlock()
}

func DefaultConfig() *Config {
	return &Config{
		Logger: zap.NewNop(),
	}
}

type Config struct {
	Logger *zap.Logger
}

type ConfigOpt func(config *Config)

func (c *Config) Apply(opts []ConfigOpt) {
	for _, opt := range opts {
		opt(c)
	}
}

func WithLogger(logger *zap.Logger) ConfigOpt {
	return func(config *Config) {
		config.Logger = logger
	}
}
