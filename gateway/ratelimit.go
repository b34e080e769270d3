package gateway

import (
	"context"
	"time"

	"github.com/sasha-s/go-csync"
)

// RateLimiter bounds outbound gateway commands to the per-minute budget
// the gateway enforces. Heartbeats bypass it; their share of the budget is
// subtracted via Reload once HELLO announces the heartbeat interval.
type RateLimiter interface {
	Close(ctx context.Context)
	Reset()
	// Reload recomputes the budget for the given heartbeat interval.
	Reload(heartbeatInterval time.Duration)
	// Wait blocks until a command may be sent, holding the limiter until
	// Unlock.
	Wait(ctx context.Context) error
	Unlock()
}

func NewRateLimiter(opts ...RateLimiterConfigOpt) RateLimiter {
	config := DefaultRateLimiterConfig()
	config.Apply(opts)

	return &rateLimiterImpl{
		config:    *config,
		remaining: config.CommandsPerMinute,
	}
}

type rateLimiterImpl struct {
	mu csync.Mutex

	reset     time.Time
	remaining int
	budget    int

	config RateLimiterConfig
}

func (l *rateLimiterImpl) Close(ctx context.Context) {
	_ = l.mu.CLock(ctx)
}

func (l *rateLimiterImpl) Reset() {
	l.reset = time.Time{}
	l.remaining = l.budget
	l.mu = csync.Mutex{}
}

func (l *rateLimiterImpl) Reload(heartbeatInterval time.Duration) {
	if heartbeatInterval <= 0 {
		return
	}
	perMinute := int(time.Minute / heartbeatInterval)
	l.budget = l.config.CommandsPerMinute - perMinute
}

func (l *rateLimiterImpl) Wait(ctx context.Context) error {
	if err := l.mu.CLock(ctx); err != nil {
		return err
	}

	now := time.Now()

	var until time.Time

	if l.remaining == 0 && l.reset.After(now) {
		until = l.reset
	}

	if until.After(now) {
		select {
		case <-ctx.Done():
			l.mu.Unlock()
			return ctx.Err()
		case <-time.After(until.Sub(now)):
		}
	}
	return nil
}

func (l *rateLimiterImpl) Unlock() {
	now := time.Now()
	if l.reset.Before(now) {
		l.reset = now.Add(time.Minute)
		if l.budget == 0 {
			l.budget = l.config.CommandsPerMinute
		}
		l.remaining = l.budget
	}
	if l.remaining > 0 {
		l.remaining--
	}
	l.mu.Unlock()
}

func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		CommandsPerMinute: 120,
	}
}

type RateLimiterConfig struct {
	CommandsPerMinute int
}

type RateLimiterConfigOpt func(config *RateLimiterConfig)

func (c *RateLimiterConfig) Apply(opts []RateLimiterConfigOpt) {
	for _, opt := range opts {
		opt(c)
	}
}

func WithCommandsPerMinute(commandsPerMinute int) RateLimiterConfigOpt {
	return func(config *RateLimiterConfig) {
		config.CommandsPerMinute = commandsPerMinute
	}
}
