package voice

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func DefaultConfig() *Config {
	return &Config{
		Logger:            zap.NewNop(),
		Dialer:            websocket.DefaultDialer,
		DialTimeout:       30 * time.Second,
		DiscoveryTimeout:  5 * time.Second,
		ServerWaitTimeout: 5 * time.Second,
	}
}

type Config struct {
	Logger *zap.Logger
	Dialer *websocket.Dialer

	DialTimeout       time.Duration
	DiscoveryTimeout  time.Duration
	ServerWaitTimeout time.Duration

	// OnClose fires once when the session terminates for a reason the
	// state machine does not recover from.
	OnClose func(error)
}

type ConfigOpt func(*Config)

func (c *Config) Apply(opts []ConfigOpt) {
	for _, opt := range opts {
		opt(c)
	}
}

func WithLogger(logger *zap.Logger) ConfigOpt {
	return func(c *Config) {
		c.Logger = logger
	}
}

func WithDialer(dialer *websocket.Dialer) ConfigOpt {
	return func(c *Config) {
		c.Dialer = dialer
	}
}

func WithDialTimeout(d time.Duration) ConfigOpt {
	return func(c *Config) {
		c.DialTimeout = d
	}
}

func WithDiscoveryTimeout(d time.Duration) ConfigOpt {
	return func(c *Config) {
		c.DiscoveryTimeout = d
	}
}

func WithServerWaitTimeout(d time.Duration) ConfigOpt {
	return func(c *Config) {
		c.ServerWaitTimeout = d
	}
}

func WithOnClose(fn func(error)) ConfigOpt {
	return func(c *Config) {
		c.OnClose = fn
	}
}
