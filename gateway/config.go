package gateway

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func DefaultConfig() *Config {
	return &Config{
		Logger:              zap.NewNop(),
		URL:                 "wss://gateway.discord.gg",
		Dialer:              websocket.DefaultDialer,
		Compress:            true,
		OS:                  "linux",
		Browser:             "dico",
		Device:              "dico",
		DialTimeout:         30 * time.Second,
		InvalidSessionDelay: 2 * time.Second,
	}
}

type Config struct {
	Logger *zap.Logger

	// URL is the gateway endpoint to dial; usually taken from the REST
	// bootstrap call.
	URL    string
	Dialer *websocket.Dialer

	Intents        int64
	Compress       bool
	LargeThreshold int
	Shard          []int
	Presence       *PresenceUpdate

	OS      string
	Browser string
	Device  string

	DialTimeout         time.Duration
	InvalidSessionDelay time.Duration

	EventHandler EventHandlerFunc
	OnClose      CloseHandlerFunc

	RateLimiterConfigOpts []RateLimiterConfigOpt
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

func WithURL(url string) ConfigOpt {
	return func(config *Config) {
		config.URL = url
	}
}

func WithDialer(dialer *websocket.Dialer) ConfigOpt {
	return func(config *Config) {
		config.Dialer = dialer
	}
}

func WithIntents(intents int64) ConfigOpt {
	return func(config *Config) {
		config.Intents = intents
	}
}

func WithCompress(compress bool) ConfigOpt {
	return func(config *Config) {
		config.Compress = compress
	}
}

func WithLargeThreshold(threshold int) ConfigOpt {
	return func(config *Config) {
		config.LargeThreshold = threshold
	}
}

func WithShard(id int, count int) ConfigOpt {
	return func(config *Config) {
		config.Shard = []int{id, count}
	}
}

func WithPresence(presence PresenceUpdate) ConfigOpt {
	return func(config *Config) {
		config.Presence = &presence
	}
}

func WithEventHandler(handler EventHandlerFunc) ConfigOpt {
	return func(config *Config) {
		config.EventHandler = handler
	}
}

func WithCloseHandler(handler CloseHandlerFunc) ConfigOpt {
	return func(config *Config) {
		config.OnClose = handler
	}
}

func WithDialTimeout(timeout time.Duration) ConfigOpt {
	return func(config *Config) {
		config.DialTimeout = timeout
	}
}

func WithInvalidSessionDelay(delay time.Duration) ConfigOpt {
	return func(config *Config) {
		config.InvalidSessionDelay = delay
	}
}

func WithRateLimiterConfigOpts(opts ...RateLimiterConfigOpt) ConfigOpt {
	return func(config *Config) {
		config.RateLimiterConfigOpts = opts
	}
}
