package dico

import (
	"go.uber.org/zap"

	"github.com/dico-api/dico-sub000/gateway"
	"github.com/dico-api/dico-sub000/rest"
	"github.com/dico-api/dico-sub000/voice"
)

func DefaultConfig() *Config {
	return &Config{
		Logger: zap.NewNop(),
	}
}

type Config struct {
	Logger *zap.Logger

	RestOpts    []rest.ConfigOpt
	GatewayOpts []gateway.ConfigOpt
	VoiceOpts   []voice.ConfigOpt

	SelfMute bool
	SelfDeaf bool
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

func WithRestOpts(opts ...rest.ConfigOpt) ConfigOpt {
	return func(c *Config) {
		c.RestOpts = append(c.RestOpts, opts...)
	}
}

func WithGatewayOpts(opts ...gateway.ConfigOpt) ConfigOpt {
	return func(c *Config) {
		c.GatewayOpts = append(c.GatewayOpts, opts...)
	}
}

func WithVoiceOpts(opts ...voice.ConfigOpt) ConfigOpt {
	return func(c *Config) {
		c.VoiceOpts = append(c.VoiceOpts, opts...)
	}
}

func WithSelfMute(mute bool) ConfigOpt {
	return func(c *Config) {
		c.SelfMute = mute
	}
}

func WithSelfDeaf(deaf bool) ConfigOpt {
	return func(c *Config) {
		c.SelfDeaf = deaf
	}
}
