// Package webhook posts notifications to webhook endpoints. Webhook
// tokens carry their own rate-limit bucket on the service side, so these
// calls bypass the shared rate-limit arbiter on purpose.
package webhook

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Client struct {
	config Config
	http   *fasthttp.Client
}

func New(opts ...ConfigOpt) *Client {
	config := DefaultConfig()
	config.Apply(opts)

	return &Client{
		config: *config,
		http:   config.HTTPClient,
	}
}

// Execute posts payload as JSON to the webhook URL. Fire and forget: the
// response body is discarded, only the status is checked.
func (c *Client) Execute(url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(url)
	req.Header.SetUserAgent(c.config.UserAgent)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err = c.http.DoTimeout(req, resp, c.config.Timeout); err != nil {
		return fmt.Errorf("executing webhook: %w", err)
	}

	if status := resp.StatusCode(); status >= 400 {
		c.config.Logger.Warn("webhook rejected",
			zap.Int("status", status), zap.ByteString("body", resp.Body()))
		return fmt.Errorf("webhook returned status %d", status)
	}
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		Logger:     zap.NewNop(),
		HTTPClient: &fasthttp.Client{},
		UserAgent:  "dico-webhook",
		Timeout:    10 * time.Second,
	}
}

type Config struct {
	Logger     *zap.Logger
	HTTPClient *fasthttp.Client
	UserAgent  string
	Timeout    time.Duration
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

func WithHTTPClient(client *fasthttp.Client) ConfigOpt {
	return func(c *Config) {
		c.HTTPClient = client
	}
}

func WithUserAgent(userAgent string) ConfigOpt {
	return func(c *Config) {
		c.UserAgent = userAgent
	}
}

func WithTimeout(timeout time.Duration) ConfigOpt {
	return func(c *Config) {
		c.Timeout = timeout
	}
}
