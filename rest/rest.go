// Package rest performs authenticated API requests with per-bucket rate
// limiting and bounded retries.
package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/dico-api/dico-sub000/ratelimit"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	APIVersion = "10"
	BaseURL    = "https://discord.com/api/v" + APIVersion

	defaultUserAgent = "DiscordBot (https://github.com/dico-api/dico-sub000, 0.1.0)"
)

// Client issues one logical request per call, retrying throttled and
// server-side failures up to the configured attempt budget.
type Client struct {
	token   string
	http    *http.Client
	limiter *ratelimit.Manager
	config  Config
}

func New(token string, opts ...ConfigOpt) *Client {
	config := DefaultConfig()
	config.Apply(opts)

	if config.Limiter == nil {
		config.Limiter = ratelimit.New(ratelimit.WithLogger(config.Logger))
	}
	if config.HTTPClient == nil {
		config.HTTPClient = newHTTPClient()
	}

	return &Client{
		token:   token,
		http:    config.HTTPClient,
		limiter: config.Limiter,
		config:  *config,
	}
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DisableKeepAlives:   false,
			MaxIdleConnsPerHost: 32,
			ForceAttemptHTTP2:   true,
		},
		Timeout: 30 * time.Second,
	}
}

// Limiter exposes the shared rate-limit manager.
func (c *Client) Limiter() *ratelimit.Manager {
	return c.limiter
}

// File is an attachment uploaded alongside a JSON payload.
type File struct {
	Name   string
	Reader io.Reader
}

type requestOpts struct {
	retry  int
	reason string
	files  []File
	query  url.Values
}

type RequestOpt func(*requestOpts)

// WithRetry overrides the attempt budget for one call. 1 means a single
// attempt with no retries.
func WithRetry(retry int) RequestOpt {
	return func(o *requestOpts) {
		o.retry = retry
	}
}

// WithReason sets the audit-log reason header.
func WithReason(reason string) RequestOpt {
	return func(o *requestOpts) {
		o.reason = reason
	}
}

// WithFiles attaches files; the JSON body is sent as the payload_json
// multipart field.
func WithFiles(files ...File) RequestOpt {
	return func(o *requestOpts) {
		o.files = files
	}
}

func WithQueryParam(key string, value string) RequestOpt {
	return func(o *requestOpts) {
		if o.query == nil {
			o.query = url.Values{}
		}
		o.query.Set(key, value)
	}
}

// Request sends method+route with an optional JSON body and returns the
// raw response body (nil for 204).
//
// Throttled (429) and server (5xx) responses each consume one attempt and
// are retried; other client errors surface immediately. When the budget is
// exhausted the last seen status and body are returned in the error.
func (c *Client) Request(ctx context.Context, method string, route string, body any, opts ...RequestOpt) ([]byte, error) {
	var o requestOpts
	for _, opt := range opts {
		opt(&o)
	}

	retry := c.config.DefaultRetry
	if o.retry > 0 {
		retry = o.retry
	}

	lastStatus := 429
	var lastBody []byte

	for attempt := 0; attempt < retry; attempt++ {
		status, respBody, err := c.do(ctx, method, route, body, &o)
		if err != nil {
			return nil, err
		}

		switch {
		case status >= 200 && status < 300:
			return respBody, nil
		case status == 429, status >= 500 && status < 600:
			lastStatus, lastBody = status, respBody
			continue
		default:
			return nil, &Error{Method: method, Route: route, Status: status, Body: respBody}
		}
	}
	return nil, &Error{Method: method, Route: route, Status: lastStatus, Body: lastBody}
}

// rateLimitedBody is the distinguished 429 response body.
type rateLimitedBody struct {
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

func (c *Client) do(ctx context.Context, method string, route string, body any, o *requestOpts) (int, []byte, error) {
	if err := c.limiter.AwaitGlobal(ctx); err != nil {
		return 0, nil, err
	}
	guard, err := c.limiter.Acquire(ctx, method, route)
	if err != nil {
		return 0, nil, err
	}
	defer guard.Unlock()

	req, err := c.newRequest(ctx, method, route, body, o)
	if err != nil {
		return 0, nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, route, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: reading response: %w", method, route, err)
	}
	if resp.StatusCode == http.StatusNoContent {
		respBody = nil
	}

	c.config.Logger.Debug("request done",
		zap.String("method", method), zap.String("route", route), zap.Int("status", resp.StatusCode))

	c.recordHeaders(method, route, resp.Header)

	if resp.StatusCode == 429 {
		var limited rateLimitedBody
		if err := json.Unmarshal(respBody, &limited); err == nil {
			if err := c.throttleWait(ctx, limited); err != nil {
				return 0, nil, err
			}
		}
	}
	return resp.StatusCode, respBody, nil
}

func (c *Client) throttleWait(ctx context.Context, limited rateLimitedBody) error {
	wait := time.Duration(limited.RetryAfter * float64(time.Second))
	c.config.Logger.Warn("rate limited, waiting",
		zap.Duration("wait", wait), zap.Bool("global", limited.Global))

	if limited.Global {
		c.limiter.LockGlobal()
		defer c.limiter.UnlockGlobal()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func (c *Client) newRequest(ctx context.Context, method string, route string, body any, o *requestOpts) (*http.Request, error) {
	target := c.config.BaseURL + route
	if len(o.query) > 0 {
		target += "?" + o.query.Encode()
	}

	var reader io.Reader
	contentType := ""
	switch {
	case len(o.files) > 0:
		buf := &bytes.Buffer{}
		ct, err := writeMultipart(buf, body, o.files)
		if err != nil {
			return nil, err
		}
		reader, contentType = buf, ct
	case body != nil:
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader, contentType = bytes.NewReader(raw), "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("User-Agent", c.config.UserAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if o.reason != "" {
		req.Header.Set("X-Audit-Log-Reason", url.QueryEscape(o.reason))
	}
	return req, nil
}

// writeMultipart encodes body as the payload_json field followed by one
// part per file, named "file" for a single attachment and "file0",
// "file1", ... otherwise.
func writeMultipart(w io.Writer, body any, files []File) (string, error) {
	mw := multipart.NewWriter(w)

	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return "", err
		}
		if err := mw.WriteField("payload_json", string(raw)); err != nil {
			return "", err
		}
	}
	for i, f := range files {
		name := "file"
		if len(files) > 1 {
			name = "file" + strconv.Itoa(i)
		}
		part, err := mw.CreateFormFile(name, f.Name)
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(part, f.Reader); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}
	return mw.FormDataContentType(), nil
}

func (c *Client) recordHeaders(method string, route string, h http.Header) {
	bucketID := h.Get("X-RateLimit-Bucket")
	if bucketID == "" {
		return
	}

	var resetAfter time.Duration
	if v, err := strconv.ParseFloat(h.Get("X-RateLimit-Reset-After"), 64); err == nil {
		resetAfter = time.Duration(v * float64(time.Second))
	}
	var resetAt time.Time
	if v, err := strconv.ParseFloat(h.Get("X-RateLimit-Reset"), 64); err == nil {
		resetAt = time.Unix(0, int64(v*float64(time.Second)))
	}
	remaining := -1
	if v, err := strconv.Atoi(h.Get("X-RateLimit-Remaining")); err == nil {
		remaining = v
	}
	c.limiter.Record(method, route, bucketID, resetAfter, resetAt, remaining)
}

// GatewayBot is the connection bootstrap payload.
type GatewayBot struct {
	URL    string `json:"url"`
	Shards int    `json:"shards"`
}

// GetGatewayBot fetches the gateway endpoint the session should dial.
func (c *Client) GetGatewayBot(ctx context.Context) (*GatewayBot, error) {
	body, err := c.Request(ctx, http.MethodGet, "/gateway/bot", nil)
	if err != nil {
		return nil, err
	}
	var gw GatewayBot
	if err := json.Unmarshal(body, &gw); err != nil {
		return nil, err
	}
	return &gw, nil
}

func DefaultConfig() *Config {
	return &Config{
		Logger:       zap.NewNop(),
		BaseURL:      BaseURL,
		UserAgent:    defaultUserAgent,
		DefaultRetry: 3,
	}
}

type Config struct {
	Logger       *zap.Logger
	HTTPClient   *http.Client
	Limiter      *ratelimit.Manager
	BaseURL      string
	UserAgent    string
	DefaultRetry int
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

func WithHTTPClient(client *http.Client) ConfigOpt {
	return func(config *Config) {
		config.HTTPClient = client
	}
}

func WithLimiter(limiter *ratelimit.Manager) ConfigOpt {
	return func(config *Config) {
		config.Limiter = limiter
	}
}

func WithBaseURL(baseURL string) ConfigOpt {
	return func(config *Config) {
		config.BaseURL = baseURL
	}
}

func WithDefaultRetry(retry int) ConfigOpt {
	return func(config *Config) {
		config.DefaultRetry = retry
	}
}
