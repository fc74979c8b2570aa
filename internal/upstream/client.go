// Package upstream talks to the rate-limited service: usage probes, OAuth
// token refresh, and profile lookups. Nothing here mutates the key store;
// callers apply results through keystore methods.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Defaults for the public OAuth client.
const (
	DefaultBaseURL   = "https://api.anthropic.com"
	DefaultTokenURL  = "https://console.anthropic.com/v1/oauth/token"
	DefaultClientID  = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	DefaultUserAgent = "qgov/1.0"
	BetaHeader       = "oauth-2025-04-20"

	DefaultTimeout           = 10 * time.Second
	DefaultRequestsPerSecond = 4.0
	DefaultBurst             = 4

	maxBodyBytes = 1 << 20
)

// Config configures a Client. Zero fields take the defaults above.
type Config struct {
	BaseURL           string
	TokenURL          string
	ClientID          string
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.TokenURL == "" {
		c.TokenURL = DefaultTokenURL
	}
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	return c
}

// Client issues upstream calls through a shared rate limiter with a
// per-call timeout.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		http:    &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		now:     time.Now,
	}
}

// WithHTTPClient replaces the transport, mainly for tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// WithClock sets the time source used to compute token expiry.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// WithLogger sets the logger.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	c.logger = logger
	return c
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

func (c *Client) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.Default()
}

var errDecode = errors.New("decode response")

func isDecodeError(err error) bool { return errors.Is(err, errDecode) }

// httpError is a non-2xx response.
type httpError struct {
	Status int
	Body   []byte
}

func (e *httpError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d", e.Status)
}

// do sends req under the limiter and timeout and decodes a 2xx JSON body
// into out. Non-2xx responses return *httpError.
func (c *Client) do(ctx context.Context, req *http.Request, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &httpError{Status: resp.StatusCode, Body: body}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", errDecode, err)
	}
	return nil
}

func (c *Client) newAuthedRequest(ctx context.Context, method, path, accessToken string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("anthropic-beta", BetaHeader)
	return req, nil
}

func asHTTPError(err error) (*httpError, bool) {
	var he *httpError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}
