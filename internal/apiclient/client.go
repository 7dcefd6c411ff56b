// Package apiclient talks to the upstream storefront REST API on behalf of a
// checkout flow.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const (
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 30 * time.Second
	maxErrorBody           = 1 << 16
)

// HTTPClient matches the subset of http.Client used by Client.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// Client issues authenticated JSON requests against the upstream API. Every
// call passes through a circuit breaker that opens after consecutive transport
// or 5xx failures.
type Client struct {
	base    *url.URL
	client  HTTPClient
	breaker *gobreaker.CircuitBreaker[*http.Response]
	logger  *zap.Logger
}

type clientConfig struct {
	httpClient HTTPClient
	timeout    time.Duration
	failures   uint32
	cooldown   time.Duration
	logger     *zap.Logger
}

// Option customises a Client.
type Option func(*clientConfig)

// WithHTTPClient overrides the HTTP client. The default wraps
// http.DefaultTransport with OpenTelemetry instrumentation.
func WithHTTPClient(client HTTPClient) Option {
	return func(cfg *clientConfig) {
		if client != nil {
			cfg.httpClient = client
		}
	}
}

// WithTimeout sets a per-request timeout on the default HTTP client.
func WithTimeout(timeout time.Duration) Option {
	return func(cfg *clientConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// WithBreaker configures how many consecutive failures open the breaker and
// how long it stays open.
func WithBreaker(failures uint32, cooldown time.Duration) Option {
	return func(cfg *clientConfig) {
		if failures > 0 {
			cfg.failures = failures
		}
		if cooldown > 0 {
			cfg.cooldown = cooldown
		}
	}
}

// WithLogger sets the logger used for failed requests and breaker transitions.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// New constructs a Client for baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("apiclient: base URL is required")
	}
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("apiclient: parse base URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("apiclient: base URL %q must be absolute", baseURL)
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}

	cfg := clientConfig{
		failures: defaultBreakerFailures,
		cooldown: defaultBreakerCooldown,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.timeout,
		}
	}

	c := &Client{
		base:   parsed,
		client: cfg.httpClient,
		logger: cfg.logger,
	}
	failures := cfg.failures
	c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "upstream-api",
		Timeout: cfg.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("apiclient.breaker_state_changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c, nil
}

type tokenKey struct{}

// WithToken attaches the caller's bearer token to ctx; it is forwarded on
// every upstream request made with that context.
func WithToken(ctx context.Context, token string) context.Context {
	token = strings.TrimSpace(token)
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext returns the bearer token attached with WithToken.
func TokenFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

// do sends req through the breaker. Non-2xx responses become *StatusError and
// network failures become *TransportError; a nil error means a 2xx response
// whose body the caller must close.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, errorFromResponse(req, resp)
		}
		return resp, nil
	})
	if err != nil {
		var statusErr *StatusError
		if !errors.As(err, &statusErr) {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				err = errors.Join(ErrCircuitOpen, err)
			}
			err = &TransportError{Method: req.Method, Path: req.URL.Path, Err: err}
		}
		c.logFailure(req, err)
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := errorFromResponse(req, resp)
		c.logFailure(req, err)
		return nil, err
	}
	return resp, nil
}

func (c *Client) logFailure(req *http.Request, err error) {
	fields := []zap.Field{
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Error(err),
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		fields = append(fields, zap.Int("status", statusErr.Status))
	}
	c.logger.Warn("apiclient.request_failed", fields...)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(endpoint), body)
	if err != nil {
		return nil, fmt.Errorf("apiclient: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := TokenFromContext(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) newJSONRequest(ctx context.Context, method, endpoint string, payload any) (*http.Request, error) {
	var buf bytes.Buffer
	if payload != nil {
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(payload); err != nil {
			return nil, fmt.Errorf("apiclient: encode payload: %w", err)
		}
	}
	req, err := c.newRequest(ctx, method, endpoint, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) resolve(endpoint string) string {
	trimmed := strings.TrimPrefix(endpoint, "/")
	ref, err := url.Parse(trimmed)
	if err != nil {
		ref = &url.URL{Path: trimmed}
	}
	return c.base.ResolveReference(ref).String()
}

// getJSON issues a GET and decodes the 2xx body into out.
func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.decode(req, out)
}

// sendJSON issues a request with a JSON body and decodes the 2xx body into
// out when out is not nil.
func (c *Client) sendJSON(ctx context.Context, method, endpoint string, payload, out any) error {
	req, err := c.newJSONRequest(ctx, method, endpoint, payload)
	if err != nil {
		return err
	}
	return c.decode(req, out)
}

func (c *Client) decode(req *http.Request, out any) error {
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("apiclient: decode %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}
