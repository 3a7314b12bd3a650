// Package httpclient provides a resilient HTTP client for calls to the project,
// asset and compiler services: retries with exponential backoff, a circuit
// breaker, per-attempt request preparation and transparent decompression.
package httpclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
)

// Common errors returned by the client.
var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrMaxRetries  = errors.New("max retries exceeded")
)

// Default configuration values.
const (
	DefaultTimeout           = 15 * time.Second
	DefaultRetryAttempts     = 3
	DefaultRetryDelay        = 500 * time.Millisecond
	DefaultRetryMaxDelay     = 10 * time.Second
	DefaultCircuitThreshold  = 5
	DefaultCircuitTimeout    = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
	defaultAcceptEncoding    = "gzip, br"
)

// PrepareFunc is called before every attempt with the attempt's request and
// its body bytes. Signing hooks use it so each retry carries a fresh timestamp.
type PrepareFunc func(req *http.Request, body []byte)

// Config holds the configuration for the HTTP client.
type Config struct {
	// Timeout bounds each attempt.
	Timeout time.Duration

	// RetryAttempts is the number of retries after the first attempt.
	RetryAttempts int

	RetryDelay        time.Duration
	RetryMaxDelay     time.Duration
	BackoffMultiplier float64

	// CircuitThreshold is the number of consecutive failures before the circuit opens.
	CircuitThreshold int
	CircuitTimeout   time.Duration

	UserAgent string
	Logger    *slog.Logger

	// Prepare, when set, runs before each attempt.
	Prepare PrepareFunc

	// NoStatusRetry hands 429 and 5xx gateway responses back to the caller
	// instead of retrying them.
	NoStatusRetry bool

	// BaseClient is the underlying http.Client to use.
	// If nil, a default client is created.
	BaseClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:           DefaultTimeout,
		RetryAttempts:     DefaultRetryAttempts,
		RetryDelay:        DefaultRetryDelay,
		RetryMaxDelay:     DefaultRetryMaxDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
		CircuitThreshold:  DefaultCircuitThreshold,
		CircuitTimeout:    DefaultCircuitTimeout,
		Logger:            slog.Default(),
	}
}

// Client is a resilient HTTP client with circuit breaker and retry support.
type Client struct {
	config  Config
	client  *http.Client
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// New creates a new resilient HTTP client with the given configuration.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if cfg.CircuitThreshold < 1 {
		cfg.CircuitThreshold = DefaultCircuitThreshold
	}

	baseClient := cfg.BaseClient
	if baseClient == nil {
		baseClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		config:  cfg,
		client:  baseClient,
		breaker: NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitTimeout),
		logger:  cfg.Logger,
	}
}

// Do executes a request described by method, rawURL, body and headers.
// The body is buffered so it can be replayed on retry.
func (c *Client) Do(ctx context.Context, method, rawURL string, body []byte, header http.Header) (*http.Response, error) {
	var lastErr error
	delay := c.config.RetryDelay

	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			c.logger.DebugContext(ctx, "retrying request",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("url", obfuscateURL(rawURL)),
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}

			delay = time.Duration(float64(delay) * c.config.BackoffMultiplier)
			if c.config.RetryMaxDelay > 0 && delay > c.config.RetryMaxDelay {
				delay = c.config.RetryMaxDelay
			}
		}

		if !c.breaker.Allow() {
			lastErr = ErrCircuitOpen
			c.logger.WarnContext(ctx, "circuit breaker open, skipping request",
				slog.String("url", obfuscateURL(rawURL)),
			)
			continue
		}

		req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		for k, vs := range header {
			req.Header[k] = append([]string(nil), vs...)
		}
		if req.Header.Get("User-Agent") == "" && c.config.UserAgent != "" {
			req.Header.Set("User-Agent", c.config.UserAgent)
		}
		if req.Header.Get("Accept-Encoding") == "" {
			req.Header.Set("Accept-Encoding", defaultAcceptEncoding)
		}
		if body == nil {
			req.Body = http.NoBody
			req.ContentLength = 0
		}
		if c.config.Prepare != nil {
			c.config.Prepare(req, body)
		}

		start := time.Now()
		resp, err := c.client.Do(req)
		duration := time.Since(start)

		if err != nil {
			c.breaker.RecordFailure()
			lastErr = err
			c.logger.WarnContext(ctx, "request failed",
				slog.String("url", obfuscateURL(rawURL)),
				slog.String("method", method),
				slog.Duration("duration", duration),
				slog.String("error", err.Error()),
				slog.Int("attempt", attempt),
			)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		if !c.config.NoStatusRetry && isRetryableStatus(resp.StatusCode) {
			c.breaker.RecordFailure()
			lastErr = fmt.Errorf("retryable status code: %d", resp.StatusCode)
			c.logger.WarnContext(ctx, "retryable status code",
				slog.String("url", obfuscateURL(rawURL)),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt),
			)
			drain(resp.Body)
			continue
		}

		c.breaker.RecordSuccess()
		c.logger.DebugContext(ctx, "request completed",
			slog.String("url", obfuscateURL(rawURL)),
			slog.String("method", method),
			slog.Int("status", resp.StatusCode),
			slog.Duration("duration", duration),
		)

		resp.Body = c.wrapDecompression(resp)
		return resp, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrMaxRetries, lastErr)
	}
	return nil, ErrMaxRetries
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, rawURL, nil, nil)
}

// CircuitState returns the current state of the circuit breaker.
func (c *Client) CircuitState() CircuitState {
	return c.breaker.State()
}

// wrapDecompression wraps the response body when the server compressed it.
func (c *Client) wrapDecompression(resp *http.Response) io.ReadCloser {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			c.logger.Warn("failed to create gzip reader, returning raw body", slog.String("error", err.Error()))
			return resp.Body
		}
		return &decompressReader{reader: reader, closer: resp.Body}
	case "br":
		return &decompressReader{reader: brotli.NewReader(resp.Body), closer: resp.Body}
	default:
		return resp.Body
	}
}

type decompressReader struct {
	reader io.Reader
	closer io.Closer
}

func (d *decompressReader) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

func (d *decompressReader) Close() error {
	if closer, ok := d.reader.(io.Closer); ok {
		closer.Close()
	}
	return d.closer.Close()
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	body.Close()
}

// isRetryableStatus returns true if the HTTP status code is retryable.
func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// obfuscateURL masks signed-URL credentials before they reach the logs.
func obfuscateURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	query := u.Query()
	for key := range query {
		switch strings.ToLower(key) {
		case "token", "signature", "sig", "x-amz-signature", "x-amz-credential",
			"x-goog-signature", "x-goog-credential", "key", "secret":
			query.Set(key, "***")
		}
	}
	u.RawQuery = query.Encode()
	return u.String()
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling a failing service until a cool-down passes.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           CircuitState
	failures        int
	threshold       int
	timeout         time.Duration
	lastFailureTime time.Time
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold, timeout: timeout}
}

// Allow returns true if the request should be allowed to proceed.
// Only one probe request passes while half-open.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.timeout {
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		cb.state = CircuitOpen
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
