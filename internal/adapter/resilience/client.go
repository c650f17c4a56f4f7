package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/hive-corporation/iochub/internal/config"
	"github.com/hive-corporation/iochub/internal/metrics"
)

// maxErrorBody bounds how much of an error response is kept for diagnostics.
const maxErrorBody = 4096

// HTTPError is a non-2xx response that was not (or no longer) retried.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

// Client wraps an HTTP client with circuit breaker and retry logic.
// Retries only happen for requests built with Idempotent.
type Client struct {
	name    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	config  config.ResilienceConfig
	logger  *zap.Logger
}

// Option customizes the underlying http.Client.
type Option func(*http.Client)

// WithTransport replaces the transport (TLS settings, test round trippers).
func WithTransport(rt http.RoundTripper) Option {
	return func(c *http.Client) { c.Transport = rt }
}

// NewClient creates a resilient HTTP client. name labels the breaker and the
// upstream error metrics ("osm", "misp").
func NewClient(name string, timeout time.Duration, cfg config.ResilienceConfig, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := &http.Client{Timeout: timeout}
	for _, opt := range opts {
		opt(client)
	}

	var breaker *gobreaker.CircuitBreaker
	if cfg.MaxFailures > 0 {
		settings := gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    0, // Don't reset counts automatically
			Timeout:     cfg.CircuitTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.MaxFailures
			},
			// 4xx is the caller's fault, not the upstream's
			IsSuccessful: func(err error) bool {
				var he *HTTPError
				if errors.As(err, &he) {
					return he.StatusCode < 500 && he.StatusCode != http.StatusTooManyRequests
				}
				return err == nil
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("⚡ Circuit breaker changed state",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
				if to == gobreaker.StateOpen {
					metrics.RecordUpstreamError(name, "circuit_open")
				}
			},
		}
		breaker = gobreaker.NewCircuitBreaker(settings)
	}

	return &Client{
		name:    name,
		client:  client,
		breaker: breaker,
		config:  cfg,
		logger:  logger,
	}
}

type idempotentKey struct{}

// Idempotent marks ctx so that requests made with it may be retried.
func Idempotent(ctx context.Context) context.Context {
	return context.WithValue(ctx, idempotentKey{}, true)
}

func isIdempotent(req *http.Request) bool {
	v, _ := req.Context().Value(idempotentKey{}).(bool)
	return v
}

// Do executes an HTTP request with circuit breaker and retry logic.
// Any non-2xx final response is returned as *HTTPError with the body drained.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.doWithRetry(req)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doWithRetry(req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.RecordUpstreamError(c.name, "circuit_open")
			return nil, fmt.Errorf("circuit breaker is open: %w", err)
		}
		return nil, err
	}

	return result.(*http.Response), nil
}

func (c *Client) doWithRetry(req *http.Request) (*http.Response, error) {
	if c.config.MaxRetries <= 0 || !isIdempotent(req) {
		return c.attempt(req)
	}

	// Buffer the body once so every attempt sends the same payload
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		req.Body.Close()
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.config.InitialInterval
	expBackoff.MaxInterval = c.config.MaxInterval
	expBackoff.Multiplier = 2.0
	expBackoff.MaxElapsedTime = 0 // Only max retries

	retryBackoff := backoff.WithContext(
		backoff.WithMaxRetries(expBackoff, uint64(c.config.MaxRetries)),
		req.Context(),
	)

	var resp *http.Response
	operation := func() error {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		var err error
		resp, err = c.attempt(req)
		if err == nil {
			return nil
		}

		var he *HTTPError
		if errors.As(err, &he) {
			if c.shouldRetry(nil, &http.Response{StatusCode: he.StatusCode}) {
				return err
			}
			return backoff.Permanent(err)
		}
		if c.shouldRetry(err, nil) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Debug("🔁 Retrying upstream request",
			zap.String("client", c.name),
			zap.String("url", req.URL.Redacted()),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, retryBackoff, notify); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, err
	}
	return resp, nil
}

// attempt performs one round trip and turns non-2xx into *HTTPError.
func (c *Client) attempt(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		c.recordError(err, nil)
		return nil, err
	}
	if resp.StatusCode >= 300 {
		c.recordError(nil, resp)
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}
	return resp, nil
}

// shouldRetry determines if an error or response should trigger a retry
func (c *Client) shouldRetry(err error, resp *http.Response) bool {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		if strings.Contains(err.Error(), "connection refused") ||
			strings.Contains(err.Error(), "connection reset") ||
			strings.Contains(err.Error(), "EOF") {
			return true
		}
		return false
	}

	if resp != nil {
		switch resp.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
			http.StatusBadGateway,
			http.StatusInternalServerError:
			return true
		}
	}

	return false
}

// recordError records the appropriate upstream error metric
func (c *Client) recordError(err error, resp *http.Response) {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.RecordUpstreamError(c.name, "timeout")
			return
		}
		metrics.RecordUpstreamError(c.name, "connection")
		return
	}
	if resp == nil {
		return
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		metrics.RecordUpstreamError(c.name, "auth")
	case http.StatusTooManyRequests:
		metrics.RecordUpstreamError(c.name, "rate_limit")
	case http.StatusRequestTimeout:
		metrics.RecordUpstreamError(c.name, "timeout")
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		metrics.RecordUpstreamError(c.name, "server_error")
	default:
		metrics.RecordUpstreamError(c.name, "http_error")
	}
}
