package misp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/hive-corporation/iochub/internal/adapter/resilience"
	"github.com/hive-corporation/iochub/internal/config"
	"github.com/hive-corporation/iochub/internal/core/ports"
)

const eventsAddPath = "/events/add"

// APIError is a non-2xx answer from the MISP instance.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("misp: event creation failed with HTTP %d: %s", e.StatusCode, e.Body)
}

// Client publishes events to a MISP instance.
type Client struct {
	baseURL string
	apiKey  string
	publish bool
	http    *resilience.Client
	logger  *zap.Logger
}

type eventRequest struct {
	Event event `json:"Event"`
}

type event struct {
	Info      string                `json:"info"`
	Published bool                  `json:"published"`
	Attribute []ports.MISPAttribute `json:"Attribute"`
}

// NewClient validates cfg and returns *config.Error before touching the network.
// Event creation is never retried; only the circuit breaker applies.
func NewClient(cfg config.MISPConfig, res config.ResilienceConfig, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifySSL {
		// Instâncias MISP internas costumam usar certificado self-signed
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		logger.Warn("⚠️ MISP TLS verification disabled")
	}

	res.MaxRetries = 0
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		publish: cfg.Publish,
		http:    resilience.NewClient("misp", cfg.Timeout, res, logger, resilience.WithTransport(transport)),
		logger:  logger,
	}, nil
}

// CreateEvent posts one event carrying attributes and returns MISP's response body.
func (c *Client) CreateEvent(ctx context.Context, title string, attributes []ports.MISPAttribute) (json.RawMessage, error) {
	if attributes == nil {
		attributes = []ports.MISPAttribute{}
	}
	payload, err := json.Marshal(eventRequest{Event: event{
		Info:      title,
		Published: c.publish,
		Attribute: attributes,
	}})
	if err != nil {
		return nil, fmt.Errorf("misp: failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+eventsAddPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("misp: failed to build request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		var he *resilience.HTTPError
		if errors.As(err, &he) {
			return nil, &APIError{StatusCode: he.StatusCode, Body: he.Body}
		}
		return nil, fmt.Errorf("misp: POST %s: %w", eventsAddPath, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("misp: failed to read response: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("misp: response is not JSON")
	}

	c.logger.Info("📤 MISP event created",
		zap.String("title", title),
		zap.Int("attributes", len(attributes)))
	return json.RawMessage(body), nil
}

// Unavailable stands in for a MISP instance that is not configured.
// Every CreateEvent fails with ports.ErrPublisherNotConfigured wrapping Err.
type Unavailable struct {
	Err error
}

func (u Unavailable) CreateEvent(context.Context, string, []ports.MISPAttribute) (json.RawMessage, error) {
	if u.Err == nil {
		return nil, ports.ErrPublisherNotConfigured
	}
	return nil, fmt.Errorf("%w: %w", ports.ErrPublisherNotConfigured, u.Err)
}

// NewPublisher returns a Client, or Unavailable when cfg is incomplete.
func NewPublisher(cfg config.MISPConfig, res config.ResilienceConfig, logger *zap.Logger) ports.EventPublisher {
	c, err := NewClient(cfg, res, logger)
	if err != nil {
		if logger != nil {
			logger.Warn("⚠️ MISP push disabled", zap.Error(err))
		}
		return Unavailable{Err: err}
	}
	return c
}
