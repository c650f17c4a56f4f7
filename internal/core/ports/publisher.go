package ports

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrPublisherNotConfigured is returned by an EventPublisher that has no
// upstream to publish to.
var ErrPublisherNotConfigured = errors.New("event publisher not configured")

// MISPAttribute is one attribute of an outbound MISP event.
type MISPAttribute struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Category string `json:"category"`
	ToIDs    bool   `json:"to_ids"`
	Comment  string `json:"comment"`
}

// EventPublisher creates exactly one upstream event per call or fails.
type EventPublisher interface {
	CreateEvent(ctx context.Context, title string, attributes []MISPAttribute) (json.RawMessage, error)
}
