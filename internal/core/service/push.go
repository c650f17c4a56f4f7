package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hive-corporation/iochub/internal/core/ports"
	"github.com/hive-corporation/iochub/internal/metrics"
)

// DefaultPushLimit bounds how many records one MISP event carries.
const DefaultPushLimit = 2000

const (
	PushStatusOK    = "ok"
	PushStatusEmpty = "empty"
)

type PushResult struct {
	Status   string          `json:"status"`
	Sent     int             `json:"sent"`
	Title    string          `json:"title,omitempty"`
	Response json.RawMessage `json:"misp_response,omitempty"`
}

// MISPPusher publishes merged records as one MISP event.
type MISPPusher struct {
	store     ports.MergeStore
	publisher ports.EventPublisher
	notifier  ports.Notifier
	logger    *zap.Logger
	now       func() time.Time
}

// NewMISPPusher creates a pusher. notifier may be nil.
func NewMISPPusher(store ports.MergeStore, publisher ports.EventPublisher, notifier ports.Notifier, logger *zap.Logger) *MISPPusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MISPPusher{
		store:     store,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
	}
}

// Push sends the records matching artifact (all when empty), newest first.
// No matching record means no event and Status "empty".
func (p *MISPPusher) Push(ctx context.Context, artifact string, limit int) (PushResult, error) {
	if limit <= 0 {
		limit = DefaultPushLimit
	}

	iocs, err := p.store.Query(ctx, ports.Filter{Artifact: artifact, Limit: limit})
	if err != nil {
		metrics.RecordMISPPush("error")
		return PushResult{}, fmt.Errorf("failed to fetch IOCs: %w", err)
	}
	if len(iocs) == 0 {
		metrics.RecordMISPPush(PushStatusEmpty)
		p.logger.Info("📭 Nothing to push to MISP", zap.String("artifact", artifact))
		return PushResult{Status: PushStatusEmpty, Sent: 0}, nil
	}

	title := EventTitle(artifact, p.now())
	attrs := BuildAttributes(iocs)

	resp, err := p.publisher.CreateEvent(ctx, title, attrs)
	if err != nil {
		if errors.Is(err, ports.ErrPublisherNotConfigured) {
			metrics.RecordMISPPush("config_error")
			return PushResult{}, err
		}
		metrics.RecordMISPPush("error")
		return PushResult{}, fmt.Errorf("failed to create MISP event: %w", err)
	}

	metrics.RecordMISPPush(PushStatusOK)
	p.logger.Info("🚀 Pushed IOCs to MISP", zap.String("title", title), zap.Int("sent", len(attrs)))

	if p.notifier != nil {
		push := ports.MISPPushSummary{Title: title, Artifact: artifact, Sent: len(attrs)}
		if err := p.notifier.NotifyMISPPush(ctx, push); err != nil {
			p.logger.Warn("⚠️ Failed to send MISP push notification", zap.Error(err))
		}
	}

	return PushResult{Status: PushStatusOK, Sent: len(attrs), Title: title, Response: resp}, nil
}
