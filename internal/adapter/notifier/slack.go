package notifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/hive-corporation/iochub/internal/config"
	"github.com/hive-corporation/iochub/internal/core/ports"
)

// Up to 10 failed terms listed in a message
const maxFailedTermsDisplay = 10

type SlackNotifier struct {
	client      *slack.Client
	channel     string
	mentionTeam string
	logger      *zap.Logger
}

// NewSlackNotifier returns nil when no bot token is configured.
func NewSlackNotifier(cfg config.SlackConfig, logger *zap.Logger, opts ...slack.Option) *SlackNotifier {
	if !cfg.Enabled() {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SlackNotifier{
		client:      slack.New(cfg.BotToken, opts...),
		channel:     cfg.Channel,
		mentionTeam: cfg.Mention,
		logger:      logger,
	}
}

// NotifyHarvest sends the summary of a harvest run
func (s *SlackNotifier) NotifyHarvest(ctx context.Context, summary ports.HarvestSummary) error {
	text := fmt.Sprintf("📥 Harvest finished: %d IOCs from %d artifacts", summary.Harvested, summary.Artifacts)
	return s.send(ctx, text, buildHarvestBlocks(summary, s.mentionTeam))
}

// NotifyMISPPush sends a message for an event pushed to MISP
func (s *SlackNotifier) NotifyMISPPush(ctx context.Context, push ports.MISPPushSummary) error {
	text := fmt.Sprintf("🚀 %d IOCs pushed to MISP", push.Sent)
	return s.send(ctx, text, buildPushBlocks(push))
}

func (s *SlackNotifier) send(ctx context.Context, text string, blocks []slack.Block) error {
	_, ts, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return fmt.Errorf("failed to post Slack message: %w", err)
	}
	s.logger.Debug("💬 Slack message sent", zap.String("channel", s.channel), zap.String("ts", ts))
	return nil
}

func newField(title, value string) *slack.TextBlockObject {
	return slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*%s*\n%s", title, value), false, false)
}

func buildHarvestBlocks(summary ports.HarvestSummary, mention string) []slack.Block {
	ecosystem := summary.Ecosystem
	if ecosystem == "" {
		ecosystem = "any"
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", "📥 OpenSourceMalware harvest", true, false)),
		slack.NewSectionBlock(nil, []*slack.TextBlockObject{
			newField("Terms", strings.Join(summary.Terms, ", ")),
			newField("Ecosystem", ecosystem),
			newField("Artifacts", fmt.Sprintf("%d", summary.Artifacts)),
			newField("IOCs merged", fmt.Sprintf("%d", summary.Harvested)),
			newField("Skipped records", fmt.Sprintf("%d", summary.Skipped)),
			newField("Skipped artifacts", fmt.Sprintf("%d", summary.SkippedArtifacts)),
		}, nil),
	}

	if len(summary.Failed) > 0 {
		failed := summary.Failed
		if len(failed) > maxFailedTermsDisplay {
			failed = failed[:maxFailedTermsDisplay]
		}
		text := fmt.Sprintf("⚠️ *Failed terms*: %s", strings.Join(failed, ", "))
		if mention != "" {
			text += " " + mention
		}
		blocks = append(blocks,
			slack.NewDividerBlock(),
			slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", text, false, false), nil, nil),
		)
	}
	return blocks
}

func buildPushBlocks(push ports.MISPPushSummary) []slack.Block {
	artifact := push.Artifact
	if artifact == "" {
		artifact = "all"
	}
	return []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", "🚀 MISP event created", true, false)),
		slack.NewSectionBlock(nil, []*slack.TextBlockObject{
			newField("Event", push.Title),
			newField("Artifact", artifact),
			newField("Attributes", fmt.Sprintf("%d", push.Sent)),
		}, nil),
	}
}
