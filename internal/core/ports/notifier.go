package ports

import "context"

// Notifier defines the interface for sending notifications to external systems
type Notifier interface {
	// NotifyHarvest reports the outcome of one harvest run
	NotifyHarvest(ctx context.Context, summary HarvestSummary) error

	// NotifyMISPPush reports an event pushed to MISP
	NotifyMISPPush(ctx context.Context, push MISPPushSummary) error
}

// Notification data structures

type HarvestSummary struct {
	Terms            []string
	Ecosystem        string
	Artifacts        int
	Harvested        int
	Skipped          int
	SkippedArtifacts int
	Failed           []string
}

type MISPPushSummary struct {
	Title    string
	Artifact string
	Sent     int
}
