package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hive-corporation/iochub/internal/core/domain"
	"github.com/hive-corporation/iochub/internal/core/ports"
	"github.com/hive-corporation/iochub/internal/metrics"
)

// Skip reasons, also used as metric labels.
const (
	SkipDecode            = "decode"
	SkipMissingValue      = "missing_value"
	SkipMissingArtifactID = "missing_artifact_id"
)

// TermReport is the outcome of harvesting one search term.
type TermReport struct {
	Term             string
	Artifacts        int
	Harvested        int
	Skipped          int // raw records
	SkippedArtifacts int // artifacts without an id
}

// HarvestReport aggregates a harvest run over several terms.
type HarvestReport struct {
	Terms            []TermReport
	Artifacts        int
	Harvested        int
	Skipped          int
	SkippedArtifacts int
	Failed           []string // termos que falharam
}

// Harvester pulls artifacts and their IOCs from a HarvestSource, normalizes
// them and merges them into the store. Malformed records are skipped and counted.
type Harvester struct {
	source   ports.HarvestSource
	store    ports.MergeStore
	notifier ports.Notifier
	logger   *zap.Logger
}

// NewHarvester creates a harvester. notifier may be nil.
func NewHarvester(source ports.HarvestSource, store ports.MergeStore, notifier ports.Notifier, logger *zap.Logger) *Harvester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harvester{source: source, store: store, notifier: notifier, logger: logger}
}

// Run harvests every term in order. A failing term is recorded and the run
// continues with the next one; the joined term errors are returned with the
// report. Store errors abort the run.
func (h *Harvester) Run(ctx context.Context, terms []string, ecosystem string) (HarvestReport, error) {
	report := HarvestReport{}
	var termErrs []error

	for _, term := range terms {
		tr, err := h.Harvest(ctx, term, ecosystem)
		report.Terms = append(report.Terms, tr)
		report.Artifacts += tr.Artifacts
		report.Harvested += tr.Harvested
		report.Skipped += tr.Skipped
		report.SkippedArtifacts += tr.SkippedArtifacts

		if err != nil {
			var se *storeError
			if errors.As(err, &se) || ctx.Err() != nil {
				return report, err
			}
			h.logger.Error("❌ Harvest failed for term", zap.String("term", term), zap.Error(err))
			report.Failed = append(report.Failed, term)
			termErrs = append(termErrs, err)
			continue
		}
		h.logger.Info("✅ Term harvested",
			zap.String("term", term),
			zap.Int("artifacts", tr.Artifacts),
			zap.Int("harvested", tr.Harvested),
			zap.Int("skipped", tr.Skipped),
			zap.Int("skipped_artifacts", tr.SkippedArtifacts))
	}

	h.logger.Info("🏁 Harvest finished",
		zap.Int("total", report.Harvested),
		zap.Int("skipped", report.Skipped),
		zap.Int("skipped_artifacts", report.SkippedArtifacts),
		zap.Strings("failed_terms", report.Failed))

	if h.notifier != nil {
		summary := ports.HarvestSummary{
			Terms:            terms,
			Ecosystem:        ecosystem,
			Artifacts:        report.Artifacts,
			Harvested:        report.Harvested,
			Skipped:          report.Skipped,
			SkippedArtifacts: report.SkippedArtifacts,
			Failed:           report.Failed,
		}
		if err := h.notifier.NotifyHarvest(ctx, summary); err != nil {
			h.logger.Warn("⚠️ Failed to send harvest notification", zap.Error(err))
		}
	}

	return report, errors.Join(termErrs...)
}

// Harvest searches one term and merges the IOCs of every artifact found,
// one store batch per artifact.
func (h *Harvester) Harvest(ctx context.Context, term, ecosystem string) (TermReport, error) {
	tr := TermReport{Term: term}

	h.logger.Info("📥 Searching artifacts", zap.String("source", h.source.Name()), zap.String("term", term), zap.String("ecosystem", ecosystem))
	artifacts, err := h.source.SearchArtifacts(ctx, term, ecosystem)
	if err != nil {
		return tr, fmt.Errorf("search %q: %w", term, err)
	}

	for _, a := range artifacts {
		if a.ID == "" {
			tr.SkippedArtifacts++
			metrics.RecordHarvestSkipped(SkipMissingArtifactID)
			h.logger.Warn("⚠️ Skipping artifact without id", zap.String("term", term))
			continue
		}
		tr.Artifacts++

		raws, err := h.source.ListIOCs(ctx, a.ID)
		if err != nil {
			return tr, fmt.Errorf("list IOCs of %q: %w", a.ID, err)
		}

		attr := domain.Attribution{Artifact: a.ID, Ecosystem: a.Ecosystem}
		candidates := make([]domain.IOC, 0, len(raws))
		for _, raw := range raws {
			ioc, err := domain.Normalize(raw, attr)
			if err != nil {
				tr.Skipped++
				metrics.RecordHarvestSkipped(SkipDecode)
				h.logger.Warn("⚠️ Skipping undecodable record", zap.String("artifact", a.ID), zap.Error(err))
				continue
			}
			if ioc.Value == "" {
				tr.Skipped++
				metrics.RecordHarvestSkipped(SkipMissingValue)
				h.logger.Warn("⚠️ Skipping record without value", zap.String("artifact", a.ID))
				continue
			}
			candidates = append(candidates, ioc)
		}

		n, err := h.store.Upsert(ctx, candidates)
		if err != nil {
			return tr, &storeError{err: fmt.Errorf("upsert IOCs of %q: %w", a.ID, err)}
		}
		tr.Harvested += n
		h.logger.Debug("📦 Artifact merged", zap.String("artifact", a.ID), zap.Int("iocs", n))
	}

	return tr, nil
}

// storeError marks failures of the merge store, which end the whole run.
type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }
