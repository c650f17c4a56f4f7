package exporter

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"

	"github.com/hive-corporation/iochub/internal/core/domain"
	"github.com/hive-corporation/iochub/internal/core/ports"
	"github.com/hive-corporation/iochub/internal/metrics"
)

const (
	CSVContentType = "text/csv"
	CSVFilename    = "iocs.csv"
)

// CSVHeader is the canonical record's field names, in column order.
var CSVHeader = []string{"value", "type", "first_seen", "last_seen", "confidence", "source", "artifact", "ecosystem", "tags"}

// CSVExporter exports merged IOCs as CSV rows
type CSVExporter struct {
	repo ports.MergeStore
}

func NewCSVExporter(repo ports.MergeStore) *CSVExporter {
	return &CSVExporter{repo: repo}
}

// Export returns the CSV document. No matching rows yields an empty body
// without a header row.
func (e *CSVExporter) Export(ctx context.Context, filter ports.Filter) ([]byte, error) {
	timer := metrics.StartExport("csv")
	defer timer.Observe()

	iocs, err := e.repo.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch IOCs: %w", err)
	}

	return EncodeCSV(iocs)
}

func EncodeCSV(iocs []domain.IOC) ([]byte, error) {
	if len(iocs) == 0 {
		return []byte{}, nil
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(CSVHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, ioc := range iocs {
		row := []string{
			ioc.Value,
			string(ioc.Type),
			domain.FormatTime(ioc.FirstSeen),
			domain.FormatTime(ioc.LastSeen),
			strconv.Itoa(ioc.Confidence),
			ioc.Source,
			ioc.Artifact,
			ioc.Ecosystem,
			domain.EncodeTags(ioc.Tags),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row for %s: %w", ioc.Value, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}
	return buf.Bytes(), nil
}
