package exporter

import (
	"context"
	"fmt"
	"strings"

	"github.com/hive-corporation/iochub/internal/core/domain"
	"github.com/hive-corporation/iochub/internal/core/ports"
	"github.com/hive-corporation/iochub/internal/metrics"
)

// CEFExporter exports IOCs in Common Event Format for SIEM ingestion
type CEFExporter struct {
	repo ports.MergeStore
}

func NewCEFExporter(repo ports.MergeStore) *CEFExporter {
	return &CEFExporter{repo: repo}
}

// Export generates CEF-formatted IOC feed, one line per record
// Format: CEF:Version|Device Vendor|Device Product|Device Version|Signature ID|Name|Severity|Extension
func (e *CEFExporter) Export(ctx context.Context, filter ports.Filter) (string, error) {
	timer := metrics.StartExport("cef")
	defer timer.Observe()

	iocs, err := e.repo.Query(ctx, filter)
	if err != nil {
		return "", fmt.Errorf("failed to fetch IOCs: %w", err)
	}

	var output strings.Builder
	for _, ioc := range iocs {
		output.WriteString(FormatCEF(ioc))
		output.WriteString("\n")
	}

	return output.String(), nil
}

// FormatCEF renders one record as a CEF line
func FormatCEF(ioc domain.IOC) string {
	vendor := "HiveCorporation"
	product := "IOCHub"
	version := "1.0"
	signatureID := ioc.Type.Kind().String()
	name := fmt.Sprintf("%s IOC Detected", strings.ToUpper(signatureID))
	confidence := exportConfidence(ioc)
	severity := calculateSeverity(confidence)

	// CEF Extensions (key=value pairs)
	extensions := []string{
		fmt.Sprintf("src=%s", escapeField(ioc.Value)),
		"cn1Label=ConfidenceScore",
		fmt.Sprintf("cn1=%d", confidence),
		"cs1Label=Artifact",
		fmt.Sprintf("cs1=%s", escapeField(ioc.Artifact)),
		"cs2Label=Source",
		fmt.Sprintf("cs2=%s", escapeField(ioc.Source)),
		"cs3Label=Tags",
		fmt.Sprintf("cs3=%s", escapeField(strings.Join(ioc.Tags, ","))),
		"cs4Label=Ecosystem",
		fmt.Sprintf("cs4=%s", escapeField(ioc.Ecosystem)),
	}
	if seen := ioc.Seen(); seen != nil {
		extensions = append(extensions, fmt.Sprintf("rt=%d", seen.UnixMilli()))
	}

	return fmt.Sprintf("CEF:0|%s|%s|%s|%s|%s|%d|%s",
		vendor, product, version, signatureID, name, severity, strings.Join(extensions, " "))
}

func calculateSeverity(confidence int) int {
	// Map confidence (0-100) to CEF severity (0-10)
	if confidence >= 90 {
		return 10 // Critical
	} else if confidence >= 80 {
		return 8 // High
	} else if confidence >= 70 {
		return 6 // Medium
	} else if confidence >= 60 {
		return 4 // Low
	}
	return 2 // Info
}

func escapeField(s string) string {
	// Escape special characters in CEF fields
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "|", "\\|")
	s = strings.ReplaceAll(s, "=", "\\=")
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	return s
}
