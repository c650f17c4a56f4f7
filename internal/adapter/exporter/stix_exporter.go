package exporter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hive-corporation/iochub/internal/core/domain"
	"github.com/hive-corporation/iochub/internal/core/ports"
	"github.com/hive-corporation/iochub/internal/metrics"
)

const (
	// SpecVersion is the version of the STIX specification being implemented.
	SpecVersion = "2.1"

	// ContentType is the Content-Type used when returning STIX bundles.
	ContentType = "application/stix+json;version=2.1"

	// BundleID is fixed so repeated exports of the same records are byte-identical.
	BundleID = "bundle--00000000-0000-4000-8000-000000000000"

	// PlaceholderTimestamp stands in for missing first/last seen timestamps and
	// for created/modified. It is a fixed date, never the export time.
	PlaceholderTimestamp = "2025-01-01T00:00:00Z"

	// ExportConfidenceDefault is the indicator confidence used when a record carries none.
	// It differs from domain.IngestConfidenceDefault on purpose.
	ExportConfidenceDefault = 50

	// ProvenanceLabel is attached to every indicator.
	ProvenanceLabel = "OpenSourceMalware"

	// DefaultEcosystemLabel replaces an empty ecosystem in indicator labels.
	DefaultEcosystemLabel = "open-source"
)

// STIXExporter exports merged IOCs as a STIX 2.1 bundle
type STIXExporter struct {
	repo ports.MergeStore
}

func NewSTIXExporter(repo ports.MergeStore) *STIXExporter {
	return &STIXExporter{repo: repo}
}

// Export builds the bundle for every record matching filter
func (e *STIXExporter) Export(ctx context.Context, filter ports.Filter) ([]byte, error) {
	timer := metrics.StartExport("stix")
	defer timer.Observe()

	iocs, err := e.repo.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch IOCs: %w", err)
	}

	jsonData, err := json.MarshalIndent(BuildBundle(iocs), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal STIX bundle: %w", err)
	}

	return jsonData, nil
}

// BuildBundle emits indicator, observed-data and relationship for each record,
// contiguous and in input order.
func BuildBundle(iocs []domain.IOC) Bundle {
	objects := make([]any, 0, len(iocs)*3)
	for _, ioc := range iocs {
		indicator, observed, rel := buildObjects(ioc)
		objects = append(objects, indicator, observed, rel)
	}

	return Bundle{
		Type:    "bundle",
		ID:      BundleID,
		Objects: objects,
	}
}

func buildObjects(ioc domain.IOC) (Indicator, ObservedData, Relationship) {
	indicator := Indicator{
		Type:           "indicator",
		SpecVersion:    SpecVersion,
		ID:             indicatorID(ioc),
		Created:        PlaceholderTimestamp,
		Modified:       PlaceholderTimestamp,
		Name:           identityKey(ioc),
		IndicatorTypes: []string{"malicious-activity"},
		Pattern:        buildPattern(ioc),
		PatternType:    "stix",
		ValidFrom:      timestampOr(ioc.FirstSeen),
		Labels:         []string{ecosystemLabel(ioc), ProvenanceLabel},
		Confidence:     exportConfidence(ioc),
		XOpenSource:    ioc.Source,
	}

	observed := ObservedData{
		Type:           "observed-data",
		SpecVersion:    SpecVersion,
		ID:             observedDataID(ioc),
		Created:        PlaceholderTimestamp,
		Modified:       PlaceholderTimestamp,
		FirstObserved:  timestampOr(ioc.FirstSeen),
		LastObserved:   timestampOr(ioc.Seen()),
		NumberObserved: 1,
		Objects:        map[string]Observable{"0": buildObservable(ioc)},
	}

	rel := Relationship{
		Type:             "relationship",
		SpecVersion:      SpecVersion,
		ID:               relationshipID(ioc),
		Created:          PlaceholderTimestamp,
		Modified:         PlaceholderTimestamp,
		RelationshipType: "based-on",
		SourceRef:        indicator.ID,
		TargetRef:        observed.ID,
	}

	return indicator, observed, rel
}

func buildPattern(ioc domain.IOC) string {
	v := escapePatternValue(ioc.Value)

	switch ioc.Type.Kind() {
	case domain.KindIP:
		return fmt.Sprintf("[ipv4-addr:value = '%s']", v)
	case domain.KindDomain, domain.KindC2:
		return fmt.Sprintf("[domain-name:value = '%s']", v)
	case domain.KindURL:
		return fmt.Sprintf("[url:value = '%s']", v)
	case domain.KindHash:
		return fmt.Sprintf("[file:hashes.MD5 = '%s']", v)
	case domain.KindEmail:
		return fmt.Sprintf("[email-addr:value = '%s']", v)
	case domain.KindASN:
		if n, ok := parseASN(ioc.Value); ok {
			return fmt.Sprintf("[autonomous-system:number = %d]", n)
		}
		return fmt.Sprintf("[autonomous-system:number = '%s']", v)
	default:
		return fmt.Sprintf("[x-open:value = '%s']", v)
	}
}

func buildObservable(ioc domain.IOC) Observable {
	switch ioc.Type.Kind() {
	case domain.KindIP:
		return Observable{Type: "ipv4-addr", Value: ioc.Value}
	case domain.KindDomain, domain.KindC2:
		return Observable{Type: "domain-name", Value: ioc.Value}
	case domain.KindURL:
		return Observable{Type: "url", Value: ioc.Value}
	case domain.KindHash:
		return Observable{Type: "file", Hashes: map[string]string{"MD5": ioc.Value}}
	case domain.KindEmail:
		return Observable{Type: "email-addr", Value: ioc.Value}
	case domain.KindASN:
		if n, ok := parseASN(ioc.Value); ok {
			return Observable{Type: "autonomous-system", Number: n}
		}
		return Observable{Type: "autonomous-system", Number: ioc.Value}
	default:
		return Observable{Type: "x-open", Value: ioc.Value}
	}
}

// parseASN accepts "1234", "AS1234" and "as1234".
func parseASN(value string) (uint64, bool) {
	s := strings.TrimSpace(value)
	if len(s) > 2 && strings.EqualFold(s[:2], "AS") {
		s = s[2:]
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return n, true
}

// escapePatternValue escapes a string literal for a STIX pattern.
func escapePatternValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

func timestampOr(t *time.Time) string {
	if t == nil {
		return PlaceholderTimestamp
	}
	return domain.FormatTime(t)
}

func ecosystemLabel(ioc domain.IOC) string {
	if ioc.Ecosystem == "" {
		return DefaultEcosystemLabel
	}
	return ioc.Ecosystem
}

func exportConfidence(ioc domain.IOC) int {
	if ioc.Confidence <= 0 {
		return ExportConfidenceDefault
	}
	return ioc.Confidence
}

// STIX 2.1 data structures

type Bundle struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Objects []any  `json:"objects"`
}

type Indicator struct {
	Type           string   `json:"type"`
	SpecVersion    string   `json:"spec_version"`
	ID             string   `json:"id"`
	Created        string   `json:"created"`
	Modified       string   `json:"modified"`
	Name           string   `json:"name"`
	IndicatorTypes []string `json:"indicator_types"`
	Pattern        string   `json:"pattern"`
	PatternType    string   `json:"pattern_type"`
	ValidFrom      string   `json:"valid_from"`
	Labels         []string `json:"labels"`
	Confidence     int      `json:"confidence"`
	XOpenSource    string   `json:"x_open_source,omitempty"`
}

type ObservedData struct {
	Type           string                `json:"type"`
	SpecVersion    string                `json:"spec_version"`
	ID             string                `json:"id"`
	Created        string                `json:"created"`
	Modified       string                `json:"modified"`
	FirstObserved  string                `json:"first_observed"`
	LastObserved   string                `json:"last_observed"`
	NumberObserved int                   `json:"number_observed"`
	Objects        map[string]Observable `json:"objects"`
}

// Observable is the single cyber-observable embedded in observed-data.
type Observable struct {
	Type   string            `json:"type"`
	Value  string            `json:"value,omitempty"`
	Number any               `json:"number,omitempty"`
	Hashes map[string]string `json:"hashes,omitempty"`
}

type Relationship struct {
	Type             string `json:"type"`
	SpecVersion      string `json:"spec_version"`
	ID               string `json:"id"`
	Created          string `json:"created"`
	Modified         string `json:"modified"`
	RelationshipType string `json:"relationship_type"`
	SourceRef        string `json:"source_ref"`
	TargetRef        string `json:"target_ref"`
}
