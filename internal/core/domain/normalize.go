package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// IngestConfidenceDefault is applied when an upstream record carries no confidence.
const IngestConfidenceDefault = 70

// DefaultSource is the provenance label of records harvested from OpenSourceMalware.
const DefaultSource = "OpenSourceMalware"

// ErrDecode marks a raw observation that is not a JSON object.
var ErrDecode = errors.New("raw observation is not a structured mapping")

// Attribution is the harvest context a raw record is normalized under.
type Attribution struct {
	Source    string
	Artifact  string
	Ecosystem string
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalize converts one raw upstream observation into a canonical record candidate.
// It has no side effects and fails only when raw is not a JSON object.
func Normalize(raw []byte, attr Attribution) (IOC, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return IOC{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if fields == nil {
		return IOC{}, fmt.Errorf("%w: null record", ErrDecode)
	}

	source := attr.Source
	if source == "" {
		source = DefaultSource
	}

	value := scalarString(fields["value"])
	if value == "" {
		value = scalarString(fields["indicator"])
	}

	confidence := IngestConfidenceDefault
	if c, ok := confidenceOf(fields["confidence"]); ok {
		confidence = c
	}

	return IOC{
		Value:      value,
		Type:       IOCType(strings.ToLower(scalarString(fields["type"]))),
		FirstSeen:  parseTime(fields["first_seen"]),
		LastSeen:   parseTime(fields["last_seen"]),
		Confidence: confidence,
		Source:     source,
		Artifact:   attr.Artifact,
		Ecosystem:  attr.Ecosystem,
		Tags:       tagsOf(fields["tags"]),
	}, nil
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

func confidenceOf(v any) (int, bool) {
	var f float64
	switch t := v.(type) {
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		n := json.Number(strings.TrimSpace(t))
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	// clamp before converting so huge values cannot overflow int
	f = math.Max(0, math.Min(100, f))
	return int(math.Round(f)), true
}

// ClampConfidence bounds c to the 0..100 confidence scale.
func ClampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

func tagsOf(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return []string{}
	}
	tags := make([]string, 0, len(list))
	for _, item := range list {
		if s := scalarString(item); s != "" {
			tags = append(tags, s)
		}
	}
	return tags
}

func parseTime(v any) *time.Time {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
