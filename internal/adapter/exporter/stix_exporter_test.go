package exporter

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/hive-corporation/iochub/internal/adapter/repository"
	"github.com/hive-corporation/iochub/internal/core/domain"
	"github.com/hive-corporation/iochub/internal/core/ports"
	"go.uber.org/zap"
)

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestBuildBundle_HashScenario(t *testing.T) {
	bundle := BuildBundle([]domain.IOC{{Value: "abc123", Type: domain.FileHash, Source: "X"}})

	if bundle.Type != "bundle" || bundle.ID != BundleID {
		t.Fatalf("unexpected bundle header: %s %s", bundle.Type, bundle.ID)
	}
	if len(bundle.Objects) != 3 {
		t.Fatalf("expected 3 objects, got %d", len(bundle.Objects))
	}

	indicator := bundle.Objects[0].(Indicator)
	observed := bundle.Objects[1].(ObservedData)
	rel := bundle.Objects[2].(Relationship)

	if indicator.Pattern != "[file:hashes.MD5 = 'abc123']" {
		t.Errorf("pattern = %q", indicator.Pattern)
	}

	obj, ok := observed.Objects["0"]
	if !ok || obj.Type != "file" || obj.Hashes["MD5"] != "abc123" {
		t.Errorf("observable = %+v", obj)
	}
	if observed.NumberObserved != 1 {
		t.Errorf("number_observed = %d", observed.NumberObserved)
	}

	if rel.RelationshipType != "based-on" {
		t.Errorf("relationship_type = %q", rel.RelationshipType)
	}
	if rel.SourceRef != indicator.ID || rel.TargetRef != observed.ID {
		t.Errorf("relationship links %s -> %s, want %s -> %s", rel.SourceRef, rel.TargetRef, indicator.ID, observed.ID)
	}
}

func TestBuildBundle_DeterministicIdentifiers(t *testing.T) {
	rec := domain.IOC{Value: "evil.example", Type: domain.Domain, Source: "X", Confidence: 80, FirstSeen: ts("2025-01-01T10:00:00Z")}

	first, err := json.Marshal(BuildBundle([]domain.IOC{rec}))
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := json.Marshal(BuildBundle([]domain.IOC{rec}))
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(first, second) {
		t.Errorf("exports differ:\n%s\n%s", first, second)
	}

	// uuid5(NAMESPACE_URL, "indicator:domain:evil.example")
	got := BuildBundle([]domain.IOC{rec}).Objects[0].(Indicator).ID
	if got != DeriveID("indicator", "indicator:domain:evil.example") {
		t.Errorf("indicator id %s not derived from identity", got)
	}
	if !strings.HasPrefix(got, "indicator--") || got[len("indicator--")+14] != '5' {
		t.Errorf("indicator id %s is not a UUIDv5", got)
	}
}

func TestBuildBundle_IdentifiersUniquePerRecordAndObject(t *testing.T) {
	iocs := []domain.IOC{
		{Value: "x", Type: domain.Domain},
		{Value: "x", Type: domain.C2},
		{Value: "y", Type: domain.Domain},
	}

	seen := map[string]bool{}
	for _, obj := range BuildBundle(iocs).Objects {
		var id string
		switch o := obj.(type) {
		case Indicator:
			id = o.ID
		case ObservedData:
			id = o.ID
		case Relationship:
			id = o.ID
		}
		if seen[id] {
			t.Errorf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestBuildBundle_TypeDispatch(t *testing.T) {
	tests := []struct {
		typ        domain.IOCType
		value      string
		pattern    string
		observable Observable
	}{
		{domain.IPAddress, "1.2.3.4", "[ipv4-addr:value = '1.2.3.4']", Observable{Type: "ipv4-addr", Value: "1.2.3.4"}},
		{domain.Domain, "evil.example", "[domain-name:value = 'evil.example']", Observable{Type: "domain-name", Value: "evil.example"}},
		{domain.C2, "c2.example", "[domain-name:value = 'c2.example']", Observable{Type: "domain-name", Value: "c2.example"}},
		{domain.URL, "http://x/y", "[url:value = 'http://x/y']", Observable{Type: "url", Value: "http://x/y"}},
		{domain.FileHash, "abc", "[file:hashes.MD5 = 'abc']", Observable{Type: "file", Hashes: map[string]string{"MD5": "abc"}}},
		{domain.Email, "a@b.c", "[email-addr:value = 'a@b.c']", Observable{Type: "email-addr", Value: "a@b.c"}},
		{domain.ASN, "AS1234", "[autonomous-system:number = 1234]", Observable{Type: "autonomous-system", Number: uint64(1234)}},
		{domain.ASN, "bogus", "[autonomous-system:number = 'bogus']", Observable{Type: "autonomous-system", Number: "bogus"}},
		{"cve", "CVE-1", "[x-open:value = 'CVE-1']", Observable{Type: "x-open", Value: "CVE-1"}},
		{"", "mystery", "[x-open:value = 'mystery']", Observable{Type: "x-open", Value: "mystery"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ)+"/"+tt.value, func(t *testing.T) {
			ioc := domain.IOC{Value: tt.value, Type: tt.typ}

			if got := buildPattern(ioc); got != tt.pattern {
				t.Errorf("pattern = %q, want %q", got, tt.pattern)
			}

			got := buildObservable(ioc)
			gotJSON, _ := json.Marshal(got)
			wantJSON, _ := json.Marshal(tt.observable)
			if !bytes.Equal(gotJSON, wantJSON) {
				t.Errorf("observable = %s, want %s", gotJSON, wantJSON)
			}

			known := tt.typ.Kind() != domain.KindUnknown
			fellBack := strings.HasPrefix(tt.pattern, "[x-open") || got.Type == "x-open"
			if known == fellBack {
				t.Errorf("known=%v but fallback=%v", known, fellBack)
			}
		})
	}
}

func TestBuildBundle_Defaults(t *testing.T) {
	bundle := BuildBundle([]domain.IOC{{Value: "1.2.3.4", Type: domain.IPAddress, Source: "X"}})

	indicator := bundle.Objects[0].(Indicator)
	observed := bundle.Objects[1].(ObservedData)

	if indicator.ValidFrom != PlaceholderTimestamp {
		t.Errorf("valid_from = %s, want placeholder", indicator.ValidFrom)
	}
	if indicator.Confidence != ExportConfidenceDefault {
		t.Errorf("confidence = %d, want %d", indicator.Confidence, ExportConfidenceDefault)
	}
	if indicator.Labels[0] != DefaultEcosystemLabel || indicator.Labels[1] != ProvenanceLabel {
		t.Errorf("labels = %v", indicator.Labels)
	}
	if observed.FirstObserved != PlaceholderTimestamp || observed.LastObserved != PlaceholderTimestamp {
		t.Errorf("observed window = %s..%s", observed.FirstObserved, observed.LastObserved)
	}
}

func TestBuildBundle_TimestampsAndLabels(t *testing.T) {
	rec := domain.IOC{
		Value: "1.2.3.4", Type: domain.IPAddress, Source: "X", Confidence: 90, Ecosystem: "npm",
		FirstSeen: ts("2025-01-10T00:00:00Z"),
	}

	observed := BuildBundle([]domain.IOC{rec}).Objects[1].(ObservedData)
	if observed.LastObserved != "2025-01-10T00:00:00Z" {
		t.Errorf("last_observed should fall back to first_seen, got %s", observed.LastObserved)
	}

	rec.LastSeen = ts("2025-02-01T00:00:00Z")
	bundle := BuildBundle([]domain.IOC{rec})
	indicator := bundle.Objects[0].(Indicator)
	observed = bundle.Objects[1].(ObservedData)

	if indicator.ValidFrom != "2025-01-10T00:00:00Z" {
		t.Errorf("valid_from = %s", indicator.ValidFrom)
	}
	if observed.LastObserved != "2025-02-01T00:00:00Z" {
		t.Errorf("last_observed = %s", observed.LastObserved)
	}
	if indicator.Labels[0] != "npm" || indicator.Confidence != 90 || indicator.XOpenSource != "X" {
		t.Errorf("indicator = %+v", indicator)
	}
}

func TestBuildBundle_OrderFollowsInput(t *testing.T) {
	iocs := []domain.IOC{
		{Value: "b", Type: domain.Domain},
		{Value: "a", Type: domain.Domain},
	}
	objects := BuildBundle(iocs).Objects

	wantKinds := []string{"indicator", "observed-data", "relationship", "indicator", "observed-data", "relationship"}
	for i, obj := range objects {
		raw, _ := json.Marshal(obj)
		var head struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(raw, &head)
		if head.Type != wantKinds[i] {
			t.Errorf("object %d type = %s, want %s", i, head.Type, wantKinds[i])
		}
	}
	if objects[0].(Indicator).Name != "domain:b" || objects[3].(Indicator).Name != "domain:a" {
		t.Error("records not emitted in input order")
	}
}

func TestBuildBundle_EscapesPatternLiterals(t *testing.T) {
	got := buildPattern(domain.IOC{Value: `http://x/'a\b`, Type: domain.URL})
	want := `[url:value = 'http://x/\'a\\b']`
	if got != want {
		t.Errorf("pattern = %s, want %s", got, want)
	}
}

func TestSTIXExporter_EmptyStore(t *testing.T) {
	repo := repository.NewMemoryRepository(zap.NewNop())
	data, err := NewSTIXExporter(repo).Export(context.Background(), ports.Filter{})
	if err != nil {
		t.Fatal(err)
	}

	var bundle struct {
		ID      string            `json:"id"`
		Objects []json.RawMessage `json:"objects"`
	}
	if err := json.Unmarshal(data, &bundle); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if bundle.ID != BundleID || bundle.Objects == nil || len(bundle.Objects) != 0 {
		t.Errorf("empty export = %s", data)
	}
}
