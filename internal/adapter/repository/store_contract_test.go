package repository

import (
	"context"
	"reflect"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hive-corporation/iochub/internal/core/domain"
	"github.com/hive-corporation/iochub/internal/core/ports"
	"github.com/hive-corporation/iochub/internal/metrics"
)

// testMergeStore runs the merge rules against a store implementation.
// newStore must return an empty store.
func testMergeStore(t *testing.T, newStore func(t *testing.T) ports.MergeStore) {
	ctx := context.Background()

	mustUpsert := func(t *testing.T, store ports.MergeStore, iocs ...domain.IOC) {
		t.Helper()
		if n, err := store.Upsert(ctx, iocs); err != nil || n != len(iocs) {
			t.Fatalf("Upsert = %d, %v", n, err)
		}
	}
	single := func(t *testing.T, store ports.MergeStore) domain.IOC {
		t.Helper()
		got, err := store.Query(ctx, ports.Filter{})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("expected one row, got %d", len(got))
		}
		return got[0]
	}

	t.Run("scenario", func(t *testing.T) {
		store := newStore(t)
		mustUpsert(t, store, domain.IOC{Value: "1.2.3.4", Type: domain.IPAddress, Source: "X", Confidence: 60})
		mustUpsert(t, store, domain.IOC{Value: "1.2.3.4", Type: domain.IPAddress, Source: "X", Confidence: 40, LastSeen: ts("2025-02-01T00:00:00Z")})

		got := single(t, store)
		if got.Confidence != 60 || domain.FormatTime(got.LastSeen) != "2025-02-01T00:00:00Z" {
			t.Errorf("merged = %+v", got)
		}
	})

	t.Run("empty tags do not erase", func(t *testing.T) {
		store := newStore(t)
		mustUpsert(t, store, domain.IOC{Value: "a.example", Type: domain.Domain, Source: "X", Tags: []string{"c2", "npm"}})
		mustUpsert(t, store, domain.IOC{Value: "a.example", Type: domain.Domain, Source: "X"})

		if got := single(t, store); !reflect.DeepEqual(got.Tags, []string{"c2", "npm"}) {
			t.Errorf("tags = %v", got.Tags)
		}

		mustUpsert(t, store, domain.IOC{Value: "a.example", Type: domain.Domain, Source: "X", Tags: []string{"phishing"}})
		if got := single(t, store); !reflect.DeepEqual(got.Tags, []string{"phishing"}) {
			t.Errorf("tags = %v", got.Tags)
		}
	})

	t.Run("absent last_seen keeps stored", func(t *testing.T) {
		store := newStore(t)
		mustUpsert(t, store, domain.IOC{Value: "u", Type: domain.URL, Source: "X", LastSeen: ts("2025-03-01T00:00:00Z")})
		mustUpsert(t, store, domain.IOC{Value: "u", Type: domain.URL, Source: "X"})

		if got := single(t, store); domain.FormatTime(got.LastSeen) != "2025-03-01T00:00:00Z" {
			t.Errorf("last_seen = %s", domain.FormatTime(got.LastSeen))
		}
	})

	t.Run("first_seen never changes", func(t *testing.T) {
		store := newStore(t)
		mustUpsert(t, store, domain.IOC{Value: "h", Type: domain.FileHash, Source: "X", FirstSeen: ts("2025-01-10T00:00:00Z")})
		mustUpsert(t, store, domain.IOC{Value: "h", Type: domain.FileHash, Source: "X", FirstSeen: ts("2024-06-01T00:00:00Z")})

		if got := single(t, store); domain.FormatTime(got.FirstSeen) != "2025-01-10T00:00:00Z" {
			t.Errorf("first_seen = %s", domain.FormatTime(got.FirstSeen))
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		store := newStore(t)
		rec := domain.IOC{
			Value: "e.example", Type: domain.Domain, Source: "X", Confidence: 75,
			Artifact: "pkg", Ecosystem: "npm", Tags: []string{"t"},
			FirstSeen: ts("2025-01-01T00:00:00Z"), LastSeen: ts("2025-01-02T00:00:00Z"),
		}
		mustUpsert(t, store, rec)
		first := single(t, store)
		mustUpsert(t, store, rec)
		second := single(t, store)

		if domain.FormatTime(first.FirstSeen) != domain.FormatTime(second.FirstSeen) ||
			domain.FormatTime(first.LastSeen) != domain.FormatTime(second.LastSeen) ||
			first.Confidence != second.Confidence || !reflect.DeepEqual(first.Tags, second.Tags) {
			t.Errorf("second upsert changed the row:\n%+v\n%+v", first, second)
		}
	})

	t.Run("confidence clamped", func(t *testing.T) {
		store := newStore(t)
		mustUpsert(t, store,
			domain.IOC{Value: "hi", Type: domain.Domain, Source: "X", Confidence: 101},
			domain.IOC{Value: "lo", Type: domain.Domain, Source: "X", Confidence: -5},
		)

		got, err := store.Query(ctx, ports.Filter{})
		if err != nil {
			t.Fatal(err)
		}
		byValue := map[string]int{}
		for _, ioc := range got {
			byValue[ioc.Value] = ioc.Confidence
		}
		if byValue["hi"] != 100 || byValue["lo"] != 0 {
			t.Errorf("confidences = %v", byValue)
		}
	})

	t.Run("attribution drift counted", func(t *testing.T) {
		metrics.Init()
		store := newStore(t)
		mustUpsert(t, store, domain.IOC{Value: "d", Type: domain.Domain, Source: "X", Artifact: "pkg-a", Ecosystem: "npm"})

		before := driftTotal(t)
		mustUpsert(t, store, domain.IOC{Value: "d", Type: domain.Domain, Source: "X", Artifact: "pkg-b", Ecosystem: "npm"})
		mustUpsert(t, store, domain.IOC{Value: "d", Type: domain.Domain, Source: "X", Artifact: "pkg-a", Ecosystem: "npm"})

		if got := driftTotal(t) - before; got != 1 {
			t.Errorf("drift delta = %v, want 1", got)
		}
		if got := single(t, store); got.Artifact != "pkg-a" {
			t.Errorf("artifact = %q, want stored pkg-a", got.Artifact)
		}
	})
}

func driftTotal(t *testing.T) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() == "iochub_attribution_drift_total" && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}
