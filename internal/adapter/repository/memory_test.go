package repository

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/hive-corporation/iochub/internal/config"
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

func newRepo() *MemoryRepository {
	return NewMemoryRepository(zap.NewNop())
}

func TestMemoryRepository_Scenario(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()

	first := domain.IOC{Value: "1.2.3.4", Type: domain.IPAddress, Source: "X", Confidence: 60}
	second := domain.IOC{Value: "1.2.3.4", Type: domain.IPAddress, Source: "X", Confidence: 40, LastSeen: ts("2025-02-01T00:00:00Z")}

	if n, err := repo.Upsert(ctx, []domain.IOC{first}); err != nil || n != 1 {
		t.Fatalf("first upsert = %d, %v", n, err)
	}
	if n, err := repo.Upsert(ctx, []domain.IOC{second}); err != nil || n != 1 {
		t.Fatalf("second upsert = %d, %v", n, err)
	}

	got, err := repo.Query(ctx, ports.Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one merged row, got %d", len(got))
	}
	if got[0].Confidence != 60 {
		t.Errorf("confidence = %d, want 60", got[0].Confidence)
	}
	if domain.FormatTime(got[0].LastSeen) != "2025-02-01T00:00:00Z" {
		t.Errorf("last_seen = %s", domain.FormatTime(got[0].LastSeen))
	}
}

func TestMemoryRepository_IdempotentUpsert(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()

	rec := domain.IOC{
		Value: "evil.example", Type: domain.Domain, Source: "X",
		Confidence: 80, Tags: []string{"c2"}, LastSeen: ts("2025-01-05T00:00:00Z"),
	}

	if _, err := repo.Upsert(ctx, []domain.IOC{rec}); err != nil {
		t.Fatal(err)
	}
	once, _ := repo.Query(ctx, ports.Filter{})

	if _, err := repo.Upsert(ctx, []domain.IOC{rec}); err != nil {
		t.Fatal(err)
	}
	twice, _ := repo.Query(ctx, ports.Filter{})

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("state changed on identical upsert:\n once=%+v\ntwice=%+v", once, twice)
	}
}

func TestMemoryRepository_DistinctIdentities(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()

	batch := []domain.IOC{
		{Value: "v", Type: domain.Domain, Source: "A"},
		{Value: "v", Type: domain.Domain, Source: "B"},
		{Value: "v", Type: domain.URL, Source: "A"},
		{Value: "v", Type: domain.Domain, Source: "A", Confidence: 90},
	}
	n, err := repo.Upsert(ctx, batch)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(batch) {
		t.Errorf("merged count = %d, want %d", n, len(batch))
	}

	got, _ := repo.Query(ctx, ports.Filter{})
	if len(got) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(got))
	}
	for _, ioc := range got {
		if ioc.Source == "A" && ioc.Type == domain.Domain && ioc.Confidence != 90 {
			t.Errorf("in-batch duplicate not merged: %+v", ioc)
		}
	}
}

func TestMemoryRepository_QueryOrderingAndFilters(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()

	_, err := repo.Upsert(ctx, []domain.IOC{
		{Value: "old", Type: domain.Domain, Source: "X", Artifact: "Crypto-Wallet", FirstSeen: ts("2025-01-01T00:00:00Z")},
		{Value: "new", Type: domain.IPAddress, Source: "X", Artifact: "crypto-miner", FirstSeen: ts("2025-01-01T00:00:00Z"), LastSeen: ts("2025-03-01T00:00:00Z")},
		{Value: "mid", Type: domain.URL, Source: "X", Artifact: "left-pad", FirstSeen: ts("2025-02-01T00:00:00Z")},
		{Value: "undated", Type: domain.FileHash, Source: "X", Artifact: "crypto-undated"},
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter ports.Filter
		want   []string
	}{
		{"all ordered, undated last", ports.Filter{}, []string{"new", "mid", "old", "undated"}},
		{"artifact substring is case-insensitive", ports.Filter{Artifact: "CRYPTO"}, []string{"new", "old", "undated"}},
		{"since excludes undated", ports.Filter{Since: ts("2025-02-01T00:00:00Z")}, []string{"new", "mid"}},
		{"limit", ports.Filter{Limit: 2}, []string{"new", "mid"}},
		{"types", ports.Filter{Types: []domain.IOCType{domain.URL, domain.Domain}}, []string{"mid", "old"}},
		{"no match", ports.Filter{Artifact: "nothing"}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.Query(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			values := []string{}
			for _, ioc := range got {
				values = append(values, ioc.Value)
			}
			if !reflect.DeepEqual(values, tt.want) {
				t.Errorf("Query(%+v) = %v, want %v", tt.filter, values, tt.want)
			}
		})
	}
}

func TestMemoryRepository_CanceledBatchIsAtomic(t *testing.T) {
	repo := newRepo()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.Upsert(ctx, []domain.IOC{
		{Value: "a", Type: domain.Domain, Source: "X"},
		{Value: "b", Type: domain.Domain, Source: "X"},
	})
	if err == nil {
		t.Fatal("expected error for canceled context")
	}

	got, _ := repo.Query(context.Background(), ports.Filter{})
	if len(got) != 0 {
		t.Errorf("aborted batch left %d rows behind", len(got))
	}
}

func TestMemoryRepository_ConcurrentSameIdentity(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()

	var wg sync.WaitGroup
	for i := 0; i <= 100; i++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			rec := domain.IOC{
				Value: "1.2.3.4", Type: domain.IPAddress, Source: "X", Confidence: c,
				Tags: []string{fmt.Sprintf("t%d", c)},
			}
			if _, err := repo.Upsert(ctx, []domain.IOC{rec}); err != nil {
				t.Errorf("upsert: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := repo.Query(ctx, ports.Filter{})
	if len(got) != 1 {
		t.Fatalf("expected a single row, got %d", len(got))
	}
	if got[0].Confidence != 100 {
		t.Errorf("confidence = %d, want max 100", got[0].Confidence)
	}
}

func TestMemoryRepository_QueryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()
	_, _ = repo.Upsert(ctx, []domain.IOC{{Value: "a", Type: domain.Domain, Source: "X", Tags: []string{"keep"}}})

	got, _ := repo.Query(ctx, ports.Filter{})
	got[0].Tags[0] = "mutated"

	again, _ := repo.Query(ctx, ports.Filter{})
	if again[0].Tags[0] != "keep" {
		t.Errorf("Query leaked internal state: %v", again[0].Tags)
	}
}

func TestOpen_Memory(t *testing.T) {
	store, closeFn, err := Open(context.Background(), config.DatabaseConfig{Driver: "memory"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()

	if _, ok := store.(*MemoryRepository); !ok {
		t.Errorf("store = %T", store)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, _, err := Open(context.Background(), config.DatabaseConfig{Driver: "sqlite"}, zap.NewNop())
	if !config.IsConfigError(err) {
		t.Errorf("err = %v", err)
	}
}

func TestMemoryRepository_MergeRules(t *testing.T) {
	testMergeStore(t, func(t *testing.T) ports.MergeStore { return newRepo() })
}
