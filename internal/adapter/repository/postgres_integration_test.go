package repository

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap/zaptest"

	"github.com/hive-corporation/iochub/internal/core/domain"
	"github.com/hive-corporation/iochub/internal/core/ports"
)

// newPostgresRepo connects to IOCHUB_TEST_DATABASE_URL and empties the iocs
// table. The test is skipped when the variable is unset.
func newPostgresRepo(t *testing.T) *PostgresRepository {
	t.Helper()
	url := os.Getenv("IOCHUB_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("IOCHUB_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)

	repo := NewPostgresRepository(pool, zaptest.NewLogger(t))
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Exec(ctx, "TRUNCATE iocs"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return repo
}

func TestPostgresRepository_MergeRules(t *testing.T) {
	newPostgresRepo(t)
	testMergeStore(t, func(t *testing.T) ports.MergeStore { return newPostgresRepo(t) })
}

func TestPostgresRepository_FailedBatchRollsBack(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()

	// postgres text cannot hold NUL, so the last row fails inside the transaction
	_, err := repo.Upsert(ctx, []domain.IOC{
		{Value: "a.example", Type: domain.Domain, Source: "X"},
		{Value: "b.example", Type: domain.Domain, Source: "X"},
		{Value: "z\x00bad", Type: domain.Domain, Source: "X"},
	})
	if err == nil {
		t.Fatal("expected the batch to fail")
	}

	got, err := repo.Query(ctx, ports.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("failed batch left %d rows visible", len(got))
	}
}

func TestPostgresRepository_QueryOrderAndFilters(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()

	_, err := repo.Upsert(ctx, []domain.IOC{
		{Value: "old", Type: domain.Domain, Source: "X", Artifact: "left-pad", FirstSeen: ts("2025-01-01T00:00:00Z")},
		{Value: "new", Type: domain.URL, Source: "X", Artifact: "Left-Pad-Evil", LastSeen: ts("2025-03-01T00:00:00Z")},
		{Value: "none", Type: domain.Domain, Source: "X", Artifact: "other"},
	})
	if err != nil {
		t.Fatal(err)
	}

	all, err := repo.Query(ctx, ports.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Value != "new" || all[1].Value != "old" || all[2].Value != "none" {
		t.Errorf("order = %v", values(all))
	}

	filtered, err := repo.Query(ctx, ports.Filter{Artifact: "LEFT-pad", Types: []domain.IOCType{domain.Domain}, Since: ts("2024-12-01T00:00:00Z")})
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 1 || filtered[0].Value != "old" {
		t.Errorf("filtered = %v", values(filtered))
	}
}

func values(iocs []domain.IOC) []string {
	out := make([]string, len(iocs))
	for i, ioc := range iocs {
		out[i] = ioc.Value
	}
	return out
}
