package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hive-corporation/iochub/internal/core/domain"
)

// Filter selects canonical records for reads and exports.
type Filter struct {
	Artifact string           // Substring case-insensitive do artifact
	Since    *time.Time       // Limite inferior para coalesce(last_seen, first_seen)
	Types    []domain.IOCType // Vazio = todos os tipos
	Limit    int              // <= 0 = sem limite
}

// MergeStore owns the canonical records. It is the only writer of IOC state.
type MergeStore interface {
	// Upsert inserts or merges every candidate as one atomic unit and
	// returns the number of candidates merged.
	Upsert(ctx context.Context, iocs []domain.IOC) (int, error)
	// Query returns records ordered by coalesce(last_seen, first_seen) descending.
	Query(ctx context.Context, filter Filter) ([]domain.IOC, error)
}

// Artifact is one package/artifact returned by the upstream search.
type Artifact struct {
	ID        string
	Ecosystem string
}

type HarvestSource interface {
	SearchArtifacts(ctx context.Context, term, ecosystem string) ([]Artifact, error)
	ListIOCs(ctx context.Context, artifactID string) ([]json.RawMessage, error)
	Name() string
}
