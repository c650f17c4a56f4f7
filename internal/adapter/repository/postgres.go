package repository

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/hive-corporation/iochub/internal/core/domain"
	"github.com/hive-corporation/iochub/internal/core/ports"
	"github.com/hive-corporation/iochub/internal/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

const upsertQuery = `
	INSERT INTO iocs (value, type, first_seen, last_seen, confidence, source, artifact, ecosystem, tags)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (value, type, source) DO UPDATE SET
		last_seen  = COALESCE(EXCLUDED.last_seen, iocs.last_seen),
		confidence = GREATEST(iocs.confidence, EXCLUDED.confidence),
		tags       = CASE WHEN jsonb_array_length(EXCLUDED.tags) > 0 THEN EXCLUDED.tags ELSE iocs.tags END
	RETURNING (artifact IS DISTINCT FROM $7 OR ecosystem IS DISTINCT FROM $8)
`

const selectColumns = `value, type, first_seen, last_seen, confidence, source, artifact, ecosystem, tags::text`

type PostgresRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresRepository(db *pgxpool.Pool, logger *zap.Logger) *PostgresRepository {
	return &PostgresRepository{db: db, logger: logger}
}

// EnsureSchema creates the iocs table and its indexes when missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Upsert merges the batch inside a single transaction. Candidates are queued
// in identity order so concurrent batches take row locks in the same order.
func (r *PostgresRepository) Upsert(ctx context.Context, iocs []domain.IOC) (int, error) {
	if len(iocs) == 0 {
		return 0, nil
	}

	ordered := sortedByIdentity(iocs)

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after Commit is a no-op
		_ = tx.Rollback(ctx)
	}()

	batch := &pgx.Batch{}
	for _, ioc := range ordered {
		batch.Queue(upsertQuery,
			ioc.Value,
			string(ioc.Type),
			ioc.FirstSeen,
			ioc.LastSeen,
			domain.ClampConfidence(ioc.Confidence),
			ioc.Source,
			ioc.Artifact,
			ioc.Ecosystem,
			domain.EncodeTags(ioc.Tags),
		)
	}

	drifted := 0
	br := tx.SendBatch(ctx, batch)
	for i := range ordered {
		var drift bool
		if err := br.QueryRow().Scan(&drift); err != nil {
			br.Close()
			return 0, fmt.Errorf("failed to upsert IOC %d (%s): %w", i, ordered[i].Value, err)
		}
		if drift {
			drifted++
		}
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}

	metrics.RecordUpserted(len(ordered))
	if drifted > 0 {
		metrics.RecordAttributionDrift(drifted)
		r.logger.Warn("⚠️ attribution drift: stored artifact/ecosystem kept", zap.Int("records", drifted))
	}
	r.logger.Debug("batch merged", zap.Int("count", len(ordered)))
	return len(ordered), nil
}

func (r *PostgresRepository) Query(ctx context.Context, filter ports.Filter) ([]domain.IOC, error) {
	query, args := buildSelect(filter)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query IOCs: %w", err)
	}
	defer rows.Close()

	iocs := []domain.IOC{}

	for rows.Next() {
		var (
			ioc     domain.IOC
			iocType string
			tags    string
		)
		err := rows.Scan(
			&ioc.Value,
			&iocType,
			&ioc.FirstSeen,
			&ioc.LastSeen,
			&ioc.Confidence,
			&ioc.Source,
			&ioc.Artifact,
			&ioc.Ecosystem,
			&tags,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan IOC: %w", err)
		}
		ioc.Type = domain.IOCType(iocType)
		if ioc.Tags, err = domain.DecodeTags(tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags of %s: %w", ioc.Value, err)
		}
		iocs = append(iocs, ioc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return iocs, nil
}

// buildSelect renders the filtered, ordered read query and its arguments.
func buildSelect(filter ports.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)

	if filter.Artifact != "" {
		args = append(args, filter.Artifact)
		where = append(where, fmt.Sprintf("artifact ILIKE '%%' || $%d || '%%'", len(args)))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		where = append(where, fmt.Sprintf("COALESCE(last_seen, first_seen) >= $%d", len(args)))
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		args = append(args, types)
		where = append(where, fmt.Sprintf("type = ANY($%d)", len(args)))
	}

	var sb strings.Builder
	sb.WriteString("SELECT " + selectColumns + " FROM iocs")
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY COALESCE(last_seen, first_seen) DESC NULLS LAST, value, type, source")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		sb.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}

	return sb.String(), args
}

func sortedByIdentity(iocs []domain.IOC) []domain.IOC {
	ordered := make([]domain.IOC, len(iocs))
	copy(ordered, iocs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Identity().Less(ordered[j].Identity())
	})
	return ordered
}
