package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hive-corporation/iochub/internal/config"
	"github.com/hive-corporation/iochub/internal/core/ports"
)

// Open returns the merge store selected by cfg.Driver and a close function.
// The postgres store is pinged and its schema applied before returning.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (ports.MergeStore, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("⚠️ Using in-memory store: records are lost on exit")
		return NewMemoryRepository(logger), func() {}, nil

	case "postgres", "":
		logger.Info("🔌 Database connection...")
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		repo := NewPostgresRepository(pool, logger)
		if err := repo.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return repo, pool.Close, nil

	default:
		return nil, nil, &config.Error{Field: "DB_DRIVER", Reason: fmt.Sprintf("unsupported driver %q", cfg.Driver)}
	}
}
