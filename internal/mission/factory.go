package mission

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"meridian/internal/config"
)

// NewStore builds a mission store from configuration. Backend "auto" prefers
// Postgres when a DSN is configured and falls back to memory otherwise.
func NewStore(ctx context.Context, cfg config.MissionStoreConfig) (Store, error) {
	backend := cfg.Backend
	if backend == "auto" {
		if cfg.DSN != "" {
			backend = "postgres"
		} else {
			backend = "memory"
		}
	}
	switch backend {
	case "memory":
		return NewMemoryStore(), nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect mission store: %w", err)
		}
		st, err := NewPostgresStore(pool)
		if err != nil {
			return nil, err
		}
		if err := st.Init(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("init mission store schema: %w", err)
		}
		log.Info().Msg("mission store: postgres")
		return st, nil
	default:
		return nil, fmt.Errorf("unknown mission store backend %q", cfg.Backend)
	}
}
