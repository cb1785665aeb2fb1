package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hoangsonww/lumina-core/internal/chunk"
	"github.com/hoangsonww/lumina-core/internal/config"
	"github.com/hoangsonww/lumina-core/internal/engine"
	"github.com/hoangsonww/lumina-core/internal/fetch"
	"github.com/hoangsonww/lumina-core/internal/gemini"
	"github.com/hoangsonww/lumina-core/internal/ingest"
	"github.com/hoangsonww/lumina-core/internal/log"
	"github.com/hoangsonww/lumina-core/internal/registry"
	"github.com/hoangsonww/lumina-core/internal/retrieve"
	"github.com/hoangsonww/lumina-core/internal/vecstore"
)

// Generation throttling applied to CLI runs. Burst lets a single ask go
// through immediately.
const (
	generateRPS   = 1.0
	generateBurst = 2
)

// app holds the wired components one CLI invocation needs.
type app struct {
	cfg      *config.Config
	logger   log.Logger
	pool     *pgxpool.Pool
	provider *gemini.Client
	registry *registry.Registry
	store    *vecstore.Store
	pipeline *ingest.Pipeline
	engine   *engine.Engine
	fetcher  *fetch.Client
}

// newApp wires the full dependency graph. Commands that never touch the
// database (models) skip the pool so they work without PostgreSQL.
func newApp(ctx context.Context, cfg *config.Config, logger log.Logger, needDB bool) (*app, error) {
	provider, err := gemini.New(ctx, gemini.Config{
		APIKey:          os.Getenv(config.EnvAPIKey),
		EmbedderModel:   cfg.EmbedderModel,
		VectorDimension: cfg.VectorDimension,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating provider client: %w", err)
	}

	reg, err := registry.New(provider, registry.Config{
		Family:   cfg.ModelFamily,
		Fallback: cfg.FallbackModels,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating model registry: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		provider: provider,
		registry: reg,
		fetcher:  fetch.NewClient(nil),
	}
	if !needDB {
		return a, nil
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to PostgreSQL (did you run `lumina migrate`?): %w", err)
	}
	a.pool = pool

	a.store, err = vecstore.New(pool, logger)
	if err != nil {
		return nil, fmt.Errorf("creating vector store: %w", err)
	}

	a.pipeline, err = ingest.New(provider, a.store, ingest.Config{
		Namespace: cfg.Namespace,
		BatchSize: cfg.UpsertBatchSize,
		Chunking: chunk.Options{
			MaxChars:     cfg.ChunkMaxChars,
			MinChars:     cfg.ChunkMinChars,
			OverlapChars: cfg.ChunkOverlapChars,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating ingestion pipeline: %w", err)
	}

	retriever, err := retrieve.New(provider, a.store, retrieve.Config{
		Namespace:   cfg.Namespace,
		TopK:        cfg.TopK,
		BoostWeight: cfg.BoostWeight,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating retriever: %w", err)
	}

	a.engine, err = engine.New(retriever, provider, reg, engine.Config{
		RequestsPerSecond: generateRPS,
		Burst:             generateBurst,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	return a, nil
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
