package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnwards/leadfeed/internal/config"
	"github.com/johnwards/leadfeed/internal/database"
	"github.com/johnwards/leadfeed/internal/hubspot"
	"github.com/johnwards/leadfeed/internal/limiter"
	"github.com/johnwards/leadfeed/internal/pipeline"
	"github.com/johnwards/leadfeed/internal/store"
	"github.com/johnwards/leadfeed/internal/timerange"
)

// app is the process-wide set of collaborators. One limiter is shared by
// every pipeline invocation the process serves.
type app struct {
	cfg      config.Config
	db       *sql.DB
	cache    store.CacheStore
	client   *hubspot.Client
	pipeline *pipeline.Pipeline
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}

	cache, err := a.openCache(ctx)
	if err != nil {
		return nil, err
	}

	opts := hubspot.Options{
		BaseURL:        cfg.BaseURL,
		APIKey:         cfg.APIKey,
		RequestTimeout: cfg.RequestTimeout,
		SearchTTL:      cfg.SearchTTL,
		BatchTTL:       cfg.BatchTTL,
		Logger:         slog.Default(),
	}
	if cache != nil {
		opts.Cache = cache
	}
	a.client, err = hubspot.NewClient(opts)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("create crm client: %w", err)
	}

	ranges := timerange.NewResolver(time.Local)
	if cfg.SearchTTL > 0 {
		ranges.Granularity = cfg.SearchTTL
	}

	a.pipeline = pipeline.New(a.client, pipeline.Options{
		Limiter:              limiter.New(cfg.Concurrency, limiter.WithRate(cfg.RateLimitRPS)),
		Owners:               a.client,
		Ranges:               ranges,
		BatchSize:            cfg.BatchSize,
		AssociationBatchSize: cfg.AssociationBatchSize,
		Logger:               slog.Default(),
	})
	return a, nil
}

// openCache opens the response cache. An empty path disables it and returns
// a nil store.
func (a *app) openCache(ctx context.Context) (*store.SQLiteCacheStore, error) {
	if a.cfg.CacheDB == "" {
		return nil, nil
	}

	db, err := database.Open(a.cfg.CacheDB)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	if err := database.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	cache := store.NewSQLiteCacheStore(db)
	a.db = db
	a.cache = cache
	return cache, nil
}

func (a *app) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}
