package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/sieve/internal/analyst"
	"horse.fit/sieve/internal/cli"
	"horse.fit/sieve/internal/config"
	"horse.fit/sieve/internal/db"
	"horse.fit/sieve/internal/dupindex"
	"horse.fit/sieve/internal/embedding"
	"horse.fit/sieve/internal/ingest"
	"horse.fit/sieve/internal/junk"
	"horse.fit/sieve/internal/langdetect"
	"horse.fit/sieve/internal/logging"
	"horse.fit/sieve/internal/memstore"
	"horse.fit/sieve/internal/review"
	"horse.fit/sieve/internal/similarity"
	"horse.fit/sieve/internal/types"
	"horse.fit/sieve/internal/workflow"
)

// backend is everything the process persists. Both the Postgres pool and the
// in-memory store satisfy it.
type backend interface {
	workflow.Store
	workflow.RuleStore
	ingest.Store
	review.Store
	embedding.Store
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (types.Stats, error)
	GetArticle(ctx context.Context, id string) (types.Article, error)
	ExecutionForArticle(ctx context.Context, articleID string) (types.Execution, error)
	GetRule(ctx context.Context, id string) (types.DetectionRule, error)
	ListMatches(ctx context.Context, ruleID string) ([]types.SimilarityMatch, error)
	PutReference(ctx context.Context, ref types.ReferenceRule) error
}

// stack is the fully wired process: store, duplicate index, admission,
// workflow engine and review queue.
type stack struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  backend
	ingest *ingest.Service
	queue  *review.Queue
	engine *workflow.Engine
	close  func() error
}

func loadConfig(envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, error) {
	var envPath string
	if envLoader != nil {
		loaded, err := envLoader.Load()
		if err != nil {
			return nil, zerolog.Logger{}, err
		}
		envPath = loaded
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if envPath != "" {
		logger.Debug().Str("env_file", envPath).Msg("loaded env file")
	}
	return cfg, logger, nil
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (backend, func() error, *db.Pool, error) {
	if cfg.Store == config.StoreMemory {
		return memstore.New(), func() error { return nil }, nil, nil
	}
	pool, err := db.NewPool(ctx, cfg, logging.Component(logger, "db"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return pool, pool.Close, pool, nil
}

// openStack wires every component from cfg. The duplicate index is rebuilt
// from stored fingerprints before the stack is returned.
func openStack(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stack, error) {
	store, closeFn, pool, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*stack, error) {
		_ = closeFn()
		return nil, err
	}

	index, err := dupindex.New(dupindex.Options{MaxDistance: cfg.NearDupMaxDistance})
	if err != nil {
		return fail(fmt.Errorf("create duplicate index: %w", err))
	}
	settings := cfg.Settings()
	admission, err := ingest.NewService(store, index, settings, logging.Component(logger, "ingest"))
	if err != nil {
		return fail(fmt.Errorf("create ingest service: %w", err))
	}
	rebuilt, err := admission.Rebuild(ctx)
	if err != nil {
		return fail(fmt.Errorf("rebuild duplicate index: %w", err))
	}

	var corpus workflow.Corpus
	if mem, ok := store.(*memstore.Store); ok {
		corpus = mem
	}
	if pool != nil {
		indexed, err := similarity.NewIndexedCorpus(pool, cfg.CorpusCacheSize)
		if err != nil {
			return fail(fmt.Errorf("create corpus: %w", err))
		}
		corpus = indexed
	}

	embedder := newEmbedder(cfg)
	analystClient := analyst.NewClient(analyst.Options{
		Endpoint:       cfg.AnalystEndpoint,
		Model:          cfg.AnalystModel,
		RequestTimeout: cfg.CallTimeout,
	})
	scorer := junk.NewScorer(junk.Options{Languages: langdetect.ParseCodes(cfg.JunkLanguages)})
	queue := review.NewQueue(store, logging.Component(logger, "review"))

	engine, err := workflow.NewEngine(workflow.Dependencies{
		Store:      store,
		Junk:       scorer,
		Analyst:    analystClient,
		Embedder:   embedder,
		Embeddings: store,
		Rules:      store,
		Corpus:     corpus,
		Queue:      queue,
	}, logging.Component(logger, "workflow"))
	if err != nil {
		return fail(fmt.Errorf("create workflow engine: %w", err))
	}

	logger.Info().
		Str("store", cfg.Store).
		Int("indexed_articles", rebuilt).
		Int("near_dup_max_distance", cfg.NearDupMaxDistance).
		Msg("sieve stack ready")

	return &stack{
		cfg:    cfg,
		logger: logger,
		store:  store,
		ingest: admission,
		queue:  queue,
		engine: engine,
		close:  closeFn,
	}, nil
}

func newEmbedder(cfg *config.Config) *embedding.Client {
	return embedding.NewClient(embedding.Options{
		Endpoint:       cfg.EmbeddingEndpoint,
		ModelName:      cfg.EmbeddingModel,
		Dimensions:     cfg.EmbeddingDimensions,
		RequestTimeout: cfg.CallTimeout,
		RequestsPerSec: cfg.EmbeddingRPS,
	})
}

// connectStore opens only the backend for read and admin commands.
func connectStore(timeout time.Duration, envLoader *cli.EnvLoader) (context.Context, context.CancelFunc, backend, func() error, error) {
	cfg, logger, err := loadConfig(envLoader)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if cfg.Store == config.StoreMemory {
		return nil, nil, nil, nil, fmt.Errorf("SIEVE_STORE=memory keeps no state between commands; use postgres")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	store, closeFn, _, err := openBackend(ctx, cfg, logger)
	if err != nil {
		cancel()
		return nil, nil, nil, nil, err
	}
	return ctx, cancel, store, closeFn, nil
}
