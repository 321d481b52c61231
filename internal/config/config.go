package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"horse.fit/sieve/internal/auth"
	"horse.fit/sieve/internal/types"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Store       string `envconfig:"SIEVE_STORE" default:"postgres"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	DBMinConns  int32  `envconfig:"SIEVE_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"SIEVE_DB_MAX_CONNS" default:"8"`

	Workers      int           `envconfig:"SIEVE_WORKERS" default:"4"`
	PollInterval time.Duration `envconfig:"SIEVE_POLL_INTERVAL" default:"2s"`
	LeaseTTL     time.Duration `envconfig:"SIEVE_EXECUTION_LEASE" default:"2m"`

	NearDupMaxDistance int `envconfig:"SIEVE_NEAR_DUP_MAX_DISTANCE" default:"3"`

	JunkThreshold float64 `envconfig:"SIEVE_JUNK_THRESHOLD" default:"0.5"`
	JunkLanguages string  `envconfig:"SIEVE_JUNK_LANGUAGES" default:"en"`
	RankThreshold int     `envconfig:"SIEVE_RANK_THRESHOLD" default:"6"`

	WeightTitle       float64 `envconfig:"SIEVE_WEIGHT_TITLE" default:"0.30"`
	WeightDescription float64 `envconfig:"SIEVE_WEIGHT_DESCRIPTION" default:"0.20"`
	WeightTags        float64 `envconfig:"SIEVE_WEIGHT_TAGS" default:"0.25"`
	WeightBody        float64 `envconfig:"SIEVE_WEIGHT_BODY" default:"0.25"`
	CoveredThreshold  float64 `envconfig:"SIEVE_COVERED_THRESHOLD" default:"0.85"`
	PartialThreshold  float64 `envconfig:"SIEVE_PARTIAL_THRESHOLD" default:"0.65"`
	TopK              int     `envconfig:"SIEVE_TOP_K" default:"10"`
	CorpusCandidates  int     `envconfig:"SIEVE_CORPUS_CANDIDATES" default:"200"`
	CorpusCacheSize   int     `envconfig:"SIEVE_CORPUS_CACHE_SIZE" default:"4096"`

	MaxAttempts    int           `envconfig:"SIEVE_MAX_ATTEMPTS" default:"3"`
	RetryBaseDelay time.Duration `envconfig:"SIEVE_RETRY_BASE_DELAY" default:"2s"`
	RetryMaxDelay  time.Duration `envconfig:"SIEVE_RETRY_MAX_DELAY" default:"1m"`
	CallTimeout    time.Duration `envconfig:"SIEVE_CALL_TIMEOUT" default:"60s"`

	EmbeddingEndpoint   string  `envconfig:"SIEVE_EMBEDDING_ENDPOINT" default:"http://127.0.0.1:8844/embed"`
	EmbeddingModel      string  `envconfig:"SIEVE_EMBEDDING_MODEL" default:"bge-m3"`
	EmbeddingDimensions int     `envconfig:"SIEVE_EMBEDDING_DIMENSIONS" default:"1024"`
	EmbeddingRPS        float64 `envconfig:"SIEVE_EMBEDDING_RPS" default:"8"`

	AnalystEndpoint string `envconfig:"SIEVE_ANALYST_ENDPOINT" default:"http://127.0.0.1:8845"`
	AnalystModel    string `envconfig:"SIEVE_ANALYST_MODEL" default:""`

	// APITokenHash is a bcrypt hash; mutating API routes are open when empty.
	APITokenHash string `envconfig:"SIEVE_API_TOKEN_HASH"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required when SIEVE_STORE=%s", StorePostgres)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("SIEVE_STORE must be %q or %q", StorePostgres, StoreMemory)
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("SIEVE_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("SIEVE_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("SIEVE_DB_MIN_CONNS (%d) cannot exceed SIEVE_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.Workers < 1 {
		return fmt.Errorf("SIEVE_WORKERS must be >= 1")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("SIEVE_POLL_INTERVAL must be > 0")
	}
	if c.LeaseTTL < 3*time.Second {
		return fmt.Errorf("SIEVE_EXECUTION_LEASE must be at least 3s")
	}
	if c.NearDupMaxDistance < 0 || c.NearDupMaxDistance > 3 {
		return fmt.Errorf("SIEVE_NEAR_DUP_MAX_DISTANCE must be between 0 and 3")
	}
	if c.JunkThreshold < 0 || c.JunkThreshold > 1 {
		return fmt.Errorf("SIEVE_JUNK_THRESHOLD must be between 0 and 1")
	}
	if c.RankThreshold < 0 || c.RankThreshold > 10 {
		return fmt.Errorf("SIEVE_RANK_THRESHOLD must be between 0 and 10")
	}
	for name, w := range map[string]float64{
		"SIEVE_WEIGHT_TITLE":       c.WeightTitle,
		"SIEVE_WEIGHT_DESCRIPTION": c.WeightDescription,
		"SIEVE_WEIGHT_TAGS":        c.WeightTags,
		"SIEVE_WEIGHT_BODY":        c.WeightBody,
	} {
		if w < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	sum := c.WeightTitle + c.WeightDescription + c.WeightTags + c.WeightBody
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("segment weights must sum to 1.0, got %.6f", sum)
	}
	if c.PartialThreshold < 0 || c.CoveredThreshold > 1 || c.PartialThreshold > c.CoveredThreshold {
		return fmt.Errorf("thresholds must satisfy 0 <= SIEVE_PARTIAL_THRESHOLD <= SIEVE_COVERED_THRESHOLD <= 1")
	}
	if c.TopK < 1 {
		return fmt.Errorf("SIEVE_TOP_K must be >= 1")
	}
	if c.CorpusCandidates < 1 {
		return fmt.Errorf("SIEVE_CORPUS_CANDIDATES must be >= 1")
	}
	if c.CorpusCacheSize < 1 {
		return fmt.Errorf("SIEVE_CORPUS_CACHE_SIZE must be >= 1")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("SIEVE_MAX_ATTEMPTS must be >= 1")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < SIEVE_RETRY_BASE_DELAY <= SIEVE_RETRY_MAX_DELAY")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("SIEVE_CALL_TIMEOUT must be > 0")
	}
	if c.EmbeddingDimensions < 1 {
		return fmt.Errorf("SIEVE_EMBEDDING_DIMENSIONS must be >= 1")
	}
	if c.EmbeddingRPS < 0 {
		return fmt.Errorf("SIEVE_EMBEDDING_RPS must be >= 0")
	}
	if hash := strings.TrimSpace(c.APITokenHash); hash != "" {
		if err := auth.ValidateHash(hash); err != nil {
			return fmt.Errorf("SIEVE_API_TOKEN_HASH: %w", err)
		}
	}
	return nil
}

// Settings is the per-execution configuration snapshot described by c.
func (c *Config) Settings() types.Settings {
	return types.Settings{
		JunkThreshold: c.JunkThreshold,
		RankThreshold: c.RankThreshold,
		Matcher: types.MatcherSettings{
			Weights: types.SegmentWeights{
				Title:       c.WeightTitle,
				Description: c.WeightDescription,
				Tags:        c.WeightTags,
				Body:        c.WeightBody,
			},
			CoveredThreshold: c.CoveredThreshold,
			PartialThreshold: c.PartialThreshold,
			TopK:             c.TopK,
		},
		CorpusCandidates: c.CorpusCandidates,
		Retry: types.RetryPolicy{
			MaxAttempts: c.MaxAttempts,
			BaseDelay:   c.RetryBaseDelay,
			MaxDelay:    c.RetryMaxDelay,
		},
		CallTimeout: c.CallTimeout,
	}
}
