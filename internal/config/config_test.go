package config

import (
	"strings"
	"testing"
	"time"

	"horse.fit/sieve/internal/types"
)

func TestLoadDefaultsMatchDefaultSettings(t *testing.T) {
	t.Setenv("SIEVE_STORE", "memory")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Settings(); got != types.DefaultSettings() {
		t.Fatalf("default settings drifted:\n got %+v\nwant %+v", got, types.DefaultSettings())
	}
	if cfg.NearDupMaxDistance != 3 || cfg.Workers != 4 || cfg.LeaseTTL != 2*time.Minute {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			Store:               StoreMemory,
			DBMinConns:          1,
			DBMaxConns:          8,
			Workers:             1,
			PollInterval:        1,
			LeaseTTL:            time.Minute,
			NearDupMaxDistance:  3,
			JunkThreshold:       0.5,
			RankThreshold:       6,
			WeightTitle:         0.3,
			WeightDescription:   0.2,
			WeightTags:          0.25,
			WeightBody:          0.25,
			CoveredThreshold:    0.85,
			PartialThreshold:    0.65,
			TopK:                10,
			CorpusCandidates:    200,
			CorpusCacheSize:     10,
			MaxAttempts:         3,
			RetryBaseDelay:      1,
			RetryMaxDelay:       2,
			CallTimeout:         1,
			EmbeddingDimensions: 4,
		}
	}
	ok := base()
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cases := map[string]func(*Config){
		"postgres without url": func(c *Config) { c.Store = StorePostgres },
		"unknown store":        func(c *Config) { c.Store = "sqlite" },
		"weights sum":          func(c *Config) { c.WeightBody = 0.3 },
		"negative weight":      func(c *Config) { c.WeightTitle = -0.1; c.WeightBody = 0.65 },
		"inverted thresholds":  func(c *Config) { c.PartialThreshold = 0.9 },
		"distance too large":   func(c *Config) { c.NearDupMaxDistance = 4 },
		"no attempts":          func(c *Config) { c.MaxAttempts = 0 },
		"retry delays":         func(c *Config) { c.RetryMaxDelay = 0 },
		"bad token hash":       func(c *Config) { c.APITokenHash = "plaintext" },
		"short lease":          func(c *Config) { c.LeaseTTL = time.Second },
	}
	for name, mutate := range cases {
		cfg := base()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}

	cfg := base()
	cfg.Store = StorePostgres
	cfg.DatabaseURL = "postgres://localhost/sieve"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected postgres config to validate, got %v", err)
	}
}

func TestLoadRejectsInvalidWeights(t *testing.T) {
	t.Setenv("SIEVE_STORE", "memory")
	t.Setenv("SIEVE_WEIGHT_BODY", "0.5")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "sum to 1.0") {
		t.Fatalf("expected weight sum error, got %v", err)
	}
}
