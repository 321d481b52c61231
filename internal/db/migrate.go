package db

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Schema and vector extension; must exist before the models migrate.
//
//go:embed sql/pre_automigrate.sql
var preAutoMigrateSQL string

// Indexes, check constraints and lease columns gorm tags cannot express.
//
//go:embed sql/post_automigrate.sql
var postAutoMigrateSQL string

// migrationLockKey serializes migrations of processes that start together.
const migrationLockKey int64 = 0x7369657665

type migrationStep struct {
	name string
	run  func(tx *gorm.DB) error
}

func migrationSteps() []migrationStep {
	return []migrationStep{
		{name: "bootstrap schema", run: execScript(preAutoMigrateSQL)},
		{name: "migrate models", run: func(tx *gorm.DB) error {
			return tx.AutoMigrate(autoMigrateModels()...)
		}},
		{name: "indexes and constraints", run: execScript(postAutoMigrateSQL)},
	}
}

// migrate applies every step in one transaction under an advisory lock, so a
// replica never sees a half-migrated schema.
func migrate(ctx context.Context, gdb *gorm.DB, log zerolog.Logger) error {
	return gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", migrationLockKey).Error; err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		for _, step := range migrationSteps() {
			started := time.Now()
			if err := step.run(tx); err != nil {
				return fmt.Errorf("%s: %w", step.name, err)
			}
			log.Debug().Str("migration", step.name).Dur("duration", time.Since(started)).Msg("migration step applied")
		}
		return nil
	})
}

func execScript(script string) func(tx *gorm.DB) error {
	return func(tx *gorm.DB) error {
		trimmed := strings.TrimSpace(script)
		if trimmed == "" {
			return nil
		}
		return tx.Exec(trimmed).Error
	}
}
