package db

import (
	"strings"
	"testing"
)

type tableNamer interface {
	TableName() string
}

func TestMigrationStepsBootstrapFirst(t *testing.T) {
	t.Parallel()

	steps := migrationSteps()
	if len(steps) != 3 {
		t.Fatalf("expected three migration steps, got %d", len(steps))
	}
	if steps[0].name != "bootstrap schema" || steps[len(steps)-1].name != "indexes and constraints" {
		t.Fatalf("unexpected step order: %q .. %q", steps[0].name, steps[len(steps)-1].name)
	}
	if !strings.Contains(preAutoMigrateSQL, "CREATE SCHEMA IF NOT EXISTS sieve") ||
		!strings.Contains(preAutoMigrateSQL, "CREATE EXTENSION IF NOT EXISTS vector") {
		t.Fatalf("bootstrap script must create the schema and the vector extension")
	}
	if !strings.Contains(postAutoMigrateSQL, "workflow_executions_lease_idx") {
		t.Fatalf("post script must index execution leases")
	}
}

func TestModelsLiveInSieveSchema(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for _, model := range autoMigrateModels() {
		named, ok := model.(tableNamer)
		if !ok {
			t.Fatalf("%T has no TableName", model)
		}
		table := named.TableName()
		if !strings.HasPrefix(table, "sieve.") {
			t.Fatalf("%T maps to %q outside the sieve schema", model, table)
		}
		if _, dup := seen[table]; dup {
			t.Fatalf("table %q migrated twice", table)
		}
		seen[table] = struct{}{}
	}
}
