package app

import (
	"reflect"
	"testing"

	"horse.fit/sieve/internal/types"
)

func TestTruncateForTable(t *testing.T) {
	t.Parallel()

	if got := truncateForTable("  short  ", 10); got != "short" {
		t.Fatalf("unexpected short value: %q", got)
	}
	if got := truncateForTable("détection rule title", 10); got != "détecti..." {
		t.Fatalf("unexpected truncated value: %q", got)
	}
}

func TestParseOutputFormat(t *testing.T) {
	t.Parallel()

	if got, err := parseOutputFormat(" JSON ", outputFormatTable); err != nil || got != outputFormatJSON {
		t.Fatalf("unexpected format: %q %v", got, err)
	}
	if got, err := parseOutputFormat("", outputFormatTable); err != nil || got != outputFormatTable {
		t.Fatalf("unexpected default format: %q %v", got, err)
	}
	if _, err := parseOutputFormat("yaml", outputFormatTable); err == nil {
		t.Fatal("expected yaml to be rejected")
	}
}

func TestStatsRowsAreSorted(t *testing.T) {
	t.Parallel()

	rows := statsRows(types.Stats{
		Articles:     3,
		Executions:   map[types.ExecutionStatus]int64{types.ExecutionTerminated: 1, types.ExecutionCompleted: 2},
		Terminations: map[string]int64{"below_rank_threshold": 1},
	})
	tail := rows[5:]
	want := [][]string{
		{"executions.completed", "2"},
		{"executions.terminated", "1"},
		{"terminations.below_rank_threshold", "1"},
	}
	if !reflect.DeepEqual(tail, want) {
		t.Fatalf("unexpected rows: %v", tail)
	}
	if rows[0][1] != "3" {
		t.Fatalf("unexpected article count row: %v", rows[0])
	}
}
