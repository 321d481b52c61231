package workflow

import (
	"testing"
	"time"

	"horse.fit/sieve/internal/failure"
	"horse.fit/sieve/internal/types"
)

func succeeded(step types.Step, in, out string) types.StepRecord {
	return types.StepRecord{Step: step, Attempt: 1, Status: types.StepSucceeded, InputRef: in, OutputRef: out}
}

func TestDerivePositionEmptyHistory(t *testing.T) {
	t.Parallel()

	pos, err := derivePosition(types.Execution{ID: "e", InputRef: "s0"}, nil)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if pos.index != 0 || pos.inputRef != "s0" || pos.attempt != 1 || pos.terminal {
		t.Fatalf("unexpected position: %+v", pos)
	}
}

func TestDerivePositionFollowsOutputRefs(t *testing.T) {
	t.Parallel()

	records := []types.StepRecord{
		succeeded(types.StepRank, "s1", "s2"),
		succeeded(types.StepJunkFilter, "s0", "s1"),
	}
	pos, err := derivePosition(types.Execution{ID: "e", InputRef: "s0"}, records)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if pos.index != 2 || pos.inputRef != "s2" || pos.attempt != 1 {
		t.Fatalf("unexpected position: %+v", pos)
	}
}

func TestDerivePositionRetryWait(t *testing.T) {
	t.Parallel()

	next := time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC)
	records := []types.StepRecord{
		succeeded(types.StepJunkFilter, "s0", "s1"),
		{Step: types.StepRank, Attempt: 1, Status: types.StepRetrying, InputRef: "s1", NextEligibleAt: &next, Error: "timeout"},
	}
	pos, err := derivePosition(types.Execution{ID: "e", InputRef: "s0"}, records)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if pos.index != 1 || pos.attempt != 2 || pos.waitUntil == nil || !pos.waitUntil.Equal(next) || pos.inputRef != "s1" {
		t.Fatalf("unexpected position: %+v", pos)
	}
}

func TestDerivePositionTerminalRecords(t *testing.T) {
	t.Parallel()

	terminated := succeeded(types.StepJunkFilter, "s0", "s1")
	terminated.Termination = types.TerminationBelowJunkThreshold
	pos, err := derivePosition(types.Execution{ID: "e", InputRef: "s0"}, []types.StepRecord{terminated})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !pos.terminal || pos.status != types.ExecutionTerminated || pos.reason != types.TerminationBelowJunkThreshold {
		t.Fatalf("unexpected position: %+v", pos)
	}

	permanent := types.StepRecord{Step: types.StepJunkFilter, Attempt: 1, Status: types.StepFailed, InputRef: "s0", ErrorKind: string(failure.KindPermanent)}
	pos, err = derivePosition(types.Execution{ID: "e", InputRef: "s0"}, []types.StepRecord{permanent})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if pos.status != types.ExecutionTerminated || pos.reason != types.TerminationExternalCallFailed {
		t.Fatalf("unexpected position: %+v", pos)
	}

	transient := permanent
	transient.ErrorKind = string(failure.KindTransient)
	pos, err = derivePosition(types.Execution{ID: "e", InputRef: "s0"}, []types.StepRecord{transient})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if pos.status != types.ExecutionFailed {
		t.Fatalf("unexpected position: %+v", pos)
	}
}

func TestDerivePositionCompleted(t *testing.T) {
	t.Parallel()

	records := make([]types.StepRecord, 0, len(types.Steps))
	prev := "s0"
	for _, step := range types.Steps {
		next := prev + "x"
		records = append(records, succeeded(step, prev, next))
		prev = next
	}
	pos, err := derivePosition(types.Execution{ID: "e", InputRef: "s0"}, records)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !pos.terminal || pos.status != types.ExecutionCompleted || pos.index != len(types.Steps) {
		t.Fatalf("unexpected position: %+v", pos)
	}
}

func TestDerivePositionRejectsBrokenHistory(t *testing.T) {
	t.Parallel()

	execution := types.Execution{ID: "e", InputRef: "s0"}
	cases := map[string][]types.StepRecord{
		"broken chain": {
			succeeded(types.StepJunkFilter, "s0", "s1"),
			succeeded(types.StepRank, "other", "s2"),
		},
		"attempt gap": {
			{Step: types.StepJunkFilter, Attempt: 2, Status: types.StepSucceeded, InputRef: "s0", OutputRef: "s1"},
		},
		"skipped step": {
			succeeded(types.StepRank, "s0", "s1"),
		},
		"attempt after success": {
			succeeded(types.StepJunkFilter, "s0", "s1"),
			{Step: types.StepJunkFilter, Attempt: 2, Status: types.StepSucceeded, InputRef: "s0", OutputRef: "s1"},
		},
		"non-final status": {
			{Step: types.StepJunkFilter, Attempt: 1, Status: types.StepRunning, InputRef: "s0"},
		},
		"unknown step": {
			{Step: "bogus", Attempt: 1, Status: types.StepSucceeded},
		},
	}
	for name, records := range cases {
		if _, err := derivePosition(execution, records); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	policy := types.RetryPolicy{MaxAttempts: 6, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := policy.Backoff(i + 1); got != w {
			t.Fatalf("backoff(%d): got %s want %s", i+1, got, w)
		}
	}
}
