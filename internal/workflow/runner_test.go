package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/sieve/internal/failure"
	"horse.fit/sieve/internal/types"
)

func TestRunnerTickDrivesAllRunnableExecutions(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		article := types.Article{ID: fmt.Sprintf("article-%d", i), Text: "text", IngestedAt: h.clock.Now()}
		execution, err := h.engine.Start(ctx, article, h.settings)
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		ids = append(ids, execution.ID)
	}

	runner, err := NewRunner(h.engine, RunnerOptions{Workers: 2, BatchSize: 10}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	result, err := runner.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if result.Picked != 5 || result.Finished != 5 {
		t.Fatalf("unexpected tick result: %+v", result)
	}
	for _, id := range ids {
		execution, err := h.store.GetExecution(ctx, id)
		if err != nil {
			t.Fatalf("get execution: %v", err)
		}
		if execution.Status != types.ExecutionCompleted {
			t.Fatalf("execution %s not completed: %+v", id, execution)
		}
	}

	again, err := runner.Tick(ctx)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if again.Picked != 0 {
		t.Fatalf("expected no runnable executions, got %d", again.Picked)
	}
}

func TestRunnerTickLeavesBackoffForLater(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.analyst.rankErrs = []error{failure.Transientf("analyst timeout")}
	ctx := context.Background()
	execution := h.start(t)

	runner, err := NewRunner(h.engine, RunnerOptions{Workers: 1}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	result, err := runner.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if result.Waiting != 1 {
		t.Fatalf("expected execution to wait for backoff, got %+v", result)
	}
	if again, _ := runner.Tick(ctx); again.Picked != 0 {
		t.Fatalf("expected waiting execution to be skipped, got %+v", again)
	}

	_ = h.clock.Sleep(ctx, h.settings.Retry.BaseDelay)
	if result, _ := runner.Tick(ctx); result.Finished != 1 {
		t.Fatalf("expected execution to finish after backoff, got %+v", result)
	}
	got, err := h.store.GetExecution(ctx, execution.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != types.ExecutionCompleted {
		t.Fatalf("unexpected execution: %+v", got)
	}
}

func TestConcurrentRunnersDriveExecutionOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	execution := h.start(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.analyst.generateHook = func(context.Context) {
		once.Do(func() { close(started) })
		<-release
	}

	first, err := NewRunner(h.newEngine(t), RunnerOptions{Workers: 1, Owner: "runner-a"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new first runner: %v", err)
	}
	second, err := NewRunner(h.newEngine(t), RunnerOptions{Workers: 1, Owner: "runner-b"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new second runner: %v", err)
	}

	type tick struct {
		result TickResult
		err    error
	}
	firstDone := make(chan tick, 1)
	go func() {
		result, err := first.Tick(ctx)
		firstDone <- tick{result, err}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("first runner never reached generate")
	}
	secondResult, err := second.Tick(ctx)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if secondResult.Picked != 0 {
		t.Fatalf("expected leased execution to be skipped, got %+v", secondResult)
	}

	close(release)
	done := <-firstDone
	if done.err != nil || done.result.Finished != 1 {
		t.Fatalf("unexpected first tick: %+v %v", done.result, done.err)
	}
	if _, _, generate := h.analyst.calls(); generate != 1 {
		t.Fatalf("expected exactly one generate call, got %d", generate)
	}
	got, err := h.store.GetExecution(ctx, execution.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != types.ExecutionCompleted {
		t.Fatalf("unexpected execution: %+v", got)
	}
}

func TestRunnerReclaimsExpiredLease(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	execution := h.start(t)

	// A runner that claimed the execution and then died.
	claimed, err := h.store.ClaimRunnable(ctx, "dead-runner", h.clock.Now(), time.Minute, 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v %v", claimed, err)
	}

	runner, err := NewRunner(h.engine, RunnerOptions{Workers: 1, Owner: "live-runner", Lease: time.Minute}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if result, _ := runner.Tick(ctx); result.Picked != 0 {
		t.Fatalf("expected unexpired lease to be respected, got %+v", result)
	}

	_ = h.clock.Sleep(ctx, 2*time.Minute)
	result, err := runner.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if result.Picked != 1 || result.Finished != 1 {
		t.Fatalf("expected expired lease to be reclaimed, got %+v", result)
	}
	if err := h.store.RenewLease(ctx, execution.ID, "dead-runner", h.clock.Now()); !failure.IsConflict(err) {
		t.Fatalf("expected lost lease to conflict on renew, got %v", err)
	}
}
