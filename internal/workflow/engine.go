// Package workflow drives an admitted article through junk filtering, ranking,
// extraction, rule generation, similarity matching and review enqueueing.
//
// Every attempt of every step is recorded once and never rewritten. The
// execution's position is always re-derived from those records, so a process
// that dies at any point resumes from the last succeeded step with the same
// input snapshot.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/sieve/internal/failure"
	"horse.fit/sieve/internal/globaltime"
	"horse.fit/sieve/internal/similarity"
	"horse.fit/sieve/internal/types"
)

type Engine struct {
	deps   Dependencies
	logger zerolog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSleep overrides how Run waits out a retry backoff.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

func NewEngine(deps Dependencies, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("workflow store is nil")
	case deps.Junk == nil:
		return nil, fmt.Errorf("junk scorer is nil")
	case deps.Analyst == nil:
		return nil, fmt.Errorf("analyst is nil")
	case deps.Embedder == nil:
		return nil, fmt.Errorf("embedder is nil")
	case deps.Embeddings == nil:
		return nil, fmt.Errorf("embedding store is nil")
	case deps.Rules == nil:
		return nil, fmt.Errorf("rule store is nil")
	case deps.Corpus == nil:
		return nil, fmt.Errorf("corpus is nil")
	case deps.Queue == nil:
		return nil, fmt.Errorf("review queue is nil")
	}

	e := &Engine{
		deps:   deps,
		logger: logger,
		now:    globaltime.UTC,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ValidateSettings rejects a configuration snapshot that no execution could run with.
func ValidateSettings(settings types.Settings) error {
	if err := similarity.Validate(settings.Matcher); err != nil {
		return err
	}
	if settings.JunkThreshold < 0 || settings.JunkThreshold > 1 {
		return fmt.Errorf("junk threshold must lie within [0, 1], got %v", settings.JunkThreshold)
	}
	if settings.RankThreshold < 0 || settings.RankThreshold > 10 {
		return fmt.Errorf("rank threshold must lie within [0, 10], got %d", settings.RankThreshold)
	}
	if settings.Retry.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1, got %d", settings.Retry.MaxAttempts)
	}
	if settings.Retry.BaseDelay < 0 || settings.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry delays must be non-negative")
	}
	if settings.CorpusCandidates < 1 {
		return fmt.Errorf("corpus candidates must be >= 1, got %d", settings.CorpusCandidates)
	}
	return nil
}

// Prepared is a new execution and its initial snapshot, ready to persist.
type Prepared struct {
	Execution types.Execution
	Snapshot  Snapshot
}

// Prepare builds, without persisting, the execution for an admitted article.
// The settings snapshot is fixed for the lifetime of the execution.
func Prepare(article types.Article, settings types.Settings, now time.Time) (Prepared, error) {
	if err := ValidateSettings(settings); err != nil {
		return Prepared{}, fmt.Errorf("invalid workflow settings: %w", err)
	}
	snapshot, err := encodeState(State{Article: article})
	if err != nil {
		return Prepared{}, err
	}
	return Prepared{
		Execution: types.Execution{
			ID:        uuid.NewString(),
			ArticleID: article.ID,
			InputRef:  snapshot.Ref,
			Status:    types.ExecutionPending,
			Settings:  settings,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Snapshot: snapshot,
	}, nil
}

// Start persists a new execution for article.
func (e *Engine) Start(ctx context.Context, article types.Article, settings types.Settings) (types.Execution, error) {
	prepared, err := Prepare(article, settings, e.now())
	if err != nil {
		return types.Execution{}, err
	}
	if err := e.deps.Store.PutSnapshot(ctx, prepared.Snapshot.Ref, prepared.Snapshot.Payload); err != nil {
		return types.Execution{}, fmt.Errorf("store initial snapshot: %w", err)
	}
	if err := e.deps.Store.CreateExecution(ctx, prepared.Execution); err != nil {
		return types.Execution{}, fmt.Errorf("create execution: %w", err)
	}
	return prepared.Execution, nil
}

// Cancel flags the execution. The flag is honored before the next attempt
// begins; cancelling a terminal execution is a no-op.
func (e *Engine) Cancel(ctx context.Context, id string) (types.Execution, error) {
	return Cancel(ctx, e.deps.Store, id)
}

// Get returns the execution and its full step history.
func (e *Engine) Get(ctx context.Context, id string) (types.Execution, []types.StepRecord, error) {
	return Inspect(ctx, e.deps.Store, id)
}

// Cancel flags the execution directly in store, for processes that do not
// run an engine.
func Cancel(ctx context.Context, store Store, id string) (types.Execution, error) {
	execution, err := store.GetExecution(ctx, id)
	if err != nil {
		return types.Execution{}, err
	}
	if execution.Status.Terminal() {
		return execution, nil
	}
	if err := store.RequestCancel(ctx, id); err != nil {
		return types.Execution{}, fmt.Errorf("request cancel: %w", err)
	}
	execution.CancelRequested = true
	return execution, nil
}

func Inspect(ctx context.Context, store Store, id string) (types.Execution, []types.StepRecord, error) {
	execution, err := store.GetExecution(ctx, id)
	if err != nil {
		return types.Execution{}, nil, err
	}
	records, err := store.ListStepRecords(ctx, id)
	if err != nil {
		return types.Execution{}, nil, fmt.Errorf("list step records: %w", err)
	}
	return execution, records, nil
}

// Run advances the execution until it is terminal, waiting out retry backoff.
func (e *Engine) Run(ctx context.Context, id string) (types.Execution, error) {
	return e.drive(ctx, id, true)
}

// drive advances until terminal, or until a retry backoff is pending when wait is false.
func (e *Engine) drive(ctx context.Context, id string, wait bool) (types.Execution, error) {
	for {
		execution, err := e.Advance(ctx, id)
		if err != nil {
			return execution, err
		}
		if execution.Status.Terminal() {
			return execution, nil
		}
		if execution.NextEligibleAt != nil {
			delay := execution.NextEligibleAt.Sub(e.now())
			if delay > 0 {
				if !wait {
					return execution, nil
				}
				if err := e.sleep(ctx, delay); err != nil {
					return execution, err
				}
			}
		}
	}
}

// Advance runs at most one attempt of the next step.
func (e *Engine) Advance(ctx context.Context, id string) (types.Execution, error) {
	store := e.deps.Store
	execution, err := store.GetExecution(ctx, id)
	if err != nil {
		return types.Execution{}, err
	}
	if execution.Status.Terminal() {
		return execution, nil
	}

	records, err := store.ListStepRecords(ctx, id)
	if err != nil {
		return execution, fmt.Errorf("list step records: %w", err)
	}
	logger := e.logger.With().Str("execution_id", execution.ID).Str("article_id", execution.ArticleID).Logger()

	pos, err := derivePosition(execution, records)
	if err != nil {
		// No attempt can be placed on an inconsistent history; fail the
		// execution instead of polling it forever.
		logger.Error().Err(err).Msg("step history is inconsistent")
		return e.finish(ctx, execution, execution.CurrentStep, types.ExecutionFailed, types.TerminationNone, "corrupt step history: "+err.Error())
	}

	if pos.terminal {
		// A previous process recorded the final attempt but died before
		// marking the execution.
		return e.finish(ctx, execution, pos.index, pos.status, pos.reason, pos.lastError)
	}
	if execution.CancelRequested {
		logger.Info().Msg("execution cancelled")
		return e.finish(ctx, execution, pos.index, types.ExecutionTerminated, types.TerminationCancelled, "")
	}

	now := e.now()
	if pos.waitUntil != nil && now.Before(*pos.waitUntil) {
		execution.NextEligibleAt = pos.waitUntil
		return execution, nil
	}

	step := types.Steps[pos.index]
	logger = logger.With().Str("step", string(step)).Int("attempt", pos.attempt).Logger()

	if execution.Status != types.ExecutionRunning || execution.CurrentStep != pos.index {
		execution.Status = types.ExecutionRunning
		execution.CurrentStep = pos.index
		execution.UpdatedAt = now
		if err := store.UpdateExecution(ctx, execution); err != nil {
			return execution, fmt.Errorf("mark execution running: %w", err)
		}
	}

	payload, err := store.GetSnapshot(ctx, pos.inputRef)
	if err != nil {
		return execution, fmt.Errorf("load input snapshot %s: %w", pos.inputRef, err)
	}
	input, err := decodeState(payload)
	if err != nil {
		return execution, err
	}

	sc := &stepContext{
		execution: execution,
		step:      step,
		store:     store,
		timeout:   execution.Settings.CallTimeout,
	}
	outcome, stepErr := e.dispatch(ctx, sc, input)
	if ctx.Err() != nil {
		// Shutting down: leave no record so the attempt is simply re-run.
		return execution, ctx.Err()
	}

	finished := e.now()
	record := types.StepRecord{
		ExecutionID: execution.ID,
		Step:        step,
		Attempt:     pos.attempt,
		InputRef:    pos.inputRef,
		StartedAt:   now,
		FinishedAt:  finished,
	}

	if stepErr == nil {
		snapshot, err := encodeState(outcome.state)
		if err != nil {
			return execution, err
		}
		if err := store.PutSnapshot(ctx, snapshot.Ref, snapshot.Payload); err != nil {
			return execution, fmt.Errorf("store output snapshot: %w", err)
		}
		record.Status = types.StepSucceeded
		record.OutputRef = snapshot.Ref
		record.Termination = outcome.terminate
		if err := store.AppendStepRecord(ctx, record); err != nil {
			return execution, fmt.Errorf("append step record: %w", err)
		}

		logger.Info().
			Dur("duration", finished.Sub(now)).
			Str("termination", string(outcome.terminate)).
			Msg("step succeeded")

		switch {
		case outcome.terminate != types.TerminationNone:
			return e.finish(ctx, execution, pos.index, types.ExecutionTerminated, outcome.terminate, "")
		case pos.index+1 == len(types.Steps):
			return e.finish(ctx, execution, pos.index, types.ExecutionCompleted, types.TerminationNone, "")
		}

		execution.CurrentStep = pos.index + 1
		execution.NextEligibleAt = nil
		execution.LastError = ""
		execution.UpdatedAt = finished
		if err := store.UpdateExecution(ctx, execution); err != nil {
			return execution, fmt.Errorf("advance execution: %w", err)
		}
		return execution, nil
	}

	kind := failure.KindOf(stepErr)
	record.ErrorKind = string(kind)
	record.Error = stepErr.Error()

	retryable := kind == failure.KindTransient || kind == failure.KindInternal
	if retryable && pos.attempt < execution.Settings.Retry.MaxAttempts {
		next := finished.Add(execution.Settings.Retry.Backoff(pos.attempt))
		record.Status = types.StepRetrying
		record.NextEligibleAt = &next
		if err := store.AppendStepRecord(ctx, record); err != nil {
			return execution, fmt.Errorf("append step record: %w", err)
		}

		logger.Warn().Err(stepErr).Time("next_eligible_at", next).Msg("step failed, retry scheduled")

		execution.NextEligibleAt = &next
		execution.LastError = record.Error
		execution.UpdatedAt = finished
		if err := store.UpdateExecution(ctx, execution); err != nil {
			return execution, fmt.Errorf("schedule retry: %w", err)
		}
		return execution, nil
	}

	record.Status = types.StepFailed
	if err := store.AppendStepRecord(ctx, record); err != nil {
		return execution, fmt.Errorf("append step record: %w", err)
	}
	logger.Error().Err(stepErr).Str("error_kind", string(kind)).Msg("step failed")

	if kind == failure.KindPermanent {
		return e.finish(ctx, execution, pos.index, types.ExecutionTerminated, types.TerminationExternalCallFailed, record.Error)
	}
	return e.finish(ctx, execution, pos.index, types.ExecutionFailed, types.TerminationNone, record.Error)
}

func (e *Engine) finish(
	ctx context.Context,
	execution types.Execution,
	index int,
	status types.ExecutionStatus,
	reason types.TerminationReason,
	lastError string,
) (types.Execution, error) {
	now := e.now()
	execution.Status = status
	execution.TerminationReason = reason
	execution.CurrentStep = index
	execution.NextEligibleAt = nil
	execution.LastError = lastError
	execution.UpdatedAt = now
	execution.FinishedAt = &now
	if err := e.deps.Store.UpdateExecution(ctx, execution); err != nil {
		if failure.IsConflict(err) {
			// Someone else finished it first; report what is stored.
			stored, getErr := e.deps.Store.GetExecution(ctx, execution.ID)
			if getErr == nil {
				return stored, nil
			}
		}
		return execution, fmt.Errorf("finish execution: %w", err)
	}

	e.logger.Info().
		Str("execution_id", execution.ID).
		Str("status", string(status)).
		Str("termination", string(reason)).
		Msg("execution finished")
	return execution, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsNotRunnable reports whether err means the execution cannot progress in
// this process right now.
func IsNotRunnable(err error) bool {
	return failure.IsConflict(err) || errors.Is(err, context.Canceled)
}
