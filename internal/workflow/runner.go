package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"horse.fit/sieve/internal/failure"
	"horse.fit/sieve/internal/types"
)

const (
	DefaultWorkers      = 8
	DefaultPollInterval = 2 * time.Second
	DefaultLease        = 2 * time.Minute
)

var errLeaseLost = errors.New("execution lease lost")

type RunnerOptions struct {
	Workers      int
	PollInterval time.Duration
	BatchSize    int

	// Lease is how long a claimed execution stays reserved without renewal.
	// It is renewed every Lease/3 while the execution is driven.
	Lease time.Duration

	// Owner identifies this runner in lease rows. Defaults to host/uuid.
	Owner string
}

// Runner claims runnable executions and drives up to Workers of them at a
// time. Steps within one execution always run sequentially, and a claimed
// execution is driven by exactly one runner across all processes.
type Runner struct {
	engine *Engine
	opts   RunnerOptions
	logger zerolog.Logger
}

type TickResult struct {
	Picked   int
	Finished int
	Waiting  int
	Errored  int
}

func NewRunner(engine *Engine, opts RunnerOptions, logger zerolog.Logger) (*Runner, error) {
	if engine == nil {
		return nil, fmt.Errorf("workflow engine is nil")
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = opts.Workers * 4
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.Owner == "" {
		opts.Owner = defaultOwner()
	}
	return &Runner{
		engine: engine,
		opts:   opts,
		logger: logger.With().Str("owner", opts.Owner).Logger(),
	}, nil
}

// Run polls until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().
		Int("workers", r.opts.Workers).
		Dur("poll_interval", r.opts.PollInterval).
		Dur("lease", r.opts.Lease).
		Msg("workflow runner started")

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	for {
		result, err := r.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("workflow poll failed")
		}
		if result.Picked > 0 {
			r.logger.Debug().
				Int("picked", result.Picked).
				Int("finished", result.Finished).
				Int("waiting", result.Waiting).
				Int("errored", result.Errored).
				Msg("workflow tick")
		}

		// Keep draining while full batches make progress.
		if result.Picked >= r.opts.BatchSize && result.Finished > 0 && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("workflow runner stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick claims one batch of runnable executions and drives each to completion
// or to its next retry wait.
func (r *Runner) Tick(ctx context.Context) (TickResult, error) {
	ids, err := r.engine.deps.Store.ClaimRunnable(ctx, r.opts.Owner, r.engine.now(), r.opts.Lease, r.opts.BatchSize)
	if err != nil {
		return TickResult{}, fmt.Errorf("claim runnable executions: %w", err)
	}

	results := make([]int, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for i, id := range ids {
		g.Go(func() error {
			execution, err := r.driveLeased(gctx, id)
			switch {
			case err != nil:
				if !IsNotRunnable(err) {
					r.logger.Error().Err(err).Str("execution_id", id).Msg("execution advance failed")
				}
				results[i] = tickErrored
			case execution.Status.Terminal():
				results[i] = tickFinished
			default:
				results[i] = tickWaiting
			}
			return nil
		})
	}
	_ = g.Wait()

	out := TickResult{Picked: len(ids)}
	for _, result := range results {
		switch result {
		case tickFinished:
			out.Finished++
		case tickWaiting:
			out.Waiting++
		case tickErrored:
			out.Errored++
		}
	}
	return out, ctx.Err()
}

const (
	tickErrored = iota + 1
	tickFinished
	tickWaiting
)

// driveLeased drives id while renewing its lease. Losing the lease cancels the
// drive before the next attempt is recorded.
func (r *Runner) driveLeased(ctx context.Context, id string) (types.Execution, error) {
	store := r.engine.deps.Store
	leaseCtx, cancel := context.WithCancelCause(ctx)
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		r.keepLease(leaseCtx, id, cancel)
	}()

	execution, err := r.engine.drive(leaseCtx, id, false)
	cancel(nil)
	<-renewed

	if cause := context.Cause(leaseCtx); errors.Is(cause, errLeaseLost) && err != nil {
		err = fmt.Errorf("%w: %w", cause, err)
	}
	if relErr := store.ReleaseLease(context.WithoutCancel(ctx), id, r.opts.Owner); relErr != nil {
		r.logger.Warn().Err(relErr).Str("execution_id", id).Msg("release execution lease failed")
	}
	return execution, err
}

func (r *Runner) keepLease(ctx context.Context, id string, lost context.CancelCauseFunc) {
	ticker := time.NewTicker(r.opts.Lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := r.engine.deps.Store.RenewLease(ctx, id, r.opts.Owner, r.engine.now().Add(r.opts.Lease))
		switch {
		case err == nil || ctx.Err() != nil:
		case failure.IsConflict(err):
			r.logger.Warn().Str("execution_id", id).Msg("execution lease lost")
			lost(errLeaseLost)
			return
		default:
			r.logger.Warn().Err(err).Str("execution_id", id).Msg("renew execution lease failed")
		}
	}
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "sieve"
	}
	return host + "/" + uuid.NewString()
}
