package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"horse.fit/sieve/internal/auth"
	"horse.fit/sieve/internal/cli"
	"horse.fit/sieve/internal/httpapi"
	"horse.fit/sieve/internal/logging"
	"horse.fit/sieve/internal/workflow"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs)
	host := fs.String("host", "0.0.0.0", "Host interface to bind")
	port := fs.Int("port", 8090, "HTTP port")
	readTimeout := fs.Duration("read-timeout", 10*time.Second, "HTTP read timeout")
	writeTimeout := fs.Duration("write-timeout", 30*time.Second, "HTTP write timeout")
	shutdownTimeout := fs.Duration("shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")
	noWorkers := fs.Bool("no-workers", false, "Serve the API without running the workflow runner")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *port <= 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "--port must be between 1 and 65535")
		return 2
	}

	cfg, logger, err := loadConfig(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, time.Minute)
	st, err := openStack(startCtx, cfg, logger)
	startCancel()
	if err != nil {
		logger.Error().Err(err).Msg("serve failed to start")
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer st.close()

	tokens, err := auth.NewVerifier(cfg.APITokenHash)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if tokens == nil {
		logger.Warn().Msg("SIEVE_API_TOKEN_HASH is not set; mutating API routes are unauthenticated")
	}

	srv := httpapi.NewServer(httpapi.Dependencies{
		Store:      st.store,
		Ingest:     st.ingest,
		Executions: st.engine,
		Reviews:    st.queue,
	}, logging.Component(logger, "http"), httpapi.Options{
		Tokens:          tokens,
		Host:            *host,
		Port:            *port,
		ReadTimeout:     *readTimeout,
		WriteTimeout:    *writeTimeout,
		ShutdownTimeout: *shutdownTimeout,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Start(groupCtx)
	})
	if !*noWorkers {
		runner, err := newRunner(st)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		group.Go(func() error {
			return runner.Run(groupCtx)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Str("host", *host).Int("port", *port).Msg("server failed")
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		return 1
	}
	return 0
}

func runWorker(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs)
	once := fs.Bool("once", false, "Run a single polling pass and exit")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, logger, err := loadConfig(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStack(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("worker failed to start")
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer st.close()

	runner, err := newRunner(st)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if *once {
		result, err := runner.Tick(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Worker pass failed: %v\n", err)
			return 1
		}
		fmt.Printf("picked=%d finished=%d waiting=%d errored=%d\n", result.Picked, result.Finished, result.Waiting, result.Errored)
		return 0
	}

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker failed")
		fmt.Fprintf(os.Stderr, "Worker failed: %v\n", err)
		return 1
	}
	return 0
}

func newRunner(st *stack) (*workflow.Runner, error) {
	runner, err := workflow.NewRunner(st.engine, workflow.RunnerOptions{
		Workers:      st.cfg.Workers,
		PollInterval: st.cfg.PollInterval,
		Lease:        st.cfg.LeaseTTL,
	}, logging.Component(st.logger, "runner"))
	if err != nil {
		return nil, fmt.Errorf("create workflow runner: %w", err)
	}
	return runner, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
