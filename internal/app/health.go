package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/sieve/internal/cli"
)

func runHealth(args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs)
	timeout := fs.Duration("timeout", 5*time.Second, "Store ping timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	ctx, cancel, store, closeStore, err := connectStore(*timeout, envLoader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer cancel()
	defer closeStore()

	if err := store.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	fmt.Println("ok: database ping successful")
	return 0
}
