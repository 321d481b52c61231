package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"horse.fit/sieve/internal/cli"
	"horse.fit/sieve/internal/types"
)

func runStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs)
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "stats does not accept positional arguments")
		return 2
	}

	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	ctx, cancel, store, closeStore, err := connectStore(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer closeStore()

	stats, err := store.Stats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query stats: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(stats); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}
	if err := writeTable([]string{"METRIC", "VALUE"}, statsRows(stats)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	return 0
}

func statsRows(stats types.Stats) [][]string {
	rows := [][]string{
		{"articles", strconv.FormatInt(stats.Articles, 10)},
		{"dedup_rejections", strconv.FormatInt(stats.DedupRejections, 10)},
		{"rules", strconv.FormatInt(stats.Rules, 10)},
		{"review_queued", strconv.FormatInt(stats.ReviewQueued, 10)},
		{"review_decided", strconv.FormatInt(stats.ReviewDecided, 10)},
	}

	statuses := make([]string, 0, len(stats.Executions))
	for status := range stats.Executions {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		count := stats.Executions[types.ExecutionStatus(status)]
		rows = append(rows, []string{"executions." + status, strconv.FormatInt(count, 10)})
	}

	reasons := make([]string, 0, len(stats.Terminations))
	for reason := range stats.Terminations {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		rows = append(rows, []string{"terminations." + reason, strconv.FormatInt(stats.Terminations[reason], 10)})
	}
	return rows
}
