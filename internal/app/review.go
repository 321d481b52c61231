package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/sieve/internal/cli"
	"horse.fit/sieve/internal/review"
	"horse.fit/sieve/internal/types"
)

func runReview(args []string) int {
	if len(args) == 0 {
		printReviewUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printReviewUsage()
		return 0
	case "list":
		return runReviewList(args[1:])
	case "decide":
		return runReviewDecide(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown review action: %s\n\n", args[0])
		printReviewUsage()
		return 2
	}
}

func printReviewUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  sieve review list [--status queued|approved|rejected|all] [--limit N] [--format table|json]")
	fmt.Fprintln(os.Stderr, "  sieve review decide --id <review-id> --decision approve|reject --reviewer <name> [--note text]")
}

func runReviewList(args []string) int {
	fs := flag.NewFlagSet("review list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs)
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	statusRaw := fs.String("status", "queued", "Filter by status: queued, approved, rejected or all")
	limit := fs.Int("limit", review.DefaultListLimit, "Maximum entries to print")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	status, err := review.ParseStatus(*statusRaw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid --status: %v\n", err)
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

	entries, err := review.NewQueue(store, zerolog.Nop()).List(ctx, status, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list review entries: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(entries); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}
	if err := writeTable([]string{"REVIEW_ID", "STATUS", "COVERAGE", "BEST", "RULE", "CREATED"}, reviewRows(entries)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	return 0
}

func reviewRows(entries []types.ReviewEntry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, []string{
			entry.ID,
			string(entry.Status),
			string(entry.Coverage),
			strconv.FormatFloat(entry.BestScore, 'f', 3, 64),
			truncateForTable(entry.Rule.Title, 60),
			formatUTCTimestamp(entry.CreatedAt),
		})
	}
	return rows
}

func runReviewDecide(args []string) int {
	fs := flag.NewFlagSet("review decide", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs)
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	id := fs.String("id", "", "Review entry ID")
	decisionRaw := fs.String("decision", "", "approve or reject")
	reviewer := fs.String("reviewer", strings.TrimSpace(os.Getenv("USER")), "Reviewer name")
	note := fs.String("note", "", "Optional decision note")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if strings.TrimSpace(*id) == "" {
		fmt.Fprintln(os.Stderr, "--id is required")
		return 2
	}
	decision, err := review.ParseStatus(*decisionRaw)
	if err != nil || (decision != types.ReviewApproved && decision != types.ReviewRejected) {
		fmt.Fprintln(os.Stderr, "--decision must be approve or reject")
		return 2
	}

	ctx, cancel, store, closeStore, err := connectStore(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer closeStore()

	entry, err := review.NewQueue(store, zerolog.Nop()).Decide(ctx, *id, decision, *reviewer, *note)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to decide review entry: %v\n", err)
		return 1
	}
	fmt.Printf("review=%s rule=%s status=%s reviewer=%s\n", entry.ID, entry.RuleID, entry.Status, entry.Reviewer)
	return 0
}
