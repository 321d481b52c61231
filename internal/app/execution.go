package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"horse.fit/sieve/internal/cli"
	"horse.fit/sieve/internal/types"
	"horse.fit/sieve/internal/workflow"
)

func runExecution(args []string) int {
	if len(args) == 0 {
		printExecutionUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printExecutionUsage()
		return 0
	case "show":
		return runExecutionShow(args[1:])
	case "cancel":
		return runExecutionCancel(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown execution action: %s\n\n", args[0])
		printExecutionUsage()
		return 2
	}
}

func printExecutionUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  sieve execution show --id <execution-id> [--format table|json]")
	fmt.Fprintln(os.Stderr, "  sieve execution cancel --id <execution-id>")
}

func runExecutionShow(args []string) int {
	fs := flag.NewFlagSet("execution show", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs)
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	id := fs.String("id", "", "Execution ID")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

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

	execution, records, err := workflow.Inspect(ctx, store, strings.TrimSpace(*id))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load execution: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(map[string]any{"execution": execution, "steps": records}); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("execution=%s article=%s status=%s", execution.ID, execution.ArticleID, execution.Status)
	if execution.TerminationReason != types.TerminationNone {
		fmt.Printf(" reason=%s", execution.TerminationReason)
	}
	if execution.CancelRequested {
		fmt.Print(" cancel_requested=true")
	}
	fmt.Println()

	if err := writeTable([]string{"STEP", "ATTEMPT", "STATUS", "KIND", "STARTED", "FINISHED", "ERROR"}, stepRows(records)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	return 0
}

func stepRows(records []types.StepRecord) [][]string {
	rows := make([][]string, 0, len(records))
	for _, record := range records {
		rows = append(rows, []string{
			string(record.Step),
			strconv.Itoa(record.Attempt),
			string(record.Status),
			record.ErrorKind,
			formatUTCTimestamp(record.StartedAt),
			formatUTCTimestamp(record.FinishedAt),
			truncateForTable(record.Error, 60),
		})
	}
	return rows
}

func runExecutionCancel(args []string) int {
	fs := flag.NewFlagSet("execution cancel", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs)
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	id := fs.String("id", "", "Execution ID")

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

	ctx, cancel, store, closeStore, err := connectStore(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer closeStore()

	execution, err := workflow.Cancel(ctx, store, strings.TrimSpace(*id))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to cancel execution: %v\n", err)
		return 1
	}
	if execution.Status.Terminal() {
		fmt.Printf("execution=%s already %s\n", execution.ID, execution.Status)
		return 0
	}
	fmt.Printf("execution=%s cancel_requested=true\n", execution.ID)
	return 0
}
