package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "serve":
		return runServe(args[1:])
	case "worker":
		return runWorker(args[1:])
	case "ingest":
		return runIngest(args[1:])
	case "validate":
		return runValidate(args[1:])
	case "execution", "executions":
		return runExecution(args[1:])
	case "review":
		return runReview(args[1:])
	case "corpus":
		return runCorpus(args[1:])
	case "stats":
		return runStats(args[1:])
	case "token":
		return runToken(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "sieve CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  sieve <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health     Verify store connectivity")
	fmt.Fprintln(os.Stderr, "  serve      Start the API server and the workflow runner")
	fmt.Fprintln(os.Stderr, "  worker     Run only the workflow runner")
	fmt.Fprintln(os.Stderr, "  ingest     Submit one article for admission")
	fmt.Fprintln(os.Stderr, "  validate   Validate article JSON files against the submission schema")
	fmt.Fprintln(os.Stderr, "  execution  Show or cancel a workflow execution")
	fmt.Fprintln(os.Stderr, "  review     List or decide review queue entries")
	fmt.Fprintln(os.Stderr, "  corpus     Import reference rules into the similarity corpus")
	fmt.Fprintln(os.Stderr, "  stats      Print admission and workflow counters")
	fmt.Fprintln(os.Stderr, "  token      Hash an API bearer token for SIEVE_API_TOKEN_HASH")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"sieve <command> -h\" for command-specific flags.")
}
