package app

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"horse.fit/sieve/internal/auth"
)

func runToken(args []string) int {
	if len(args) == 0 || strings.ToLower(strings.TrimSpace(args[0])) != "hash" {
		fmt.Fprintln(os.Stderr, "Usage:")
		fmt.Fprintln(os.Stderr, "  sieve token hash [--token <value>]")
		return 2
	}

	fs := flag.NewFlagSet("token hash", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	token := fs.String("token", "", "Token to hash; read from stdin when omitted")

	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	value := strings.TrimSpace(*token)
	if value == "" {
		read, err := readFirstLine(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read token: %v\n", err)
			return 1
		}
		value = read
	}

	hash, err := auth.HashToken(value)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	fmt.Fprintf(os.Stdout, "SIEVE_API_TOKEN_HASH=%s\n", hash)
	return 0
}

func readFirstLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
