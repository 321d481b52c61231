package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/sieve/internal/cli"
	"horse.fit/sieve/internal/ingest"
	"horse.fit/sieve/internal/payloadschema"
)

func runIngest(args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs)
	timeout := fs.Duration("timeout", time.Minute, "Command timeout")
	payload := fs.String("payload", "", "Article submission JSON")
	payloadFile := fs.String("payload-file", "", "Path to article submission JSON file (overrides --payload)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	payloadJSON, err := loadJSONInput(*payload, *payloadFile, "payload")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid payload: %v\n", err)
		return 2
	}
	article, err := payloadschema.ValidateArticlePayload(payloadJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid payload: %v\n", err)
		return 2
	}

	cfg, logger, err := loadConfig(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	st, err := openStack(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer st.close()

	result, err := st.ingest.Submit(ctx, ingest.Request{
		Source:       article.Source,
		CanonicalURL: article.CanonicalURL,
		Title:        article.Title,
		Text:         article.Text,
		ContentType:  article.ContentType,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ingest failed: %v\n", err)
		return 1
	}

	if result.Admitted {
		fmt.Printf("admitted=true article_id=%s execution_id=%s\n", result.ArticleID, result.ExecutionID)
		return 0
	}
	fmt.Printf("admitted=false duplicate_of=%s distance=%d exact=%t\n", result.DuplicateOf, result.Distance, result.Exact)
	return 0
}

func loadJSONInput(inlineValue, filePath, label string) (json.RawMessage, error) {
	if path := strings.TrimSpace(filePath); path != "" {
		payload, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s file %q: %w", label, path, err)
		}
		trimmed := strings.TrimSpace(string(payload))
		if trimmed == "" {
			return nil, fmt.Errorf("%s file %q is empty", label, path)
		}
		return json.RawMessage(trimmed), nil
	}

	trimmed := strings.TrimSpace(inlineValue)
	if trimmed == "" {
		return nil, fmt.Errorf("%s JSON is empty", label)
	}
	return json.RawMessage(trimmed), nil
}
