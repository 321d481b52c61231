package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"horse.fit/sieve/internal/cli"
	"horse.fit/sieve/internal/config"
	"horse.fit/sieve/internal/types"
	"horse.fit/sieve/internal/workflow"
)

const maxReferenceLineBytes = 4 << 20

// referenceLine is one reference rule in a JSON Lines corpus file.
type referenceLine struct {
	ID          string   `json:"id"`
	Source      string   `json:"source"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Body        string   `json:"body"`
}

type referenceSink interface {
	PutReference(ctx context.Context, ref types.ReferenceRule) error
}

func runCorpus(args []string) int {
	if len(args) == 0 || strings.ToLower(strings.TrimSpace(args[0])) != "import" {
		fmt.Fprintln(os.Stderr, "Usage:")
		fmt.Fprintln(os.Stderr, "  sieve corpus import --file <references.jsonl>")
		return 2
	}

	fs := flag.NewFlagSet("corpus import", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs)
	timeout := fs.Duration("timeout", time.Hour, "Command timeout")
	file := fs.String("file", "", "JSON Lines file with one reference rule per line")

	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(os.Stderr, "--file is required")
		return 2
	}

	cfg, logger, err := loadConfig(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.Store == config.StoreMemory {
		fmt.Fprintln(os.Stderr, "SIEVE_STORE=memory keeps no state between commands; use postgres")
		return 1
	}

	input, err := os.Open(strings.TrimSpace(*file))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open corpus file: %v\n", err)
		return 1
	}
	defer input.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, closeStore, _, err := openBackend(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeStore()

	embedder := newEmbedder(cfg)

	imported, err := importReferences(ctx, input, embedder, store)
	if err != nil {
		logger.Error().Err(err).Int("imported", imported).Msg("corpus import failed")
		fmt.Fprintf(os.Stderr, "Corpus import failed after %d references: %v\n", imported, err)
		return 1
	}
	logger.Info().Int("imported", imported).Str("model", embedder.Model()).Msg("corpus import finished")
	fmt.Printf("imported=%d\n", imported)
	return 0
}

// importReferences embeds and stores every reference in r. Blank lines are
// skipped; the first malformed line stops the import.
func importReferences(ctx context.Context, r io.Reader, embedder workflow.Embedder, sink referenceSink) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxReferenceLineBytes)

	imported := 0
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var item referenceLine
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			return imported, fmt.Errorf("line %d: decode reference: %w", lineNo, err)
		}
		item.ID = strings.TrimSpace(item.ID)
		if item.ID == "" || strings.TrimSpace(item.Title) == "" {
			return imported, fmt.Errorf("line %d: id and title are required", lineNo)
		}

		segments := types.DetectionRule{
			Title:       item.Title,
			Description: item.Description,
			Tags:        item.Tags,
			Body:        item.Body,
		}.SegmentTexts()
		vectors, err := embedder.EmbedSegments(ctx, segments)
		if err != nil {
			return imported, fmt.Errorf("line %d: embed reference %s: %w", lineNo, item.ID, err)
		}

		ref := types.ReferenceRule{
			ID:          item.ID,
			Source:      strings.TrimSpace(item.Source),
			Title:       item.Title,
			Description: item.Description,
			Tags:        item.Tags,
			Embeddings: types.RuleEmbeddings{
				RuleID:  item.ID,
				Model:   embedder.Model(),
				Vectors: vectors,
			},
		}
		if err := sink.PutReference(ctx, ref); err != nil {
			return imported, fmt.Errorf("line %d: store reference %s: %w", lineNo, item.ID, err)
		}
		imported++
	}
	if err := scanner.Err(); err != nil {
		return imported, fmt.Errorf("read corpus: %w", err)
	}
	return imported, nil
}
