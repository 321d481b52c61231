// Package ingest admits submitted articles through the duplicate index and
// opens a workflow execution for each admitted one.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/sieve/internal/dupindex"
	"horse.fit/sieve/internal/failure"
	"horse.fit/sieve/internal/fingerprint"
	"horse.fit/sieve/internal/globaltime"
	"horse.fit/sieve/internal/reader"
	"horse.fit/sieve/internal/types"
	"horse.fit/sieve/internal/workflow"
)

const maxTitleLength = 1000

// Store persists admitted articles. InsertAdmitted writes the article, its
// bucket membership, its execution and the execution's input snapshot in one
// unit. It re-checks duplicates against everything stored, including articles
// admitted by other processes, and reports a hit as *types.DuplicateError.
type Store interface {
	InsertAdmitted(ctx context.Context, adm types.Admission) error
	GetArticle(ctx context.Context, id string) (types.Article, error)
	RecordDedupEvent(ctx context.Context, event types.DedupEvent) error
	ForEachFingerprint(ctx context.Context, fn func(articleID string, exactHash [32]byte, nearDup uint64) error) error
}

type Service struct {
	store    Store
	index    *dupindex.Index
	settings types.Settings
	logger   zerolog.Logger
	now      func() time.Time
}

type Request struct {
	Source       string
	CanonicalURL string
	Title        string
	Text         string
	ContentType  string
}

type Result struct {
	ArticleID   string `json:"article_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	Admitted    bool   `json:"admitted"`
	DuplicateOf string `json:"duplicate_of,omitempty"`
	Distance    int    `json:"distance"`
	Exact       bool   `json:"exact"`
}

// NewService wires the admission path. settings is the configuration snapshot
// copied into every execution created from here.
func NewService(store Store, index *dupindex.Index, settings types.Settings, logger zerolog.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("ingest store is required")
	}
	if index == nil {
		return nil, fmt.Errorf("duplicate index is required")
	}
	if err := workflow.ValidateSettings(settings); err != nil {
		return nil, err
	}
	return &Service{
		store:    store,
		index:    index,
		settings: settings,
		logger:   logger,
		now:      globaltime.UTC,
	}, nil
}

// Submit fingerprints the article and either rejects it as a duplicate or
// stores it together with a pending execution.
func (s *Service) Submit(ctx context.Context, req Request) (Result, error) {
	if s == nil || s.store == nil || s.index == nil {
		return Result{}, fmt.Errorf("ingest service is not initialized")
	}

	article, err := s.buildArticle(req)
	if err != nil {
		return Result{}, err
	}
	fp, err := fingerprint.Compute(article.Text)
	if err != nil {
		return Result{}, fmt.Errorf("fingerprint article: %w", err)
	}
	article.ExactHash = fp.ExactHash
	article.NearDup = fp.NearDup

	decision := s.index.Admit(article.ID, fp)
	if !decision.Admitted {
		signal := types.SignalNearDuplicate
		if decision.Exact {
			signal = types.SignalExactHash
		}
		return s.reject(ctx, article, decision.DuplicateOf, decision.Distance, decision.Exact, signal)
	}

	prepared, err := workflow.Prepare(article, s.settings, article.IngestedAt)
	if err != nil {
		s.index.Remove(article.ID)
		return Result{}, err
	}

	err = s.store.InsertAdmitted(ctx, types.Admission{
		Article:     article,
		Blocks:      dupindex.BlockValues(fp.NearDup),
		MaxDistance: s.index.MaxDistance(),
		Execution:   prepared.Execution,
		SnapshotRef: prepared.Snapshot.Ref,
		Snapshot:    prepared.Snapshot.Payload,
	})
	if err != nil {
		s.index.Remove(article.ID)
		var dup *types.DuplicateError
		if !errors.As(err, &dup) {
			return Result{}, fmt.Errorf("store admitted article: %w", err)
		}
		// Another process stored a duplicate first; learn it locally.
		if existing, getErr := s.store.GetArticle(ctx, dup.DuplicateOf); getErr == nil {
			s.index.Insert(existing.ID, fingerprint.Fingerprint{ExactHash: existing.ExactHash, NearDup: existing.NearDup})
		} else {
			s.logger.Warn().Err(getErr).Str("duplicate_of", dup.DuplicateOf).Msg("load stored duplicate failed")
		}
		return s.reject(ctx, article, dup.DuplicateOf, dup.Distance, dup.Exact, types.SignalStorageConflict)
	}

	s.logger.Info().
		Str("article_id", article.ID).
		Str("execution_id", prepared.Execution.ID).
		Str("source", article.Source).
		Msg("article admitted")

	return Result{
		ArticleID:   article.ID,
		ExecutionID: prepared.Execution.ID,
		Admitted:    true,
	}, nil
}

func (s *Service) reject(ctx context.Context, article types.Article, duplicateOf string, distance int, exact bool, signal types.DedupSignal) (Result, error) {
	event := types.DedupEvent{
		Source:       article.Source,
		CanonicalURL: article.CanonicalURL,
		DuplicateOf:  duplicateOf,
		Distance:     distance,
		Signal:       signal,
		CreatedAt:    article.IngestedAt,
	}
	if err := s.store.RecordDedupEvent(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("duplicate_of", duplicateOf).Msg("record dedup event failed")
	}

	s.logger.Info().
		Str("source", article.Source).
		Str("duplicate_of", duplicateOf).
		Int("distance", distance).
		Str("signal", string(signal)).
		Msg("article rejected as duplicate")

	return Result{
		Admitted:    false,
		DuplicateOf: duplicateOf,
		Distance:    distance,
		Exact:       exact,
	}, nil
}

func (s *Service) buildArticle(req Request) (types.Article, error) {
	source := strings.TrimSpace(req.Source)
	if source == "" {
		return types.Article{}, failure.Invalidf("source is required")
	}
	title := strings.TrimSpace(req.Title)
	if len(title) > maxTitleLength {
		title, _ = reader.TruncateText(title, maxTitleLength)
	}
	canonicalURL := strings.TrimSpace(req.CanonicalURL)

	text := req.Text
	if reader.IsHTML(req.ContentType) {
		extracted, err := reader.ExtractText(req.Text, canonicalURL, title)
		if err != nil {
			return types.Article{}, fmt.Errorf("extract html: %w", err)
		}
		text = extracted
	}
	text = reader.CleanText(text)
	if text == "" {
		return types.Article{}, failure.Invalidf("text is required")
	}

	return types.Article{
		ID:           uuid.NewString(),
		Source:       source,
		CanonicalURL: canonicalURL,
		Title:        title,
		Text:         text,
		IngestedAt:   s.now(),
	}, nil
}

// Rebuild loads every stored fingerprint into the index. It runs once at
// startup, before any Submit.
func (s *Service) Rebuild(ctx context.Context) (int, error) {
	count := 0
	err := s.store.ForEachFingerprint(ctx, func(articleID string, exactHash [32]byte, nearDup uint64) error {
		s.index.Insert(articleID, fingerprint.Fingerprint{ExactHash: exactHash, NearDup: nearDup})
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("rebuild duplicate index: %w", err)
	}
	s.logger.Info().Int("articles", count).Msg("duplicate index rebuilt")
	return count, nil
}
