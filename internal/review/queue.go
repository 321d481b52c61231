// Package review holds candidate rules for human decision.
package review

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/sieve/internal/failure"
	"horse.fit/sieve/internal/globaltime"
	"horse.fit/sieve/internal/types"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

var entryNamespace = uuid.MustParse("0b9a7e52-3c6d-4f0e-8b1a-2d4c6e8f1a3b")

// Store persists review entries. InsertReviewEntry is keyed on rule ID and
// returns the existing entry, with inserted=false, when one is already present.
type Store interface {
	InsertReviewEntry(ctx context.Context, entry types.ReviewEntry) (types.ReviewEntry, bool, error)
	GetReviewEntry(ctx context.Context, id string) (types.ReviewEntry, error)
	ListReviewEntries(ctx context.Context, status types.ReviewStatus, limit int) ([]types.ReviewEntry, error)
	DecideReviewEntry(ctx context.Context, id string, status types.ReviewStatus, reviewer, note string, decidedAt time.Time) (types.ReviewEntry, error)
}

type Queue struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

func NewQueue(store Store, logger zerolog.Logger) *Queue {
	return &Queue{store: store, logger: logger, now: globaltime.UTC}
}

// EntryID is the review entry identifier for a rule.
func EntryID(ruleID string) string {
	return uuid.NewSHA1(entryNamespace, []byte(ruleID)).String()
}

// Enqueue files rule for review with its full match evidence. Enqueueing the
// same rule again returns the original entry.
func (q *Queue) Enqueue(ctx context.Context, rule types.DetectionRule, coverage types.Coverage, best float64, evidence []types.SimilarityMatch) (types.ReviewEntry, error) {
	if q == nil || q.store == nil {
		return types.ReviewEntry{}, fmt.Errorf("review queue is not initialized")
	}
	if strings.TrimSpace(rule.ID) == "" {
		return types.ReviewEntry{}, failure.Invalidf("rule id is required")
	}
	if coverage == types.CoverageCovered {
		return types.ReviewEntry{}, failure.Invalidf("rule %s is covered and cannot be queued", rule.ID)
	}

	entry := types.ReviewEntry{
		ID:          EntryID(rule.ID),
		RuleID:      rule.ID,
		ArticleID:   rule.ArticleID,
		ExecutionID: rule.ExecutionID,
		Rule:        rule,
		Coverage:    coverage,
		BestScore:   best,
		Evidence:    append([]types.SimilarityMatch(nil), evidence...),
		Status:      types.ReviewQueued,
		CreatedAt:   q.now(),
	}
	stored, inserted, err := q.store.InsertReviewEntry(ctx, entry)
	if err != nil {
		return types.ReviewEntry{}, fmt.Errorf("insert review entry: %w", err)
	}
	if inserted {
		q.logger.Info().
			Str("review_id", stored.ID).
			Str("rule_id", rule.ID).
			Str("coverage", string(coverage)).
			Float64("best_score", best).
			Msg("rule queued for review")
	}
	return stored, nil
}

func (q *Queue) Get(ctx context.Context, id string) (types.ReviewEntry, error) {
	return q.store.GetReviewEntry(ctx, strings.TrimSpace(id))
}

func (q *Queue) List(ctx context.Context, status types.ReviewStatus, limit int) ([]types.ReviewEntry, error) {
	switch status {
	case "", types.ReviewQueued, types.ReviewApproved, types.ReviewRejected:
	default:
		return nil, failure.Invalidf("unknown review status %q", status)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return q.store.ListReviewEntries(ctx, status, limit)
}

// Decide moves a queued entry to approved or rejected. Decided entries are final.
func (q *Queue) Decide(ctx context.Context, id string, decision types.ReviewStatus, reviewer, note string) (types.ReviewEntry, error) {
	if decision != types.ReviewApproved && decision != types.ReviewRejected {
		return types.ReviewEntry{}, failure.Invalidf("decision must be %q or %q", types.ReviewApproved, types.ReviewRejected)
	}
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return types.ReviewEntry{}, failure.Invalidf("reviewer is required")
	}

	entry, err := q.store.DecideReviewEntry(ctx, strings.TrimSpace(id), decision, reviewer, strings.TrimSpace(note), q.now())
	if err != nil {
		return types.ReviewEntry{}, err
	}
	q.logger.Info().
		Str("review_id", entry.ID).
		Str("rule_id", entry.RuleID).
		Str("decision", string(decision)).
		Str("reviewer", reviewer).
		Msg("review decided")
	return entry, nil
}

// ParseStatus maps user input onto a review status; empty means any.
func ParseStatus(raw string) (types.ReviewStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "all", "any":
		return "", nil
	case "queued", "pending":
		return types.ReviewQueued, nil
	case "approved", "approve":
		return types.ReviewApproved, nil
	case "rejected", "reject":
		return types.ReviewRejected, nil
	default:
		return "", failure.Invalidf("unknown review status %q", raw)
	}
}
