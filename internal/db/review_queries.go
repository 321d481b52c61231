package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"horse.fit/sieve/internal/failure"
	"horse.fit/sieve/internal/types"
)

// InsertReviewEntry stores the entry unless one exists for the same rule, in
// which case the stored entry is returned with inserted=false.
func (p *Pool) InsertReviewEntry(ctx context.Context, entry types.ReviewEntry) (types.ReviewEntry, bool, error) {
	rule, err := json.Marshal(entry.Rule)
	if err != nil {
		return types.ReviewEntry{}, false, fmt.Errorf("encode review rule: %w", err)
	}
	evidence := entry.Evidence
	if evidence == nil {
		evidence = []types.SimilarityMatch{}
	}
	evidenceJSON, err := json.Marshal(evidence)
	if err != nil {
		return types.ReviewEntry{}, false, fmt.Errorf("encode review evidence: %w", err)
	}

	const q = `
INSERT INTO sieve.review_entries (
	review_id,
	rule_id,
	article_id,
	execution_id,
	rule,
	coverage,
	best_score,
	evidence,
	status,
	created_at
)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8::jsonb, $9, $10)
ON CONFLICT DO NOTHING
`
	tag, err := p.Exec(ctx, q,
		entry.ID,
		entry.RuleID,
		entry.ArticleID,
		entry.ExecutionID,
		string(rule),
		string(entry.Coverage),
		entry.BestScore,
		string(evidenceJSON),
		string(entry.Status),
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return types.ReviewEntry{}, false, fmt.Errorf("insert review entry: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return entry, true, nil
	}

	existing, err := scanReviewEntry(p.QueryRow(ctx, reviewSelect+`WHERE r.rule_id = $1::uuid OR r.review_id = $2::uuid`, entry.RuleID, entry.ID))
	if err != nil {
		return types.ReviewEntry{}, false, fmt.Errorf("query existing review entry: %w", err)
	}
	return existing, false, nil
}

func (p *Pool) GetReviewEntry(ctx context.Context, id string) (types.ReviewEntry, error) {
	key, err := uuidParam("review entry", id)
	if err != nil {
		return types.ReviewEntry{}, err
	}
	entry, err := scanReviewEntry(p.QueryRow(ctx, reviewSelect+`WHERE r.review_id = $1::uuid`, key))
	if isNoRows(err) {
		return types.ReviewEntry{}, failure.NotFound(fmt.Errorf("review entry %s not found", id))
	}
	if err != nil {
		return types.ReviewEntry{}, fmt.Errorf("query review entry: %w", err)
	}
	return entry, nil
}

func (p *Pool) ListReviewEntries(ctx context.Context, status types.ReviewStatus, limit int) ([]types.ReviewEntry, error) {
	q := reviewSelect + `
WHERE ($1 = '' OR r.status = $1)
ORDER BY r.created_at, r.review_id
LIMIT $2
`
	rows, err := p.Query(ctx, q, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("query review entries: %w", err)
	}
	defer rows.Close()

	entries := make([]types.ReviewEntry, 0, limit)
	for rows.Next() {
		entry, err := scanReviewEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate review entries: %w", err)
	}
	return entries, nil
}

// DecideReviewEntry moves a queued entry to its final status.
func (p *Pool) DecideReviewEntry(ctx context.Context, id string, status types.ReviewStatus, reviewer, note string, decidedAt time.Time) (types.ReviewEntry, error) {
	const q = `
UPDATE sieve.review_entries
SET status = $2, reviewer = $3, note = $4, decided_at = $5
WHERE review_id = $1::uuid
  AND status = 'queued'
`
	key, err := uuidParam("review entry", id)
	if err != nil {
		return types.ReviewEntry{}, err
	}
	tag, err := p.Exec(ctx, q, key, string(status), reviewer, note, decidedAt.UTC())
	if err != nil {
		return types.ReviewEntry{}, fmt.Errorf("decide review entry: %w", err)
	}
	entry, err := p.GetReviewEntry(ctx, id)
	if err != nil {
		return types.ReviewEntry{}, err
	}
	if tag.RowsAffected() == 0 {
		return entry, failure.Conflict(fmt.Errorf("review entry %s is already %s", id, entry.Status))
	}
	return entry, nil
}

const reviewSelect = `
SELECT
	r.review_id::text,
	r.rule_id::text,
	r.article_id::text,
	r.execution_id::text,
	r.rule,
	r.coverage,
	r.best_score,
	r.evidence,
	r.status,
	r.reviewer,
	r.note,
	r.created_at,
	r.decided_at
FROM sieve.review_entries r
`

type scanner interface {
	Scan(dest ...any) error
}

func scanReviewEntry(row scanner) (types.ReviewEntry, error) {
	var (
		entry    types.ReviewEntry
		rule     []byte
		evidence []byte
		coverage string
		status   string
	)
	if err := row.Scan(
		&entry.ID,
		&entry.RuleID,
		&entry.ArticleID,
		&entry.ExecutionID,
		&rule,
		&coverage,
		&entry.BestScore,
		&evidence,
		&status,
		&entry.Reviewer,
		&entry.Note,
		&entry.CreatedAt,
		&entry.DecidedAt,
	); err != nil {
		return types.ReviewEntry{}, err
	}
	if err := json.Unmarshal(rule, &entry.Rule); err != nil {
		return types.ReviewEntry{}, fmt.Errorf("decode review rule: %w", err)
	}
	if err := json.Unmarshal(evidence, &entry.Evidence); err != nil {
		return types.ReviewEntry{}, fmt.Errorf("decode review evidence: %w", err)
	}
	entry.Coverage = types.Coverage(coverage)
	entry.Status = types.ReviewStatus(status)
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.DecidedAt = utcPtr(entry.DecidedAt)
	return entry, nil
}
