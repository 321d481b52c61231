package db

import (
	"context"
	"fmt"

	"horse.fit/sieve/internal/types"
)

// Stats returns corpus, workflow and review counters.
func (p *Pool) Stats(ctx context.Context) (types.Stats, error) {
	stats := types.Stats{
		Executions:   make(map[types.ExecutionStatus]int64),
		Terminations: make(map[string]int64),
	}

	const totalsQuery = `
SELECT
	(SELECT COUNT(*) FROM sieve.articles) AS articles,
	(SELECT COUNT(*) FROM sieve.dedup_events) AS dedup_rejections,
	(SELECT COUNT(*) FROM sieve.detection_rules) AS rules,
	(SELECT COUNT(*) FROM sieve.review_entries r WHERE r.status = 'queued') AS review_queued,
	(SELECT COUNT(*) FROM sieve.review_entries r WHERE r.status <> 'queued') AS review_decided
`
	if err := p.QueryRow(ctx, totalsQuery).Scan(
		&stats.Articles,
		&stats.DedupRejections,
		&stats.Rules,
		&stats.ReviewQueued,
		&stats.ReviewDecided,
	); err != nil {
		return types.Stats{}, fmt.Errorf("query stats totals: %w", err)
	}

	const executionsQuery = `
SELECT e.status, e.termination_reason, COUNT(*)::BIGINT
FROM sieve.workflow_executions e
GROUP BY e.status, e.termination_reason
ORDER BY 1, 2
`
	rows, err := p.Query(ctx, executionsQuery)
	if err != nil {
		return types.Stats{}, fmt.Errorf("query execution counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			reason string
			count  int64
		)
		if err := rows.Scan(&status, &reason, &count); err != nil {
			return types.Stats{}, fmt.Errorf("scan execution count: %w", err)
		}
		stats.Executions[types.ExecutionStatus(status)] += count
		if reason != "" {
			stats.Terminations[reason] += count
		}
	}
	if err := rows.Err(); err != nil {
		return types.Stats{}, fmt.Errorf("iterate execution counts: %w", err)
	}
	return stats, nil
}
