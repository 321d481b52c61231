package db

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"horse.fit/sieve/internal/failure"
	"horse.fit/sieve/internal/types"
)

func (p *Pool) CreateExecution(ctx context.Context, execution types.Execution) error {
	return p.inTx(ctx, func(tx Tx) error {
		return insertExecution(ctx, tx, execution)
	})
}

func insertExecution(ctx context.Context, tx Tx, execution types.Execution) error {
	settings, err := json.Marshal(execution.Settings)
	if err != nil {
		return fmt.Errorf("encode execution settings: %w", err)
	}

	const q = `
INSERT INTO sieve.workflow_executions (
	execution_id,
	article_id,
	input_ref,
	current_step,
	status,
	termination_reason,
	settings,
	cancel_requested,
	next_eligible_at,
	last_error,
	created_at,
	updated_at,
	finished_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11, $12, $13)
`
	if _, err := tx.Exec(ctx, q,
		execution.ID,
		execution.ArticleID,
		execution.InputRef,
		execution.CurrentStep,
		string(execution.Status),
		string(execution.TerminationReason),
		string(settings),
		execution.CancelRequested,
		utcPtr(execution.NextEligibleAt),
		execution.LastError,
		execution.CreatedAt.UTC(),
		execution.UpdatedAt.UTC(),
		utcPtr(execution.FinishedAt),
	); err != nil {
		return conflictOr(err, "insert execution")
	}
	return nil
}

const executionSelect = `
SELECT
	e.execution_id::text,
	e.article_id::text,
	e.input_ref,
	e.current_step,
	e.status,
	e.termination_reason,
	e.settings,
	e.cancel_requested,
	e.next_eligible_at,
	e.last_error,
	e.created_at,
	e.updated_at,
	e.finished_at
FROM sieve.workflow_executions e
`

func (p *Pool) GetExecution(ctx context.Context, id string) (types.Execution, error) {
	key, err := uuidParam("execution", id)
	if err != nil {
		return types.Execution{}, err
	}
	execution, err := scanExecution(p.QueryRow(ctx, executionSelect+`WHERE e.execution_id = $1::uuid`, key))
	if isNoRows(err) {
		return types.Execution{}, failure.NotFound(fmt.Errorf("execution %s not found", id))
	}
	if err != nil {
		return types.Execution{}, fmt.Errorf("query execution: %w", err)
	}
	return execution, nil
}

func (p *Pool) ExecutionForArticle(ctx context.Context, articleID string) (types.Execution, error) {
	key, err := uuidParam("article", articleID)
	if err != nil {
		return types.Execution{}, err
	}
	execution, err := scanExecution(p.QueryRow(ctx, executionSelect+`WHERE e.article_id = $1::uuid`, key))
	if isNoRows(err) {
		return types.Execution{}, failure.NotFound(fmt.Errorf("no execution for article %s", articleID))
	}
	if err != nil {
		return types.Execution{}, fmt.Errorf("query execution for article: %w", err)
	}
	return execution, nil
}

// UpdateExecution writes the mutable progress fields. The cancel flag, input
// and settings snapshot are never touched, and a terminal row is final.
func (p *Pool) UpdateExecution(ctx context.Context, execution types.Execution) error {
	const q = `
UPDATE sieve.workflow_executions
SET
	current_step = $2,
	status = $3,
	termination_reason = $4,
	next_eligible_at = $5,
	last_error = $6,
	updated_at = $7,
	finished_at = $8
WHERE execution_id = $1::uuid
  AND status IN ('pending', 'running')
`
	tag, err := p.Exec(ctx, q,
		execution.ID,
		execution.CurrentStep,
		string(execution.Status),
		string(execution.TerminationReason),
		utcPtr(execution.NextEligibleAt),
		execution.LastError,
		execution.UpdatedAt.UTC(),
		utcPtr(execution.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := p.GetExecution(ctx, execution.ID)
	if err != nil {
		return err
	}
	return failure.Conflict(fmt.Errorf("execution %s is already %s", execution.ID, current.Status))
}

func (p *Pool) RequestCancel(ctx context.Context, id string) error {
	const q = `
UPDATE sieve.workflow_executions
SET cancel_requested = TRUE
WHERE execution_id = $1::uuid
`
	key, err := uuidParam("execution", id)
	if err != nil {
		return err
	}
	tag, err := p.Exec(ctx, q, key)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return failure.NotFound(fmt.Errorf("execution %s not found", id))
	}
	return nil
}

// ClaimRunnable leases runnable executions to owner. Rows locked by a
// concurrent claim are skipped rather than waited on.
func (p *Pool) ClaimRunnable(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
WITH runnable AS (
	SELECT e.execution_id
	FROM sieve.workflow_executions e
	WHERE e.status IN ('pending', 'running')
	  AND (e.cancel_requested OR e.next_eligible_at IS NULL OR e.next_eligible_at <= $1)
	  AND (e.lease_until IS NULL OR e.lease_until <= $1 OR e.claimed_by = $2)
	ORDER BY e.created_at, e.execution_id
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
UPDATE sieve.workflow_executions w
SET claimed_by = $2, lease_until = $4
FROM runnable
WHERE w.execution_id = runnable.execution_id
RETURNING w.execution_id::text, w.created_at
`
	rows, err := p.Query(ctx, q, now.UTC(), owner, limit, now.Add(lease).UTC())
	if err != nil {
		return nil, fmt.Errorf("claim runnable executions: %w", err)
	}
	defer rows.Close()

	type claimed struct {
		id        string
		createdAt time.Time
	}
	found := make([]claimed, 0, limit)
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.id, &c.createdAt); err != nil {
			return nil, fmt.Errorf("scan claimed execution: %w", err)
		}
		found = append(found, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed executions: %w", err)
	}

	// RETURNING carries no order.
	slices.SortFunc(found, func(a, b claimed) int {
		if c := a.createdAt.Compare(b.createdAt); c != 0 {
			return c
		}
		return strings.Compare(a.id, b.id)
	})
	ids := make([]string, len(found))
	for i, c := range found {
		ids[i] = c.id
	}
	return ids, nil
}

func (p *Pool) RenewLease(ctx context.Context, id, owner string, until time.Time) error {
	const q = `
UPDATE sieve.workflow_executions
SET lease_until = $3
WHERE execution_id = $1::uuid AND claimed_by = $2
`
	tag, err := p.Exec(ctx, q, id, owner, until.UTC())
	if err != nil {
		return fmt.Errorf("renew execution lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return failure.Conflict(fmt.Errorf("execution %s is not leased to %s", id, owner))
	}
	return nil
}

func (p *Pool) ReleaseLease(ctx context.Context, id, owner string) error {
	const q = `
UPDATE sieve.workflow_executions
SET claimed_by = '', lease_until = NULL
WHERE execution_id = $1::uuid AND claimed_by = $2
`
	if _, err := p.Exec(ctx, q, id, owner); err != nil {
		return fmt.Errorf("release execution lease: %w", err)
	}
	return nil
}

func (p *Pool) ListStepRecords(ctx context.Context, executionID string) ([]types.StepRecord, error) {
	const q = `
SELECT
	r.execution_id::text,
	r.step,
	r.attempt,
	r.status,
	r.input_ref,
	r.output_ref,
	r.termination,
	r.error_kind,
	r.error,
	r.next_eligible_at,
	r.started_at,
	r.finished_at
FROM sieve.step_records r
WHERE r.execution_id = $1::uuid
ORDER BY r.started_at, r.attempt
`
	rows, err := p.Query(ctx, q, executionID)
	if err != nil {
		return nil, fmt.Errorf("query step records: %w", err)
	}
	defer rows.Close()

	records := make([]types.StepRecord, 0, len(types.Steps))
	for rows.Next() {
		var (
			record      types.StepRecord
			step        string
			status      string
			termination string
		)
		if err := rows.Scan(
			&record.ExecutionID,
			&step,
			&record.Attempt,
			&status,
			&record.InputRef,
			&record.OutputRef,
			&termination,
			&record.ErrorKind,
			&record.Error,
			&record.NextEligibleAt,
			&record.StartedAt,
			&record.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step record: %w", err)
		}
		record.Step = types.Step(step)
		record.Status = types.StepStatus(status)
		record.Termination = types.TerminationReason(termination)
		record.NextEligibleAt = utcPtr(record.NextEligibleAt)
		record.StartedAt = record.StartedAt.UTC()
		record.FinishedAt = record.FinishedAt.UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step records: %w", err)
	}
	return records, nil
}

// AppendStepRecord inserts one attempt. A second write of the same
// (execution, step, attempt) is a conflict.
func (p *Pool) AppendStepRecord(ctx context.Context, record types.StepRecord) error {
	const q = `
INSERT INTO sieve.step_records (
	execution_id,
	step,
	attempt,
	status,
	input_ref,
	output_ref,
	termination,
	error_kind,
	error,
	next_eligible_at,
	started_at,
	finished_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (execution_id, step, attempt) DO NOTHING
`
	tag, err := p.Exec(ctx, q,
		record.ExecutionID,
		string(record.Step),
		record.Attempt,
		string(record.Status),
		record.InputRef,
		record.OutputRef,
		string(record.Termination),
		record.ErrorKind,
		record.Error,
		utcPtr(record.NextEligibleAt),
		record.StartedAt.UTC(),
		record.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert step record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return failure.Conflict(fmt.Errorf("step record %s/%s/%d already exists", record.ExecutionID, record.Step, record.Attempt))
	}
	return nil
}

func (p *Pool) PutSnapshot(ctx context.Context, ref string, payload []byte) error {
	return p.inTx(ctx, func(tx Tx) error {
		return putSnapshot(ctx, tx, ref, payload)
	})
}

func putSnapshot(ctx context.Context, tx Tx, ref string, payload []byte) error {
	const q = `
INSERT INTO sieve.snapshots (ref, payload)
VALUES ($1, $2)
ON CONFLICT (ref) DO NOTHING
`
	if _, err := tx.Exec(ctx, q, ref, payload); err != nil {
		return fmt.Errorf("insert snapshot %s: %w", ref, err)
	}
	return nil
}

func (p *Pool) GetSnapshot(ctx context.Context, ref string) ([]byte, error) {
	var payload []byte
	err := p.QueryRow(ctx, `SELECT payload FROM sieve.snapshots WHERE ref = $1`, ref).Scan(&payload)
	if isNoRows(err) {
		return nil, failure.NotFound(fmt.Errorf("snapshot %s not found", ref))
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	return payload, nil
}

func (p *Pool) GetCall(ctx context.Context, key types.CallKey) ([]byte, bool, error) {
	const q = `
SELECT c.result
FROM sieve.collaborator_calls c
WHERE c.execution_id = $1::uuid
  AND c.step = $2
  AND c.call_key = $3
`
	var result []byte
	err := p.QueryRow(ctx, q, key.ExecutionID, string(key.Step), key.Key).Scan(&result)
	if isNoRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query collaborator call: %w", err)
	}
	return result, true, nil
}

// PutCall records a collaborator result once; the first writer wins.
func (p *Pool) PutCall(ctx context.Context, key types.CallKey, result []byte) error {
	const q = `
INSERT INTO sieve.collaborator_calls (execution_id, step, call_key, result)
VALUES ($1, $2, $3, $4)
ON CONFLICT (execution_id, step, call_key) DO NOTHING
`
	tag, err := p.Exec(ctx, q, key.ExecutionID, string(key.Step), key.Key, result)
	if err != nil {
		return fmt.Errorf("insert collaborator call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return failure.Conflict(fmt.Errorf("call %s/%s/%s already recorded", key.ExecutionID, key.Step, key.Key))
	}
	return nil
}

func scanExecution(row *Row) (types.Execution, error) {
	var (
		execution   types.Execution
		status      string
		termination string
		settings    []byte
	)
	if err := row.Scan(
		&execution.ID,
		&execution.ArticleID,
		&execution.InputRef,
		&execution.CurrentStep,
		&status,
		&termination,
		&settings,
		&execution.CancelRequested,
		&execution.NextEligibleAt,
		&execution.LastError,
		&execution.CreatedAt,
		&execution.UpdatedAt,
		&execution.FinishedAt,
	); err != nil {
		return types.Execution{}, err
	}
	if err := json.Unmarshal(settings, &execution.Settings); err != nil {
		return types.Execution{}, fmt.Errorf("decode settings of execution %s: %w", execution.ID, err)
	}
	execution.Status = types.ExecutionStatus(status)
	execution.TerminationReason = types.TerminationReason(termination)
	execution.NextEligibleAt = utcPtr(execution.NextEligibleAt)
	execution.FinishedAt = utcPtr(execution.FinishedAt)
	execution.CreatedAt = execution.CreatedAt.UTC()
	execution.UpdatedAt = execution.UpdatedAt.UTC()
	return execution, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
