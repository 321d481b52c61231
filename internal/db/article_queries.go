package db

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"horse.fit/sieve/internal/failure"
	"horse.fit/sieve/internal/globaltime"
	"horse.fit/sieve/internal/types"
)

// bucketLockSpace is the high half of every bucket advisory lock key.
const bucketLockSpace int64 = 0x5369 << 32

// InsertAdmitted stores an admitted article with its bucket membership, input
// snapshot and pending execution in one transaction. The duplicate check is
// repeated inside the transaction while holding an advisory lock per bucket
// key, so two processes can never both admit near-duplicates; the loser gets a
// *types.DuplicateError naming the closest stored article.
func (p *Pool) InsertAdmitted(ctx context.Context, adm types.Admission) error {
	article := adm.Article
	return p.inTx(ctx, func(tx Tx) error {
		for _, key := range bucketLockKeys(adm.Blocks) {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
				return fmt.Errorf("lock fingerprint bucket: %w", err)
			}
		}
		if err := checkStoredDuplicates(ctx, tx, adm); err != nil {
			return err
		}

		const insertArticle = `
INSERT INTO sieve.articles (
	article_id,
	source,
	canonical_url,
	title,
	body,
	exact_hash,
	near_dup,
	ingested_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (exact_hash) DO NOTHING
`
		tag, err := tx.Exec(ctx, insertArticle,
			article.ID,
			article.Source,
			nullableString(article.CanonicalURL),
			article.Title,
			article.Text,
			article.ExactHash[:],
			int64(article.NearDup),
			article.IngestedAt.UTC(),
		)
		if err != nil {
			return conflictOr(err, "insert article")
		}
		if tag.RowsAffected() == 0 {
			return failure.Conflict(fmt.Errorf("article with exact hash already exists"))
		}

		const insertBucket = `
INSERT INTO sieve.fingerprint_buckets (article_id, block, value)
VALUES ($1, $2, $3)
`
		for block, value := range adm.Blocks {
			if _, err := tx.Exec(ctx, insertBucket, article.ID, int16(block), int32(value)); err != nil {
				return conflictOr(err, "insert fingerprint bucket")
			}
		}

		if err := putSnapshot(ctx, tx, adm.SnapshotRef, adm.Snapshot); err != nil {
			return err
		}
		return insertExecution(ctx, tx, adm.Execution)
	})
}

// bucketLockKeys returns one advisory lock key per (block, value) bucket in
// ascending order, so concurrent admissions lock overlapping buckets in the
// same sequence.
func bucketLockKeys(blocks [4]uint16) []int64 {
	keys := make([]int64, 0, len(blocks))
	for block, value := range blocks {
		keys = append(keys, bucketLockSpace|int64(block)<<16|int64(value))
	}
	slices.Sort(keys)
	return keys
}

func checkStoredDuplicates(ctx context.Context, tx Tx, adm types.Admission) error {
	var existing string
	err := tx.QueryRow(ctx, `SELECT article_id::text FROM sieve.articles WHERE exact_hash = $1`, adm.Article.ExactHash[:]).Scan(&existing)
	switch {
	case err == nil:
		return &types.DuplicateError{DuplicateOf: existing, Exact: true}
	case !isNoRows(err):
		return fmt.Errorf("query exact duplicate: %w", err)
	}
	if adm.MaxDistance < 0 {
		return nil
	}

	const nearest = `
SELECT c.article_id::text, c.distance
FROM (
	SELECT a.article_id, bit_count((a.near_dup # $1)::bit(64)) AS distance
	FROM sieve.articles a
	WHERE a.article_id IN (
		SELECT b.article_id
		FROM sieve.fingerprint_buckets b
		WHERE (b.block = 0 AND b.value = $2)
			OR (b.block = 1 AND b.value = $3)
			OR (b.block = 2 AND b.value = $4)
			OR (b.block = 3 AND b.value = $5)
	)
) c
WHERE c.distance <= $6
ORDER BY c.distance, c.article_id::text
LIMIT 1
`
	var distance int64
	err = tx.QueryRow(ctx, nearest,
		int64(adm.Article.NearDup),
		int32(adm.Blocks[0]),
		int32(adm.Blocks[1]),
		int32(adm.Blocks[2]),
		int32(adm.Blocks[3]),
		adm.MaxDistance,
	).Scan(&existing, &distance)
	switch {
	case isNoRows(err):
		return nil
	case err != nil:
		return fmt.Errorf("query near duplicates: %w", err)
	}
	return &types.DuplicateError{DuplicateOf: existing, Distance: int(distance)}
}

func (p *Pool) GetArticle(ctx context.Context, id string) (types.Article, error) {
	key, err := uuidParam("article", id)
	if err != nil {
		return types.Article{}, err
	}
	const q = articleSelect + `WHERE a.article_id = $1::uuid`
	article, err := scanArticle(p.QueryRow(ctx, q, key))
	if isNoRows(err) {
		return types.Article{}, failure.NotFound(fmt.Errorf("article %s not found", id))
	}
	if err != nil {
		return types.Article{}, fmt.Errorf("query article: %w", err)
	}
	return article, nil
}

// ForEachFingerprint streams every stored fingerprint in article ID order.
func (p *Pool) ForEachFingerprint(ctx context.Context, fn func(articleID string, exactHash [32]byte, nearDup uint64) error) error {
	const q = `
SELECT a.article_id::text, a.exact_hash, a.near_dup
FROM sieve.articles a
ORDER BY a.article_id
`
	rows, err := p.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("query fingerprints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id      string
			hash    []byte
			nearDup int64
		)
		if err := rows.Scan(&id, &hash, &nearDup); err != nil {
			return fmt.Errorf("scan fingerprint row: %w", err)
		}
		var exact [32]byte
		if len(hash) != len(exact) {
			return fmt.Errorf("article %s has a %d-byte exact hash", id, len(hash))
		}
		copy(exact[:], hash)
		if err := fn(id, exact, uint64(nearDup)); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate fingerprint rows: %w", err)
	}
	return nil
}

func (p *Pool) RecordDedupEvent(ctx context.Context, event types.DedupEvent) error {
	const q = `
INSERT INTO sieve.dedup_events (source, canonical_url, duplicate_of, distance, signal, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = globaltime.UTC()
	}
	if _, err := p.Exec(ctx, q,
		event.Source,
		nullableString(event.CanonicalURL),
		event.DuplicateOf,
		event.Distance,
		string(event.Signal),
		createdAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert dedup event: %w", err)
	}
	return nil
}

const articleSelect = `
SELECT
	a.article_id::text,
	a.source,
	COALESCE(a.canonical_url, ''),
	a.title,
	a.body,
	a.exact_hash,
	a.near_dup,
	a.ingested_at
FROM sieve.articles a
`

func scanArticle(row *Row) (types.Article, error) {
	var (
		article types.Article
		hash    []byte
		nearDup int64
	)
	if err := row.Scan(
		&article.ID,
		&article.Source,
		&article.CanonicalURL,
		&article.Title,
		&article.Text,
		&hash,
		&nearDup,
		&article.IngestedAt,
	); err != nil {
		return types.Article{}, err
	}
	copy(article.ExactHash[:], hash)
	article.NearDup = uint64(nearDup)
	article.IngestedAt = article.IngestedAt.UTC()
	return article, nil
}

func nullableString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func conflictOr(err error, action string) error {
	if isUniqueViolation(err) {
		return failure.Conflict(fmt.Errorf("%s: %w", action, err))
	}
	return fmt.Errorf("%s: %w", action, err)
}
