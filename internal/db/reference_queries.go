package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"

	"horse.fit/sieve/internal/globaltime"
	"horse.fit/sieve/internal/types"
)

// PutReference upserts one community rule and its segment vectors.
func (p *Pool) PutReference(ctx context.Context, ref types.ReferenceRule) error {
	tags, err := encodeTags(ref.Tags)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO sieve.reference_rules (
	reference_id,
	source,
	title,
	description,
	tags,
	model_name,
	title_embedding,
	description_embedding,
	tags_embedding,
	body_embedding,
	updated_at
)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7::vector, $8::vector, $9::vector, $10::vector, $11)
ON CONFLICT (reference_id) DO UPDATE SET
	source = EXCLUDED.source,
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	tags = EXCLUDED.tags,
	model_name = EXCLUDED.model_name,
	title_embedding = EXCLUDED.title_embedding,
	description_embedding = EXCLUDED.description_embedding,
	tags_embedding = EXCLUDED.tags_embedding,
	body_embedding = EXCLUDED.body_embedding,
	updated_at = EXCLUDED.updated_at
`
	v := ref.Embeddings.Vectors
	if _, err := p.Exec(ctx, q,
		ref.ID,
		ref.Source,
		ref.Title,
		ref.Description,
		tags,
		ref.Embeddings.Model,
		pgvector.NewVector(v[0]),
		pgvector.NewVector(v[1]),
		pgvector.NewVector(v[2]),
		pgvector.NewVector(v[3]),
		globaltime.UTC(),
	); err != nil {
		return fmt.Errorf("upsert reference %s: %w", ref.ID, err)
	}
	return nil
}

var segmentColumns = map[types.Segment]string{
	types.SegmentTitle:       "title_embedding",
	types.SegmentDescription: "description_embedding",
	types.SegmentTags:        "tags_embedding",
	types.SegmentBody:        "body_embedding",
}

// NearestReferences orders the corpus by cosine distance on one segment.
func (p *Pool) NearestReferences(ctx context.Context, segment types.Segment, vector []float32, limit int) ([]types.ReferenceVersion, error) {
	column, ok := segmentColumns[segment]
	if !ok {
		return nil, fmt.Errorf("unknown segment %q", segment)
	}
	if limit <= 0 {
		limit = 1
	}

	q := fmt.Sprintf(`
SELECT r.reference_id, r.updated_at
FROM sieve.reference_rules r
WHERE vector_dims(r.%[1]s) = vector_dims($1::vector)
ORDER BY r.%[1]s <=> $1::vector ASC, r.reference_id ASC
LIMIT $2
`, column)

	rows, err := p.Query(ctx, q, pgvector.NewVector(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("query nearest references: %w", err)
	}
	defer rows.Close()

	versions := make([]types.ReferenceVersion, 0, limit)
	for rows.Next() {
		var version types.ReferenceVersion
		if err := rows.Scan(&version.ID, &version.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan nearest reference: %w", err)
		}
		version.UpdatedAt = version.UpdatedAt.UTC()
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nearest references: %w", err)
	}
	return versions, nil
}

// LoadReferences hydrates reference rules with their vectors. Unknown IDs are skipped.
func (p *Pool) LoadReferences(ctx context.Context, ids []string) ([]types.ReferenceRule, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	q := `
SELECT
	r.reference_id,
	r.source,
	r.title,
	r.description,
	r.tags,
	r.model_name,
	r.title_embedding,
	r.description_embedding,
	r.tags_embedding,
	r.body_embedding,
	r.updated_at
FROM sieve.reference_rules r
WHERE r.reference_id IN (` + strings.Join(placeholders, ", ") + `)
ORDER BY r.reference_id
`
	rows, err := p.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query references: %w", err)
	}
	defer rows.Close()

	refs := make([]types.ReferenceRule, 0, len(ids))
	for rows.Next() {
		var (
			ref     types.ReferenceRule
			tags    []byte
			vectors [4]pgvector.Vector
		)
		if err := rows.Scan(
			&ref.ID,
			&ref.Source,
			&ref.Title,
			&ref.Description,
			&tags,
			&ref.Embeddings.Model,
			&vectors[0],
			&vectors[1],
			&vectors[2],
			&vectors[3],
			&ref.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		if err := json.Unmarshal(tags, &ref.Tags); err != nil {
			return nil, fmt.Errorf("decode tags of reference %s: %w", ref.ID, err)
		}
		ref.Embeddings.RuleID = ref.ID
		ref.UpdatedAt = ref.UpdatedAt.UTC()
		ref.Embeddings.Vectors = sliceVectors(vectors)
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate references: %w", err)
	}
	return refs, nil
}
