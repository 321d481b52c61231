package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"horse.fit/sieve/internal/failure"
	"horse.fit/sieve/internal/globaltime"
	"horse.fit/sieve/internal/types"
)

// SaveRules inserts generated rules; rules already stored are left untouched.
func (p *Pool) SaveRules(ctx context.Context, rules []types.DetectionRule) error {
	return p.inTx(ctx, func(tx Tx) error {
		const q = `
INSERT INTO sieve.detection_rules (
	rule_id,
	article_id,
	execution_id,
	title,
	description,
	tags,
	body,
	lifecycle,
	generated_at,
	updated_at
)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $9)
ON CONFLICT (rule_id) DO NOTHING
`
		for _, rule := range rules {
			tags, err := encodeTags(rule.Tags)
			if err != nil {
				return err
			}
			lifecycle := rule.Lifecycle
			if lifecycle == "" {
				lifecycle = types.RuleGenerated
			}
			if _, err := tx.Exec(ctx, q,
				rule.ID,
				rule.ArticleID,
				rule.ExecutionID,
				rule.Title,
				rule.Description,
				tags,
				rule.Body,
				string(lifecycle),
				rule.GeneratedAt.UTC(),
			); err != nil {
				return fmt.Errorf("insert rule %s: %w", rule.ID, err)
			}
		}
		return nil
	})
}

func (p *Pool) GetRule(ctx context.Context, id string) (types.DetectionRule, error) {
	const q = `
SELECT
	r.rule_id::text,
	r.article_id::text,
	r.execution_id::text,
	r.title,
	r.description,
	r.tags,
	r.body,
	r.lifecycle,
	r.generated_at
FROM sieve.detection_rules r
WHERE r.rule_id = $1::uuid
`
	key, err := uuidParam("rule", id)
	if err != nil {
		return types.DetectionRule{}, err
	}
	var (
		rule      types.DetectionRule
		tags      []byte
		lifecycle string
	)
	err = p.QueryRow(ctx, q, key).Scan(
		&rule.ID,
		&rule.ArticleID,
		&rule.ExecutionID,
		&rule.Title,
		&rule.Description,
		&tags,
		&rule.Body,
		&lifecycle,
		&rule.GeneratedAt,
	)
	if isNoRows(err) {
		return types.DetectionRule{}, failure.NotFound(fmt.Errorf("rule %s not found", id))
	}
	if err != nil {
		return types.DetectionRule{}, fmt.Errorf("query rule: %w", err)
	}
	if err := json.Unmarshal(tags, &rule.Tags); err != nil {
		return types.DetectionRule{}, fmt.Errorf("decode tags of rule %s: %w", id, err)
	}
	rule.Lifecycle = types.RuleLifecycle(lifecycle)
	rule.GeneratedAt = rule.GeneratedAt.UTC()
	return rule, nil
}

func (p *Pool) SetRuleLifecycle(ctx context.Context, ruleIDs []string, lifecycle types.RuleLifecycle) error {
	return p.inTx(ctx, func(tx Tx) error {
		const q = `
UPDATE sieve.detection_rules
SET lifecycle = $2, updated_at = $3
WHERE rule_id = $1::uuid
`
		now := globaltime.UTC()
		for _, id := range ruleIDs {
			tag, err := tx.Exec(ctx, q, id, string(lifecycle), now)
			if err != nil {
				return fmt.Errorf("update lifecycle of rule %s: %w", id, err)
			}
			if tag.RowsAffected() == 0 {
				return failure.NotFound(fmt.Errorf("rule %s not found", id))
			}
		}
		return nil
	})
}

// SaveMatches stores the top-K evidence for a rule. The first stored set wins.
func (p *Pool) SaveMatches(ctx context.Context, ruleID string, matches []types.SimilarityMatch) error {
	return p.inTx(ctx, func(tx Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sieve.similarity_matches WHERE rule_id = $1::uuid)`, ruleID).Scan(&exists); err != nil {
			return fmt.Errorf("check matches of rule %s: %w", ruleID, err)
		}
		if exists {
			return nil
		}

		const q = `
INSERT INTO sieve.similarity_matches (
	rule_id,
	rank,
	reference_id,
	title_score,
	description_score,
	tags_score,
	body_score,
	aggregate,
	coverage
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (rule_id, rank) DO NOTHING
`
		for _, m := range matches {
			if _, err := tx.Exec(ctx, q,
				ruleID,
				m.Rank,
				m.ReferenceID,
				m.Segments[types.SegmentTitle],
				m.Segments[types.SegmentDescription],
				m.Segments[types.SegmentTags],
				m.Segments[types.SegmentBody],
				m.Aggregate,
				string(m.Coverage),
			); err != nil {
				return fmt.Errorf("insert match %s/%d: %w", ruleID, m.Rank, err)
			}
		}
		return nil
	})
}

// ListMatches returns the stored evidence of a rule in rank order.
func (p *Pool) ListMatches(ctx context.Context, ruleID string) ([]types.SimilarityMatch, error) {
	const q = `
SELECT
	m.reference_id,
	m.rank,
	m.title_score,
	m.description_score,
	m.tags_score,
	m.body_score,
	m.aggregate,
	m.coverage
FROM sieve.similarity_matches m
WHERE m.rule_id = $1::uuid
ORDER BY m.rank
`
	key, err := uuidParam("rule", ruleID)
	if err != nil {
		// A malformed ID names no rule and so has no matches.
		return nil, nil
	}
	rows, err := p.Query(ctx, q, key)
	if err != nil {
		return nil, fmt.Errorf("query matches: %w", err)
	}
	defer rows.Close()

	matches := make([]types.SimilarityMatch, 0, 16)
	for rows.Next() {
		var (
			m                              types.SimilarityMatch
			title, description, tags, body float64
			coverage                       string
		)
		if err := rows.Scan(&m.ReferenceID, &m.Rank, &title, &description, &tags, &body, &m.Aggregate, &coverage); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		m.RuleID = ruleID
		m.Coverage = types.Coverage(coverage)
		m.Segments = map[types.Segment]float64{
			types.SegmentTitle:       title,
			types.SegmentDescription: description,
			types.SegmentTags:        tags,
			types.SegmentBody:        body,
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matches: %w", err)
	}
	return matches, nil
}

// PutRuleEmbeddings stores the four segment vectors of a rule, replacing
// earlier ones.
func (p *Pool) PutRuleEmbeddings(ctx context.Context, embeddings types.RuleEmbeddings) error {
	const q = `
INSERT INTO sieve.rule_embeddings (
	rule_id,
	model_name,
	title_embedding,
	description_embedding,
	tags_embedding,
	body_embedding,
	embedded_at
)
VALUES ($1, $2, $3::vector, $4::vector, $5::vector, $6::vector, $7)
ON CONFLICT (rule_id) DO UPDATE SET
	model_name = EXCLUDED.model_name,
	title_embedding = EXCLUDED.title_embedding,
	description_embedding = EXCLUDED.description_embedding,
	tags_embedding = EXCLUDED.tags_embedding,
	body_embedding = EXCLUDED.body_embedding,
	embedded_at = EXCLUDED.embedded_at
`
	v := embeddings.Vectors
	if _, err := p.Exec(ctx, q,
		embeddings.RuleID,
		embeddings.Model,
		pgvector.NewVector(v[0]),
		pgvector.NewVector(v[1]),
		pgvector.NewVector(v[2]),
		pgvector.NewVector(v[3]),
		globaltime.UTC(),
	); err != nil {
		return fmt.Errorf("upsert embeddings of rule %s: %w", embeddings.RuleID, err)
	}
	return nil
}

func (p *Pool) GetRuleEmbeddings(ctx context.Context, ruleID string) (types.RuleEmbeddings, error) {
	const q = `
SELECT
	e.model_name,
	e.title_embedding,
	e.description_embedding,
	e.tags_embedding,
	e.body_embedding
FROM sieve.rule_embeddings e
WHERE e.rule_id = $1::uuid
`
	key, err := uuidParam("rule", ruleID)
	if err != nil {
		return types.RuleEmbeddings{}, err
	}
	var (
		model   string
		vectors [4]pgvector.Vector
	)
	err = p.QueryRow(ctx, q, key).Scan(&model, &vectors[0], &vectors[1], &vectors[2], &vectors[3])
	if isNoRows(err) {
		return types.RuleEmbeddings{}, failure.NotFound(fmt.Errorf("embeddings for rule %s not found", ruleID))
	}
	if err != nil {
		return types.RuleEmbeddings{}, fmt.Errorf("query rule embeddings: %w", err)
	}
	return types.RuleEmbeddings{RuleID: ruleID, Model: model, Vectors: sliceVectors(vectors)}, nil
}

func sliceVectors(vectors [4]pgvector.Vector) [4][]float32 {
	var out [4][]float32
	for i := range vectors {
		out[i] = vectors[i].Slice()
	}
	return out
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(raw), nil
}
