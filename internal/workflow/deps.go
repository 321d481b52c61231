package workflow

import (
	"context"
	"time"

	"horse.fit/sieve/internal/types"
)

// Store persists executions and their append-only history.
//
// AppendStepRecord and PutCall are first-writer-wins: a second write for the
// same key returns a failure.Conflict error. UpdateExecution never touches the
// cancel flag and refuses to modify an execution that is already terminal.
//
// ClaimRunnable leases runnable executions (backoff elapsed, or cancel
// pending) to owner until now+lease, oldest first. An execution whose lease
// is held by another owner and has not expired is skipped. RenewLease returns
// a failure.Conflict error once owner no longer holds the lease;
// ReleaseLease is a no-op in that case.
type Store interface {
	CreateExecution(ctx context.Context, execution types.Execution) error
	GetExecution(ctx context.Context, id string) (types.Execution, error)
	UpdateExecution(ctx context.Context, execution types.Execution) error
	RequestCancel(ctx context.Context, id string) error

	ClaimRunnable(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]string, error)
	RenewLease(ctx context.Context, id, owner string, until time.Time) error
	ReleaseLease(ctx context.Context, id, owner string) error

	ListStepRecords(ctx context.Context, executionID string) ([]types.StepRecord, error)
	AppendStepRecord(ctx context.Context, record types.StepRecord) error

	PutSnapshot(ctx context.Context, ref string, payload []byte) error
	GetSnapshot(ctx context.Context, ref string) ([]byte, error)

	GetCall(ctx context.Context, key types.CallKey) ([]byte, bool, error)
	PutCall(ctx context.Context, key types.CallKey, result []byte) error
}

// JunkScorer rates how likely an article is real threat intel, 0 to 1.
type JunkScorer interface {
	Score(ctx context.Context, article types.Article) (float64, error)
}

// Analyst is the language-model collaborator.
type Analyst interface {
	Rank(ctx context.Context, article types.Article) (types.Ranking, error)
	Extract(ctx context.Context, article types.Article, ranking types.Ranking) (types.Extraction, error)
	Generate(ctx context.Context, article types.Article, extraction types.Extraction) ([]types.RuleDraft, error)
}

type Embedder interface {
	EmbedSegments(ctx context.Context, texts [4]string) ([4][]float32, error)
	Model() string
}

// EmbeddingStore keeps rule segment vectors.
type EmbeddingStore interface {
	PutRuleEmbeddings(ctx context.Context, embeddings types.RuleEmbeddings) error
}

// RuleStore persists generated rules and their matches. Every write is an
// idempotent upsert keyed by rule ID.
type RuleStore interface {
	SaveRules(ctx context.Context, rules []types.DetectionRule) error
	SetRuleLifecycle(ctx context.Context, ruleIDs []string, lifecycle types.RuleLifecycle) error
	SaveMatches(ctx context.Context, ruleID string, matches []types.SimilarityMatch) error
}

// Corpus returns reference rules to score a candidate against.
type Corpus interface {
	Candidates(ctx context.Context, query types.RuleEmbeddings, limit int) ([]types.ReferenceRule, error)
}

// Enqueuer hands uncovered or partially covered rules to human review.
type Enqueuer interface {
	Enqueue(ctx context.Context, rule types.DetectionRule, coverage types.Coverage, best float64, evidence []types.SimilarityMatch) (types.ReviewEntry, error)
}

type Dependencies struct {
	Store      Store
	Junk       JunkScorer
	Analyst    Analyst
	Embedder   Embedder
	Embeddings EmbeddingStore
	Rules      RuleStore
	Corpus     Corpus
	Queue      Enqueuer
}
