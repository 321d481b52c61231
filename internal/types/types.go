// Package types holds the domain records shared by the ingestion, matching,
// workflow and review packages and by the storage backends.
package types

import (
	"fmt"
	"strings"
	"time"

	"horse.fit/sieve/internal/failure"
)

// Article is an ingested threat-intel document. Immutable once stored.
type Article struct {
	ID           string    `json:"id"`
	Source       string    `json:"source"`
	CanonicalURL string    `json:"canonical_url,omitempty"`
	Title        string    `json:"title,omitempty"`
	Text         string    `json:"text"`
	ExactHash    [32]byte  `json:"-"`
	NearDup      uint64    `json:"near_dup"`
	IngestedAt   time.Time `json:"ingested_at"`
}

// DedupSignal names the check that rejected a submission.
type DedupSignal string

const (
	SignalExactHash       DedupSignal = "exact_hash"
	SignalNearDuplicate   DedupSignal = "near_duplicate"
	SignalStorageConflict DedupSignal = "storage_conflict"
)

// DedupEvent is the audit row for a rejected submission.
type DedupEvent struct {
	Source       string      `json:"source"`
	CanonicalURL string      `json:"canonical_url,omitempty"`
	DuplicateOf  string      `json:"duplicate_of"`
	Distance     int         `json:"distance"`
	Signal       DedupSignal `json:"signal"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Admission is everything stored for one admitted article, written as a unit.
// MaxDistance is the near-duplicate threshold the store re-checks under lock.
type Admission struct {
	Article     Article
	Blocks      [4]uint16
	MaxDistance int
	Execution   Execution
	SnapshotRef string
	Snapshot    []byte
}

// DuplicateError is returned by a store that already holds an article within
// the admission's distance. It is a conflict.
type DuplicateError struct {
	DuplicateOf string
	Distance    int
	Exact       bool
}

func (e *DuplicateError) Error() string {
	if e.Exact {
		return fmt.Sprintf("article duplicates %s exactly", e.DuplicateOf)
	}
	return fmt.Sprintf("article is within distance %d of %s", e.Distance, e.DuplicateOf)
}

func (e *DuplicateError) Unwrap() error {
	return failure.ErrConflict
}

type Segment string

const (
	SegmentTitle       Segment = "title"
	SegmentDescription Segment = "description"
	SegmentTags        Segment = "tags"
	SegmentBody        Segment = "body"
)

// Segments is the fixed segment order used for embedding requests and storage.
var Segments = [4]Segment{SegmentTitle, SegmentDescription, SegmentTags, SegmentBody}

type RuleLifecycle string

const (
	RuleGenerated RuleLifecycle = "generated"
	RuleScored    RuleLifecycle = "scored"
	RuleQueued    RuleLifecycle = "queued"
	RuleDiscarded RuleLifecycle = "discarded"
)

// DetectionRule is a candidate rule generated from an article.
type DetectionRule struct {
	ID          string        `json:"id"`
	ArticleID   string        `json:"article_id"`
	ExecutionID string        `json:"execution_id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Tags        []string      `json:"tags"`
	Body        string        `json:"body"`
	Lifecycle   RuleLifecycle `json:"lifecycle"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// EmptySegmentText stands in for a blank segment in embedding requests.
// OpenAI-compatible endpoints reject empty input strings.
const EmptySegmentText = "(none)"

// SegmentTexts renders the rule in segment order. Blank segments become
// EmptySegmentText.
func (r DetectionRule) SegmentTexts() [4]string {
	texts := [4]string{r.Title, r.Description, strings.Join(r.Tags, ", "), r.Body}
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			texts[i] = EmptySegmentText
		}
	}
	return texts
}

// RuleEmbeddings holds one vector per segment, indexed in Segments order.
type RuleEmbeddings struct {
	RuleID  string       `json:"rule_id"`
	Model   string       `json:"model,omitempty"`
	Vectors [4][]float32 `json:"vectors"`
}

func (e RuleEmbeddings) Vector(segment Segment) []float32 {
	for i, s := range Segments {
		if s == segment {
			return e.Vectors[i]
		}
	}
	return nil
}

// ReferenceRule is an existing community rule in the matching corpus.
type ReferenceRule struct {
	ID          string         `json:"id"`
	Source      string         `json:"source,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Embeddings  RuleEmbeddings `json:"-"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ReferenceVersion names one stored revision of a reference rule.
type ReferenceVersion struct {
	ID        string
	UpdatedAt time.Time
}

type Coverage string

const (
	CoverageCovered   Coverage = "covered"
	CoveragePartial   Coverage = "partial"
	CoverageUncovered Coverage = "uncovered"
)

// SimilarityMatch scores one candidate rule against one reference rule.
type SimilarityMatch struct {
	RuleID      string              `json:"rule_id"`
	ReferenceID string              `json:"reference_id"`
	Rank        int                 `json:"rank"`
	Segments    map[Segment]float64 `json:"segments"`
	Aggregate   float64             `json:"aggregate"`
	Coverage    Coverage            `json:"coverage"`
}

// SegmentWeights are the convex-combination weights of the aggregate score.
type SegmentWeights struct {
	Title       float64 `json:"title"`
	Description float64 `json:"description"`
	Tags        float64 `json:"tags"`
	Body        float64 `json:"body"`
}

func (w SegmentWeights) Sum() float64 {
	return w.Title + w.Description + w.Tags + w.Body
}

func (w SegmentWeights) Of(segment Segment) float64 {
	switch segment {
	case SegmentTitle:
		return w.Title
	case SegmentDescription:
		return w.Description
	case SegmentTags:
		return w.Tags
	case SegmentBody:
		return w.Body
	default:
		return 0
	}
}

// MatcherSettings configures the weighted similarity matcher.
type MatcherSettings struct {
	Weights          SegmentWeights `json:"weights"`
	CoveredThreshold float64        `json:"covered_threshold"`
	PartialThreshold float64        `json:"partial_threshold"`
	TopK             int            `json:"top_k"`
}

// RetryPolicy bounds retries of transiently failed steps.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
}

// Backoff returns the wait before the attempt following the given failed attempt.
func (p RetryPolicy) Backoff(failedAttempt int) time.Duration {
	if failedAttempt < 1 {
		failedAttempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < failedAttempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Settings is the configuration snapshot captured when an execution starts.
type Settings struct {
	JunkThreshold    float64         `json:"junk_threshold"`
	RankThreshold    int             `json:"rank_threshold"`
	Matcher          MatcherSettings `json:"matcher"`
	CorpusCandidates int             `json:"corpus_candidates"`
	Retry            RetryPolicy     `json:"retry"`
	CallTimeout      time.Duration   `json:"call_timeout"`
}

// DefaultSettings mirrors the default configuration values.
func DefaultSettings() Settings {
	return Settings{
		JunkThreshold: 0.5,
		RankThreshold: 6,
		Matcher: MatcherSettings{
			Weights:          SegmentWeights{Title: 0.30, Description: 0.20, Tags: 0.25, Body: 0.25},
			CoveredThreshold: 0.85,
			PartialThreshold: 0.65,
			TopK:             10,
		},
		CorpusCandidates: 200,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			MaxDelay:    time.Minute,
		},
		CallTimeout: 60 * time.Second,
	}
}
