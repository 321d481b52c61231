package db

import (
	"encoding/json"
	"time"

	"github.com/pgvector/pgvector-go"
)

// Article maps sieve.articles.
type Article struct {
	ArticleID    string    `gorm:"column:article_id;type:uuid;primaryKey"`
	Source       string    `gorm:"column:source;type:text;not null"`
	CanonicalURL *string   `gorm:"column:canonical_url;type:text"`
	Title        string    `gorm:"column:title;type:text;not null;default:''"`
	Body         string    `gorm:"column:body;type:text;not null"`
	ExactHash    []byte    `gorm:"column:exact_hash;type:bytea;not null;unique"`
	NearDup      int64     `gorm:"column:near_dup;type:bigint;not null"`
	IngestedAt   time.Time `gorm:"column:ingested_at;type:timestamptz;not null"`
}

func (Article) TableName() string { return "sieve.articles" }

// FingerprintBucket maps sieve.fingerprint_buckets.
type FingerprintBucket struct {
	ArticleID string `gorm:"column:article_id;type:uuid;primaryKey"`
	Block     int16  `gorm:"column:block;type:smallint;primaryKey"`
	Value     int32  `gorm:"column:value;type:integer;not null"`
}

func (FingerprintBucket) TableName() string { return "sieve.fingerprint_buckets" }

// DedupEvent maps sieve.dedup_events.
type DedupEvent struct {
	DedupEventID int64     `gorm:"column:dedup_event_id;primaryKey;autoIncrement"`
	Source       string    `gorm:"column:source;type:text;not null"`
	CanonicalURL *string   `gorm:"column:canonical_url;type:text"`
	DuplicateOf  string    `gorm:"column:duplicate_of;type:uuid;not null"`
	Distance     int       `gorm:"column:distance;type:integer;not null"`
	Signal       string    `gorm:"column:signal;type:text;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (DedupEvent) TableName() string { return "sieve.dedup_events" }

// WorkflowExecution maps sieve.workflow_executions.
type WorkflowExecution struct {
	ExecutionID       string          `gorm:"column:execution_id;type:uuid;primaryKey"`
	ArticleID         string          `gorm:"column:article_id;type:uuid;not null;unique"`
	InputRef          string          `gorm:"column:input_ref;type:text;not null"`
	CurrentStep       int             `gorm:"column:current_step;type:integer;not null;default:0"`
	Status            string          `gorm:"column:status;type:text;not null"`
	TerminationReason string          `gorm:"column:termination_reason;type:text;not null;default:''"`
	Settings          json.RawMessage `gorm:"column:settings;type:jsonb;not null"`
	CancelRequested   bool            `gorm:"column:cancel_requested;type:boolean;not null;default:false"`
	NextEligibleAt    *time.Time      `gorm:"column:next_eligible_at;type:timestamptz"`
	LastError         string          `gorm:"column:last_error;type:text;not null;default:''"`
	CreatedAt         time.Time       `gorm:"column:created_at;type:timestamptz;not null"`
	UpdatedAt         time.Time       `gorm:"column:updated_at;type:timestamptz;not null"`
	FinishedAt        *time.Time      `gorm:"column:finished_at;type:timestamptz"`
	ClaimedBy         string          `gorm:"column:claimed_by;type:text;not null;default:''"`
	LeaseUntil        *time.Time      `gorm:"column:lease_until;type:timestamptz"`
}

func (WorkflowExecution) TableName() string { return "sieve.workflow_executions" }

// StepRecord maps sieve.step_records. Rows are written once.
type StepRecord struct {
	ExecutionID    string     `gorm:"column:execution_id;type:uuid;primaryKey"`
	Step           string     `gorm:"column:step;type:text;primaryKey"`
	Attempt        int        `gorm:"column:attempt;type:integer;primaryKey"`
	Status         string     `gorm:"column:status;type:text;not null"`
	InputRef       string     `gorm:"column:input_ref;type:text;not null"`
	OutputRef      string     `gorm:"column:output_ref;type:text;not null;default:''"`
	Termination    string     `gorm:"column:termination;type:text;not null;default:''"`
	ErrorKind      string     `gorm:"column:error_kind;type:text;not null;default:''"`
	Error          string     `gorm:"column:error;type:text;not null;default:''"`
	NextEligibleAt *time.Time `gorm:"column:next_eligible_at;type:timestamptz"`
	StartedAt      time.Time  `gorm:"column:started_at;type:timestamptz;not null"`
	FinishedAt     time.Time  `gorm:"column:finished_at;type:timestamptz;not null"`
}

func (StepRecord) TableName() string { return "sieve.step_records" }

// CollaboratorCall maps sieve.collaborator_calls.
type CollaboratorCall struct {
	ExecutionID string    `gorm:"column:execution_id;type:uuid;primaryKey"`
	Step        string    `gorm:"column:step;type:text;primaryKey"`
	CallKey     string    `gorm:"column:call_key;type:text;primaryKey"`
	Result      []byte    `gorm:"column:result;type:bytea;not null"`
	RecordedAt  time.Time `gorm:"column:recorded_at;type:timestamptz;not null;default:now()"`
}

func (CollaboratorCall) TableName() string { return "sieve.collaborator_calls" }

// Snapshot maps sieve.snapshots, keyed by content hash.
type Snapshot struct {
	Ref       string    `gorm:"column:ref;type:text;primaryKey"`
	Payload   []byte    `gorm:"column:payload;type:bytea;not null"`
	CreatedAt time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (Snapshot) TableName() string { return "sieve.snapshots" }

// DetectionRule maps sieve.detection_rules.
type DetectionRule struct {
	RuleID      string          `gorm:"column:rule_id;type:uuid;primaryKey"`
	ArticleID   string          `gorm:"column:article_id;type:uuid;not null"`
	ExecutionID string          `gorm:"column:execution_id;type:uuid;not null"`
	Title       string          `gorm:"column:title;type:text;not null"`
	Description string          `gorm:"column:description;type:text;not null;default:''"`
	Tags        json.RawMessage `gorm:"column:tags;type:jsonb;not null"`
	Body        string          `gorm:"column:body;type:text;not null"`
	Lifecycle   string          `gorm:"column:lifecycle;type:text;not null"`
	GeneratedAt time.Time       `gorm:"column:generated_at;type:timestamptz;not null"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (DetectionRule) TableName() string { return "sieve.detection_rules" }

// RuleEmbedding maps sieve.rule_embeddings; one vector column per segment.
type RuleEmbedding struct {
	RuleID               string          `gorm:"column:rule_id;type:uuid;primaryKey"`
	ModelName            string          `gorm:"column:model_name;type:text;not null"`
	TitleEmbedding       pgvector.Vector `gorm:"column:title_embedding;type:vector;not null"`
	DescriptionEmbedding pgvector.Vector `gorm:"column:description_embedding;type:vector;not null"`
	TagsEmbedding        pgvector.Vector `gorm:"column:tags_embedding;type:vector;not null"`
	BodyEmbedding        pgvector.Vector `gorm:"column:body_embedding;type:vector;not null"`
	EmbeddedAt           time.Time       `gorm:"column:embedded_at;type:timestamptz;not null;default:now()"`
}

func (RuleEmbedding) TableName() string { return "sieve.rule_embeddings" }

// ReferenceRule maps sieve.reference_rules, the community corpus.
type ReferenceRule struct {
	ReferenceID          string          `gorm:"column:reference_id;type:text;primaryKey"`
	Source               string          `gorm:"column:source;type:text;not null;default:''"`
	Title                string          `gorm:"column:title;type:text;not null"`
	Description          string          `gorm:"column:description;type:text;not null;default:''"`
	Tags                 json.RawMessage `gorm:"column:tags;type:jsonb;not null"`
	ModelName            string          `gorm:"column:model_name;type:text;not null"`
	TitleEmbedding       pgvector.Vector `gorm:"column:title_embedding;type:vector;not null"`
	DescriptionEmbedding pgvector.Vector `gorm:"column:description_embedding;type:vector;not null"`
	TagsEmbedding        pgvector.Vector `gorm:"column:tags_embedding;type:vector;not null"`
	BodyEmbedding        pgvector.Vector `gorm:"column:body_embedding;type:vector;not null"`
	UpdatedAt            time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (ReferenceRule) TableName() string { return "sieve.reference_rules" }

// SimilarityMatch maps sieve.similarity_matches, top-K per candidate rule.
type SimilarityMatch struct {
	RuleID           string  `gorm:"column:rule_id;type:uuid;primaryKey"`
	Rank             int     `gorm:"column:rank;type:integer;primaryKey"`
	ReferenceID      string  `gorm:"column:reference_id;type:text;not null"`
	TitleScore       float64 `gorm:"column:title_score;type:double precision;not null"`
	DescriptionScore float64 `gorm:"column:description_score;type:double precision;not null"`
	TagsScore        float64 `gorm:"column:tags_score;type:double precision;not null"`
	BodyScore        float64 `gorm:"column:body_score;type:double precision;not null"`
	Aggregate        float64 `gorm:"column:aggregate;type:double precision;not null"`
	Coverage         string  `gorm:"column:coverage;type:text;not null"`
}

func (SimilarityMatch) TableName() string { return "sieve.similarity_matches" }

// ReviewEntry maps sieve.review_entries.
type ReviewEntry struct {
	ReviewID    string          `gorm:"column:review_id;type:uuid;primaryKey"`
	RuleID      string          `gorm:"column:rule_id;type:uuid;not null;unique"`
	ArticleID   string          `gorm:"column:article_id;type:uuid;not null"`
	ExecutionID string          `gorm:"column:execution_id;type:uuid;not null"`
	Rule        json.RawMessage `gorm:"column:rule;type:jsonb;not null"`
	Coverage    string          `gorm:"column:coverage;type:text;not null"`
	BestScore   float64         `gorm:"column:best_score;type:double precision;not null"`
	Evidence    json.RawMessage `gorm:"column:evidence;type:jsonb;not null"`
	Status      string          `gorm:"column:status;type:text;not null"`
	Reviewer    string          `gorm:"column:reviewer;type:text;not null;default:''"`
	Note        string          `gorm:"column:note;type:text;not null;default:''"`
	CreatedAt   time.Time       `gorm:"column:created_at;type:timestamptz;not null"`
	DecidedAt   *time.Time      `gorm:"column:decided_at;type:timestamptz"`
}

func (ReviewEntry) TableName() string { return "sieve.review_entries" }

func autoMigrateModels() []any {
	return []any{
		&Article{},
		&FingerprintBucket{},
		&DedupEvent{},
		&WorkflowExecution{},
		&StepRecord{},
		&CollaboratorCall{},
		&Snapshot{},
		&DetectionRule{},
		&RuleEmbedding{},
		&ReferenceRule{},
		&SimilarityMatch{},
		&ReviewEntry{},
	}
}
