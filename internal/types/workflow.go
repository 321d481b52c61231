package types

import "time"

// Step identifies one stage of the article workflow.
type Step string

const (
	StepJunkFilter      Step = "junk_filter"
	StepRank            Step = "rank"
	StepExtract         Step = "extract"
	StepGenerate        Step = "generate"
	StepSimilarityMatch Step = "similarity_match"
	StepEnqueue         Step = "enqueue"
)

// Steps is the strict execution order.
var Steps = []Step{
	StepJunkFilter,
	StepRank,
	StepExtract,
	StepGenerate,
	StepSimilarityMatch,
	StepEnqueue,
}

// StepIndex returns the position of step in Steps, or -1.
func StepIndex(step Step) int {
	for i, s := range Steps {
		if s == step {
			return i
		}
	}
	return -1
}

type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionRunning    ExecutionStatus = "running"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionTerminated ExecutionStatus = "terminated"
)

func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionTerminated
}

type TerminationReason string

const (
	TerminationNone               TerminationReason = ""
	TerminationBelowJunkThreshold TerminationReason = "below_junk_threshold"
	TerminationBelowRankThreshold TerminationReason = "below_rank_threshold"
	TerminationNoRulesGenerated   TerminationReason = "no_rules_generated"
	TerminationSimilarityCovered  TerminationReason = "similarity_covered"
	TerminationExternalCallFailed TerminationReason = "external_call_failed"
	TerminationCancelled          TerminationReason = "cancelled"
)

// Execution is one run of the workflow over one admitted article.
type Execution struct {
	ID                string            `json:"id"`
	ArticleID         string            `json:"article_id"`
	InputRef          string            `json:"input_ref"`
	CurrentStep       int               `json:"current_step"`
	Status            ExecutionStatus   `json:"status"`
	TerminationReason TerminationReason `json:"termination_reason,omitempty"`
	Settings          Settings          `json:"settings"`
	CancelRequested   bool              `json:"cancel_requested"`
	NextEligibleAt    *time.Time        `json:"next_eligible_at,omitempty"`
	LastError         string            `json:"last_error,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	FinishedAt        *time.Time        `json:"finished_at,omitempty"`
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepRetrying  StepStatus = "retrying"
)

// StepRecord is the append-only outcome of one attempt of one step.
type StepRecord struct {
	ExecutionID    string            `json:"execution_id"`
	Step           Step              `json:"step"`
	Attempt        int               `json:"attempt"`
	Status         StepStatus        `json:"status"`
	InputRef       string            `json:"input_ref"`
	OutputRef      string            `json:"output_ref,omitempty"`
	Termination    TerminationReason `json:"termination,omitempty"`
	ErrorKind      string            `json:"error_kind,omitempty"`
	Error          string            `json:"error,omitempty"`
	NextEligibleAt *time.Time        `json:"next_eligible_at,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
}

// CallKey addresses one recorded collaborator call.
type CallKey struct {
	ExecutionID string `json:"execution_id"`
	Step        Step   `json:"step"`
	Key         string `json:"key"`
}

type ReviewStatus string

const (
	ReviewQueued   ReviewStatus = "queued"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// ReviewEntry is a candidate rule awaiting a human decision.
type ReviewEntry struct {
	ID          string            `json:"id"`
	RuleID      string            `json:"rule_id"`
	ArticleID   string            `json:"article_id"`
	ExecutionID string            `json:"execution_id"`
	Rule        DetectionRule     `json:"rule"`
	Coverage    Coverage          `json:"coverage"`
	BestScore   float64           `json:"best_score"`
	Evidence    []SimilarityMatch `json:"evidence"`
	Status      ReviewStatus      `json:"status"`
	Reviewer    string            `json:"reviewer,omitempty"`
	Note        string            `json:"note,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	DecidedAt   *time.Time        `json:"decided_at,omitempty"`
}

// Stats is a coarse operational summary.
type Stats struct {
	Articles        int64                     `json:"articles"`
	DedupRejections int64                     `json:"dedup_rejections"`
	Executions      map[ExecutionStatus]int64 `json:"executions"`
	Terminations    map[string]int64          `json:"terminations"`
	Rules           int64                     `json:"rules"`
	ReviewQueued    int64                     `json:"review_queued"`
	ReviewDecided   int64                     `json:"review_decided"`
}
