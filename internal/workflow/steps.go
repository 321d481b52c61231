package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"horse.fit/sieve/internal/failure"
	"horse.fit/sieve/internal/similarity"
	"horse.fit/sieve/internal/types"
)

// ruleNamespace seeds deterministic rule IDs so a re-run generate step
// produces the same identifiers.
var ruleNamespace = uuid.MustParse("6f1c1f5e-0d5f-4b7e-9a43-6a1f9e6b2c10")

// RuleID is the stable identifier of the index-th rule generated by an execution.
func RuleID(executionID string, index int) string {
	return uuid.NewSHA1(ruleNamespace, []byte(executionID+"/"+strconv.Itoa(index))).String()
}

type stepContext struct {
	execution types.Execution
	step      types.Step
	store     Store
	timeout   time.Duration
}

type stepOutcome struct {
	state     State
	terminate types.TerminationReason
}

// recordedCall runs fn at most once per execution, step and key. A retried step
// gets the recorded result back instead of calling the collaborator again.
func recordedCall[T any](ctx context.Context, sc *stepContext, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	callKey := types.CallKey{ExecutionID: sc.execution.ID, Step: sc.step, Key: key}

	raw, ok, err := sc.store.GetCall(ctx, callKey)
	if err != nil {
		return zero, fmt.Errorf("lookup recorded call %s: %w", key, err)
	}
	if ok {
		var recorded T
		if err := json.Unmarshal(raw, &recorded); err != nil {
			return zero, fmt.Errorf("decode recorded call %s: %w", key, err)
		}
		return recorded, nil
	}

	callCtx := ctx
	if sc.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, sc.timeout)
		defer cancel()
	}
	result, err := fn(callCtx)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", key, err)
	}

	raw, err = json.Marshal(result)
	if err != nil {
		return zero, fmt.Errorf("encode call result %s: %w", key, err)
	}
	if err := sc.store.PutCall(ctx, callKey, raw); err != nil {
		if !failure.IsConflict(err) {
			return zero, fmt.Errorf("record call %s: %w", key, err)
		}
		// Lost a race with another worker; its result is the recorded one.
		raw, ok, err = sc.store.GetCall(ctx, callKey)
		if err != nil || !ok {
			return zero, fmt.Errorf("reload recorded call %s: %w", key, err)
		}
		var recorded T
		if err := json.Unmarshal(raw, &recorded); err != nil {
			return zero, fmt.Errorf("decode recorded call %s: %w", key, err)
		}
		return recorded, nil
	}
	return result, nil
}

func (e *Engine) dispatch(ctx context.Context, sc *stepContext, input State) (stepOutcome, error) {
	switch sc.step {
	case types.StepJunkFilter:
		return e.junkFilter(ctx, sc, input)
	case types.StepRank:
		return e.rank(ctx, sc, input)
	case types.StepExtract:
		return e.extract(ctx, sc, input)
	case types.StepGenerate:
		return e.generate(ctx, sc, input)
	case types.StepSimilarityMatch:
		return e.similarityMatch(ctx, sc, input)
	case types.StepEnqueue:
		return e.enqueue(ctx, sc, input)
	default:
		return stepOutcome{}, failure.Invalidf("no handler for step %q", sc.step)
	}
}

func (e *Engine) junkFilter(ctx context.Context, sc *stepContext, input State) (stepOutcome, error) {
	score, err := recordedCall(ctx, sc, "junk_score", func(ctx context.Context) (float64, error) {
		return e.deps.Junk.Score(ctx, input.Article)
	})
	if err != nil {
		return stepOutcome{}, err
	}

	out := input
	out.JunkScore = &score
	if score < sc.execution.Settings.JunkThreshold {
		return stepOutcome{state: out, terminate: types.TerminationBelowJunkThreshold}, nil
	}
	return stepOutcome{state: out}, nil
}

func (e *Engine) rank(ctx context.Context, sc *stepContext, input State) (stepOutcome, error) {
	ranking, err := recordedCall(ctx, sc, "rank", func(ctx context.Context) (types.Ranking, error) {
		return e.deps.Analyst.Rank(ctx, input.Article)
	})
	if err != nil {
		return stepOutcome{}, err
	}

	out := input
	out.Ranking = &ranking
	if ranking.Score < sc.execution.Settings.RankThreshold {
		return stepOutcome{state: out, terminate: types.TerminationBelowRankThreshold}, nil
	}
	return stepOutcome{state: out}, nil
}

func (e *Engine) extract(ctx context.Context, sc *stepContext, input State) (stepOutcome, error) {
	if input.Ranking == nil {
		return stepOutcome{}, failure.Invalidf("extract input has no ranking")
	}
	extraction, err := recordedCall(ctx, sc, "extract", func(ctx context.Context) (types.Extraction, error) {
		return e.deps.Analyst.Extract(ctx, input.Article, *input.Ranking)
	})
	if err != nil {
		return stepOutcome{}, err
	}

	out := input
	out.Extraction = &extraction
	return stepOutcome{state: out}, nil
}

func (e *Engine) generate(ctx context.Context, sc *stepContext, input State) (stepOutcome, error) {
	if input.Extraction == nil {
		return stepOutcome{}, failure.Invalidf("generate input has no extraction")
	}
	drafts, err := recordedCall(ctx, sc, "generate", func(ctx context.Context) ([]types.RuleDraft, error) {
		return e.deps.Analyst.Generate(ctx, input.Article, *input.Extraction)
	})
	if err != nil {
		return stepOutcome{}, err
	}

	generatedAt := e.now()
	rules := make([]types.DetectionRule, 0, len(drafts))
	for i, draft := range drafts {
		if strings.TrimSpace(draft.Body) == "" || strings.TrimSpace(draft.Title) == "" {
			continue
		}
		rules = append(rules, types.DetectionRule{
			ID:          RuleID(sc.execution.ID, i),
			ArticleID:   input.Article.ID,
			ExecutionID: sc.execution.ID,
			Title:       strings.TrimSpace(draft.Title),
			Description: strings.TrimSpace(draft.Description),
			Tags:        normalizeTags(draft.Tags),
			Body:        draft.Body,
			Lifecycle:   types.RuleGenerated,
			GeneratedAt: generatedAt,
		})
	}

	out := input
	out.Rules = rules
	if len(rules) == 0 {
		return stepOutcome{state: out, terminate: types.TerminationNoRulesGenerated}, nil
	}
	if err := e.deps.Rules.SaveRules(ctx, rules); err != nil {
		return stepOutcome{}, fmt.Errorf("save generated rules: %w", err)
	}
	return stepOutcome{state: out}, nil
}

func (e *Engine) similarityMatch(ctx context.Context, sc *stepContext, input State) (stepOutcome, error) {
	if len(input.Rules) == 0 {
		return stepOutcome{}, failure.Invalidf("similarity match input has no rules")
	}
	matcher, err := similarity.NewMatcher(sc.execution.Settings.Matcher)
	if err != nil {
		return stepOutcome{}, failure.Invalid(fmt.Errorf("matcher settings: %w", err))
	}

	scored := make([]ScoredRule, 0, len(input.Rules))
	var covered, open []string
	for _, rule := range input.Rules {
		vectors, err := recordedCall(ctx, sc, "embed:"+rule.ID, func(ctx context.Context) ([4][]float32, error) {
			return e.deps.Embedder.EmbedSegments(ctx, rule.SegmentTexts())
		})
		if err != nil {
			return stepOutcome{}, err
		}
		embeddings := types.RuleEmbeddings{RuleID: rule.ID, Model: e.deps.Embedder.Model(), Vectors: vectors}
		if err := e.deps.Embeddings.PutRuleEmbeddings(ctx, embeddings); err != nil {
			return stepOutcome{}, fmt.Errorf("store embeddings for rule %s: %w", rule.ID, err)
		}

		corpus, err := e.deps.Corpus.Candidates(ctx, embeddings, sc.execution.Settings.CorpusCandidates)
		if err != nil {
			return stepOutcome{}, fmt.Errorf("load corpus candidates for rule %s: %w", rule.ID, err)
		}
		result, err := matcher.Score(embeddings, corpus)
		if err != nil {
			return stepOutcome{}, fmt.Errorf("score rule %s: %w", rule.ID, err)
		}
		if err := e.deps.Rules.SaveMatches(ctx, rule.ID, result.Matches); err != nil {
			return stepOutcome{}, fmt.Errorf("save matches for rule %s: %w", rule.ID, err)
		}

		scored = append(scored, ScoredRule{
			RuleID:   rule.ID,
			Coverage: result.Coverage,
			Best:     result.Best,
			Matches:  result.Matches,
		})
		if result.Coverage == types.CoverageCovered {
			covered = append(covered, rule.ID)
		} else {
			open = append(open, rule.ID)
		}
	}

	if len(open) > 0 {
		if err := e.deps.Rules.SetRuleLifecycle(ctx, open, types.RuleScored); err != nil {
			return stepOutcome{}, fmt.Errorf("mark rules scored: %w", err)
		}
	}
	if len(covered) > 0 {
		if err := e.deps.Rules.SetRuleLifecycle(ctx, covered, types.RuleDiscarded); err != nil {
			return stepOutcome{}, fmt.Errorf("discard covered rules: %w", err)
		}
	}

	out := input
	out.Scored = scored
	out.Discarded = covered
	if len(open) == 0 {
		return stepOutcome{state: out, terminate: types.TerminationSimilarityCovered}, nil
	}
	return stepOutcome{state: out}, nil
}

func (e *Engine) enqueue(ctx context.Context, sc *stepContext, input State) (stepOutcome, error) {
	queued := make([]string, 0, len(input.Scored))
	ruleIDs := make([]string, 0, len(input.Scored))
	for _, result := range input.Scored {
		if result.Coverage == types.CoverageCovered {
			continue
		}
		rule, ok := input.rule(result.RuleID)
		if !ok {
			return stepOutcome{}, failure.Invalidf("scored rule %s missing from state", result.RuleID)
		}
		entry, err := e.deps.Queue.Enqueue(ctx, rule, result.Coverage, result.Best, result.Matches)
		if err != nil {
			return stepOutcome{}, fmt.Errorf("enqueue rule %s: %w", rule.ID, err)
		}
		queued = append(queued, entry.ID)
		ruleIDs = append(ruleIDs, rule.ID)
	}
	if len(ruleIDs) > 0 {
		if err := e.deps.Rules.SetRuleLifecycle(ctx, ruleIDs, types.RuleQueued); err != nil {
			return stepOutcome{}, fmt.Errorf("mark rules queued: %w", err)
		}
	}

	out := input
	out.Queued = queued
	return stepOutcome{state: out}, nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		trimmed := strings.TrimSpace(tag)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
