// Package memstore is a process-local implementation of every storage
// interface. It backs tests and SIEVE_STORE=memory runs.
package memstore

import (
	"context"
	"fmt"
	"math/bits"
	"sort"
	"sync"
	"time"

	"horse.fit/sieve/internal/failure"
	"horse.fit/sieve/internal/types"
)

type Store struct {
	mu sync.RWMutex

	articles    map[string]types.Article
	exactHashes map[[32]byte]string
	blocks      map[string][4]uint16
	dedupEvents []types.DedupEvent

	executions       map[string]types.Execution
	executionOrder   []string
	executionArticle map[string]string
	steps            map[string][]types.StepRecord
	snapshots        map[string][]byte
	calls            map[types.CallKey][]byte
	leases           map[string]executionLease

	rules      map[string]types.DetectionRule
	embeddings map[string]types.RuleEmbeddings
	matches    map[string][]types.SimilarityMatch
	references map[string]types.ReferenceRule

	review      map[string]types.ReviewEntry
	reviewOrder []string
	reviewRule  map[string]string
}

func New() *Store {
	return &Store{
		articles:         make(map[string]types.Article),
		exactHashes:      make(map[[32]byte]string),
		blocks:           make(map[string][4]uint16),
		executions:       make(map[string]types.Execution),
		executionArticle: make(map[string]string),
		steps:            make(map[string][]types.StepRecord),
		snapshots:        make(map[string][]byte),
		calls:            make(map[types.CallKey][]byte),
		leases:           make(map[string]executionLease),
		rules:            make(map[string]types.DetectionRule),
		embeddings:       make(map[string]types.RuleEmbeddings),
		matches:          make(map[string][]types.SimilarityMatch),
		references:       make(map[string]types.ReferenceRule),
		review:           make(map[string]types.ReviewEntry),
		reviewRule:       make(map[string]string),
	}
}

// Articles.

func (s *Store) InsertAdmitted(ctx context.Context, adm types.Admission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	article := adm.Article
	if id, ok := s.exactHashes[article.ExactHash]; ok {
		return &types.DuplicateError{DuplicateOf: id, Exact: true}
	}
	if dup := s.nearestLocked(article.NearDup, adm.Blocks, adm.MaxDistance); dup != nil {
		return dup
	}
	if _, ok := s.articles[article.ID]; ok {
		return failure.Conflict(fmt.Errorf("article %s already exists", article.ID))
	}
	if _, ok := s.executionArticle[adm.Execution.ArticleID]; ok {
		return failure.Conflict(fmt.Errorf("execution for article %s already exists", adm.Execution.ArticleID))
	}

	s.articles[article.ID] = article
	s.exactHashes[article.ExactHash] = article.ID
	s.blocks[article.ID] = adm.Blocks
	if _, ok := s.snapshots[adm.SnapshotRef]; !ok {
		s.snapshots[adm.SnapshotRef] = clone(adm.Snapshot)
	}
	s.putExecutionLocked(adm.Execution)
	return nil
}

// nearestLocked finds the closest stored article sharing a bucket with
// nearDup and within maxDistance. Ties go to the lower ID.
func (s *Store) nearestLocked(nearDup uint64, blocks [4]uint16, maxDistance int) *types.DuplicateError {
	if maxDistance < 0 {
		return nil
	}
	var best *types.DuplicateError
	for id, stored := range s.blocks {
		shared := false
		for i := range blocks {
			if stored[i] == blocks[i] {
				shared = true
				break
			}
		}
		if !shared {
			continue
		}
		distance := bits.OnesCount64(s.articles[id].NearDup ^ nearDup)
		if distance > maxDistance {
			continue
		}
		if best == nil || distance < best.Distance || (distance == best.Distance && id < best.DuplicateOf) {
			best = &types.DuplicateError{DuplicateOf: id, Distance: distance}
		}
	}
	return best
}

func (s *Store) GetArticle(_ context.Context, id string) (types.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	article, ok := s.articles[id]
	if !ok {
		return types.Article{}, failure.NotFound(fmt.Errorf("article %s not found", id))
	}
	return article, nil
}

func (s *Store) ForEachFingerprint(ctx context.Context, fn func(articleID string, exactHash [32]byte, nearDup uint64) error) error {
	s.mu.RLock()
	articles := make([]types.Article, 0, len(s.articles))
	for _, article := range s.articles {
		articles = append(articles, article)
	}
	s.mu.RUnlock()

	sort.Slice(articles, func(i, j int) bool { return articles[i].ID < articles[j].ID })
	for _, article := range articles {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(article.ID, article.ExactHash, article.NearDup); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) RecordDedupEvent(_ context.Context, event types.DedupEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedupEvents = append(s.dedupEvents, event)
	return nil
}

func (s *Store) DedupEvents() []types.DedupEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.DedupEvent(nil), s.dedupEvents...)
}

// Executions.

func (s *Store) CreateExecution(_ context.Context, execution types.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[execution.ID]; ok {
		return failure.Conflict(fmt.Errorf("execution %s already exists", execution.ID))
	}
	if _, ok := s.executionArticle[execution.ArticleID]; ok {
		return failure.Conflict(fmt.Errorf("execution for article %s already exists", execution.ArticleID))
	}
	s.putExecutionLocked(execution)
	return nil
}

func (s *Store) putExecutionLocked(execution types.Execution) {
	s.executions[execution.ID] = execution
	s.executionOrder = append(s.executionOrder, execution.ID)
	s.executionArticle[execution.ArticleID] = execution.ID
}

func (s *Store) GetExecution(_ context.Context, id string) (types.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	execution, ok := s.executions[id]
	if !ok {
		return types.Execution{}, failure.NotFound(fmt.Errorf("execution %s not found", id))
	}
	return execution, nil
}

func (s *Store) ExecutionForArticle(_ context.Context, articleID string) (types.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.executionArticle[articleID]
	if !ok {
		return types.Execution{}, failure.NotFound(fmt.Errorf("no execution for article %s", articleID))
	}
	return s.executions[id], nil
}

func (s *Store) UpdateExecution(_ context.Context, execution types.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.executions[execution.ID]
	if !ok {
		return failure.NotFound(fmt.Errorf("execution %s not found", execution.ID))
	}
	if current.Status.Terminal() {
		return failure.Conflict(fmt.Errorf("execution %s is already %s", execution.ID, current.Status))
	}
	execution.CancelRequested = current.CancelRequested
	execution.ArticleID = current.ArticleID
	execution.InputRef = current.InputRef
	execution.Settings = current.Settings
	execution.CreatedAt = current.CreatedAt
	s.executions[execution.ID] = execution
	return nil
}

func (s *Store) RequestCancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	execution, ok := s.executions[id]
	if !ok {
		return failure.NotFound(fmt.Errorf("execution %s not found", id))
	}
	execution.CancelRequested = true
	s.executions[id] = execution
	return nil
}

type executionLease struct {
	owner string
	until time.Time
}

func (s *Store) ClaimRunnable(_ context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0)
	for _, id := range s.executionOrder {
		execution := s.executions[id]
		if execution.Status.Terminal() {
			continue
		}
		if !execution.CancelRequested && execution.NextEligibleAt != nil && execution.NextEligibleAt.After(now) {
			continue
		}
		if held, ok := s.leases[id]; ok && held.owner != owner && held.until.After(now) {
			continue
		}
		s.leases[id] = executionLease{owner: owner, until: now.Add(lease)}
		out = append(out, id)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) RenewLease(_ context.Context, id, owner string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.leases[id]
	if !ok || held.owner != owner {
		return failure.Conflict(fmt.Errorf("execution %s is not leased to %s", id, owner))
	}
	s.leases[id] = executionLease{owner: owner, until: until}
	return nil
}

func (s *Store) ReleaseLease(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.leases[id]; ok && held.owner == owner {
		delete(s.leases, id)
	}
	return nil
}

func (s *Store) ListStepRecords(_ context.Context, executionID string) ([]types.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.StepRecord(nil), s.steps[executionID]...), nil
}

func (s *Store) AppendStepRecord(_ context.Context, record types.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.steps[record.ExecutionID] {
		if existing.Step == record.Step && existing.Attempt == record.Attempt {
			return failure.Conflict(fmt.Errorf("step record %s/%s/%d already exists", record.ExecutionID, record.Step, record.Attempt))
		}
	}
	s.steps[record.ExecutionID] = append(s.steps[record.ExecutionID], record)
	return nil
}

func (s *Store) PutSnapshot(_ context.Context, ref string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[ref]; !ok {
		s.snapshots[ref] = clone(payload)
	}
	return nil
}

func (s *Store) GetSnapshot(_ context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.snapshots[ref]
	if !ok {
		return nil, failure.NotFound(fmt.Errorf("snapshot %s not found", ref))
	}
	return clone(payload), nil
}

func (s *Store) GetCall(_ context.Context, key types.CallKey) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.calls[key]
	if !ok {
		return nil, false, nil
	}
	return clone(result), true, nil
}

func (s *Store) PutCall(_ context.Context, key types.CallKey, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[key]; ok {
		return failure.Conflict(fmt.Errorf("call %s/%s/%s already recorded", key.ExecutionID, key.Step, key.Key))
	}
	s.calls[key] = clone(result)
	return nil
}

// Rules.

func (s *Store) SaveRules(_ context.Context, rules []types.DetectionRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rule := range rules {
		if _, ok := s.rules[rule.ID]; ok {
			continue
		}
		rule.Tags = append([]string(nil), rule.Tags...)
		s.rules[rule.ID] = rule
	}
	return nil
}

func (s *Store) GetRule(_ context.Context, id string) (types.DetectionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return types.DetectionRule{}, failure.NotFound(fmt.Errorf("rule %s not found", id))
	}
	return rule, nil
}

func (s *Store) SetRuleLifecycle(_ context.Context, ruleIDs []string, lifecycle types.RuleLifecycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ruleIDs {
		rule, ok := s.rules[id]
		if !ok {
			return failure.NotFound(fmt.Errorf("rule %s not found", id))
		}
		rule.Lifecycle = lifecycle
		s.rules[id] = rule
	}
	return nil
}

func (s *Store) SaveMatches(_ context.Context, ruleID string, matches []types.SimilarityMatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.matches[ruleID]; ok {
		return nil
	}
	s.matches[ruleID] = append([]types.SimilarityMatch(nil), matches...)
	return nil
}

func (s *Store) ListMatches(_ context.Context, ruleID string) ([]types.SimilarityMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.SimilarityMatch(nil), s.matches[ruleID]...), nil
}

func (s *Store) PutRuleEmbeddings(_ context.Context, embeddings types.RuleEmbeddings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeddings[embeddings.RuleID] = embeddings
	return nil
}

func (s *Store) GetRuleEmbeddings(_ context.Context, ruleID string) (types.RuleEmbeddings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	embeddings, ok := s.embeddings[ruleID]
	if !ok {
		return types.RuleEmbeddings{}, failure.NotFound(fmt.Errorf("embeddings for rule %s not found", ruleID))
	}
	return embeddings, nil
}

// Reference corpus.

func (s *Store) PutReference(_ context.Context, ref types.ReferenceRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.references[ref.ID] = ref
	return nil
}

// Candidates returns the whole corpus; the in-memory corpus is small enough to
// score exhaustively.
func (s *Store) Candidates(_ context.Context, _ types.RuleEmbeddings, _ int) ([]types.ReferenceRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ReferenceRule, 0, len(s.references))
	for _, ref := range s.references {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Review queue.

func (s *Store) InsertReviewEntry(_ context.Context, entry types.ReviewEntry) (types.ReviewEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.reviewRule[entry.RuleID]; ok {
		return s.review[id], false, nil
	}
	if existing, ok := s.review[entry.ID]; ok {
		return existing, false, nil
	}
	s.review[entry.ID] = entry
	s.reviewOrder = append(s.reviewOrder, entry.ID)
	s.reviewRule[entry.RuleID] = entry.ID
	return entry, true, nil
}

func (s *Store) GetReviewEntry(_ context.Context, id string) (types.ReviewEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.review[id]
	if !ok {
		return types.ReviewEntry{}, failure.NotFound(fmt.Errorf("review entry %s not found", id))
	}
	return entry, nil
}

func (s *Store) ListReviewEntries(_ context.Context, status types.ReviewStatus, limit int) ([]types.ReviewEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ReviewEntry, 0)
	for _, id := range s.reviewOrder {
		entry := s.review[id]
		if status != "" && entry.Status != status {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) DecideReviewEntry(_ context.Context, id string, status types.ReviewStatus, reviewer, note string, decidedAt time.Time) (types.ReviewEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.review[id]
	if !ok {
		return types.ReviewEntry{}, failure.NotFound(fmt.Errorf("review entry %s not found", id))
	}
	if entry.Status != types.ReviewQueued {
		return entry, failure.Conflict(fmt.Errorf("review entry %s is already %s", id, entry.Status))
	}
	entry.Status = status
	entry.Reviewer = reviewer
	entry.Note = note
	entry.DecidedAt = &decidedAt
	s.review[id] = entry
	return entry, nil
}

// Stats.

func (s *Store) Stats(_ context.Context) (types.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := types.Stats{
		Articles:        int64(len(s.articles)),
		DedupRejections: int64(len(s.dedupEvents)),
		Executions:      make(map[types.ExecutionStatus]int64),
		Terminations:    make(map[string]int64),
		Rules:           int64(len(s.rules)),
	}
	for _, execution := range s.executions {
		stats.Executions[execution.Status]++
		if execution.TerminationReason != "" {
			stats.Terminations[string(execution.TerminationReason)]++
		}
	}
	for _, entry := range s.review {
		if entry.Status == types.ReviewQueued {
			stats.ReviewQueued++
		} else {
			stats.ReviewDecided++
		}
	}
	return stats, nil
}

// Ping satisfies the health check.
func (s *Store) Ping(context.Context) error {
	return nil
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
