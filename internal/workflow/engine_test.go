package workflow

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/sieve/internal/failure"
	"horse.fit/sieve/internal/memstore"
	"horse.fit/sieve/internal/review"
	"horse.fit/sieve/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type stubJunk struct {
	score float64
}

func (s *stubJunk) Score(context.Context, types.Article) (float64, error) {
	return s.score, nil
}

type stubAnalyst struct {
	mu sync.Mutex

	rankScore int
	drafts    []types.RuleDraft

	rankErrs     []error
	generateErrs []error
	generateHook func(ctx context.Context)

	rankCalls     int
	extractCalls  int
	generateCalls int
}

func (s *stubAnalyst) Rank(context.Context, types.Article) (types.Ranking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rankCalls++
	if len(s.rankErrs) > 0 {
		err := s.rankErrs[0]
		s.rankErrs = s.rankErrs[1:]
		return types.Ranking{}, err
	}
	return types.Ranking{Score: s.rankScore, Rationale: "stub"}, nil
}

func (s *stubAnalyst) Extract(context.Context, types.Article, types.Ranking) (types.Extraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extractCalls++
	return types.Extraction{Summary: "driver abuse", Techniques: []string{"T1068"}}, nil
}

func (s *stubAnalyst) Generate(ctx context.Context, _ types.Article, _ types.Extraction) ([]types.RuleDraft, error) {
	s.mu.Lock()
	s.generateCalls++
	hook := s.generateHook
	var err error
	if len(s.generateErrs) > 0 {
		err = s.generateErrs[0]
		s.generateErrs = s.generateErrs[1:]
	}
	drafts := append([]types.RuleDraft(nil), s.drafts...)
	s.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	if err != nil {
		return nil, err
	}
	return drafts, nil
}

func (s *stubAnalyst) calls() (rank, extract, generate int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rankCalls, s.extractCalls, s.generateCalls
}

type stubEmbedder struct {
	mu    sync.Mutex
	calls map[string]int
	errs  map[string][]error
	sent  [][4]string
}

func (s *stubEmbedder) EmbedSegments(_ context.Context, texts [4]string) ([4][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[texts[0]]++
	s.sent = append(s.sent, texts)
	if pending := s.errs[texts[0]]; len(pending) > 0 {
		s.errs[texts[0]] = pending[1:]
		return [4][]float32{}, pending[0]
	}
	var out [4][]float32
	for i, text := range texts {
		out[i] = vectorFor(text)
	}
	return out, nil
}

func (s *stubEmbedder) Model() string { return "stub" }

func (s *stubEmbedder) callsFor(title string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[title]
}

// vectorFor maps text to a deterministic +/-1 vector.
func vectorFor(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	sum := h.Sum64()
	out := make([]float32, 16)
	for i := range out {
		if sum&(1<<uint(i)) != 0 {
			out[i] = 1
		} else {
			out[i] = -1
		}
	}
	return out
}

func referenceFor(id string, draft types.RuleDraft) types.ReferenceRule {
	rule := types.DetectionRule{Title: draft.Title, Description: draft.Description, Tags: draft.Tags, Body: draft.Body}
	var vectors [4][]float32
	for i, text := range rule.SegmentTexts() {
		vectors[i] = vectorFor(text)
	}
	return types.ReferenceRule{ID: id, Title: draft.Title, Embeddings: types.RuleEmbeddings{RuleID: id, Vectors: vectors}}
}

var (
	draftDriver = types.RuleDraft{
		Title:       "Vulnerable driver loaded",
		Description: "Detects loading of a known vulnerable signed driver",
		Tags:        []string{"attack.privilege_escalation", "attack.t1068"},
		Body:        "selection:\n  EventID: 6\n  ImageLoaded|endswith: '\\\\rtcore64.sys'",
	}
	draftISO = types.RuleDraft{
		Title:       "ISO mounted from mail client",
		Description: "Detects disk image mounts spawned by Outlook",
		Tags:        []string{"attack.initial_access"},
		Body:        "selection:\n  ParentImage|endswith: '\\\\outlook.exe'",
	}
)

type harness struct {
	store    *memstore.Store
	engine   *Engine
	junk     *stubJunk
	analyst  *stubAnalyst
	embedder *stubEmbedder
	clock    *fakeClock
	settings types.Settings
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	settings := types.DefaultSettings()
	settings.Retry = types.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	h := &harness{
		store:    memstore.New(),
		junk:     &stubJunk{score: 0.9},
		analyst:  &stubAnalyst{rankScore: 8, drafts: []types.RuleDraft{draftDriver}},
		embedder: &stubEmbedder{errs: make(map[string][]error)},
		clock:    &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		settings: settings,
	}
	h.engine = h.newEngine(t)
	return h
}

// newEngine builds a fresh engine over the harness store, as a restarted
// process would.
func (h *harness) newEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(Dependencies{
		Store:      h.store,
		Junk:       h.junk,
		Analyst:    h.analyst,
		Embedder:   h.embedder,
		Embeddings: h.store,
		Rules:      h.store,
		Corpus:     h.store,
		Queue:      review.NewQueue(h.store, zerolog.Nop()),
	}, zerolog.Nop(), WithClock(h.clock.Now), WithSleep(h.clock.Sleep))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func (h *harness) start(t *testing.T) types.Execution {
	t.Helper()
	article := types.Article{
		ID:         "article-1",
		Source:     "vendor-blog",
		Title:      "Ransomware crew abuses signed drivers",
		Text:       "researchers observed the actor loading rtcore64.sys to disable edr",
		IngestedAt: h.clock.Now(),
	}
	execution, err := h.engine.Start(context.Background(), article, h.settings)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return execution
}

func (h *harness) records(t *testing.T, id string) []types.StepRecord {
	t.Helper()
	records, err := h.store.ListStepRecords(context.Background(), id)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	return records
}

func TestRunCompletesAndQueuesUncoveredRule(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	execution := h.start(t)

	got, err := h.engine.Run(context.Background(), execution.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Status != types.ExecutionCompleted || got.FinishedAt == nil {
		t.Fatalf("unexpected execution: %+v", got)
	}

	records := h.records(t, execution.ID)
	if len(records) != len(types.Steps) {
		t.Fatalf("expected %d step records, got %d", len(types.Steps), len(records))
	}
	for i, record := range records {
		if record.Step != types.Steps[i] || record.Status != types.StepSucceeded || record.Attempt != 1 {
			t.Fatalf("unexpected record %d: %+v", i, record)
		}
		if i > 0 && record.InputRef != records[i-1].OutputRef {
			t.Fatalf("step %s input does not chain from previous output", record.Step)
		}
	}

	entries, err := h.store.ListReviewEntries(context.Background(), types.ReviewQueued, 10)
	if err != nil {
		t.Fatalf("list review: %v", err)
	}
	if len(entries) != 1 || entries[0].RuleID != RuleID(execution.ID, 0) {
		t.Fatalf("unexpected review entries: %+v", entries)
	}
	rule, err := h.store.GetRule(context.Background(), RuleID(execution.ID, 0))
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if rule.Lifecycle != types.RuleQueued {
		t.Fatalf("expected rule to be queued, got %q", rule.Lifecycle)
	}
}

func TestLowRankTerminatesAfterTwoSteps(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.analyst.rankScore = 2
	execution := h.start(t)

	got, err := h.engine.Run(context.Background(), execution.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Status != types.ExecutionTerminated || got.TerminationReason != types.TerminationBelowRankThreshold {
		t.Fatalf("unexpected execution: %+v", got)
	}

	records := h.records(t, execution.ID)
	if len(records) != 2 {
		t.Fatalf("expected exactly 2 step records, got %d", len(records))
	}
	if records[0].Step != types.StepJunkFilter || records[0].Status != types.StepSucceeded {
		t.Fatalf("unexpected junk record: %+v", records[0])
	}
	if records[1].Step != types.StepRank || records[1].Status != types.StepSucceeded || records[1].Termination != types.TerminationBelowRankThreshold {
		t.Fatalf("unexpected rank record: %+v", records[1])
	}
	if _, extract, generate := h.analyst.calls(); extract != 0 || generate != 0 {
		t.Fatalf("expected no extract/generate calls, got %d/%d", extract, generate)
	}
}

func TestJunkTerminatesImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.junk.score = 0.1
	execution := h.start(t)

	got, err := h.engine.Run(context.Background(), execution.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.TerminationReason != types.TerminationBelowJunkThreshold {
		t.Fatalf("unexpected termination: %+v", got)
	}
	if rank, _, _ := h.analyst.calls(); rank != 0 {
		t.Fatalf("expected no rank call, got %d", rank)
	}
}

func TestCoveredRuleIsDiscardedWithoutReview(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if err := h.store.PutReference(context.Background(), referenceFor("sigma-1234", draftDriver)); err != nil {
		t.Fatalf("put reference: %v", err)
	}
	execution := h.start(t)

	got, err := h.engine.Run(context.Background(), execution.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Status != types.ExecutionTerminated || got.TerminationReason != types.TerminationSimilarityCovered {
		t.Fatalf("unexpected execution: %+v", got)
	}

	ruleID := RuleID(execution.ID, 0)
	rule, err := h.store.GetRule(context.Background(), ruleID)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if rule.Lifecycle != types.RuleDiscarded {
		t.Fatalf("expected discarded rule, got %q", rule.Lifecycle)
	}
	matches, _ := h.store.ListMatches(context.Background(), ruleID)
	if len(matches) != 1 || matches[0].ReferenceID != "sigma-1234" || matches[0].Coverage != types.CoverageCovered {
		t.Fatalf("unexpected matches: %+v", matches)
	}
	entries, _ := h.store.ListReviewEntries(context.Background(), "", 10)
	if len(entries) != 0 {
		t.Fatalf("expected no review entries, got %d", len(entries))
	}
}

func TestMixedCoverageQueuesOnlyOpenRules(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.analyst.drafts = []types.RuleDraft{draftDriver, draftISO}
	if err := h.store.PutReference(context.Background(), referenceFor("sigma-1234", draftDriver)); err != nil {
		t.Fatalf("put reference: %v", err)
	}
	execution := h.start(t)

	got, err := h.engine.Run(context.Background(), execution.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Status != types.ExecutionCompleted {
		t.Fatalf("unexpected execution: %+v", got)
	}
	entries, _ := h.store.ListReviewEntries(context.Background(), "", 10)
	if len(entries) != 1 || entries[0].RuleID != RuleID(execution.ID, 1) {
		t.Fatalf("expected only the second rule queued, got %+v", entries)
	}
}

func TestNoUsableRulesTerminates(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.analyst.drafts = []types.RuleDraft{{Title: "empty", Body: "   "}}
	execution := h.start(t)

	got, err := h.engine.Run(context.Background(), execution.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.TerminationReason != types.TerminationNoRulesGenerated {
		t.Fatalf("unexpected execution: %+v", got)
	}
}

func TestTransientFailureRetriesWithBackoff(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.analyst.rankErrs = []error{
		failure.Transientf("analyst timeout"),
		failure.Transientf("analyst timeout"),
	}
	execution := h.start(t)
	startedAt := h.clock.Now()

	got, err := h.engine.Run(context.Background(), execution.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Status != types.ExecutionCompleted {
		t.Fatalf("unexpected execution: %+v", got)
	}

	var rankRecords []types.StepRecord
	for _, record := range h.records(t, execution.ID) {
		if record.Step == types.StepRank {
			rankRecords = append(rankRecords, record)
		}
	}
	if len(rankRecords) != 3 {
		t.Fatalf("expected 3 rank attempts, got %d", len(rankRecords))
	}
	wantStatus := []types.StepStatus{types.StepRetrying, types.StepRetrying, types.StepSucceeded}
	for i, record := range rankRecords {
		if record.Attempt != i+1 || record.Status != wantStatus[i] {
			t.Fatalf("unexpected rank attempt %d: %+v", i+1, record)
		}
	}
	if rankRecords[0].NextEligibleAt == nil || rankRecords[1].NextEligibleAt == nil {
		t.Fatalf("expected retry records to carry next eligible time")
	}
	if d := rankRecords[1].NextEligibleAt.Sub(rankRecords[1].FinishedAt); d != 2*time.Second {
		t.Fatalf("expected doubled backoff, got %s", d)
	}
	if elapsed := h.clock.Now().Sub(startedAt); elapsed < 3*time.Second {
		t.Fatalf("expected run to wait out backoff, elapsed %s", elapsed)
	}
}

func TestRetriesExhaustedFailsExecution(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.analyst.rankErrs = append(h.analyst.rankErrs, failure.Transientf("analyst unavailable"))
	}
	execution := h.start(t)

	got, err := h.engine.Run(context.Background(), execution.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Status != types.ExecutionFailed || got.LastError == "" {
		t.Fatalf("unexpected execution: %+v", got)
	}
	if rank, _, _ := h.analyst.calls(); rank != 3 {
		t.Fatalf("expected 3 rank calls, got %d", rank)
	}
	records := h.records(t, execution.ID)
	last := records[len(records)-1]
	if last.Status != types.StepFailed || last.Attempt != 3 || last.ErrorKind != string(failure.KindTransient) {
		t.Fatalf("unexpected final record: %+v", last)
	}
}

func TestPermanentCollaboratorFailureTerminates(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.analyst.generateErrs = []error{failure.Permanentf("analyst status 400: content refused")}
	execution := h.start(t)

	got, err := h.engine.Run(context.Background(), execution.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Status != types.ExecutionTerminated || got.TerminationReason != types.TerminationExternalCallFailed {
		t.Fatalf("unexpected execution: %+v", got)
	}
	if _, _, generate := h.analyst.calls(); generate != 1 {
		t.Fatalf("expected permanent failure not to be retried, got %d calls", generate)
	}
}

func TestInvalidEmbeddingFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.embedder.errs[draftDriver.Title] = []error{failure.Invalidf("expected 16 dimensions, got 3")}
	execution := h.start(t)

	got, err := h.engine.Run(context.Background(), execution.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Status != types.ExecutionFailed {
		t.Fatalf("unexpected execution: %+v", got)
	}
	if n := h.embedder.callsFor(draftDriver.Title); n != 1 {
		t.Fatalf("expected a single embedding call, got %d", n)
	}
}

func TestRetriedStepReusesRecordedCalls(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.analyst.drafts = []types.RuleDraft{draftDriver, draftISO}
	// The second rule's embedding fails once after the first rule's succeeded.
	h.embedder.errs[draftISO.Title] = []error{failure.Transientf("embedding service status 503")}
	execution := h.start(t)

	got, err := h.engine.Run(context.Background(), execution.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Status != types.ExecutionCompleted {
		t.Fatalf("unexpected execution: %+v", got)
	}
	if n := h.embedder.callsFor(draftDriver.Title); n != 1 {
		t.Fatalf("expected first rule to be embedded once, got %d", n)
	}
	if n := h.embedder.callsFor(draftISO.Title); n != 2 {
		t.Fatalf("expected second rule to be embedded twice, got %d", n)
	}
	if rank, extract, generate := h.analyst.calls(); rank != 1 || extract != 1 || generate != 1 {
		t.Fatalf("expected one call per analyst step, got %d/%d/%d", rank, extract, generate)
	}
}

func TestResumeAfterStaleExecutionRow(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	execution := h.start(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := h.engine.Advance(ctx, execution.ID); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	records := h.records(t, execution.ID)
	if len(records) != 3 || records[2].Step != types.StepExtract {
		t.Fatalf("unexpected records before crash: %+v", records)
	}
	extractOutput := records[2].OutputRef

	// The process died after recording extract but before moving the
	// execution pointer.
	stale, err := h.store.GetExecution(ctx, execution.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	stale.CurrentStep = 1
	if err := h.store.UpdateExecution(ctx, stale); err != nil {
		t.Fatalf("rewind execution: %v", err)
	}

	restarted := h.newEngine(t)
	got, err := restarted.Run(ctx, execution.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got.Status != types.ExecutionCompleted {
		t.Fatalf("unexpected execution: %+v", got)
	}

	records = h.records(t, execution.ID)
	if len(records) != len(types.Steps) {
		t.Fatalf("expected one record per step after resume, got %d", len(records))
	}
	if records[3].Step != types.StepGenerate || records[3].InputRef != extractOutput {
		t.Fatalf("generate did not resume from extract output: %+v", records[3])
	}
	if rank, extract, _ := h.analyst.calls(); rank != 1 || extract != 1 {
		t.Fatalf("expected completed steps not to re-run, got rank=%d extract=%d", rank, extract)
	}
}

func TestCrashMidStepRerunsSameAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	execution := h.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	h.analyst.generateHook = func(context.Context) { cancel() }
	_, err := h.engine.Run(ctx, execution.ID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	records := h.records(t, execution.ID)
	if len(records) != 3 {
		t.Fatalf("expected no record for the interrupted step, got %d records", len(records))
	}
	extractOutput := records[2].OutputRef

	h.analyst.mu.Lock()
	h.analyst.generateHook = nil
	h.analyst.mu.Unlock()

	got, err := h.newEngine(t).Run(context.Background(), execution.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got.Status != types.ExecutionCompleted {
		t.Fatalf("unexpected execution: %+v", got)
	}
	records = h.records(t, execution.ID)
	if records[3].Step != types.StepGenerate || records[3].Attempt != 1 || records[3].InputRef != extractOutput {
		t.Fatalf("unexpected generate record after resume: %+v", records[3])
	}
}

func TestBlankSegmentsAreEmbeddedAsPlaceholder(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.analyst.drafts = []types.RuleDraft{{Title: "Bare rule", Body: "selection:\n  EventID: 4688"}}
	execution := h.start(t)

	got, err := h.engine.Run(context.Background(), execution.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Status != types.ExecutionCompleted {
		t.Fatalf("unexpected execution: %+v", got)
	}

	h.embedder.mu.Lock()
	defer h.embedder.mu.Unlock()
	if len(h.embedder.sent) != 1 {
		t.Fatalf("expected one embedding request, got %d", len(h.embedder.sent))
	}
	for i, text := range h.embedder.sent[0] {
		if strings.TrimSpace(text) == "" {
			t.Fatalf("segment %s sent blank to the embedder", types.Segments[i])
		}
	}
	if sent := h.embedder.sent[0]; sent[1] != types.EmptySegmentText || sent[2] != types.EmptySegmentText {
		t.Fatalf("expected placeholders for description and tags, got %q", sent)
	}
}

func TestCorruptHistoryFailsExecution(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	execution := h.start(t)

	// A rank record with no junk_filter record before it cannot be placed.
	if err := h.store.AppendStepRecord(ctx, types.StepRecord{
		ExecutionID: execution.ID,
		Step:        types.StepRank,
		Attempt:     1,
		Status:      types.StepSucceeded,
		InputRef:    execution.InputRef,
		OutputRef:   execution.InputRef,
	}); err != nil {
		t.Fatalf("append record: %v", err)
	}

	got, err := h.engine.Advance(ctx, execution.ID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got.Status != types.ExecutionFailed || got.FinishedAt == nil {
		t.Fatalf("expected failed execution, got %+v", got)
	}
	if !strings.Contains(got.LastError, "corrupt step history") {
		t.Fatalf("expected history error on execution, got %q", got.LastError)
	}

	runner, err := NewRunner(h.engine, RunnerOptions{Workers: 1}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if result, _ := runner.Tick(ctx); result.Picked != 0 {
		t.Fatalf("expected failed execution to leave the runnable set, got %+v", result)
	}
}

func TestCancelTerminatesBeforeNextStep(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	execution := h.start(t)
	ctx := context.Background()

	if _, err := h.engine.Advance(ctx, execution.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := h.engine.Cancel(ctx, execution.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, err := h.engine.Run(ctx, execution.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Status != types.ExecutionTerminated || got.TerminationReason != types.TerminationCancelled {
		t.Fatalf("unexpected execution: %+v", got)
	}
	if records := h.records(t, execution.ID); len(records) != 1 {
		t.Fatalf("expected existing records to be kept and no new ones, got %d", len(records))
	}

	again, err := h.engine.Cancel(ctx, execution.ID)
	if err != nil {
		t.Fatalf("cancel terminal: %v", err)
	}
	if again.TerminationReason != types.TerminationCancelled {
		t.Fatalf("expected terminal execution unchanged, got %+v", again)
	}
}

func TestSettingsSnapshotIsFixedAtStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.settings.RankThreshold = 9
	execution := h.start(t)
	// Later configuration changes must not reach the running execution.
	h.settings.RankThreshold = 1

	got, err := h.engine.Run(context.Background(), execution.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.TerminationReason != types.TerminationBelowRankThreshold {
		t.Fatalf("expected snapshot threshold 9 to apply, got %+v", got)
	}
}

func TestStartRejectsInvalidSettings(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.settings.Matcher.Weights.Title = 0.9
	article := types.Article{ID: "article-x", Text: "text"}
	if _, err := h.engine.Start(context.Background(), article, h.settings); err == nil {
		t.Fatalf("expected invalid weights to be rejected")
	}
}

func TestDispatchRejectsUnknownStep(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.engine.dispatch(context.Background(), &stepContext{step: "bogus", store: h.store}, State{})
	if !failure.IsInvalid(err) {
		t.Fatalf("expected invalid step error, got %v", err)
	}
}

func TestRuleIDIsDeterministic(t *testing.T) {
	t.Parallel()

	if RuleID("exec-1", 0) != RuleID("exec-1", 0) {
		t.Fatalf("rule id changed between calls")
	}
	if RuleID("exec-1", 0) == RuleID("exec-1", 1) || RuleID("exec-1", 0) == RuleID("exec-2", 0) {
		t.Fatalf("rule ids collided")
	}
}
