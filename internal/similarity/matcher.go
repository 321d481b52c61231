// Package similarity scores candidate detection rules against the reference
// corpus with a weighted per-segment cosine similarity.
package similarity

import (
	"fmt"
	"math"
	"sort"

	"horse.fit/sieve/internal/failure"
	"horse.fit/sieve/internal/types"
)

const (
	// WeightSumTolerance bounds how far the weight sum may drift from 1.
	WeightSumTolerance = 1e-6

	DefaultTopK = 10
)

// Result is the ranked outcome of scoring one candidate.
type Result struct {
	Matches  []types.SimilarityMatch
	Best     float64
	Coverage types.Coverage
}

type Matcher struct {
	settings types.MatcherSettings
}

// Validate checks that weights form a convex combination and thresholds are ordered.
func Validate(settings types.MatcherSettings) error {
	w := settings.Weights
	for _, segment := range types.Segments {
		v := w.Of(segment)
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s weight must be a non-negative number, got %v", segment, v)
		}
	}
	if sum := w.Sum(); math.Abs(sum-1) > WeightSumTolerance {
		return fmt.Errorf("segment weights must sum to 1.0, got %.6f", sum)
	}
	if settings.PartialThreshold < 0 || settings.CoveredThreshold > 1 {
		return fmt.Errorf("coverage thresholds must lie within [0, 1]")
	}
	if settings.PartialThreshold > settings.CoveredThreshold {
		return fmt.Errorf("partial threshold (%.3f) cannot exceed covered threshold (%.3f)", settings.PartialThreshold, settings.CoveredThreshold)
	}
	if settings.TopK < 1 {
		return fmt.Errorf("top-k must be >= 1, got %d", settings.TopK)
	}
	return nil
}

func NewMatcher(settings types.MatcherSettings) (*Matcher, error) {
	if err := Validate(settings); err != nil {
		return nil, err
	}
	return &Matcher{settings: settings}, nil
}

func (m *Matcher) Settings() types.MatcherSettings {
	return m.settings
}

// Classify maps the best aggregate score to a coverage level. Boundaries are
// inclusive on the higher class.
func (m *Matcher) Classify(best float64) types.Coverage {
	switch {
	case best >= m.settings.CoveredThreshold:
		return types.CoverageCovered
	case best >= m.settings.PartialThreshold:
		return types.CoveragePartial
	default:
		return types.CoverageUncovered
	}
}

// Score ranks corpus against candidate and keeps the top K matches. Ties on the
// aggregate are broken by the higher body score, then by reference ID.
func (m *Matcher) Score(candidate types.RuleEmbeddings, corpus []types.ReferenceRule) (Result, error) {
	if err := checkEmbeddings(candidate); err != nil {
		return Result{}, err
	}

	matches := make([]types.SimilarityMatch, 0, len(corpus))
	for _, ref := range corpus {
		match := types.SimilarityMatch{
			RuleID:      candidate.RuleID,
			ReferenceID: ref.ID,
			Segments:    make(map[types.Segment]float64, len(types.Segments)),
		}
		for i, segment := range types.Segments {
			score, err := Cosine(candidate.Vectors[i], ref.Embeddings.Vectors[i])
			if err != nil {
				return Result{}, fmt.Errorf("reference %s %s segment: %w", ref.ID, segment, err)
			}
			match.Segments[segment] = score
			match.Aggregate += m.settings.Weights.Of(segment) * score
		}
		matches = append(matches, match)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Aggregate != b.Aggregate {
			return a.Aggregate > b.Aggregate
		}
		if ab, bb := a.Segments[types.SegmentBody], b.Segments[types.SegmentBody]; ab != bb {
			return ab > bb
		}
		return a.ReferenceID < b.ReferenceID
	})
	if len(matches) > m.settings.TopK {
		matches = matches[:m.settings.TopK]
	}

	result := Result{Coverage: types.CoverageUncovered}
	if len(matches) > 0 {
		result.Best = matches[0].Aggregate
		result.Coverage = m.Classify(result.Best)
	}
	for i := range matches {
		matches[i].Rank = i + 1
		matches[i].Coverage = m.Classify(matches[i].Aggregate)
	}
	result.Matches = matches
	return result, nil
}

// Cosine returns the cosine similarity of two equal-length vectors. A zero
// vector scores 0.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, failure.Invalidf("vector dimension mismatch: %d vs %d", len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

func checkEmbeddings(e types.RuleEmbeddings) error {
	dims := len(e.Vectors[0])
	if dims == 0 {
		return failure.Invalidf("rule %s has an empty %s embedding", e.RuleID, types.Segments[0])
	}
	for i, v := range e.Vectors {
		if len(v) != dims {
			return failure.Invalidf("rule %s %s embedding has %d dimensions, want %d", e.RuleID, types.Segments[i], len(v), dims)
		}
		for _, x := range v {
			if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
				return failure.Invalidf("rule %s %s embedding contains non-finite values", e.RuleID, types.Segments[i])
			}
		}
	}
	return nil
}
