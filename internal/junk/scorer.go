// Package junk rates how much an ingested article looks like real reporting
// rather than boilerplate, spam or scraper debris.
package junk

import (
	"context"
	"strings"
	"unicode"

	"horse.fit/sieve/internal/langdetect"
	"horse.fit/sieve/internal/types"
)

const (
	// Articles reach full length credit at this many words.
	fullLengthWords = 50
	// Distinct/total word ratio at or above which repetition is not penalized.
	fullUniqueness = 0.4

	letterWeight   = 0.4
	languageWeight = 0.6
)

// LanguageDetector reports the most likely language of text and its confidence.
type LanguageDetector func(text string) (code string, confidence float64)

type Options struct {
	// Languages accepted as on-topic. Empty accepts any language.
	Languages []string
	Detect    LanguageDetector
}

// Scorer is a heuristic, local junk scorer. Scores run from 0 (junk) to 1.
type Scorer struct {
	languages map[string]struct{}
	detect    LanguageDetector
}

func NewScorer(opts Options) *Scorer {
	detect := opts.Detect
	if detect == nil {
		detect = langdetect.Confidence
	}
	languages := make(map[string]struct{}, len(opts.Languages))
	for _, code := range opts.Languages {
		if code = langdetect.NormalizeCode(code); code != "" {
			languages[code] = struct{}{}
		}
	}
	return &Scorer{languages: languages, detect: detect}
}

// Breakdown holds the individual signals behind a score.
type Breakdown struct {
	Words      int
	Length     float64
	Letters    float64
	Uniqueness float64
	Language   string
	Confidence float64
	Score      float64
}

func (s *Scorer) Score(ctx context.Context, article types.Article) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.Explain(article.Title, article.Text).Score, nil
}

// Explain computes the score for title and text together with its signals.
func (s *Scorer) Explain(title, text string) Breakdown {
	body := strings.TrimSpace(title + "\n" + text)
	words := strings.FieldsFunc(strings.ToLower(body), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	b := Breakdown{Words: len(words)}
	if len(words) == 0 {
		return b
	}

	b.Length = clamp(float64(len(words)) / fullLengthWords)
	b.Letters = letterRatio(body)
	b.Uniqueness = clamp(uniqueRatio(words) / fullUniqueness)

	b.Language, b.Confidence = s.detect(body)
	language := b.Confidence
	if len(s.languages) > 0 {
		if _, ok := s.languages[b.Language]; !ok {
			language = 0
		}
	}

	// Length and repetition scale the text quality signals, so a short or
	// looped page cannot score on clean letters alone.
	quality := letterWeight*b.Letters + languageWeight*language
	b.Score = clamp(quality * b.Length * b.Uniqueness)
	return b
}

func letterRatio(s string) float64 {
	var letters, visible int
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		visible++
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if visible == 0 {
		return 0
	}
	return float64(letters) / float64(visible)
}

func uniqueRatio(words []string) float64 {
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		seen[w] = struct{}{}
	}
	return float64(len(seen)) / float64(len(words))
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
