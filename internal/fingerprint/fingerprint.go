// Package fingerprint derives the exact hash and the 64-bit near-duplicate
// fingerprint of article text.
package fingerprint

import (
	"hash/fnv"
	"math/bits"
	"strings"
	"unicode"

	"golang.org/x/crypto/blake2b"

	"horse.fit/sieve/internal/failure"
)

const (
	// Bits is the fingerprint width.
	Bits = 64

	// ShingleSize is the word n-gram length.
	ShingleSize = 3

	// DefaultMaxDistance is the Hamming distance at or below which two
	// fingerprints are near-duplicates.
	DefaultMaxDistance = 3
)

// seed prefixes every shingle before hashing. Changing it invalidates every
// stored fingerprint.
var seed = []byte("sieve/simhash/v1\x00")

type Fingerprint struct {
	ExactHash [32]byte
	NearDup   uint64
}

// Compute normalizes text and returns both fingerprints. Text that normalizes
// to nothing hashable is invalid input.
func Compute(text string) (Fingerprint, error) {
	normalized := Normalize(text)
	if normalized == "" {
		return Fingerprint{}, failure.Invalidf("article text is empty after normalization")
	}
	nearDup, ok := SimHash(normalized)
	if !ok {
		return Fingerprint{}, failure.Invalidf("article text has no tokens")
	}
	return Fingerprint{
		ExactHash: blake2b.Sum256([]byte(normalized)),
		NearDup:   nearDup,
	}, nil
}

// Normalize case-folds, drops control characters and collapses whitespace.
func Normalize(input string) string {
	trimmed := strings.TrimSpace(strings.ToLower(input))
	if trimmed == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	lastSpace := false
	for _, r := range trimmed {
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return strings.TrimSpace(b.String())
}

// SimHash computes the frequency-weighted shingle simhash of already
// normalized text.
func SimHash(normalized string) (uint64, bool) {
	shingles := Shingles(normalized, ShingleSize)
	if len(shingles) == 0 {
		return 0, false
	}

	var bitWeights [Bits]int
	for shingle, weight := range shingles {
		h := hashShingle(shingle)
		for bit := 0; bit < Bits; bit++ {
			if h&(uint64(1)<<bit) != 0 {
				bitWeights[bit] += weight
			} else {
				bitWeights[bit] -= weight
			}
		}
	}

	var result uint64
	for bit := 0; bit < Bits; bit++ {
		if bitWeights[bit] > 0 {
			result |= uint64(1) << bit
		}
	}
	return result, true
}

// Shingles returns overlapping word n-grams with their frequencies. Texts
// shorter than n words form a single shingle.
func Shingles(normalized string, n int) map[string]int {
	tokens := tokenize(normalized)
	if len(tokens) == 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}
	if len(tokens) <= n {
		return map[string]int{strings.Join(tokens, " "): 1}
	}

	out := make(map[string]int, len(tokens)-n+1)
	for i := 0; i+n <= len(tokens); i++ {
		out[strings.Join(tokens[i:i+n], " ")]++
	}
	return out
}

// Distance is the Hamming distance between two fingerprints.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

func tokenize(normalized string) []string {
	return strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func hashShingle(shingle string) uint64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write(seed)
	_, _ = hasher.Write([]byte(shingle))
	return hasher.Sum64()
}
