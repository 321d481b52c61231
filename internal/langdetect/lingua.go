// Package langdetect wraps lingua for language identification of article text.
package langdetect

import (
	"strings"
	"sync"
	"unicode"

	lingua "github.com/pemistahl/lingua-go"
)

const minLetters = 6

var (
	detectorOnce sync.Once
	detector     lingua.LanguageDetector
)

// Languages the detector distinguishes between. Threat-intel reporting is
// overwhelmingly published in these.
var supported = []lingua.Language{
	lingua.Arabic,
	lingua.Chinese,
	lingua.Dutch,
	lingua.English,
	lingua.French,
	lingua.German,
	lingua.Italian,
	lingua.Japanese,
	lingua.Korean,
	lingua.Persian,
	lingua.Polish,
	lingua.Portuguese,
	lingua.Russian,
	lingua.Spanish,
	lingua.Turkish,
	lingua.Ukrainian,
	lingua.Vietnamese,
}

// DetectISO6391 returns the two-letter code of the most likely language, or
// "" when the text is too short or undecidable.
func DetectISO6391(text string) string {
	code, _ := Confidence(text)
	return code
}

// Confidence returns the most likely language and its confidence in [0, 1].
func Confidence(text string) (string, float64) {
	sample := strings.TrimSpace(text)
	if countLetters(sample) < minLetters {
		return "", 0
	}

	values := getDetector().ComputeLanguageConfidenceValues(sample)
	if len(values) == 0 {
		return "", 0
	}
	best := values[0]
	code := strings.ToLower(best.Language().IsoCode639_1().String())
	if len(code) != 2 {
		return "", 0
	}
	return code, best.Value()
}

// NormalizeCode returns the primary subtag of a language tag ("en" from
// "en_US"), or "" for blank or malformed input.
func NormalizeCode(raw string) string {
	tag := strings.ToLower(strings.TrimSpace(raw))
	tag = strings.ReplaceAll(tag, "_", "-")
	if dash := strings.IndexByte(tag, '-'); dash >= 0 {
		tag = tag[:dash]
	}
	if len(tag) != 2 {
		return ""
	}
	for _, r := range tag {
		if r < 'a' || r > 'z' {
			return ""
		}
	}
	return tag
}

// ParseCodes splits a comma separated list into normalized, de-duplicated codes.
func ParseCodes(raw string) []string {
	parts := strings.Split(raw, ",")
	codes := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		code := NormalizeCode(part)
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes
}

func countLetters(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

func getDetector() lingua.LanguageDetector {
	detectorOnce.Do(func() {
		detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(supported...).
			Build()
	})
	return detector
}
