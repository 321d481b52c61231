// Package reader turns submitted HTML into plain article text.
package reader

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	readability "codeberg.org/readeck/go-readability/v2"

	"horse.fit/sieve/internal/failure"
)

// DefaultBodyByteLimit bounds the HTML accepted for extraction.
const DefaultBodyByteLimit = 2 * 1024 * 1024

const placeholderURL = "https://localhost/"

// IsHTML reports whether contentType names an HTML payload.
func IsHTML(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	return strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "application/xhtml+xml")
}

// ExtractText runs readability over an HTML document and returns cleaned text.
// The page URL resolves relative links and may be empty.
func ExtractText(html string, pageURL string, title string) (string, error) {
	if len(html) > DefaultBodyByteLimit {
		return "", failure.Invalidf("html body exceeds %d bytes", DefaultBodyByteLimit)
	}

	raw := strings.TrimSpace(pageURL)
	if raw == "" {
		raw = placeholderURL
	}
	base, err := url.Parse(raw)
	if err != nil {
		return "", failure.Invalid(fmt.Errorf("parse page url: %w", err))
	}

	article, err := readability.FromReader(strings.NewReader(html), base)
	if err != nil {
		return "", failure.Invalid(fmt.Errorf("readability parse: %w", err))
	}

	var rendered bytes.Buffer
	if err := article.RenderText(&rendered); err != nil {
		return "", failure.Invalid(fmt.Errorf("render readability text: %w", err))
	}

	text := CleanText(rendered.String())
	if text == "" {
		text = CleanText(article.Excerpt())
	}
	if text == "" {
		text = strings.TrimSpace(title)
	}
	if text == "" {
		return "", failure.Invalidf("reader extracted empty content")
	}
	return text, nil
}

// CleanText normalizes line endings and collapses extra in-line whitespace.
func CleanText(raw string) string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	lines := strings.Split(normalized, "\n")
	paragraphs := make([]string, 0, len(lines))
	for _, line := range lines {
		clean := strings.Join(strings.Fields(line), " ")
		if clean == "" {
			continue
		}
		paragraphs = append(paragraphs, clean)
	}
	return strings.Join(paragraphs, "\n\n")
}

// TruncateText clips text to maxChars runes and appends a single ellipsis rune when truncated.
func TruncateText(raw string, maxChars int) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	if maxChars <= 0 {
		return trimmed, false
	}

	runes := []rune(trimmed)
	if len(runes) <= maxChars {
		return trimmed, false
	}
	if maxChars == 1 {
		return "…", true
	}

	clipped := strings.TrimSpace(string(runes[:maxChars-1]))
	if clipped == "" {
		return "…", true
	}
	return clipped + "…", true
}
