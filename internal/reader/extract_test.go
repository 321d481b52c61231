package reader

import (
	"strings"
	"testing"

	"horse.fit/sieve/internal/failure"
)

func TestCleanTextCollapsesWhitespaceAndPreservesParagraphs(t *testing.T) {
	t.Parallel()

	input := "  First   paragraph \n\n Second\tparagraph \r\n\r\nThird line "
	got := CleanText(input)
	want := "First paragraph\n\nSecond paragraph\n\nThird line"
	if got != want {
		t.Fatalf("CleanText mismatch\nwant: %q\ngot:  %q", want, got)
	}
}

func TestTruncateText(t *testing.T) {
	t.Parallel()

	got, truncated := TruncateText("abcdefghijklmnopqrstuvwxyz", 10)
	if !truncated {
		t.Fatalf("expected truncated=true")
	}
	if got != "abcdefghi…" {
		t.Fatalf("unexpected truncated text: %q", got)
	}

	full, wasTruncated := TruncateText("short", 10)
	if wasTruncated || full != "short" {
		t.Fatalf("unexpected short text: %q truncated=%v", full, wasTruncated)
	}
}

func TestIsHTML(t *testing.T) {
	t.Parallel()

	for _, ct := range []string{"text/html", "TEXT/HTML; charset=utf-8", "application/xhtml+xml"} {
		if !IsHTML(ct) {
			t.Fatalf("expected %q to be html", ct)
		}
	}
	for _, ct := range []string{"", "text/plain", "application/json"} {
		if IsHTML(ct) {
			t.Fatalf("expected %q not to be html", ct)
		}
	}
}

func TestExtractTextPullsArticleBody(t *testing.T) {
	t.Parallel()

	paragraph := "The loader drops a signed driver and disables endpoint telemetry before moving laterally. "
	html := "<html><head><title>Campaign</title></head><body><nav>Home | About</nav><article><h1>Campaign</h1><p>" +
		strings.Repeat(paragraph, 6) + "</p><p>" + strings.Repeat(paragraph, 4) + "</p></article></body></html>"

	text, err := ExtractText(html, "https://example.com/post", "Campaign")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !strings.Contains(text, "signed driver") {
		t.Fatalf("expected body text, got %q", text)
	}
}

func TestExtractTextRejectsEmptyDocument(t *testing.T) {
	t.Parallel()

	if _, err := ExtractText("<html><body></body></html>", "", ""); !failure.IsInvalid(err) {
		t.Fatalf("expected invalid for empty extraction, got %v", err)
	}
}
