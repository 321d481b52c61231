package analyst

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"horse.fit/sieve/internal/failure"
	"horse.fit/sieve/internal/types"
)

func testArticle() types.Article {
	return types.Article{ID: "article-1", Source: "feed-a", Title: "Driver abuse", Text: "The loader installs a vulnerable driver."}
}

func TestClientRoundTrip(t *testing.T) {
	t.Parallel()

	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["model"] != "analyst-large" {
			t.Errorf("expected model in request, got %v", req["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/rank":
			_, _ = w.Write([]byte(`{"score":8,"rationale":"new driver abuse"}`))
		case "/extract":
			if _, ok := req["ranking"]; !ok {
				t.Errorf("extract request missing ranking")
			}
			_, _ = w.Write([]byte(`{"summary":"driver abuse","techniques":["T1068"]}`))
		case "/generate":
			_, _ = w.Write([]byte(`{"rules":[{"title":"Vulnerable driver load","description":"d","tags":["attack.t1068"],"body":"selection: EventID=6"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClient(Options{Endpoint: srv.URL + "/", Model: "analyst-large"})
	ctx := context.Background()

	ranking, err := client.Rank(ctx, testArticle())
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if ranking.Score != 8 {
		t.Fatalf("unexpected ranking: %+v", ranking)
	}
	extraction, err := client.Extract(ctx, testArticle(), ranking)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if extraction.Summary != "driver abuse" || len(extraction.Techniques) != 1 {
		t.Fatalf("unexpected extraction: %+v", extraction)
	}
	drafts, err := client.Generate(ctx, testArticle(), extraction)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(drafts) != 1 || drafts[0].Tags[0] != "attack.t1068" {
		t.Fatalf("unexpected drafts: %+v", drafts)
	}
	if strings.Join(paths, ",") != "/rank,/extract,/generate" {
		t.Fatalf("unexpected paths: %v", paths)
	}
}

func TestClientClassifiesFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		want   failure.Kind
	}{
		{name: "server error", status: http.StatusBadGateway, body: "upstream", want: failure.KindTransient},
		{name: "throttled", status: http.StatusTooManyRequests, body: "slow down", want: failure.KindTransient},
		{name: "refused", status: http.StatusUnprocessableEntity, body: "content policy", want: failure.KindPermanent},
		{name: "schema violation", status: http.StatusOK, body: `{"score":42}`, want: failure.KindTransient},
		{name: "not json", status: http.StatusOK, body: `<html>`, want: failure.KindTransient},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewClient(Options{Endpoint: srv.URL}).Rank(context.Background(), testArticle())
			if got := failure.KindOf(err); got != tc.want {
				t.Fatalf("got kind %q (%v), want %q", got, err, tc.want)
			}
		})
	}
}

func TestClientTruncatesLongText(t *testing.T) {
	t.Parallel()

	var gotLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rankRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotLen = len([]rune(req.Article.Text))
		_, _ = w.Write([]byte(`{"score":1}`))
	}))
	defer srv.Close()

	article := testArticle()
	article.Text = strings.Repeat("é", 50)
	if _, err := NewClient(Options{Endpoint: srv.URL, MaxTextLength: 10}).Rank(context.Background(), article); err != nil {
		t.Fatalf("rank: %v", err)
	}
	if gotLen != 10 {
		t.Fatalf("expected 10 runes, got %d", gotLen)
	}
}
