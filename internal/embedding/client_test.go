package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"horse.fit/sieve/internal/failure"
)

func TestNormalizeEndpoint(t *testing.T) {
	t.Parallel()

	if got := normalizeEndpoint("http://127.0.0.1:8844"); got != "http://127.0.0.1:8844/embed" {
		t.Fatalf("unexpected endpoint normalization: %q", got)
	}
	if got := normalizeEndpoint("http://127.0.0.1:8844/v1/embeddings"); got != "http://127.0.0.1:8844/v1/embeddings" {
		t.Fatalf("unexpected endpoint normalization for explicit path: %q", got)
	}
	if got := normalizeEndpoint(" "); got != DefaultEndpoint {
		t.Fatalf("unexpected default endpoint: %q", got)
	}
}

func TestEmbedSegmentsNativeShape(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Texts) != 4 {
			t.Errorf("expected 4 texts, got %d", len(req.Texts))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float64{{1, 0}, {0, 1}, {1, 1}, {0.5, 0.5}},
		})
	}))
	defer server.Close()

	client := NewClient(Options{Endpoint: server.URL + "/embed", Dimensions: 2})
	got, err := client.EmbedSegments(context.Background(), [4]string{"t", "d", "tags", "body"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if got[1][1] != 1 || got[3][0] != 0.5 {
		t.Fatalf("unexpected vectors: %#v", got)
	}
}

func TestEmbedSegmentsOpenAIShapeSortsByIndex(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Input) != 4 || req.Model == "" {
			t.Errorf("expected openai-style request, got %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 3, "embedding": []float64{3}},
				{"index": 0, "embedding": []float64{0}},
				{"index": 2, "embedding": []float64{2}},
				{"index": 1, "embedding": []float64{1}},
			},
		})
	}))
	defer server.Close()

	client := NewClient(Options{Endpoint: server.URL + "/v1/embeddings", Dimensions: 1})
	got, err := client.EmbedSegments(context.Background(), [4]string{"a", "b", "c", "d"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	for i := range got {
		if got[i][0] != float32(i) {
			t.Fatalf("segment %d out of order: %v", i, got[i])
		}
	}
}

func TestEmbedSegmentsClassifiesFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		body   string
		want   failure.Kind
	}{
		{http.StatusServiceUnavailable, "busy", failure.KindTransient},
		{http.StatusTooManyRequests, "slow down", failure.KindTransient},
		{http.StatusBadRequest, "bad input", failure.KindPermanent},
		{http.StatusOK, `{"embeddings":[[1],[1],[1],[1,2]]}`, failure.KindInvalid},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		client := NewClient(Options{Endpoint: server.URL + "/embed", Dimensions: 1})
		_, err := client.EmbedSegments(context.Background(), [4]string{"a", "b", "c", "d"})
		server.Close()
		if got := failure.KindOf(err); got != tc.want {
			t.Fatalf("status %d: got kind %q want %q (err=%v)", tc.status, got, tc.want, err)
		}
	}
}
