// Package embedding talks to the embedding collaborator and defines the store
// that keeps one vector per rule segment.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"horse.fit/sieve/internal/failure"
	"horse.fit/sieve/internal/types"
)

const (
	DefaultEndpoint       = "http://127.0.0.1:8844/embed"
	DefaultModelName      = "bge-m3"
	DefaultDimensions     = 1024
	DefaultMaxLength      = 512
	DefaultRequestTimeout = 45 * time.Second
	DefaultRequestsPerSec = 8
)

// Store persists rule segment embeddings keyed by rule ID.
type Store interface {
	PutRuleEmbeddings(ctx context.Context, embeddings types.RuleEmbeddings) error
	GetRuleEmbeddings(ctx context.Context, ruleID string) (types.RuleEmbeddings, error)
}

type Options struct {
	Endpoint       string
	ModelName      string
	Dimensions     int
	MaxLength      int
	RequestTimeout time.Duration
	RequestsPerSec float64
	HTTPClient     *http.Client
}

// Client embeds the four segments of a rule in one request.
type Client struct {
	opts    Options
	limiter *rate.Limiter
}

type embedRequest struct {
	Texts     []string `json:"texts,omitempty"`
	Input     []string `json:"input,omitempty"`
	Model     string   `json:"model,omitempty"`
	MaxLength int      `json:"max_length,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Data       []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func NewClient(options Options) *Client {
	opts := normalizeOptions(options)
	return &Client{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1),
	}
}

func (c *Client) Model() string {
	return c.opts.ModelName
}

func (c *Client) Dimensions() int {
	return c.opts.Dimensions
}

// EmbedSegments returns one vector per segment, in segment order. Transport
// failures, timeouts and 5xx/429 responses are transient; other 4xx responses
// are permanent; vectors of the wrong size are invalid.
func (c *Client) EmbedSegments(ctx context.Context, texts [4]string) ([4][]float32, error) {
	var out [4][]float32
	if err := c.limiter.Wait(ctx); err != nil {
		return out, failure.Transient(fmt.Errorf("wait for embedding rate limit: %w", err))
	}

	vectors, err := c.request(ctx, texts[:])
	if err != nil {
		return out, err
	}
	if len(vectors) != len(texts) {
		return out, failure.Transientf("embedding response has %d vectors, want %d", len(vectors), len(texts))
	}
	for i, values := range vectors {
		vec, err := toFloat32(values, c.opts.Dimensions)
		if err != nil {
			return out, failure.Invalid(fmt.Errorf("%s segment: %w", types.Segments[i], err))
		}
		out[i] = vec
	}
	return out, nil
}

func (c *Client) request(ctx context.Context, texts []string) ([][]float64, error) {
	payload := embedRequest{
		Texts:     texts,
		MaxLength: c.opts.MaxLength,
	}
	parsedEndpoint, err := url.Parse(c.opts.Endpoint)
	if err == nil && strings.HasSuffix(parsedEndpoint.Path, "/v1/embeddings") {
		payload = embedRequest{
			Input: texts,
			Model: c.opts.ModelName,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, failure.Transient(fmt.Errorf("embedding request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failure.Transient(fmt.Errorf("read embedding response: %w", err))
	}
	if err := failure.FromHTTPStatus("embedding service", resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, failure.Transient(fmt.Errorf("decode embedding response: %w", err))
	}

	vectors := parsed.Embeddings
	if len(vectors) == 0 && len(parsed.Data) > 0 {
		sort.Slice(parsed.Data, func(i, j int) bool {
			return parsed.Data[i].Index < parsed.Data[j].Index
		})
		vectors = make([][]float64, 0, len(parsed.Data))
		for _, row := range parsed.Data {
			vectors = append(vectors, row.Embedding)
		}
	}
	if len(vectors) == 0 {
		return nil, failure.Transientf("embedding response missing vectors")
	}
	return vectors, nil
}

func normalizeOptions(opts Options) Options {
	normalized := opts
	normalized.Endpoint = normalizeEndpoint(normalized.Endpoint)
	if strings.TrimSpace(normalized.ModelName) == "" {
		normalized.ModelName = DefaultModelName
	}
	if normalized.Dimensions <= 0 {
		normalized.Dimensions = DefaultDimensions
	}
	if normalized.MaxLength <= 0 {
		normalized.MaxLength = DefaultMaxLength
	}
	if normalized.RequestTimeout <= 0 {
		normalized.RequestTimeout = DefaultRequestTimeout
	}
	if normalized.RequestsPerSec <= 0 {
		normalized.RequestsPerSec = DefaultRequestsPerSec
	}
	if normalized.HTTPClient == nil {
		normalized.HTTPClient = http.DefaultClient
	}
	return normalized
}

func normalizeEndpoint(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DefaultEndpoint
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return trimmed
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = "/embed"
	}
	return parsed.String()
}

func toFloat32(values []float64, dimensions int) ([]float32, error) {
	if len(values) != dimensions {
		return nil, fmt.Errorf("expected %d dimensions, got %d", dimensions, len(values))
	}
	out := make([]float32, len(values))
	for i, value := range values {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return nil, fmt.Errorf("vector has non-finite value at index %d", i)
		}
		out[i] = float32(value)
	}
	return out, nil
}
