// Package analyst is the HTTP client for the language-model analyst that
// ranks articles, extracts detection logic and drafts rules.
package analyst

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"horse.fit/sieve/internal/failure"
	"horse.fit/sieve/internal/payloadschema"
	"horse.fit/sieve/internal/types"
)

const (
	DefaultEndpoint       = "http://127.0.0.1:8845"
	DefaultRequestTimeout = 90 * time.Second
	DefaultMaxTextLength  = 60000
	maxResponseBytes      = 4 * 1024 * 1024
)

type Options struct {
	Endpoint       string
	Model          string
	RequestTimeout time.Duration
	MaxTextLength  int
	HTTPClient     *http.Client
}

type Client struct {
	opts Options
}

type articlePayload struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	CanonicalURL string `json:"canonical_url,omitempty"`
	Title        string `json:"title,omitempty"`
	Text         string `json:"text"`
}

type rankRequest struct {
	Model   string         `json:"model,omitempty"`
	Article articlePayload `json:"article"`
}

type extractRequest struct {
	Model   string         `json:"model,omitempty"`
	Article articlePayload `json:"article"`
	Ranking types.Ranking  `json:"ranking"`
}

type generateRequest struct {
	Model      string           `json:"model,omitempty"`
	Article    articlePayload   `json:"article"`
	Extraction types.Extraction `json:"extraction"`
}

type generateResponse struct {
	Rules []types.RuleDraft `json:"rules"`
}

func NewClient(options Options) *Client {
	opts := options
	opts.Endpoint = strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxTextLength <= 0 {
		opts.MaxTextLength = DefaultMaxTextLength
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &Client{opts: opts}
}

func (c *Client) Rank(ctx context.Context, article types.Article) (types.Ranking, error) {
	var ranking types.Ranking
	req := rankRequest{Model: c.opts.Model, Article: c.article(article)}
	if err := c.call(ctx, "rank", req, payloadschema.SchemaRanking, &ranking); err != nil {
		return types.Ranking{}, err
	}
	return ranking, nil
}

func (c *Client) Extract(ctx context.Context, article types.Article, ranking types.Ranking) (types.Extraction, error) {
	var extraction types.Extraction
	req := extractRequest{Model: c.opts.Model, Article: c.article(article), Ranking: ranking}
	if err := c.call(ctx, "extract", req, payloadschema.SchemaExtraction, &extraction); err != nil {
		return types.Extraction{}, err
	}
	return extraction, nil
}

func (c *Client) Generate(ctx context.Context, article types.Article, extraction types.Extraction) ([]types.RuleDraft, error) {
	var resp generateResponse
	req := generateRequest{Model: c.opts.Model, Article: c.article(article), Extraction: extraction}
	if err := c.call(ctx, "generate", req, payloadschema.SchemaRules, &resp); err != nil {
		return nil, err
	}
	return resp.Rules, nil
}

func (c *Client) article(article types.Article) articlePayload {
	text := article.Text
	if runes := []rune(text); len(runes) > c.opts.MaxTextLength {
		text = string(runes[:c.opts.MaxTextLength])
	}
	return articlePayload{
		ID:           article.ID,
		Source:       article.Source,
		CanonicalURL: article.CanonicalURL,
		Title:        article.Title,
		Text:         text,
	}
}

// call posts payload to {endpoint}/{op} and decodes a schema-checked response.
// A response that fails its schema is transient: the analyst may answer
// correctly on the next attempt.
func (c *Client) call(ctx context.Context, op string, payload any, schema payloadschema.Schema, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", op, err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.opts.Endpoint+"/"+op, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return failure.Transient(fmt.Errorf("analyst %s request failed: %w", op, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return failure.Transient(fmt.Errorf("read analyst %s response: %w", op, err))
	}
	if err := failure.FromHTTPStatus("analyst "+op, resp.StatusCode, respBody); err != nil {
		return err
	}
	if err := payloadschema.Decode(schema, respBody, out); err != nil {
		if failure.IsInvalid(err) {
			return failure.Transientf("analyst %s response rejected: %v", op, err)
		}
		return fmt.Errorf("decode analyst %s response: %w", op, err)
	}
	return nil
}
