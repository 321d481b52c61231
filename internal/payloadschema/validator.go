// Package payloadschema validates JSON payloads crossing the service boundary
// against embedded JSON Schemas.
package payloadschema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"horse.fit/sieve/internal/failure"
)

// Schema names one embedded schema document.
type Schema string

const (
	SchemaArticle    Schema = "article.schema.json"
	SchemaRanking    Schema = "ranking.schema.json"
	SchemaExtraction Schema = "extraction.schema.json"
	SchemaRules      Schema = "rules.schema.json"
)

var allSchemas = []Schema{SchemaArticle, SchemaRanking, SchemaExtraction, SchemaRules}

//go:embed *.schema.json
var schemaFiles embed.FS

// ArticlePayload is a submission accepted by the API and the ingest command.
type ArticlePayload struct {
	Source       string `json:"source"`
	CanonicalURL string `json:"canonical_url,omitempty"`
	Title        string `json:"title,omitempty"`
	Text         string `json:"text"`
	ContentType  string `json:"content_type,omitempty"`
}

var (
	compileOnce     sync.Once
	compiledSchemas map[Schema]*jsonschema.Schema
	compileErr      error
)

// ValidateArticlePayload checks an article submission and decodes it.
func ValidateArticlePayload(payload json.RawMessage) (*ArticlePayload, error) {
	var item ArticlePayload
	if err := Decode(SchemaArticle, payload, &item); err != nil {
		return nil, err
	}
	if strings.TrimSpace(item.Source) == "" {
		return nil, failure.Invalidf("source must not be empty")
	}
	if strings.TrimSpace(item.Text) == "" {
		return nil, failure.Invalidf("text must not be empty")
	}
	if item.CanonicalURL != "" {
		if err := validateURI("canonical_url", item.CanonicalURL); err != nil {
			return nil, err
		}
	}
	return &item, nil
}

// Decode validates payload against the named schema and unmarshals it into out.
// Malformed or non-conforming payloads are invalid input.
func Decode(name Schema, payload []byte, out any) error {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return failure.Invalid(fmt.Errorf("decode payload JSON: %w", err))
	}

	schema, err := loadSchema(name)
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return failure.Invalid(fmt.Errorf("schema validation failed: %w", err))
	}

	if out == nil {
		return nil
	}
	normalized, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("normalize payload JSON: %w", err)
	}
	if err := json.Unmarshal(normalized, out); err != nil {
		return failure.Invalid(fmt.Errorf("unmarshal payload: %w", err))
	}
	return nil
}

func loadSchema(name Schema) (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		for _, schema := range allSchemas {
			raw, err := schemaFiles.ReadFile(string(schema))
			if err != nil {
				compileErr = fmt.Errorf("read schema %s: %w", schema, err)
				return
			}
			if err := compiler.AddResource(string(schema), bytes.NewReader(raw)); err != nil {
				compileErr = fmt.Errorf("add schema resource %s: %w", schema, err)
				return
			}
		}

		compiled := make(map[Schema]*jsonschema.Schema, len(allSchemas))
		for _, schema := range allSchemas {
			s, err := compiler.Compile(string(schema))
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", schema, err)
				return
			}
			compiled[schema] = s
		}
		compiledSchemas = compiled
	})

	if compileErr != nil {
		return nil, compileErr
	}
	schema, ok := compiledSchemas[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", name)
	}
	return schema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}
	return value, nil
}

func validateURI(fieldName, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return failure.Invalidf("%s must not be empty", fieldName)
	}
	parsed, err := url.ParseRequestURI(trimmed)
	if err != nil {
		return failure.Invalid(fmt.Errorf("%s is not a valid URI: %w", fieldName, err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return failure.Invalidf("%s must be an http(s) URL", fieldName)
	}
	return nil
}
