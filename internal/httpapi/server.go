package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"horse.fit/sieve/internal/auth"
	"horse.fit/sieve/internal/embedding"
	"horse.fit/sieve/internal/failure"
	"horse.fit/sieve/internal/globaltime"
	"horse.fit/sieve/internal/ingest"
	"horse.fit/sieve/internal/payloadschema"
	"horse.fit/sieve/internal/review"
	"horse.fit/sieve/internal/types"
)

const (
	defaultPageSize = review.DefaultListLimit
	maxPageSize     = review.MaxListLimit
	maxBodyBytes    = 4 << 20
)

// Store is the read side the API needs besides the engine and the review queue.
type Store interface {
	embedding.Store
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (types.Stats, error)
	GetArticle(ctx context.Context, id string) (types.Article, error)
	ExecutionForArticle(ctx context.Context, articleID string) (types.Execution, error)
	GetRule(ctx context.Context, id string) (types.DetectionRule, error)
	ListMatches(ctx context.Context, ruleID string) ([]types.SimilarityMatch, error)
}

type Ingester interface {
	Submit(ctx context.Context, req ingest.Request) (ingest.Result, error)
}

type Executions interface {
	Get(ctx context.Context, id string) (types.Execution, []types.StepRecord, error)
	Cancel(ctx context.Context, id string) (types.Execution, error)
}

type Reviews interface {
	Get(ctx context.Context, id string) (types.ReviewEntry, error)
	List(ctx context.Context, status types.ReviewStatus, limit int) ([]types.ReviewEntry, error)
	Decide(ctx context.Context, id string, decision types.ReviewStatus, reviewer, note string) (types.ReviewEntry, error)
}

type Dependencies struct {
	Store      Store
	Ingest     Ingester
	Executions Executions
	Reviews    Reviews
}

type Options struct {
	// Tokens guards mutating routes. Nil leaves them open.
	Tokens          *auth.Verifier
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Server struct {
	deps   Dependencies
	logger zerolog.Logger
	opts   Options
}

type articleResponse struct {
	Article   types.Article    `json:"article"`
	ExactHash string           `json:"exact_hash"`
	Execution *types.Execution `json:"execution,omitempty"`
}

type executionResponse struct {
	Execution types.Execution    `json:"execution"`
	Steps     []types.StepRecord `json:"steps"`
}

type embeddingSummary struct {
	Model      string `json:"model,omitempty"`
	Dimensions int    `json:"dimensions"`
}

type ruleResponse struct {
	Rule       types.DetectionRule     `json:"rule"`
	Matches    []types.SimilarityMatch `json:"matches"`
	Embeddings *embeddingSummary       `json:"embeddings,omitempty"`
}

type decisionRequest struct {
	Decision string `json:"decision"`
	Reviewer string `json:"reviewer"`
	Note     string `json:"note"`
}

func NewServer(deps Dependencies, logger zerolog.Logger, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := opts.Port
	if port <= 0 {
		port = 8090
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	return &Server{
		deps:   deps,
		logger: logger,
		opts: Options{
			Host:            host,
			Port:            port,
			ReadTimeout:     readTimeout,
			WriteTimeout:    writeTimeout,
			ShutdownTimeout: shutdownTimeout,
			Tokens:          opts.Tokens,
		},
	}
}

// Handler builds the echo router with every route and middleware installed.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(strconv.Itoa(maxBodyBytes / 1024) + "K"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := s.logger.Info()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				event = s.logger.Error().Err(v.Error)
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))

	e.GET("/healthz", s.handleHealth)

	api := e.Group("/api/v1")
	guard := s.requireToken()
	api.GET("/stats", s.handleStats)
	api.POST("/articles", s.handleSubmitArticle, guard)
	api.GET("/articles/:id", s.handleArticle)
	api.GET("/executions/:id", s.handleExecution)
	api.POST("/executions/:id/cancel", s.handleCancelExecution, guard)
	api.GET("/rules/:id", s.handleRule)
	api.GET("/review", s.handleReviewList)
	api.GET("/review/:id", s.handleReviewEntry)
	api.POST("/review/:id/decision", s.handleReviewDecision, guard)
	return e
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.deps.Store == nil || s.deps.Ingest == nil || s.deps.Executions == nil || s.deps.Reviews == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.Handler()
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("sieve api server started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("sieve api server stopped")
	return nil
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		switch v := he.Message.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				message = v
			}
		default:
			if text := strings.TrimSpace(http.StatusText(status)); text != "" {
				message = text
			}
		}
	}

	if status >= 500 {
		_ = internalError(c, "Internal server error")
		return
	}
	_ = fail(c, status, message, nil)
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.deps.Store.Ping(c.Request().Context()); err != nil {
		s.logger.Error().Err(err).Msg("health check failed")
		return errorWithStatus(c, http.StatusServiceUnavailable, "Store unavailable")
	}
	return success(c, map[string]any{
		"service": "sieve",
		"time":    globaltime.UTC(),
	})
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.deps.Store.Stats(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("query stats failed")
		return internalError(c, "Failed to load stats")
	}
	return success(c, stats)
}

func (s *Server) handleSubmitArticle(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fail(c, http.StatusBadRequest, "Failed to read request body", nil)
	}
	payload, err := payloadschema.ValidateArticlePayload(raw)
	if err != nil {
		return failFromError(c, err, "Invalid article")
	}

	result, err := s.deps.Ingest.Submit(c.Request().Context(), ingest.Request{
		Source:       payload.Source,
		CanonicalURL: payload.CanonicalURL,
		Title:        payload.Title,
		Text:         payload.Text,
		ContentType:  payload.ContentType,
	})
	if err != nil {
		if failure.KindOf(err) == failure.KindInternal {
			s.logger.Error().Err(err).Str("source", payload.Source).Msg("submit article failed")
		}
		return failFromError(c, err, "Failed to submit article")
	}
	if result.Admitted {
		return successWithStatus(c, http.StatusCreated, result)
	}
	return success(c, result)
}

func (s *Server) handleArticle(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return failValidation(c, map[string]string{"id": "is required"})
	}

	ctx := c.Request().Context()
	article, err := s.deps.Store.GetArticle(ctx, id)
	if err != nil {
		return s.lookupFailed(c, err, "Article", id)
	}
	resp := articleResponse{
		Article:   article,
		ExactHash: fmt.Sprintf("%x", article.ExactHash),
	}
	execution, err := s.deps.Store.ExecutionForArticle(ctx, id)
	switch {
	case err == nil:
		resp.Execution = &execution
	case !failure.IsNotFound(err):
		return s.lookupFailed(c, err, "Article", id)
	}
	return success(c, resp)
}

func (s *Server) handleExecution(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	execution, steps, err := s.deps.Executions.Get(c.Request().Context(), id)
	if err != nil {
		return s.lookupFailed(c, err, "Execution", id)
	}
	if steps == nil {
		steps = []types.StepRecord{}
	}
	return success(c, executionResponse{Execution: execution, Steps: steps})
}

func (s *Server) handleCancelExecution(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	execution, err := s.deps.Executions.Cancel(c.Request().Context(), id)
	if err != nil {
		return s.lookupFailed(c, err, "Execution", id)
	}
	s.logger.Info().Str("execution_id", id).Bool("terminal", execution.Status.Terminal()).Msg("execution cancel requested")
	return successWithStatus(c, http.StatusAccepted, execution)
}

func (s *Server) handleRule(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	ctx := c.Request().Context()
	rule, err := s.deps.Store.GetRule(ctx, id)
	if err != nil {
		return s.lookupFailed(c, err, "Rule", id)
	}
	matches, err := s.deps.Store.ListMatches(ctx, id)
	if err != nil {
		return s.lookupFailed(c, err, "Rule", id)
	}
	if matches == nil {
		matches = []types.SimilarityMatch{}
	}

	resp := ruleResponse{Rule: rule, Matches: matches}
	embeddings, err := s.deps.Store.GetRuleEmbeddings(ctx, id)
	switch {
	case err == nil:
		resp.Embeddings = &embeddingSummary{Model: embeddings.Model, Dimensions: len(embeddings.Vectors[0])}
	case !failure.IsNotFound(err):
		return s.lookupFailed(c, err, "Rule", id)
	}
	return success(c, resp)
}

func (s *Server) handleReviewList(c echo.Context) error {
	status, err := review.ParseStatus(c.QueryParam("status"))
	if err != nil {
		return failValidation(c, map[string]string{"status": err.Error()})
	}
	limit, err := parsePositiveInt(c.QueryParam("limit"), defaultPageSize, 1, maxPageSize)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}

	entries, err := s.deps.Reviews.List(c.Request().Context(), status, limit)
	if err != nil {
		return failFromError(c, err, "Failed to load review entries")
	}
	if entries == nil {
		entries = []types.ReviewEntry{}
	}
	return success(c, map[string]any{
		"items":  entries,
		"status": status,
		"limit":  limit,
	})
}

func (s *Server) handleReviewEntry(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	entry, err := s.deps.Reviews.Get(c.Request().Context(), id)
	if err != nil {
		return s.lookupFailed(c, err, "Review entry", id)
	}
	return success(c, entry)
}

func (s *Server) handleReviewDecision(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))

	var req decisionRequest
	decoder := json.NewDecoder(c.Request().Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		return fail(c, http.StatusBadRequest, "Invalid JSON body", nil)
	}
	decision, err := review.ParseStatus(req.Decision)
	if err != nil || decision == "" {
		return failValidation(c, map[string]string{"decision": "must be approved or rejected"})
	}
	if strings.TrimSpace(req.Reviewer) == "" {
		return failValidation(c, map[string]string{"reviewer": "is required"})
	}

	entry, err := s.deps.Reviews.Decide(c.Request().Context(), id, decision, req.Reviewer, req.Note)
	if err != nil {
		return s.lookupFailed(c, err, "Review entry", id)
	}
	return success(c, entry)
}

func (s *Server) requireToken() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if s.opts.Tokens == nil {
				return next(c)
			}
			token, ok := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok || !s.opts.Tokens.Verify(token) {
				c.Response().Header().Set(echo.HeaderWWWAuthenticate, "Bearer")
				return fail(c, http.StatusUnauthorized, "Unauthorized", nil)
			}
			return next(c)
		}
	}
}

func (s *Server) lookupFailed(c echo.Context, err error, what, id string) error {
	if failure.KindOf(err) == failure.KindInternal {
		s.logger.Error().Err(err).Str("id", id).Msgf("load %s failed", strings.ToLower(what))
	}
	return failFromError(c, err, what)
}

func parsePositiveInt(raw string, defaultValue, minValue, maxValue int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if value < minValue || value > maxValue {
		return 0, fmt.Errorf("must be between %d and %d", minValue, maxValue)
	}
	return value, nil
}
