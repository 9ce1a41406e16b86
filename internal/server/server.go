// Package server exposes the chat completion service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"chatcore/internal/completion"
	"chatcore/internal/config"
	"chatcore/internal/models"
	"chatcore/internal/payload"
	"chatcore/internal/provider"
	"chatcore/internal/resolve"
	"chatcore/internal/settings"
	"chatcore/internal/structured"
	"chatcore/internal/usage"
)

const (
	maxBodyBytes        = 4 << 20 // 4 MiB, message lists with inline images get large
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second

	requestIDHeader = "X-Request-Id"
)

type Server struct {
	cfg     config.Config
	store   settings.Store
	svc     *completion.Service
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, svc *completion.Service) (*Server, error) {
	if svc == nil {
		return nil, errors.New("completion service must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(requestID)
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"request_id", c.Response().Header().Get(requestIDHeader),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
	}))

	srv := &Server{
		cfg:     cfg,
		store:   settings.NewConfigStore(cfg),
		svc:     svc,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
		// No write timeout: streaming responses stay open as long as the
		// upstream keeps producing.
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.POST("/v1/generate", s.handleGenerate)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// generateRequest is the public request shape for POST /v1/generate.
type generateRequest struct {
	Profile          string            `json:"profile,omitempty"`
	Provider         string            `json:"provider,omitempty"`
	Messages         []models.Message  `json:"messages"`
	Overrides        map[string]any    `json:"overrides,omitempty"`
	Stream           bool              `json:"stream,omitempty"`
	Mode             string            `json:"mode,omitempty"`
	Character        string            `json:"character,omitempty"`
	Tools            []models.Tool     `json:"tools,omitempty"`
	ExcludeTools     []string          `json:"exclude_tools,omitempty"`
	ToolChoice       string            `json:"tool_choice,omitempty"`
	IncludeReasoning bool              `json:"include_reasoning,omitempty"`
	Structured       *structuredInput  `json:"structured,omitempty"`
}

type structuredInput struct {
	Format string `json:"format"`
	Schema any    `json:"schema,omitempty"`
}

func (s *Server) handleGenerate(c echo.Context) error {
	var req generateRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if len(req.Messages) == 0 {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "messages must not be empty",
			Type:    "invalid_request_error",
		}
	}

	mode := models.ModeGenerate
	switch req.Mode {
	case "", string(models.ModeGenerate):
	case string(models.ModeContinue):
		mode = models.ModeContinue
	default:
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("unknown mode %q", req.Mode),
			Type:    "invalid_request_error",
		}
	}

	spec, err := structuredSpec(req.Structured)
	if err != nil {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}
	}

	resolved := resolve.Resolve(s.store, resolve.Options{
		ProfileName:      req.Profile,
		SamplerOverrides: req.Overrides,
		ForcedProvider:   req.Provider,
	})

	body := payload.Build(resolved, req.Messages, payload.Options{
		Mode:             mode,
		ExtraTools:       req.Tools,
		ExcludeTools:     req.ExcludeTools,
		Structured:       spec,
		ActiveCharacter:  req.Character,
		IncludeReasoning: req.IncludeReasoning,
		ToolChoice:       req.ToolChoice,
	})

	var tokenizer usage.Tokenizer
	if tok, err := usage.NewTokenizer(resolved.Model); err != nil {
		slog.Warn("tokenizer unavailable, skipping token accounting", "model", resolved.Model, "err", err)
	} else {
		tokenizer = tok
	}

	opts := completion.Options{
		Stream:     req.Stream,
		Mode:       mode,
		Tokenizer:  tokenizer,
		Sink:       logSink{},
		Structured: spec,
	}

	result, stream, err := s.svc.Generate(c.Request().Context(), resolved, body, opts)
	if err != nil {
		return toHTTPError(err)
	}

	if stream != nil {
		return writeStream(c, stream)
	}
	return c.JSON(http.StatusOK, result)
}

func structuredSpec(input *structuredInput) (*structured.Spec, error) {
	if input == nil {
		return nil, nil
	}
	format := structured.Format(input.Format)
	switch format {
	case structured.FormatJSON, structured.FormatXML, structured.FormatNative:
	default:
		return nil, fmt.Errorf("unknown structured format %q", input.Format)
	}
	return &structured.Spec{Format: format, Schema: input.Schema}, nil
}

// writeStream relays streamed chunks as SSE data events, then a terminal
// [DONE] sentinel. A consumer disconnect simply ends the relay; the stream's
// own finalization still runs via the deferred Close.
func writeStream(c echo.Context, stream *completion.Stream) error {
	defer stream.Close()

	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	for stream.Next() {
		if err := writeSSEData(writer, stream.Current()); err != nil {
			slog.Warn("stream consumer gone", "err", err)
			return nil
		}
		flusher.Flush()
	}

	if err := stream.Err(); err != nil {
		slog.Error("stream terminated by transport error", "err", err)
	}

	if _, err := fmt.Fprint(writer, "data: [DONE]\n\n"); err != nil {
		return nil
	}
	flusher.Flush()
	return nil
}

func writeSSEData(w io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}

func requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Response().Header().Set(requestIDHeader, id)
		return next(c)
	}
}

// logSink reports per-generation usage through the structured logger.
type logSink struct{}

func (logSink) OnComplete(report usage.Report) {
	slog.Info("generation complete",
		"provider", report.Provider,
		"model", report.Model,
		"output_tokens", report.OutputTokens,
		"duration_ms", report.Duration.Milliseconds(),
	)
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func jsonErrorHandler(err error, c echo.Context) {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	type httpError interface {
		Code() int
		Error() string
	}

	if he, ok := err.(httpError); ok {
		_ = writeError(c, he.Code(), he.Error(), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	switch {
	case errors.Is(err, provider.ErrUnknownProvider),
		errors.Is(err, provider.ErrUnsupportedOperation):
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}
	case errors.Is(err, completion.ErrQuotaExceeded):
		return requestError{
			Status:  http.StatusTooManyRequests,
			Message: err.Error(),
			Type:    "insufficient_quota",
			Code:    "insufficient_quota",
		}
	case errors.Is(err, completion.ErrAborted):
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "generation aborted by client",
			Type:    "request_aborted",
		}
	}

	return requestError{
		Status:  http.StatusBadGateway,
		Message: err.Error(),
		Type:    "upstream_error",
	}
}
