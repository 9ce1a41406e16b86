// Package completion issues chat-completion requests against the configured
// providers and normalizes their responses. It is the only package that
// touches the network; everything upstream of it (resolution, payload
// building) is pure.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"chatcore/internal/config"
	"chatcore/internal/models"
	"chatcore/internal/payload"
	"chatcore/internal/provider"
	"chatcore/internal/structured"
	"chatcore/internal/usage"
)

const (
	contentTypeJSON  = "application/json"
	userAgent        = "chatcore/0.1"
	claudeAPIVersion = "2023-06-01"

	maxResponseBytes = 8 << 20

	defaultHTTPTimeout     = 0 // no client timeout; cancellation is the caller's responsibility
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// ErrAborted marks a caller-initiated cancellation surfaced on the
// non-streaming path, so callers can special-case user cancellation versus
// real failures.
var ErrAborted = errors.New("generation aborted")

// ErrQuotaExceeded marks a provider-declared quota error, mapped to a
// distinguished user-facing message.
var ErrQuotaExceeded = errors.New("quota exceeded, check your plan and billing details")

// Service is the chat completion transport. Concurrent Generate calls are
// fully independent; the service holds no per-request state.
type Service struct {
	cfg    config.Config
	client *http.Client
}

// New constructs a Service. A nil client gets a tuned default transport.
func New(cfg config.Config, client *http.Client) *Service {
	if client == nil {
		client = newHTTPClient()
	}
	return &Service{cfg: cfg, client: client}
}

// Options carries the per-request collaborators and flags for Generate.
type Options struct {
	Stream     bool
	Mode       models.GenerationMode
	Tokenizer  usage.Tokenizer
	Sink       usage.Sink
	Structured *structured.Spec
}

// Generate issues the request described by the resolved config and payload.
// Exactly one of the result and the stream is non-nil on success; the
// caller must treat stream-ness of the return value as the sole signal of
// streaming versus non-streaming.
func (s *Service) Generate(ctx context.Context, resolved models.ResolvedConfig, body payload.Payload, opts Options) (*models.NormalizedResult, *Stream, error) {
	handler, err := provider.ForID(resolved.Provider)
	if err != nil {
		return nil, nil, err
	}

	if opts.Stream {
		stream, err := s.stream(ctx, resolved, handler, body, opts)
		if err != nil {
			return nil, nil, err
		}
		return nil, stream, nil
	}

	result, err := s.complete(ctx, resolved, handler, body, opts)
	if err != nil {
		return nil, nil, err
	}
	return result, nil, nil
}

func (s *Service) complete(ctx context.Context, resolved models.ResolvedConfig, handler provider.Handler, body payload.Payload, opts Options) (result *models.NormalizedResult, err error) {
	started := time.Now()
	result = &models.NormalizedResult{}

	// Accounting always runs, even when extraction or structured parsing
	// goes sideways later on.
	defer func() {
		usage.Record(opts.Sink, opts.Tokenizer, resolved.Provider, resolved.Model, result.Content, started)
	}()

	raw, err := s.post(ctx, resolved, body, false)
	if err != nil {
		return result, err
	}

	parsed := gjson.ParseBytes(raw)
	if !gjson.ValidBytes(raw) {
		// Substitute an error marker object so the error path below handles
		// unparseable bodies uniformly.
		parsed = gjson.Parse(`{"error":{"message":"unparseable response body"}}`)
	}

	if message, code, found := provider.ExtractError(parsed); found {
		if isQuotaCode(code) {
			return result, ErrQuotaExceeded
		}
		return result, fmt.Errorf("provider %s error: %s", resolved.Provider, message)
	}

	content := handler.ExtractMessage(parsed)
	if content == "" {
		content = provider.GenericMessage(parsed)
	}
	content = trimContent(content, opts.Mode)

	reasoning := handler.ExtractReasoning(parsed)
	if resolved.ReasoningTemplate != nil {
		visible, excised := exciseReasoning(content, *resolved.ReasoningTemplate)
		if excised != "" {
			content = trimContent(visible, opts.Mode)
			reasoning = mergeReasoning(reasoning, excised)
		}
	}

	result.Content = content
	result.Reasoning = reasoning
	result.ToolCalls = handler.ExtractToolCalls(parsed)
	result.Images = handler.ExtractImages(parsed)

	if opts.Structured != nil {
		structuredResult := structured.Parse(content, opts.Structured)
		result.Parsed = structuredResult.Parsed
		result.ParseError = structuredResult.ParseError
	}
	return result, nil
}

func (s *Service) stream(ctx context.Context, resolved models.ResolvedConfig, handler provider.Handler, body payload.Payload, opts Options) (*Stream, error) {
	started := time.Now()
	body["stream"] = true

	resp, err := s.send(ctx, resolved, body, true)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		return nil, upstreamError(resolved.Provider, resp.StatusCode, resp.Status, raw)
	}

	var prefix, suffix string
	if resolved.ReasoningTemplate != nil {
		prefix = resolved.ReasoningTemplate.Prefix
		suffix = resolved.ReasoningTemplate.Suffix
	}

	onEnd := func(result models.NormalizedResult) {
		usage.Record(opts.Sink, opts.Tokenizer, resolved.Provider, resolved.Model, result.Content, started)
	}

	return newStream(
		resp.Body,
		handler,
		NewReasoningParser(prefix, suffix),
		NewToolCallAccumulator(),
		opts.Mode,
		opts.Structured,
		onEnd,
	), nil
}

// post sends the request and returns the raw body of a successful response.
func (s *Service) post(ctx context.Context, resolved models.ResolvedConfig, body payload.Payload, streaming bool) ([]byte, error) {
	resp, err := s.send(ctx, resolved, body, streaming)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isAbort(err) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrAborted, err)
		}
		return nil, fmt.Errorf("read provider response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, upstreamError(resolved.Provider, resp.StatusCode, resp.Status, raw)
	}
	return raw, nil
}

func (s *Service) send(ctx context.Context, resolved models.ResolvedConfig, body payload.Payload, streaming bool) (*http.Response, error) {
	url, err := s.requestTarget(resolved, body)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", contentTypeJSON)
	}

	providerCfg, _ := s.cfg.Provider(resolved.Provider)
	switch resolved.Provider {
	case provider.Claude:
		req.Header.Set("x-api-key", providerCfg.APIKey)
		req.Header.Set("anthropic-version", claudeAPIVersion)
	default:
		if providerCfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+providerCfg.APIKey)
		}
	}
	for k, v := range providerCfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if isAbort(err) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrAborted, err)
		}
		return nil, fmt.Errorf("%s request failed: %w", resolved.Provider, err)
	}
	return resp, nil
}

// requestTarget selects the endpoint: the generic chat endpoint by default,
// or the provider's text-completion endpoint when it declares one and the
// formatter is text. The text path additionally augments the payload with a
// generic api_type/api_server pair.
func (s *Service) requestTarget(resolved models.ResolvedConfig, body payload.Payload) (string, error) {
	base := s.baseURL(resolved)
	if base == "" {
		return "", fmt.Errorf("provider %s has no configured base URL", resolved.Provider)
	}

	caps := provider.CapabilitiesFor(resolved.Provider)
	if resolved.Formatter == models.FormatterText && caps.TextEndpoint != "" {
		body["api_type"] = resolved.Provider
		body["api_server"] = base
		return base + caps.TextEndpoint, nil
	}

	switch resolved.Provider {
	case provider.Claude:
		return base + "/v1/messages", nil
	case provider.Ollama:
		return base + "/api/chat", nil
	default:
		return base + "/chat/completions", nil
	}
}

// baseURL prefers the per-request resolved endpoint override for providers
// that have one, then falls back to the configured provider base URL.
func (s *Service) baseURL(resolved models.ResolvedConfig) string {
	var override string
	switch resolved.Provider {
	case provider.Custom:
		override = resolved.Endpoints.CustomURL
	case provider.KoboldCpp:
		override = resolved.Endpoints.KoboldCppURL
	case provider.Ollama:
		override = resolved.Endpoints.OllamaURL
	}
	if override != "" {
		return strings.TrimRight(override, "/")
	}

	if providerCfg, ok := s.cfg.Provider(resolved.Provider); ok {
		return strings.TrimRight(providerCfg.BaseURL, "/")
	}
	return ""
}

func upstreamError(providerID string, statusCode int, status string, body []byte) error {
	if message, _, found := provider.ExtractError(gjson.ParseBytes(body)); found && message != "" {
		return fmt.Errorf("provider %s error (status %d): %s", providerID, statusCode, message)
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		text = status
	}
	return fmt.Errorf("upstream error status %d: %s", statusCode, text)
}

func isQuotaCode(code string) bool {
	switch code {
	case "insufficient_quota", "quota_exceeded", "billing_hard_limit_reached":
		return true
	}
	return false
}

func trimContent(content string, mode models.GenerationMode) string {
	if mode == models.ModeContinue {
		return strings.TrimRight(content, " \t\r\n")
	}
	return strings.TrimSpace(content)
}

// exciseReasoning scans full response text for the literal marker pair and
// splits out any reasoning found there. Some providers interleave reasoning
// into message content instead of using a structured field.
func exciseReasoning(content string, tmpl models.ReasoningTemplate) (visible, reasoning string) {
	parser := NewReasoningParser(tmpl.Prefix, tmpl.Suffix)
	visible, reasoning = parser.Process(content)
	flushedVisible, flushedReasoning := parser.Flush()
	return visible + flushedVisible, reasoning + flushedReasoning
}

func mergeReasoning(handlerReasoning, excised string) string {
	switch {
	case handlerReasoning == "":
		return excised
	case excised == "":
		return handlerReasoning
	default:
		return handlerReasoning + "\n\n" + excised
	}
}

func newHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   defaultHTTPTimeout,
		Transport: transport,
	}
}
