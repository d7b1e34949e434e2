package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/campus-answer-bot-go/internal/config"
	"github.com/campus-answer-bot-go/internal/models"
	"github.com/campus-answer-bot-go/pkg/logger"
	"github.com/sirupsen/logrus"
)

// DefaultChatTimeout bounds one upstream request when the caller passes none.
const DefaultChatTimeout = 45 * time.Second

// Tool configuration names
const (
	ToolNone              = "none"
	ToolGoogleSearch      = "google_search"
	ToolGoogleSearchCamel = "googleSearch"
)

// Chatter produces one upstream answer for a prompt.
type Chatter interface {
	Chat(ctx context.Context, messages []models.Message, timeout time.Duration) (*models.ChatResult, error)
}

// Metrics receives upstream request outcomes.
type Metrics interface {
	RecordUpstreamRequest(model, status string, duration time.Duration)
	RecordModelSkip(reason string)
}

// Options holds the upstream settings.
type Options struct {
	APIKey                 string
	BaseURL                string
	Model                  string
	FallbackModels         []string
	EnableGoogleSearch     bool
	RequireSearchGrounding bool
	RequestRetries         int
	RetryBackoff           time.Duration
	Temperature            float64
}

// OptionsFromConfig maps the gemini config section onto Options.
func OptionsFromConfig(cfg *config.GeminiConfig) Options {
	return Options{
		APIKey:                 cfg.APIKey,
		BaseURL:                cfg.BaseURL,
		Model:                  cfg.Model,
		FallbackModels:         cfg.FallbackModels,
		EnableGoogleSearch:     cfg.EnableGoogleSearch,
		RequireSearchGrounding: cfg.RequireSearchGrounding,
		RequestRetries:         cfg.RequestRetries,
		RetryBackoff:           cfg.RetryBackoff(),
		Temperature:            cfg.Temperature,
	}
}

type toolAttempt struct {
	name   string
	config map[string]any
}

type generateRequest struct {
	Contents         []requestContent `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
	Tools            []map[string]any `json:"tools,omitempty"`
}

type requestContent struct {
	Parts []textPart `json:"parts"`
}

type textPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content *struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		GroundingMetadata *struct {
			GroundingChunks []json.RawMessage `json:"groundingChunks"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
}

// Client calls the generateContent endpoint, routing around unavailable
// models and retrying transport failures.
type Client struct {
	opts       Options
	httpClient *http.Client
	registry   *Registry
	sources    *SourceExtractor
	logger     *logrus.Logger
	metrics    Metrics
	sleep      func(ctx context.Context, d time.Duration) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

func WithMetrics(m Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithSleep replaces the wait between transport retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// NewClient creates a new upstream client
func NewClient(opts Options, registry *Registry, sources *SourceExtractor, log *logrus.Logger, options ...ClientOption) *Client {
	if registry == nil {
		registry = NewRegistry()
	}
	if log == nil {
		log = logger.Nop()
	}
	c := &Client{
		opts:       opts,
		httpClient: &http.Client{},
		registry:   registry,
		sources:    sources,
		logger:     log,
		sleep:      sleepContext,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Registry exposes the model cooldown state.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Chat sends messages to the first eligible model. HTTP failures drive tool and
// model failover; a transport failure that survives its retries aborts the call.
func (c *Client) Chat(ctx context.Context, messages []models.Message, timeout time.Duration) (*models.ChatResult, error) {
	if strings.TrimSpace(c.opts.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if timeout <= 0 {
		timeout = DefaultChatTimeout
	}

	prompt := FlattenPrompt(messages)
	modelList := c.modelAttempts()
	tools := c.toolAttempts()

	attempted := false
	var lastErr error

	for mi, model := range modelList {
		if reason := c.registry.SkipReason(model); reason != "" {
			c.logger.WithFields(logrus.Fields{
				"model":  model,
				"reason": reason,
			}).Warn("Skipping upstream model")
			if c.metrics != nil {
				c.metrics.RecordModelSkip(skipLabel(reason))
			}
			continue
		}
		attempted = true
		isLastModel := mi == len(modelList)-1

	toolLoop:
		for ti, tool := range tools {
			result, err := c.attempt(ctx, model, tool, prompt, timeout)
			if err == nil {
				return result, nil
			}

			var httpErr *HTTPError
			if !errors.As(err, &httpErr) {
				return nil, err
			}
			c.registry.MarkUnavailable(model, httpErr.StatusCode, httpErr.Body)
			lastErr = err

			isLastTool := ti == len(tools)-1
			status := httpErr.StatusCode
			switch {
			case tool.config != nil && status == http.StatusBadRequest && !isLastTool:
				c.logger.WithField("failed_tool", tool.name).Warn("Retrying with fallback search tool config")
				continue
			case isFailoverStatus(status) && !isLastModel:
				c.logger.WithFields(logrus.Fields{
					"status":         status,
					"model":          model,
					"fallback_model": modelList[mi+1],
				}).Warn("Upstream model failover")
				break toolLoop
			case status == http.StatusBadRequest && !isLastModel:
				c.logger.WithFields(logrus.Fields{
					"model":          model,
					"fallback_model": modelList[mi+1],
				}).Warn("Model returned 400 after tool attempts, trying fallback model")
				break toolLoop
			default:
				return nil, err
			}
		}
	}

	if !attempted {
		return nil, ErrAllModelsUnavailable
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrChatFailed, lastErr)
	}
	return nil, ErrChatFailed
}

func (c *Client) attempt(ctx context.Context, model string, tool toolAttempt, prompt string, timeout time.Duration) (*models.ChatResult, error) {
	payload := generateRequest{
		Contents:         []requestContent{{Parts: []textPart{{Text: prompt}}}},
		GenerationConfig: generationConfig{Temperature: c.opts.Temperature},
	}
	if tool.config != nil {
		payload.Tools = []map[string]any{tool.config}
	} else {
		payload.GenerationConfig.ResponseMimeType = "application/json"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", strings.TrimSuffix(c.opts.BaseURL, "/"), url.PathEscape(model))

	start := time.Now()
	status, respBody, err := c.postWithRetries(ctx, endpoint, body, timeout, model)
	if err != nil {
		c.recordRequest(model, "transport_error", start)
		return nil, err
	}
	c.recordRequest(model, strconv.Itoa(status), start)

	if status >= http.StatusBadRequest {
		truncated := logger.Truncate(string(respBody), logger.MaxBodyLength)
		c.logger.WithFields(logrus.Fields{
			"status": status,
			"model":  model,
			"tool":   tool.name,
			"body":   truncated,
		}).Error("Upstream HTTP error")
		return nil, &HTTPError{StatusCode: status, Model: model, Tool: tool.name, Body: truncated}
	}

	var data generateResponse
	if err := json.Unmarshal(respBody, &data); err != nil {
		c.logger.WithFields(logrus.Fields{
			"model":    model,
			"response": logger.Truncate(string(respBody), logger.MaxBodyLength),
		}).Error("Upstream response is not valid JSON")
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	text, chunks, err := answerText(&data)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"model":    model,
			"response": logger.Truncate(string(respBody), logger.MaxBodyLength),
		}).WithError(err).Error("Upstream returned no usable answer")
		return nil, err
	}

	sources := c.sources.Extract(ctx, chunks)
	if c.opts.RequireSearchGrounding && c.opts.EnableGoogleSearch && len(sources) == 0 {
		c.logger.WithField("model", model).Warn("Upstream returned answer without grounding metadata")
	}

	return &models.ChatResult{
		Text:    text,
		Sources: sources,
		Tool:    tool.name,
		Model:   model,
	}, nil
}

// postWithRetries makes up to RequestRetries+1 attempts, sleeping
// backoff*attempt between them.
func (c *Client) postWithRetries(ctx context.Context, endpoint string, body []byte, timeout time.Duration, model string) (int, []byte, error) {
	total := max(0, c.opts.RequestRetries) + 1
	var lastErr error

	for attempt := 1; attempt <= total; attempt++ {
		status, respBody, err := c.post(ctx, endpoint, body, timeout)
		if err == nil {
			return status, respBody, nil
		}
		lastErr = err
		if attempt >= total {
			break
		}

		wait := c.opts.RetryBackoff * time.Duration(attempt)
		c.logger.WithFields(logrus.Fields{
			"model":    model,
			"attempt":  fmt.Sprintf("%d/%d", attempt, total),
			"retry_in": wait.String(),
			"detail":   logger.Truncate(err.Error(), logger.MaxDetailLength),
		}).Warn("Upstream request transient failure")
		if err := c.sleep(ctx, wait); err != nil {
			return 0, nil, &TransportError{Attempts: attempt, Model: model, Err: err}
		}
	}

	c.logger.WithFields(logrus.Fields{
		"model":  model,
		"detail": logger.Truncate(lastErr.Error(), logger.MaxDetailLength),
	}).Error("Upstream request failed")
	return 0, nil, &TransportError{Attempts: total, Model: model, Err: lastErr}
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte, timeout time.Duration) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.opts.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func (c *Client) recordRequest(model, status string, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordUpstreamRequest(model, status, time.Since(start))
	}
}

func (c *Client) modelAttempts() []string {
	candidates := append([]string{c.opts.Model}, c.opts.FallbackModels...)
	out := make([]string, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, m := range candidates {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// toolAttempts lists payload variants in order. The search tool is offered
// under both field names the upstream has accepted across API versions.
func (c *Client) toolAttempts() []toolAttempt {
	if !c.opts.EnableGoogleSearch {
		return []toolAttempt{{name: ToolNone}}
	}
	return []toolAttempt{
		{name: ToolGoogleSearch, config: map[string]any{"google_search": map[string]any{}}},
		{name: ToolGoogleSearchCamel, config: map[string]any{"googleSearch": map[string]any{}}},
	}
}

// FlattenPrompt renders messages as "ROLE: content" blocks separated by blank
// lines and ending with an assistant cue.
func FlattenPrompt(messages []models.Message) string {
	lines := make([]string, 0, len(messages)+1)
	for _, m := range messages {
		role := m.Role
		if role == "" {
			role = models.RoleUser
		}
		lines = append(lines, fmt.Sprintf("%s: %s", strings.ToUpper(role), m.Content))
	}
	lines = append(lines, "ASSISTANT:")
	return strings.Join(lines, "\n\n")
}

func answerText(data *generateResponse) (string, []json.RawMessage, error) {
	if len(data.Candidates) == 0 {
		return "", nil, ErrNoCandidates
	}
	candidate := data.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", nil, ErrEmptyContent
	}

	var parts []string
	for _, p := range candidate.Content.Parts {
		if text := strings.TrimSpace(p.Text); text != "" {
			parts = append(parts, text)
		}
	}
	text := strings.TrimSpace(strings.Join(parts, "\n"))
	if text == "" {
		return "", nil, ErrBlankAnswer
	}

	var chunks []json.RawMessage
	if candidate.GroundingMetadata != nil {
		chunks = candidate.GroundingMetadata.GroundingChunks
	}
	return text, chunks, nil
}

func isFailoverStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusForbidden || status == http.StatusNotFound
}

func skipLabel(reason string) string {
	if reason == reasonPermanent {
		return "permanent"
	}
	return "cooldown"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
