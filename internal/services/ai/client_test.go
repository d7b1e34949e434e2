package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/campus-answer-bot-go/internal/models"
	"github.com/campus-answer-bot-go/internal/services/links"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// upstream is a scripted generateContent endpoint.
type upstream struct {
	mu       sync.Mutex
	requests []recordedRequest
	respond  func(model string, req map[string]any) (int, string)
}

type recordedRequest struct {
	Model  string
	APIKey string
	Body   map[string]any
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	model := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/models/"), ":generateContent")
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	u.mu.Lock()
	u.requests = append(u.requests, recordedRequest{Model: model, APIKey: r.Header.Get("x-goog-api-key"), Body: body})
	u.mu.Unlock()

	status, payload := u.respond(model, body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

func (u *upstream) models() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, len(u.requests))
	for i, r := range u.requests {
		out[i] = r.Model
	}
	return out
}

func (u *upstream) toolNames() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []string
	for _, r := range u.requests {
		tools, _ := r.Body["tools"].([]any)
		if len(tools) == 0 {
			out = append(out, ToolNone)
			continue
		}
		for name := range tools[0].(map[string]any) {
			out = append(out, name)
		}
	}
	return out
}

func answerBody(text string, chunks ...map[string]any) string {
	candidate := map[string]any{
		"content": map[string]any{"parts": []any{map[string]any{"text": text}}},
	}
	if len(chunks) > 0 {
		candidate["groundingMetadata"] = map[string]any{"groundingChunks": chunks}
	}
	b, _ := json.Marshal(map[string]any{"candidates": []any{candidate}})
	return string(b)
}

type mapChecker map[string]string

func (m mapChecker) Verify(_ context.Context, rawURL string) links.Result {
	if target, ok := m[rawURL]; ok {
		return links.Result{URL: target, Status: links.StatusVerified}
	}
	return links.Result{Status: links.StatusUnverifiable}
}

type clientFixture struct {
	client   *Client
	upstream *upstream
	clock    *fakeClock
	sleeps   []time.Duration
}

func newFixture(t *testing.T, opts Options, respond func(model string, req map[string]any) (int, string)) *clientFixture {
	t.Helper()
	up := &upstream{respond: respond}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	f := &clientFixture{upstream: up, clock: newFakeClock()}
	if opts.APIKey == "" {
		opts.APIKey = "test-key"
	}
	opts.BaseURL = srv.URL
	f.client = NewClient(opts, NewRegistryWithClock(f.clock.Now),
		NewSourceExtractor(mapChecker{"https://aktu.ac.in/r": "https://aktu.ac.in/results"}, 0), nil,
		WithHTTPClient(srv.Client()),
		WithSleep(func(_ context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return nil
		}),
	)
	return f
}

func userMessages(text string) []models.Message {
	return []models.Message{
		{Role: models.RoleSystem, Content: "be brief"},
		{Role: models.RoleUser, Content: text},
	}
}

func searchOptions() Options {
	return Options{
		Model:              "primary",
		FallbackModels:     []string{"fallback", "primary", " "},
		EnableGoogleSearch: true,
		RequestRetries:     2,
		RetryBackoff:       time.Second,
		Temperature:        0.1,
	}
}

func TestChat_RateLimitedModelFailsOver(t *testing.T) {
	f := newFixture(t, searchOptions(), func(model string, _ map[string]any) (int, string) {
		if model == "primary" {
			return http.StatusTooManyRequests, `{"error":{"message":"Quota exceeded. Please retry in 12.5s."}}`
		}
		return http.StatusOK, answerBody(`{"mode":"official_info","answer":"ok"}`)
	})

	result, err := f.client.Chat(context.Background(), userMessages("results?"), time.Second)
	require.NoError(t, err)

	assert.Equal(t, "fallback", result.Model)
	assert.Equal(t, ToolGoogleSearch, result.Tool)
	assert.Equal(t, []string{"primary", "fallback"}, f.upstream.models())

	until, ok := f.client.Registry().CooldownUntil("primary")
	require.True(t, ok)
	assert.Equal(t, f.clock.Now().Add(30*time.Second), until)
	assert.Contains(t, f.client.Registry().SkipReason("primary"), "cooldown_")
}

func TestChat_BadRequestTriesNextToolThenNextModel(t *testing.T) {
	f := newFixture(t, searchOptions(), func(model string, req map[string]any) (int, string) {
		if model == "primary" {
			return http.StatusBadRequest, `{"error":"unknown field"}`
		}
		if _, ok := req["tools"].([]any)[0].(map[string]any)["googleSearch"]; ok {
			return http.StatusOK, answerBody("fine")
		}
		return http.StatusBadRequest, `{"error":"unknown field google_search"}`
	})

	result, err := f.client.Chat(context.Background(), userMessages("hi"), time.Second)
	require.NoError(t, err)

	assert.Equal(t, "fallback", result.Model)
	assert.Equal(t, ToolGoogleSearchCamel, result.Tool)
	assert.Equal(t, []string{"primary", "primary", "fallback", "fallback"}, f.upstream.models())
	assert.Equal(t, []string{"google_search", "googleSearch", "google_search", "googleSearch"}, f.upstream.toolNames())
	assert.Empty(t, f.client.Registry().SkipReason("primary"), "400 does not cool a model down")
}

func TestChat_NotFoundModelIsNeverRetried(t *testing.T) {
	f := newFixture(t, searchOptions(), func(model string, _ map[string]any) (int, string) {
		if model == "primary" {
			return http.StatusNotFound, `{"error":"model not found"}`
		}
		return http.StatusOK, answerBody("fallback answer")
	})

	for i := 0; i < 3; i++ {
		result, err := f.client.Chat(context.Background(), userMessages("q"), time.Second)
		require.NoError(t, err)
		assert.Equal(t, "fallback", result.Model)
		f.clock.Advance(24 * time.Hour)
	}
	assert.Equal(t, []string{"primary", "fallback", "fallback", "fallback"}, f.upstream.models())
}

func TestChat_AllModelsSkipped(t *testing.T) {
	f := newFixture(t, searchOptions(), func(string, map[string]any) (int, string) {
		return http.StatusOK, answerBody("unused")
	})
	f.client.Registry().MarkUnavailable("primary", 404, "")
	f.client.Registry().MarkUnavailable("fallback", 429, "please retry in 60s")

	_, err := f.client.Chat(context.Background(), userMessages("q"), time.Second)
	assert.ErrorIs(t, err, ErrAllModelsUnavailable)
	assert.Empty(t, f.upstream.models())
}

func TestChat_LastModelErrorPropagates(t *testing.T) {
	f := newFixture(t, searchOptions(), func(model string, _ map[string]any) (int, string) {
		if model == "primary" {
			return http.StatusForbidden, `{"error":"permission denied"}`
		}
		return http.StatusTooManyRequests, `{"error":"slow down"}`
	})

	_, err := f.client.Chat(context.Background(), userMessages("q"), time.Second)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusTooManyRequests, httpErr.StatusCode)
	assert.Equal(t, "fallback", httpErr.Model)
	assert.NotEmpty(t, f.client.Registry().SkipReason("primary"))
	assert.NotEmpty(t, f.client.Registry().SkipReason("fallback"))
}

func TestChat_UnexpectedStatusPropagatesWithoutFailover(t *testing.T) {
	f := newFixture(t, searchOptions(), func(string, map[string]any) (int, string) {
		return http.StatusInternalServerError, `{"error":"boom"}`
	})

	_, err := f.client.Chat(context.Background(), userMessages("q"), time.Second)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	assert.Equal(t, []string{"primary"}, f.upstream.models())
}

func TestChat_MissingAPIKeyFailsBeforeNetwork(t *testing.T) {
	f := newFixture(t, searchOptions(), func(string, map[string]any) (int, string) {
		return http.StatusOK, answerBody("unused")
	})
	f.client.opts.APIKey = "  "

	_, err := f.client.Chat(context.Background(), userMessages("q"), time.Second)
	assert.ErrorIs(t, err, ErrMissingAPIKey)
	assert.Empty(t, f.upstream.models())
}

func TestChat_BlankAnswer(t *testing.T) {
	f := newFixture(t, searchOptions(), func(string, map[string]any) (int, string) {
		return http.StatusOK, answerBody("   \n  ")
	})

	_, err := f.client.Chat(context.Background(), userMessages("q"), time.Second)
	assert.ErrorIs(t, err, ErrBlankAnswer)
	assert.Equal(t, []string{"primary"}, f.upstream.models(), "a blank answer is not a failover signal")
}

func TestChat_ResponseShapeErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"no candidates", `{"candidates":[]}`, ErrNoCandidates},
		{"no parts", `{"candidates":[{"content":{"parts":[]}}]}`, ErrEmptyContent},
		{"no content", `{"candidates":[{}]}`, ErrEmptyContent},
		{"not json", `<html>oops</html>`, ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, searchOptions(), func(string, map[string]any) (int, string) {
				return http.StatusOK, tt.body
			})
			_, err := f.client.Chat(context.Background(), userMessages("q"), time.Second)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

type failingTransport struct {
	mu    sync.Mutex
	calls int
}

func (f *failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil, errors.New("connection reset by peer")
}

func TestChat_TransportFailureRetriesThenAborts(t *testing.T) {
	f := newFixture(t, searchOptions(), nil)
	transport := &failingTransport{}
	f.client.httpClient = &http.Client{Transport: transport}

	_, err := f.client.Chat(context.Background(), userMessages("q"), time.Second)

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, 3, transportErr.Attempts)
	assert.Equal(t, "primary", transportErr.Model)
	assert.Equal(t, 3, transport.calls, "one model, one tool, retries+1 attempts")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.sleeps)
	assert.Empty(t, f.client.Registry().SkipReason("primary"))
}

func TestChat_PayloadWithoutSearch(t *testing.T) {
	opts := Options{Model: "primary", Temperature: 0.1}
	f := newFixture(t, opts, func(string, map[string]any) (int, string) {
		return http.StatusOK, answerBody(" part one ")
	})

	result, err := f.client.Chat(context.Background(), userMessages("what is the fee?"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, ToolNone, result.Tool)
	assert.Equal(t, "part one", result.Text)

	require.Len(t, f.upstream.requests, 1)
	req := f.upstream.requests[0]
	assert.Equal(t, "test-key", req.APIKey)
	assert.NotContains(t, req.Body, "tools")

	genCfg := req.Body["generationConfig"].(map[string]any)
	assert.Equal(t, "application/json", genCfg["responseMimeType"])
	assert.InDelta(t, 0.1, genCfg["temperature"], 1e-9)

	contents := req.Body["contents"].([]any)
	parts := contents[0].(map[string]any)["parts"].([]any)
	assert.Equal(t, "SYSTEM: be brief\n\nUSER: what is the fee?\n\nASSISTANT:", parts[0].(map[string]any)["text"])
}

func TestChat_JoinsPartsAndExtractsSources(t *testing.T) {
	f := newFixture(t, searchOptions(), func(string, map[string]any) (int, string) {
		body := map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{"parts": []any{
					map[string]any{"text": " first "},
					map[string]any{"text": ""},
					map[string]any{"text": "second"},
				}},
				"groundingMetadata": map[string]any{"groundingChunks": []any{
					map[string]any{"web": map[string]any{"uri": "https://aktu.ac.in/r", "title": "AKTU\n  Results"}},
					map[string]any{"web": map[string]any{"uri": "https://dead.example", "title": "Dead"}},
				}},
			}},
		}
		b, _ := json.Marshal(body)
		return http.StatusOK, string(b)
	})

	result, err := f.client.Chat(context.Background(), userMessages("q"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", result.Text)
	assert.Equal(t, []models.Source{{Title: "AKTU Results", URL: "https://aktu.ac.in/results"}}, result.Sources)
}

func TestFlattenPrompt(t *testing.T) {
	got := FlattenPrompt([]models.Message{
		{Role: "system", Content: "rules"},
		{Content: "no role"},
		{Role: "assistant", Content: "earlier"},
	})
	assert.Equal(t, "SYSTEM: rules\n\nUSER: no role\n\nASSISTANT: earlier\n\nASSISTANT:", got)
}

func TestModelAttemptsDeduplicates(t *testing.T) {
	c := NewClient(Options{Model: " a ", FallbackModels: []string{"b", "a", "", "c", "b"}}, nil, nil, nil)
	assert.Equal(t, []string{"a", "b", "c"}, c.modelAttempts())
}
