package links

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/campus-answer-bot-go/pkg/logger"
	"github.com/sirupsen/logrus"
)

// Defaults for live link probing
const (
	DefaultTimeout      = 8 * time.Second
	DefaultUserAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"
	DefaultWrapperHost  = "vertexaisearch.cloud.google.com"
	DefaultWrapperPath  = "grounding-api-redirect"
	DefaultMaxParallel  = 4
	outcomeVerified     = "verified"
	outcomeUnverifiable = "unverifiable"
	outcomeError        = "error"
)

// Status is the outcome of verifying one URL.
type Status int

const (
	StatusVerified Status = iota
	StatusUnverifiable
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusVerified:
		return outcomeVerified
	case StatusUnverifiable:
		return outcomeUnverifiable
	default:
		return outcomeError
	}
}

// Result of a verification. URL is the final, redirect-resolved address and is
// only set when Status is StatusVerified. Err carries the last network failure
// for StatusError.
type Result struct {
	URL    string
	Status Status
	Err    error
}

// OK reports whether the URL was verified.
func (r Result) OK() bool {
	return r.Status == StatusVerified && r.URL != ""
}

// Checker verifies a single URL.
type Checker interface {
	Verify(ctx context.Context, rawURL string) Result
}

// MetricsRecorder receives verification outcomes.
type MetricsRecorder interface {
	RecordLinkVerification(outcome string)
}

// Verifier resolves redirects and confirms a URL answers with a status below 400.
type Verifier struct {
	client      *http.Client
	timeout     time.Duration
	userAgent   string
	wrapperHost string
	wrapperPath string
	allowList   *AllowList
	liveCheck   bool
	logger      *logrus.Logger
	metrics     MetricsRecorder
}

// Option configures a Verifier.
type Option func(*Verifier)

func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(v *Verifier) {
		if ua != "" {
			v.userAgent = ua
		}
	}
}

// WithRedirectWrapper sets the link-wrapping service whose redirect endpoint
// must be followed over the network.
func WithRedirectWrapper(host, pathFragment string) Option {
	return func(v *Verifier) {
		v.wrapperHost = host
		v.wrapperPath = pathFragment
	}
}

// WithAllowList rejects every resolved URL outside the allow-list.
func WithAllowList(a *AllowList) Option {
	return func(v *Verifier) { v.allowList = a }
}

// WithoutLiveCheck disables probing; only redirect resolution and the
// allow-list apply.
func WithoutLiveCheck() Option {
	return func(v *Verifier) { v.liveCheck = false }
}

func WithLogger(l *logrus.Logger) Option {
	return func(v *Verifier) {
		if l != nil {
			v.logger = l
		}
	}
}

func WithMetrics(m MetricsRecorder) Option {
	return func(v *Verifier) { v.metrics = m }
}

// NewVerifier creates a Verifier. A nil client uses a default http.Client.
func NewVerifier(client *http.Client, opts ...Option) *Verifier {
	if client == nil {
		client = &http.Client{}
	}
	v := &Verifier{
		client:      client,
		timeout:     DefaultTimeout,
		userAgent:   DefaultUserAgent,
		wrapperHost: DefaultWrapperHost,
		wrapperPath: DefaultWrapperPath,
		liveCheck:   true,
		logger:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// With returns a copy of the verifier with extra options applied.
func (v *Verifier) With(opts ...Option) *Verifier {
	clone := *v
	for _, opt := range opts {
		opt(&clone)
	}
	return &clone
}

// Verify resolves rawURL and probes it: GET first, then HEAD confirmed by a
// second GET. Network failures fall through to the next method.
func (v *Verifier) Verify(ctx context.Context, rawURL string) Result {
	result := v.verify(ctx, rawURL)
	if v.metrics != nil {
		v.metrics.RecordLinkVerification(result.Status.String())
	}
	if result.Status == StatusError {
		v.logger.WithFields(logrus.Fields{
			"url":   logger.Truncate(rawURL, logger.MaxDetailLength),
			"error": logger.Truncate(result.Err.Error(), logger.MaxDetailLength),
		}).Debug("Link verification failed")
	}
	return result
}

func (v *Verifier) verify(ctx context.Context, rawURL string) Result {
	candidate := v.ResolveRedirect(ctx, rawURL)
	if candidate == "" || !IsHTTPURL(candidate) {
		return Result{Status: StatusUnverifiable}
	}
	if !v.allowList.Allows(candidate) {
		return Result{Status: StatusUnverifiable}
	}
	if !v.liveCheck {
		return v.accept(candidate)
	}

	var lastErr error

	status, finalURL, err := v.probe(ctx, http.MethodGet, candidate)
	if err != nil {
		lastErr = err
	} else if final := v.ResolveRedirect(ctx, finalURL); final != "" && status < http.StatusBadRequest {
		return v.accept(final)
	}

	status, finalURL, err = v.probe(ctx, http.MethodHead, candidate)
	if err != nil {
		lastErr = err
	} else if final := v.ResolveRedirect(ctx, finalURL); final != "" && status < http.StatusBadRequest {
		// Some origins accept HEAD and reject the real GET.
		confirmStatus, confirmURL, err := v.probe(ctx, http.MethodGet, final)
		if err != nil {
			lastErr = err
		} else if confirmed := v.ResolveRedirect(ctx, confirmURL); confirmed != "" && confirmStatus < http.StatusBadRequest {
			return v.accept(confirmed)
		}
	}

	if lastErr != nil {
		return Result{Status: StatusError, Err: lastErr}
	}
	return Result{Status: StatusUnverifiable}
}

func (v *Verifier) accept(final string) Result {
	if !v.allowList.Allows(final) {
		return Result{Status: StatusUnverifiable}
	}
	return Result{URL: final, Status: StatusVerified}
}

// probe issues one request with redirects followed and returns the status and
// the final URL. GET bodies are never read.
func (v *Verifier) probe(ctx context.Context, method, target string) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return 0, "", fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("User-Agent", v.userAgent)

	resp, err := v.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	final := target
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	return resp.StatusCode, final, nil
}

// CachedChecker memoizes results for the lifetime of one batch.
type CachedChecker struct {
	checker Checker
	mu      sync.Mutex
	results map[string]Result
}

// NewCachedChecker wraps checker with a per-call cache.
func NewCachedChecker(checker Checker) *CachedChecker {
	return &CachedChecker{checker: checker, results: make(map[string]Result)}
}

func (c *CachedChecker) Verify(ctx context.Context, rawURL string) Result {
	c.mu.Lock()
	if r, ok := c.results[rawURL]; ok {
		c.mu.Unlock()
		return r
	}
	c.mu.Unlock()

	r := c.checker.Verify(ctx, rawURL)

	c.mu.Lock()
	c.results[rawURL] = r
	c.mu.Unlock()
	return r
}
