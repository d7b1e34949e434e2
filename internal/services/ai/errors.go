package ai

import (
	"errors"
	"fmt"
)

var (
	ErrMissingAPIKey        = errors.New("GEMINI_API_KEY is missing")
	ErrAllModelsUnavailable = errors.New("all configured models are currently unavailable")
	ErrChatFailed           = errors.New("chat failed")
	ErrNoCandidates         = errors.New("upstream returned no candidates")
	ErrEmptyContent         = errors.New("upstream returned empty content")
	ErrBlankAnswer          = errors.New("upstream returned blank text")
	ErrEmptyAnswer          = errors.New("upstream returned an empty answer")
	ErrMalformedResponse    = errors.New("upstream returned a malformed response")
)

// HTTPError is an upstream response with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Model      string
	Tool       string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream HTTP %d (model=%s tool=%s)", e.StatusCode, e.Model, e.Tool)
}

// TransportError is a connection or timeout failure that outlived every retry.
type TransportError struct {
	Attempts int
	Model    string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream transport failure after %d attempts (model=%s): %v", e.Attempts, e.Model, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
