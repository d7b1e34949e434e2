package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/campus-answer-bot-go/internal/i18n"
	"github.com/campus-answer-bot-go/internal/services/ai"
)

// Status tags recorded in the query log for every answered query.
const (
	StatusOK                = "AI_ONE_CALL"
	StatusQuotaExceeded     = "LLM_QUOTA_EXCEEDED"
	StatusHTTPError         = "LLM_HTTP_ERROR"
	StatusTimeout           = "LLM_TIMEOUT"
	StatusModelsUnavailable = "LLM_MODELS_UNAVAILABLE"
	StatusBadResponse       = "LLM_BAD_RESPONSE"
	StatusConfigError       = "LLM_CONFIG_ERROR"
)

// Classify maps a reply failure to its status tag and user message id.
func Classify(err error) (status, messageID string) {
	var httpErr *ai.HTTPError
	var transportErr *ai.TransportError

	switch {
	case errors.Is(err, ai.ErrMissingAPIKey):
		return StatusConfigError, i18n.MsgConfigError
	case errors.Is(err, ai.ErrAllModelsUnavailable):
		return StatusModelsUnavailable, i18n.MsgModelsUnavailable
	case errors.As(err, &httpErr):
		if httpErr.StatusCode == http.StatusTooManyRequests {
			return StatusQuotaExceeded, i18n.MsgQuotaExceeded
		}
		return StatusHTTPError, i18n.MsgUpstreamUnavailable
	case errors.As(err, &transportErr),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return StatusTimeout, i18n.MsgUpstreamTimeout
	case errors.Is(err, ai.ErrNoCandidates),
		errors.Is(err, ai.ErrEmptyContent),
		errors.Is(err, ai.ErrBlankAnswer),
		errors.Is(err, ai.ErrEmptyAnswer),
		errors.Is(err, ai.ErrMalformedResponse):
		return StatusBadResponse, i18n.MsgBadResponse
	default:
		return StatusTimeout, i18n.MsgUpstreamTimeout
	}
}
