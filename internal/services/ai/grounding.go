package ai

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/campus-answer-bot-go/internal/models"
	"github.com/campus-answer-bot-go/internal/services/links"
)

// DefaultMaxSources caps the citations kept from one response.
const DefaultMaxSources = 8

var whitespacePattern = regexp.MustCompile(`\s+`)

type groundingChunk struct {
	Web *struct {
		URI   string `json:"uri"`
		Title string `json:"title"`
	} `json:"web"`
}

// SourceExtractor turns grounding chunks into verified, deduplicated sources.
type SourceExtractor struct {
	checker links.Checker
	max     int
}

// NewSourceExtractor creates an extractor. max <= 0 uses DefaultMaxSources.
func NewSourceExtractor(checker links.Checker, max int) *SourceExtractor {
	if max <= 0 {
		max = DefaultMaxSources
	}
	return &SourceExtractor{checker: checker, max: max}
}

// Extract walks chunks in order, skipping malformed and non-web entries and
// duplicate input URLs, verifies each URL once, drops duplicates by resolved
// URL and stops at the cap.
func (e *SourceExtractor) Extract(ctx context.Context, chunks []json.RawMessage) []models.Source {
	if e == nil || e.checker == nil || len(chunks) == 0 {
		return nil
	}

	checker := links.NewCachedChecker(e.checker)
	seenInput := make(map[string]bool)
	seenResolved := make(map[string]bool)
	var sources []models.Source

	for _, raw := range chunks {
		if len(sources) >= e.max {
			break
		}
		var chunk groundingChunk
		if err := json.Unmarshal(raw, &chunk); err != nil || chunk.Web == nil {
			continue
		}
		uri := strings.TrimSpace(chunk.Web.URI)
		if uri == "" || seenInput[uri] {
			continue
		}
		seenInput[uri] = true

		result := checker.Verify(ctx, uri)
		if !result.OK() || seenResolved[result.URL] {
			continue
		}
		seenResolved[result.URL] = true

		title := strings.TrimSpace(chunk.Web.Title)
		if title == "" {
			title = uri
		}
		sources = append(sources, models.Source{
			Title: whitespacePattern.ReplaceAllString(title, " "),
			URL:   result.URL,
		})
	}
	return sources
}
