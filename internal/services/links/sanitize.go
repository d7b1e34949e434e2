package links

import (
	"context"
	"regexp"
	"strings"
)

var (
	multiSpacePattern      = regexp.MustCompile(`[ \t]{2,}`)
	emptyParensPattern     = regexp.MustCompile(`\(\s*\)`)
	spaceBeforePunctuation = regexp.MustCompile(`\s+([,.;:!?])`)
	trailingSpacePattern   = regexp.MustCompile(` +\n`)
	blankLinesPattern      = regexp.MustCompile(`\n{3,}`)
)

// SanitizeResult is the outcome of rewriting the links in an answer.
type SanitizeResult struct {
	Text       string
	Removed    bool
	FailedURLs []string
}

// Sanitizer rewrites every URL in a text to its verified form or removes it.
type Sanitizer struct {
	checker    Checker
	maxWorkers int
}

func NewSanitizer(checker Checker, maxWorkers int) *Sanitizer {
	return &Sanitizer{checker: checker, maxWorkers: maxWorkers}
}

// Sanitize verifies the distinct URLs in text concurrently, then rebuilds the
// text left to right: verified URLs are replaced by their resolved form,
// unverified ones are removed along with any list separator right after them.
// Closing brackets and sentence terminators stay so that emptied parentheses
// can be cleaned up afterwards.
func (s *Sanitizer) Sanitize(ctx context.Context, text string) SanitizeResult {
	if text == "" {
		return SanitizeResult{Text: text}
	}
	matches := urlPattern.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return SanitizeResult{Text: text}
	}

	verified := VerifyAll(ctx, s.checker, ExtractURLs(text), s.maxWorkers)

	var (
		out        strings.Builder
		result     SanitizeResult
		seenFailed = make(map[string]bool)
		cursor     int
	)
	for _, m := range matches {
		raw := text[m[0]:m[1]]
		normalized := Normalize(raw)
		if normalized == "" {
			continue
		}

		out.WriteString(text[cursor:m[0]])
		trailing := ""
		if strings.HasPrefix(raw, normalized) {
			trailing = raw[len(normalized):]
		}

		if target := verified[normalized]; target != "" {
			out.WriteString(target)
		} else {
			result.Removed = true
			trailing = dropSeparators(trailing)
			if !seenFailed[normalized] {
				seenFailed[normalized] = true
				result.FailedURLs = append(result.FailedURLs, normalized)
			}
		}
		out.WriteString(trailing)
		cursor = m[1]
	}
	out.WriteString(text[cursor:])

	result.Text = tidy(out.String())
	return result
}

// dropSeparators removes list separators that trailed a removed URL. Closing
// brackets and sentence terminators stay.
func dropSeparators(trailing string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(",;:", r) {
			return -1
		}
		return r
	}, trailing)
}

func tidy(text string) string {
	text = multiSpacePattern.ReplaceAllString(text, " ")
	text = emptyParensPattern.ReplaceAllString(text, "")
	text = spaceBeforePunctuation.ReplaceAllString(text, "$1")
	text = trailingSpacePattern.ReplaceAllString(text, "\n")
	text = blankLinesPattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
