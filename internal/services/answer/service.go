package answer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/campus-answer-bot-go/internal/config"
	"github.com/campus-answer-bot-go/internal/models"
	"github.com/campus-answer-bot-go/internal/services/ai"
	"github.com/campus-answer-bot-go/internal/services/links"
	"github.com/campus-answer-bot-go/pkg/logger"
	"github.com/sirupsen/logrus"
)

// AdmissionNote closes an answer whose links could not be repaired.
const AdmissionNote = "I could not verify a working official link right now."

// Options tunes the reply flow.
type Options struct {
	Institution        string
	ChatTimeout        time.Duration
	RetryAttempts      int
	MaxResponseSources int
}

// OptionsFromConfig builds Options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Institution:        cfg.Assistant.Institution,
		ChatTimeout:        cfg.Gemini.ChatTimeout(),
		RetryAttempts:      cfg.Links.RetryAttempts,
		MaxResponseSources: cfg.Links.MaxResponseSources,
	}
}

// Service turns a user question into a reply whose links are all verified.
type Service struct {
	chat      ai.Chatter
	sanitizer *links.Sanitizer
	allowList *links.AllowList
	opts      Options
	logger    *logrus.Logger
	now       func() time.Time
}

// NewService creates a new answer service
func NewService(chat ai.Chatter, sanitizer *links.Sanitizer, allowList *links.AllowList, opts Options, log *logrus.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	if opts.MaxResponseSources <= 0 {
		opts.MaxResponseSources = 5
	}
	return &Service{
		chat:      chat,
		sanitizer: sanitizer,
		allowList: allowList,
		opts:      opts,
		logger:    log,
		now:       time.Now,
	}
}

type pass struct {
	mode    models.Mode
	answer  string
	raw     string
	sources []models.Source
	model   string
	tool    string
	removed bool
	failed  []string
}

// ClassifyAndReply asks the upstream, parses the answer and repairs its links:
// dead links are removed, a verified citation is substituted when none remain,
// and one retry asks for a reachable alternative before admitting failure.
func (s *Service) ClassifyAndReply(ctx context.Context, userText, previousUserText string) (*models.Reply, error) {
	first, err := s.ask(ctx, BuildUserPrompt(userText, previousUserText))
	if err != nil {
		return nil, err
	}

	current := first
	removed := first.removed
	failed := first.failed
	substituted := false
	hasURLs := links.ContainsURL(current.answer)

	if removed && !hasURLs {
		if alt := PickAlternative(current.sources, failed); alt != "" {
			current.answer = AppendOfficialLink(current.answer, alt)
			substituted, hasURLs = true, true
		}
	}

	if removed && !hasURLs {
		retried, err := s.retryForAlternative(ctx, userText, previousUserText, failed)
		switch {
		case err != nil:
			s.logger.WithFields(logrus.Fields{
				"error": logger.Truncate(err.Error(), logger.MaxDetailLength),
			}).Warn("Alternative link retry failed")
		case retried != nil && retried.answer != "":
			if retried.raw == "" {
				retried.raw = current.raw
			}
			current = *retried
			failed = union(failed, retried.failed)
			hasURLs = links.ContainsURL(current.answer)
			if !hasURLs {
				if alt := PickAlternative(current.sources, failed); alt != "" {
					current.answer = AppendOfficialLink(current.answer, alt)
					substituted, hasURLs = true, true
				}
			}
		}
	}

	answer := AppendSources(current.answer, current.sources, s.opts.MaxResponseSources)
	if removed && !hasURLs && !substituted {
		answer = strings.TrimSpace(answer + "\n\n" + AdmissionNote)
	}

	s.logger.WithFields(logrus.Fields{
		"model":         current.model,
		"tool":          current.tool,
		"mode":          current.mode,
		"sources":       len(current.sources),
		"links_removed": removed,
		"failed_urls":   len(failed),
	}).Debug("Reply composed")

	return &models.Reply{
		Mode:         current.mode,
		Answer:       answer,
		RawAnswer:    current.raw,
		Model:        current.model,
		Tool:         current.tool,
		Sources:      current.sources,
		LinksRemoved: removed,
		FailedURLs:   failed,
	}, nil
}

// ask runs one upstream call and the parse and sanitize passes on its answer.
func (s *Service) ask(ctx context.Context, userContent string) (pass, error) {
	messages := []models.Message{
		{Role: models.RoleSystem, Content: BuildSystemPrompt(s.opts.Institution, s.now(), s.allowList)},
		{Role: models.RoleUser, Content: userContent},
	}
	result, err := s.chat.Chat(ctx, messages, s.opts.ChatTimeout)
	if err != nil {
		return pass{}, err
	}

	parsed, err := ai.ParseAnswer(result.Text)
	if err != nil {
		return pass{}, fmt.Errorf("failed to parse answer: %w", err)
	}

	sanitized := s.sanitizer.Sanitize(ctx, parsed.Answer)
	return pass{
		mode:    parsed.Mode,
		answer:  sanitized.Text,
		raw:     strings.TrimSpace(result.Text),
		sources: result.Sources,
		model:   result.Model,
		tool:    result.Tool,
		removed: sanitized.Removed,
		failed:  sanitized.FailedURLs,
	}, nil
}

func (s *Service) retryForAlternative(ctx context.Context, userText, previousUserText string, failed []string) (*pass, error) {
	var last *pass
	for attempt := 0; attempt < s.opts.RetryAttempts; attempt++ {
		p, err := s.ask(ctx, BuildRetryPrompt(userText, previousUserText, failed))
		if err != nil {
			return nil, err
		}
		last = &p
		failed = union(failed, p.failed)
		if links.ContainsURL(p.answer) || len(p.sources) > 0 {
			break
		}
	}
	return last, nil
}

// PickAlternative returns the first citation URL that did not fail inline
// verification.
func PickAlternative(sources []models.Source, failedURLs []string) string {
	failed := make(map[string]bool, len(failedURLs))
	for _, u := range failedURLs {
		failed[links.Normalize(u)] = true
	}
	for _, src := range sources {
		u := links.Normalize(src.URL)
		if u == "" || failed[u] {
			continue
		}
		return u
	}
	return ""
}

// AppendOfficialLink adds an "Official link:" line unless url already appears.
func AppendOfficialLink(answer, url string) string {
	line := "Official link: " + url
	if answer == "" {
		return line
	}
	if strings.Contains(answer, url) {
		return answer
	}
	return strings.TrimSpace(answer + "\n\n" + line)
}

// AppendSources lists up to max sources under the answer when it carries no
// link of its own.
func AppendSources(answer string, sources []models.Source, max int) string {
	if len(sources) == 0 {
		return answer
	}
	if strings.Contains(answer, "https://") || strings.Contains(answer, "http://") {
		return answer
	}
	lines := []string{answer, "", "Sources:"}
	for i, src := range sources {
		if i >= max {
			break
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", src.Title, src.URL))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func union(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]bool, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, u := range list {
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	return out
}
