package i18n

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/campus-answer-bot-go/internal/config"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

// Localizer manages internationalization
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	localizers      map[string]*i18n.Localizer
}

// NewLocalizer creates a new localizer. English messages are built in; a
// {lang}.json file in the configured directory overrides or adds a language.
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)
	if err := bundle.AddMessages(language.English, defaultMessages...); err != nil {
		return nil, fmt.Errorf("failed to register default messages: %w", err)
	}

	defaultLanguage := cfg.DefaultLanguage
	if defaultLanguage == "" {
		defaultLanguage = "en"
	}
	languages := cfg.Languages
	if len(languages) == 0 {
		languages = []string{defaultLanguage}
	}

	// Load language files
	if cfg.Directory != "" {
		for _, lang := range languages {
			path := filepath.Join(cfg.Directory, lang+".json")
			if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if _, err := bundle.LoadMessageFile(path); err != nil {
				return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
			}
		}
	}

	localizers := make(map[string]*i18n.Localizer)
	for _, lang := range append([]string{defaultLanguage}, languages...) {
		localizers[lang] = i18n.NewLocalizer(bundle, lang, defaultLanguage)
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: defaultLanguage,
		localizers:      localizers,
	}, nil
}

// Default returns a localizer with only the built-in English messages.
func Default() *Localizer {
	l, err := NewLocalizer(&config.I18nConfig{DefaultLanguage: "en"})
	if err != nil {
		panic(err)
	}
	return l
}

// Get returns localized message
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	localizer, exists := l.localizers[lang]
	if !exists {
		localizer = l.localizers[l.defaultLanguage]
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		// A missing translation still yields the default language text.
		if msg != "" {
			return msg
		}
		return messageID
	}

	return msg
}

// T returns the message in the default language.
func (l *Localizer) T(messageID string) string {
	return l.Get(l.defaultLanguage, messageID, nil)
}

// Message IDs
const (
	MsgQuotaExceeded       = "quota_exceeded"
	MsgUpstreamUnavailable = "upstream_unavailable"
	MsgUpstreamTimeout     = "upstream_timeout"
	MsgModelsUnavailable   = "models_unavailable"
	MsgBadResponse         = "bad_response"
	MsgConfigError         = "config_error"
	MsgSessionReset        = "session_reset"

	MsgWelcome           = "welcome"
	MsgBusy              = "busy"
	MsgNoAnswer          = "no_answer"
	MsgBackendTimeout    = "backend_timeout"
	MsgBackendInvalid    = "backend_invalid"
	MsgError             = "error"
	MsgRateLimitExceeded = "rate_limit_exceeded"
	MsgInputTooLong      = "input_too_long"

	MsgButtonMore       = "button_more"
	MsgButtonHide       = "button_hide"
	MsgButtonStartFresh = "button_start_fresh"
)

var defaultMessages = []*i18n.Message{
	{ID: MsgQuotaExceeded, Other: "AI quota is currently exhausted. Please try again shortly."},
	{ID: MsgUpstreamUnavailable, Other: "AI service is unavailable right now. Please try again."},
	{ID: MsgUpstreamTimeout, Other: "AI service is taking too long right now. Please try again."},
	{ID: MsgModelsUnavailable, Other: "All configured AI models are temporarily unavailable. Please try again later."},
	{ID: MsgBadResponse, Other: "AI service returned an unexpected response. Please try again."},
	{ID: MsgConfigError, Other: "AI service is not configured right now. Please try again later."},
	{ID: MsgSessionReset, Other: "Session reset"},

	{ID: MsgWelcome, Other: "Hello!\nAsk me anything about {{.Institution}} official information.\nYou can also use the shortcut buttons below."},
	{ID: MsgBusy, Other: "Please wait, I am still replying to your previous message."},
	{ID: MsgNoAnswer, Other: "I could not process your request right now."},
	{ID: MsgBackendTimeout, Other: "Server is taking too long right now. Please try again in a few seconds."},
	{ID: MsgBackendInvalid, Other: "I got an invalid response from the server. Please try again."},
	{ID: MsgError, Other: "Something went wrong. Please try again."},
	{ID: MsgRateLimitExceeded, Other: "You are sending messages too quickly. Please wait a moment and try again."},
	{ID: MsgInputTooLong, Other: "Your message is too long. Please shorten it to {{.Max}} characters or fewer."},

	{ID: MsgButtonMore, Other: "More..."},
	{ID: MsgButtonHide, Other: "Hide..."},
	{ID: MsgButtonStartFresh, Other: "Start Fresh"},
}
