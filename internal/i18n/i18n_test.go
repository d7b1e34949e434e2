package i18n

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/campus-answer-bot-go/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMessages(t *testing.T) {
	l := Default()

	assert.Equal(t, "AI quota is currently exhausted. Please try again shortly.", l.T(MsgQuotaExceeded))
	assert.Equal(t, "Session reset", l.T(MsgSessionReset))
	assert.Equal(t,
		"Hello!\nAsk me anything about AKTU and AKGEC official information.\nYou can also use the shortcut buttons below.",
		l.Get("en", MsgWelcome, map[string]interface{}{"Institution": "AKTU and AKGEC"}))
	assert.Equal(t, "unknown_id", l.T("unknown_id"))
}

func TestNewLocalizer_FileOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hi.json"),
		[]byte(`{"busy": "Kripya pratiksha karein."}`), 0o644))

	l, err := NewLocalizer(&config.I18nConfig{
		DefaultLanguage: "en",
		Languages:       []string{"en", "hi"},
		Directory:       dir,
	})
	require.NoError(t, err)

	assert.Equal(t, "Kripya pratiksha karein.", l.Get("hi", MsgBusy, nil))
	assert.Equal(t, "Something went wrong. Please try again.", l.Get("hi", MsgError, nil), "falls back to English")
	assert.Equal(t, "Please wait, I am still replying to your previous message.", l.Get("fr", MsgBusy, nil))
	assert.Equal(t, "Your message is too long. Please shorten it to 10 characters or fewer.",
		l.Get("hi", MsgInputTooLong, map[string]interface{}{"Max": 10}), "fallback keeps template data")
	assert.Equal(t, "unknown_id", l.Get("hi", "unknown_id", nil))
}

func TestNewLocalizer_BadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "en.json"), []byte(`{not json`), 0o644))

	_, err := NewLocalizer(&config.I18nConfig{DefaultLanguage: "en", Languages: []string{"en"}, Directory: dir})
	assert.Error(t, err)
}
