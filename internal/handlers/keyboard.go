package handlers

import (
	"sync"

	"github.com/campus-answer-bot-go/internal/i18n"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Callback data values
const (
	callbackShowShortcuts = "toggle_shortcuts:show"
	callbackHideShortcuts = "toggle_shortcuts:hide"
	callbackStartFresh    = "start_fresh"
	shortcutPrefix        = "shortcut:"
	togglePrefix          = "toggle_shortcuts:"
)

type shortcut struct {
	key   string
	label string
	text  string
}

// Shortcuts answer with a fixed official link, in keyboard order.
var shortcuts = []shortcut{
	{"result", "Result", "Results :- https://erp.aktu.ac.in/WebPages/OneView/OneView.aspx"},
	{"calendar", "Calendar", "Calendar :- https://www.akgec.ac.in/academics/academic-calendar/"},
	{"admission", "Admission", "Admission :- https://admissions.akgec.ac.in/"},
	{"fee", "Fee", "Fee Structure :- https://www.akgec.ac.in/admissions/fee-structure/"},
	{"syllabus", "Syllabus", "Syllabus :- https://aktu.ac.in/syllabus.html"},
	{"circulars", "Circulars", "AKTU Circulars :- https://aktu.ac.in/circulars.html"},
}

// ShortcutText returns the fixed reply for a shortcut key.
func ShortcutText(key string) (string, bool) {
	for _, s := range shortcuts {
		if s.key == key {
			return s.text, true
		}
	}
	return "", false
}

// ShortcutCommands lists the shortcut keys usable as slash commands.
func ShortcutCommands() []string {
	keys := make([]string, len(shortcuts))
	for i, s := range shortcuts {
		keys[i] = s.key
	}
	return keys
}

// menuState remembers which chats have the shortcut keyboard expanded.
type menuState struct {
	mu       sync.RWMutex
	expanded map[int64]bool
}

func newMenuState() *menuState {
	return &menuState{expanded: make(map[int64]bool)}
}

func (m *menuState) set(chatID int64, expanded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if expanded {
		m.expanded[chatID] = true
		return
	}
	delete(m.expanded, chatID)
}

func (m *menuState) isExpanded(chatID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expanded[chatID]
}

func buildKeyboard(localizer *i18n.Localizer, lang string, expanded bool) tgbotapi.InlineKeyboardMarkup {
	startFresh := tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData(localizer.Get(lang, i18n.MsgButtonStartFresh, nil), callbackStartFresh),
	)
	if !expanded {
		return tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(localizer.Get(lang, i18n.MsgButtonMore, nil), callbackShowShortcuts),
			),
			startFresh,
		)
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	for i := 0; i < len(shortcuts); i += 2 {
		row := []tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardButtonData(shortcuts[i].label, shortcutPrefix+shortcuts[i].key),
		}
		if i+1 < len(shortcuts) {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(shortcuts[i+1].label, shortcutPrefix+shortcuts[i+1].key))
		}
		rows = append(rows, row)
	}
	rows = append(rows,
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(localizer.Get(lang, i18n.MsgButtonHide, nil), callbackHideShortcuts),
		),
		startFresh,
	)
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}
