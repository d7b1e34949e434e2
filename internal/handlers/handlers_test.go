package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/campus-answer-bot-go/internal/services/backend"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	requests []tgbotapi.Chattable
	sendErrs []error
	attempts int
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return tgbotapi.Message{}, err
		}
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeSender) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeSender) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), f.sent...)
}

func (f *fakeSender) requested() []tgbotapi.Chattable {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.Chattable(nil), f.requests...)
}

type fakeBackend struct {
	mu      sync.Mutex
	answer  string
	err     error
	block   chan struct{}
	started chan struct{}
	panics  bool
	queries []string
	resets  []int64
}

func (f *fakeBackend) Query(ctx context.Context, q string, chatID int64) (string, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	block, started := f.block, f.started
	f.mu.Unlock()

	if f.panics {
		panic("boom")
	}
	if started != nil {
		close(started)
	}
	if block != nil {
		<-block
	}
	return f.answer, f.err
}

func (f *fakeBackend) Reset(ctx context.Context, chatID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, chatID)
	return nil
}

type denyAll struct{}

func (denyAll) Allow(int64) bool { return false }
func (denyAll) Reset(int64) {}

func testOptions() Options {
	return Options{
		Institution:    "AKTU and AKGEC",
		BotUsername:    "campus_bot",
		MaxInputLength: 50,
		SendRetries:    2,
		SendRetryDelay: time.Millisecond,
		TypingInterval: 10 * time.Millisecond,
		RenderMarkdown: true,
	}
}

func newTestBot(sender *fakeSender, be *fakeBackend) *Bot {
	return NewBot(sender, be, nil, nil, nil, nil, testOptions())
}

func textUpdate(chatID int64, text string) tgbotapi.Update {
	msg := &tgbotapi.Message{
		MessageID: 1,
		Chat:      &tgbotapi.Chat{ID: chatID, Type: "private"},
		From:      &tgbotapi.User{ID: 99},
		Text:      text,
	}
	if strings.HasPrefix(text, "/") {
		length := len(strings.Fields(text)[0])
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: length}}
	}
	return tgbotapi.Update{Message: msg}
}

func callbackUpdate(chatID int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb-1",
		From:    &tgbotapi.User{ID: 99},
		Data:    data,
		Message: &tgbotapi.Message{MessageID: 12, Chat: &tgbotapi.Chat{ID: chatID}},
	}}
}

func keyboardOf(t *testing.T, msg tgbotapi.MessageConfig) tgbotapi.InlineKeyboardMarkup {
	t.Helper()
	kb, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok, "reply carries the inline keyboard")
	return kb
}

func callbackData(kb tgbotapi.InlineKeyboardMarkup) []string {
	var out []string
	for _, row := range kb.InlineKeyboard {
		for _, b := range row {
			out = append(out, *b.CallbackData)
		}
	}
	return out
}

func TestStartResetsSession(t *testing.T) {
	sender, be := &fakeSender{}, &fakeBackend{}
	bot := newTestBot(sender, be)

	bot.HandleUpdate(context.Background(), textUpdate(5, "/start"))

	assert.Equal(t, []int64{5}, be.resets)
	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello!\nAsk me anything about AKTU and AKGEC official information.\nYou can also use the shortcut buttons below.", msgs[0].Text)
	assert.Equal(t, []string{callbackShowShortcuts, callbackStartFresh}, callbackData(keyboardOf(t, msgs[0])))
}

func TestShortcutCommand(t *testing.T) {
	sender, be := &fakeSender{}, &fakeBackend{}
	bot := newTestBot(sender, be)

	bot.HandleUpdate(context.Background(), textUpdate(5, "/fee@campus_bot"))
	bot.HandleUpdate(context.Background(), textUpdate(5, "/unknown"))

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Fee Structure :- https://www.akgec.ac.in/admissions/fee-structure/", msgs[0].Text)
	assert.Empty(t, be.queries)
}

func TestToggleShortcutsAndCallbacks(t *testing.T) {
	sender, be := &fakeSender{}, &fakeBackend{}
	bot := newTestBot(sender, be)
	ctx := context.Background()

	bot.HandleUpdate(ctx, callbackUpdate(8, callbackShowShortcuts))

	var edit *tgbotapi.EditMessageReplyMarkupConfig
	answered := false
	for _, req := range sender.requested() {
		switch r := req.(type) {
		case tgbotapi.EditMessageReplyMarkupConfig:
			edit = &r
		case tgbotapi.CallbackConfig:
			answered = r.CallbackQueryID == "cb-1"
		}
	}
	assert.True(t, answered)
	require.NotNil(t, edit)
	assert.Equal(t, 12, edit.MessageID)
	assert.Equal(t, []string{
		"shortcut:result", "shortcut:calendar",
		"shortcut:admission", "shortcut:fee",
		"shortcut:syllabus", "shortcut:circulars",
		callbackHideShortcuts, callbackStartFresh,
	}, callbackData(*edit.ReplyMarkup))

	bot.HandleUpdate(ctx, callbackUpdate(8, "shortcut:calendar"))
	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Calendar :- https://www.akgec.ac.in/academics/academic-calendar/", msgs[0].Text)
	assert.Len(t, keyboardOf(t, msgs[0]).InlineKeyboard, 5, "expanded keyboard stays expanded")

	bot.HandleUpdate(ctx, callbackUpdate(8, callbackStartFresh))
	msgs = sender.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, []int64{8}, be.resets)
	assert.Len(t, keyboardOf(t, msgs[1]).InlineKeyboard, 2, "start fresh collapses the keyboard")
}

func TestMessageForwardedAndRendered(t *testing.T) {
	sender := &fakeSender{}
	be := &fakeBackend{answer: "Results are **out**: https://aktu.ac.in/results"}
	bot := newTestBot(sender, be)

	bot.HandleUpdate(context.Background(), textUpdate(3, "@campus_bot  results? "))

	assert.Equal(t, []string{"results?"}, be.queries)
	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, tgbotapi.ModeHTML, msgs[0].ParseMode)
	assert.Contains(t, msgs[0].Text, "<b>out</b>")
	assert.Contains(t, msgs[0].Text, `<a href="https://aktu.ac.in/results">`)
	keyboardOf(t, msgs[0])

	typing := 0
	for _, req := range sender.requested() {
		if action, ok := req.(tgbotapi.ChatActionConfig); ok && action.Action == tgbotapi.ChatTyping {
			typing++
		}
	}
	assert.GreaterOrEqual(t, typing, 1)
}

func TestMessageBackendFailures(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		err    error
		want   string
	}{
		{"timeout", "", fmt.Errorf("%w: context deadline exceeded", backend.ErrUnavailable), "Server is taking too long right now. Please try again in a few seconds."},
		{"invalid", "", fmt.Errorf("%w: bad json", backend.ErrInvalidResponse), "I got an invalid response from the server. Please try again."},
		{"empty", "  ", nil, "I could not process your request right now."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{}
			bot := newTestBot(sender, &fakeBackend{answer: tt.answer, err: tt.err})

			bot.HandleUpdate(context.Background(), textUpdate(3, "fees"))

			msgs := sender.messages()
			require.Len(t, msgs, 1)
			assert.Contains(t, msgs[0].Text, tt.want)
		})
	}
}

func TestBusyChatRejectsSecondMessage(t *testing.T) {
	sender := &fakeSender{}
	be := &fakeBackend{answer: "done", block: make(chan struct{}), started: make(chan struct{})}
	bot := newTestBot(sender, be)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		bot.HandleUpdate(ctx, textUpdate(4, "first"))
		close(done)
	}()
	<-be.started

	be.mu.Lock()
	be.started = nil
	be.mu.Unlock()

	bot.HandleUpdate(ctx, textUpdate(4, "second"))
	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Please wait, I am still replying to your previous message.", msgs[0].Text)
	assert.Nil(t, msgs[0].ReplyMarkup)

	close(be.block)
	<-done

	msgs = sender.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "done", msgs[1].Text)
	assert.Equal(t, []string{"first"}, be.queries)
}

func TestSendRetriesNetworkErrors(t *testing.T) {
	sender := &fakeSender{sendErrs: []error{errors.New("connection reset"), errors.New("timeout")}}
	bot := newTestBot(sender, &fakeBackend{})

	bot.HandleUpdate(context.Background(), textUpdate(5, "/result"))

	assert.Equal(t, 3, sender.attempts)
	require.Len(t, sender.messages(), 1)
}

func TestSendGivesUpAfterRetries(t *testing.T) {
	netErr := errors.New("connection reset")
	sender := &fakeSender{sendErrs: []error{netErr, netErr, netErr, netErr}}
	bot := newTestBot(sender, &fakeBackend{})

	bot.HandleUpdate(context.Background(), textUpdate(5, "/result"))

	assert.Equal(t, 3, sender.attempts)
	assert.Empty(t, sender.messages())
}

func TestHTMLRejectedFallsBackToPlainText(t *testing.T) {
	sender := &fakeSender{sendErrs: []error{&tgbotapi.Error{Code: 400, Message: "Bad Request: can't parse entities"}}}
	bot := newTestBot(sender, &fakeBackend{answer: "Fee: https://akgec.ac.in/fees"})

	bot.HandleUpdate(context.Background(), textUpdate(5, "fee"))

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "", msgs[0].ParseMode)
	assert.Equal(t, "Fee: https://akgec.ac.in/fees", msgs[0].Text)
	assert.Equal(t, 2, sender.attempts)
}

func TestRateLimitedAndInvalidInput(t *testing.T) {
	sender, be := &fakeSender{}, &fakeBackend{answer: "x"}
	bot := NewBot(sender, be, denyAll{}, nil, nil, nil, testOptions())

	bot.HandleUpdate(context.Background(), textUpdate(6, "fees"))
	bot.HandleUpdate(context.Background(), textUpdate(6, strings.Repeat("a", 51)))
	bot.HandleUpdate(context.Background(), textUpdate(6, "   "))

	assert.Empty(t, be.queries)
	msgs := sender.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "You are sending messages too quickly. Please wait a moment and try again.", msgs[0].Text)
	assert.Equal(t, "Your message is too long. Please shorten it to 50 characters or fewer.", msgs[1].Text)
}

func TestPanicAnsweredWithGenericError(t *testing.T) {
	sender := &fakeSender{}
	bot := newTestBot(sender, &fakeBackend{panics: true})

	assert.NotPanics(t, func() {
		bot.HandleUpdate(context.Background(), textUpdate(2, "fees"))
	})

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Something went wrong. Please try again.", msgs[0].Text)
}

func TestPanicReleasesChatLock(t *testing.T) {
	sender := &fakeSender{}
	be := &fakeBackend{panics: true, answer: "Fees are on the portal."}
	bot := newTestBot(sender, be)

	bot.HandleUpdate(context.Background(), textUpdate(2, "fees"))
	be.panics = false
	bot.HandleUpdate(context.Background(), textUpdate(2, "fees again"))

	assert.Equal(t, []string{"fees", "fees again"}, be.queries)
	msgs := sender.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Something went wrong. Please try again.", msgs[0].Text)
	assert.Equal(t, "Fees are on the portal.", msgs[1].Text)
}

func TestChatLocksDropIdleChats(t *testing.T) {
	now := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	locks := newChatLocks()
	locks.now = func() time.Time { return now }
	locks.lastSweep = now

	unlock, ok := locks.tryLock(1)
	require.True(t, ok)
	unlock()
	_, ok = locks.tryLock(2)
	require.True(t, ok, "chat 2 stays in flight")

	_, ok = locks.tryLock(2)
	assert.False(t, ok)
	assert.Equal(t, 2, locks.size())

	now = now.Add(2 * chatLockIdleTTL)
	unlock, ok = locks.tryLock(3)
	require.True(t, ok)
	unlock()

	assert.Equal(t, 2, locks.size(), "idle chat 1 dropped, busy chat 2 kept")
	_, ok = locks.tryLock(2)
	assert.False(t, ok)
	unlock, ok = locks.tryLock(1)
	assert.True(t, ok)
	unlock()
}
