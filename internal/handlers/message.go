package handlers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/campus-answer-bot-go/internal/i18n"
	"github.com/campus-answer-bot-go/internal/middleware"
	"github.com/campus-answer-bot-go/internal/services/backend"
	"github.com/campus-answer-bot-go/pkg/logger"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

const chatLockIdleTTL = time.Hour

type chatLock struct {
	mu       sync.Mutex
	lastUsed time.Time
}

// chatLocks allows one in-flight question per chat. Locks are only acquired
// under mu, so idle entries can be dropped without racing a new question.
type chatLocks struct {
	mu        sync.Mutex
	locks     map[int64]*chatLock
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newChatLocks() *chatLocks {
	return &chatLocks{
		locks:     make(map[int64]*chatLock),
		idleTTL:   chatLockIdleTTL,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (c *chatLocks) tryLock(chatID int64) (unlock func(), ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.lastSweep) >= c.idleTTL {
		c.sweep(now)
		c.lastSweep = now
	}

	lock, exists := c.locks[chatID]
	if !exists {
		lock = &chatLock{}
		c.locks[chatID] = lock
	}
	lock.lastUsed = now
	if !lock.mu.TryLock() {
		return nil, false
	}
	return lock.mu.Unlock, true
}

// sweep drops chats idle longer than idleTTL whose lock is free.
// Callers hold c.mu.
func (c *chatLocks) sweep(now time.Time) int {
	removed := 0
	for chatID, lock := range c.locks {
		if now.Sub(lock.lastUsed) < c.idleTTL || !lock.mu.TryLock() {
			continue
		}
		delete(c.locks, chatID)
		lock.mu.Unlock()
		removed++
	}
	return removed
}

func (c *chatLocks) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}

// MessageHandler forwards plain text messages to the query service
type MessageHandler struct {
	sender      Sender
	backend     Backend
	rateLimiter middleware.RateLimiter
	security    *middleware.SecurityMiddleware
	out         *replier
	locks       *chatLocks
	logger      *logrus.Logger
}

// HandleMessage processes regular messages
func (h *MessageHandler) HandleMessage(ctx context.Context, message *tgbotapi.Message) error {
	if message.Chat == nil || message.Text == "" {
		return nil
	}
	chatID := message.Chat.ID
	text := h.cleanMessage(message.Text)

	if err := h.security.ValidateInput(text); err != nil {
		if errors.Is(err, middleware.ErrInputTooLong) {
			h.out.replyBare(ctx, chatID, h.out.text(i18n.MsgInputTooLong, map[string]interface{}{
				"Max": h.out.opts.MaxInputLength,
			}))
		}
		return nil
	}

	if h.rateLimiter != nil && !h.rateLimiter.Allow(chatID) {
		h.out.replyBare(ctx, chatID, h.out.text(i18n.MsgRateLimitExceeded, nil))
		return nil
	}

	unlock, ok := h.locks.tryLock(chatID)
	if !ok {
		h.out.replyBare(ctx, chatID, h.out.text(i18n.MsgBusy, nil))
		return nil
	}

	answer := func() string {
		defer unlock()
		return h.ask(ctx, chatID, text)
	}()

	h.out.replyAnswer(ctx, chatID, answer)
	return nil
}

// ask queries the backend while showing the typing indicator and maps
// failures to user-facing messages.
func (h *MessageHandler) ask(ctx context.Context, chatID int64, text string) string {
	typingCtx, stopTyping := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.typingLoop(typingCtx, chatID)
	}()
	defer func() {
		stopTyping()
		wg.Wait()
	}()

	start := time.Now()
	answer, err := h.backend.Query(ctx, text, chatID)
	log := logger.WithChat(h.logger, chatID).WithField("duration", time.Since(start))

	switch {
	case errors.Is(err, backend.ErrInvalidResponse):
		log.WithError(err).Error("Backend returned invalid JSON")
		return h.out.text(i18n.MsgBackendInvalid, nil)
	case err != nil:
		log.WithError(err).Error("Backend request failed")
		return h.out.text(i18n.MsgBackendTimeout, nil)
	case strings.TrimSpace(answer) == "":
		log.Warn("Backend returned no answer")
		return h.out.text(i18n.MsgNoAnswer, nil)
	}
	log.Debug("Backend answered")
	return answer
}

func (h *MessageHandler) typingLoop(ctx context.Context, chatID int64) {
	ticker := time.NewTicker(h.out.opts.TypingInterval)
	defer ticker.Stop()

	for {
		if _, err := h.sender.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
			h.logger.WithError(err).Debug("Failed to send typing action")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cleanMessage removes the bot mention used to address it in groups
func (h *MessageHandler) cleanMessage(text string) string {
	if name := h.out.opts.BotUsername; name != "" {
		text = strings.ReplaceAll(text, "@"+name, "")
	}
	return strings.TrimSpace(text)
}
