package handlers

import (
	"context"
	"strings"

	"github.com/campus-answer-bot-go/internal/i18n"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// CommandHandler handles slash commands and inline keyboard callbacks
type CommandHandler struct {
	backend Backend
	out     *replier
	menus   *menuState
	logger  *logrus.Logger
}

// HandleCommand processes telegram commands. Unknown commands are ignored.
func (h *CommandHandler) HandleCommand(ctx context.Context, message *tgbotapi.Message) error {
	if message.Chat == nil {
		return nil
	}
	chatID := message.Chat.ID
	command := strings.ToLower(message.Command())

	switch command {
	case "start":
		return h.handleStart(ctx, chatID)
	default:
		if text, ok := ShortcutText(command); ok {
			h.out.reply(ctx, chatID, text)
		}
		return nil
	}
}

// HandleCallbackQuery processes inline keyboard callbacks
func (h *CommandHandler) HandleCallbackQuery(ctx context.Context, callback *tgbotapi.CallbackQuery) error {
	// Answer callback to remove loading state
	if _, err := h.out.sender.Request(tgbotapi.NewCallback(callback.ID, "")); err != nil {
		h.logger.WithError(err).Debug("Failed to answer callback")
	}

	if callback.Message == nil || callback.Message.Chat == nil {
		return nil
	}
	chatID := callback.Message.Chat.ID
	data := callback.Data

	switch {
	case data == callbackStartFresh:
		return h.handleStart(ctx, chatID)
	case strings.HasPrefix(data, togglePrefix):
		action := strings.ToLower(strings.TrimPrefix(data, togglePrefix))
		return h.handleToggle(chatID, callback.Message.MessageID, action == "show")
	case strings.HasPrefix(data, shortcutPrefix):
		key := strings.ToLower(strings.TrimPrefix(data, shortcutPrefix))
		if text, ok := ShortcutText(key); ok {
			h.out.reply(ctx, chatID, text)
		}
	}
	return nil
}

// handleStart resets the backend session and greets the user
func (h *CommandHandler) handleStart(ctx context.Context, chatID int64) error {
	if err := h.backend.Reset(ctx, chatID); err != nil {
		h.logger.WithError(err).WithField("chat_id", chatID).Error("Failed to reset backend session")
	}
	h.menus.set(chatID, false)

	h.out.reply(ctx, chatID, h.out.text(i18n.MsgWelcome, map[string]interface{}{
		"Institution": h.out.opts.Institution,
	}))
	return nil
}

func (h *CommandHandler) handleToggle(chatID int64, messageID int, expanded bool) error {
	h.menus.set(chatID, expanded)

	edit := tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, h.out.keyboard(chatID))
	if _, err := h.out.sender.Request(edit); err != nil {
		// Telegram rejects edits that leave the markup unchanged.
		h.logger.WithError(err).Debug("Failed to update shortcut keyboard")
	}
	return nil
}
