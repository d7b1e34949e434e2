package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/campus-answer-bot-go/internal/i18n"
	"github.com/campus-answer-bot-go/pkg/markdown"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// replier sends replies with retries and the shortcut keyboard attached.
type replier struct {
	sender    Sender
	localizer *i18n.Localizer
	menus     *menuState
	logger    *logrus.Logger
	opts      Options
}

func (r *replier) text(messageID string, data map[string]interface{}) string {
	return r.localizer.Get(r.opts.Language, messageID, data)
}

func (r *replier) keyboard(chatID int64) tgbotapi.InlineKeyboardMarkup {
	return buildKeyboard(r.localizer, r.opts.Language, r.menus.isExpanded(chatID))
}

// reply sends plain text with the keyboard.
func (r *replier) reply(ctx context.Context, chatID int64, text string) bool {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = r.keyboard(chatID)
	return r.send(ctx, msg) == nil
}

// replyBare sends plain text without a keyboard.
func (r *replier) replyBare(ctx context.Context, chatID int64, text string) bool {
	return r.send(ctx, tgbotapi.NewMessage(chatID, text)) == nil
}

// replyAnswer renders an answer to Telegram HTML and falls back to plain
// text when Telegram rejects the markup.
func (r *replier) replyAnswer(ctx context.Context, chatID int64, answer string) bool {
	if r.opts.RenderMarkdown {
		if html := markdown.ToTelegramHTML(answer); html != "" {
			msg := tgbotapi.NewMessage(chatID, html)
			msg.ParseMode = tgbotapi.ModeHTML
			msg.ReplyMarkup = r.keyboard(chatID)
			err := r.send(ctx, msg)
			if err == nil {
				return true
			}
			var apiErr *tgbotapi.Error
			if !errors.As(err, &apiErr) {
				return false
			}
			r.logger.WithError(err).Warn("Failed to send HTML response, trying plain text")
		}
	}
	return r.reply(ctx, chatID, answer)
}

// send delivers msg, retrying network failures with a linearly growing delay.
// Errors reported by the Telegram API are not retried.
func (r *replier) send(ctx context.Context, msg tgbotapi.MessageConfig) error {
	var err error
	for attempt := 0; attempt <= r.opts.SendRetries; attempt++ {
		if _, err = r.sender.Send(msg); err == nil {
			return nil
		}
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			r.logger.WithFields(logrus.Fields{
				"chat_id": msg.ChatID,
				"code":    apiErr.Code,
			}).WithError(err).Warn("Telegram rejected message")
			return err
		}
		if attempt == r.opts.SendRetries {
			break
		}

		delay := r.opts.SendRetryDelay * time.Duration(attempt+1)
		r.logger.WithFields(logrus.Fields{
			"chat_id": msg.ChatID,
			"attempt": attempt + 1,
			"delay":   delay,
		}).WithError(err).Warn("Send failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	r.logger.WithField("chat_id", msg.ChatID).WithError(err).Error("Failed to send Telegram message after retries")
	return err
}
