package handlers

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/campus-answer-bot-go/internal/config"
	"github.com/campus-answer-bot-go/internal/i18n"
	"github.com/campus-answer-bot-go/internal/middleware"
	"github.com/campus-answer-bot-go/pkg/logger"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// Sender is the subset of the Telegram client the handlers use.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Backend answers questions and resets sessions on the query service.
type Backend interface {
	Query(ctx context.Context, q string, chatID int64) (string, error)
	Reset(ctx context.Context, chatID int64) error
}

// Options tunes the chat transport.
type Options struct {
	Institution    string
	Language       string
	BotUsername    string
	MaxInputLength int
	SendRetries    int
	SendRetryDelay time.Duration
	TypingInterval time.Duration
	RenderMarkdown bool
}

// OptionsFromConfig builds Options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Institution:    cfg.Assistant.Institution,
		Language:       cfg.I18n.DefaultLanguage,
		MaxInputLength: cfg.Bot.MaxInputLength,
		SendRetries:    cfg.Bot.SendRetries,
		SendRetryDelay: cfg.Bot.RetryDelay(),
		TypingInterval: 4 * time.Second,
		RenderMarkdown: true,
	}
}

// Bot routes Telegram updates to the command and message handlers.
type Bot struct {
	commands *CommandHandler
	messages *MessageHandler
	out      *replier
	metrics  *middleware.Metrics
	logger   *logrus.Logger
}

// NewBot wires the handlers around one Telegram client and one backend.
func NewBot(
	sender Sender,
	backend Backend,
	rateLimiter middleware.RateLimiter,
	localizer *i18n.Localizer,
	metrics *middleware.Metrics,
	log *logrus.Logger,
	opts Options,
) *Bot {
	if log == nil {
		log = logger.Nop()
	}
	if localizer == nil {
		localizer = i18n.Default()
	}
	if opts.TypingInterval <= 0 {
		opts.TypingInterval = 4 * time.Second
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	if opts.Institution == "" {
		opts.Institution = "AKTU and AKGEC"
	}

	menus := newMenuState()
	out := &replier{
		sender:    sender,
		localizer: localizer,
		menus:     menus,
		logger:    log,
		opts:      opts,
	}
	return &Bot{
		commands: &CommandHandler{
			backend: backend,
			out:     out,
			menus:   menus,
			logger:  log,
		},
		messages: &MessageHandler{
			sender:      sender,
			backend:     backend,
			rateLimiter: rateLimiter,
			security:    middleware.NewSecurityMiddleware(opts.MaxInputLength, log),
			out:         out,
			locks:       newChatLocks(),
			logger:      log,
		},
		out:     out,
		metrics: metrics,
		logger:  log,
	}
}

// HandleUpdate processes one update. It is safe to call concurrently; a panic
// in a handler is logged and answered with a generic error message.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	kind := "message"
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"panic": fmt.Sprint(r),
				"stack": logger.Truncate(string(debug.Stack()), logger.MaxBodyLength),
			}).Error("Telegram handler error")
			b.metrics.RecordBotMessage(kind, "panic")
			if msg := update.Message; msg != nil && msg.Chat != nil {
				b.out.reply(ctx, msg.Chat.ID, b.out.text(i18n.MsgError, nil))
			} else if cb := update.CallbackQuery; cb != nil && cb.Message != nil && cb.Message.Chat != nil {
				b.out.reply(ctx, cb.Message.Chat.ID, b.out.text(i18n.MsgError, nil))
			}
		}
	}()

	var err error
	switch {
	case update.CallbackQuery != nil:
		kind = "callback"
		err = b.commands.HandleCallbackQuery(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.IsCommand():
		kind = "command"
		err = b.commands.HandleCommand(ctx, update.Message)
	case update.Message != nil:
		err = b.messages.HandleMessage(ctx, update.Message)
	default:
		return
	}

	if err != nil {
		b.logger.WithError(err).WithField("kind", kind).Error("Failed to handle update")
		b.metrics.RecordBotMessage(kind, "error")
		return
	}
	b.metrics.RecordBotMessage(kind, "success")
}
