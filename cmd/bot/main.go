package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/campus-answer-bot-go/internal/config"
	"github.com/campus-answer-bot-go/internal/handlers"
	"github.com/campus-answer-bot-go/internal/i18n"
	"github.com/campus-answer-bot-go/internal/middleware"
	"github.com/campus-answer-bot-go/internal/services/backend"
	"github.com/campus-answer-bot-go/pkg/logger"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.ValidateBot(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}

	log.Info("Starting Telegram Bot...")
	log.WithField("token_length", len(cfg.Bot.Token)).Info("Bot token loaded")

	bot, err := tgbotapi.NewBotAPI(cfg.Bot.Token)
	if err != nil {
		log.WithError(err).Fatal("Failed to create bot")
	}
	bot.Debug = cfg.Logging.Level == "debug"
	log.WithField("username", bot.Self.UserName).Info("Bot authorized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize i18n")
	}

	metrics := middleware.NewMetrics()
	rateLimiter := middleware.NewRateLimiter(&cfg.RateLimit, metrics, log, ctx.Done())
	queryBackend := backend.NewClient(cfg.Bot.BackendURL, cfg.Bot.QueryTimeout(), nil)

	var metricsServer *http.Server
	if cfg.Monitoring.Metrics.Enabled {
		metricsServer = middleware.NewMetricsServer(cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path)
		go func() {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")

			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	opts := handlers.OptionsFromConfig(cfg)
	opts.BotUsername = bot.Self.UserName
	b := handlers.NewBot(bot, queryBackend, rateLimiter, localizer, metrics, log, opts)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = cfg.Bot.UpdateTimeout
	updates := bot.GetUpdatesChan(u)
	log.WithField("backend", cfg.Bot.BackendURL).Info("Using long polling")

	var wg sync.WaitGroup
	polling := make(chan struct{})
	go func() {
		defer close(polling)
		for update := range updates {
			wg.Add(1)
			go func(update tgbotapi.Update) {
				defer wg.Done()
				b.HandleUpdate(ctx, update)
			}(update)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutdown signal received")

	bot.StopReceivingUpdates()
	cancel()

	done := make(chan struct{})
	go func() {
		<-polling
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn("Timed out waiting for handlers to finish")
	}

	if metricsServer != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Metrics server shutdown failed")
		}
	}

	log.Info("Bot stopped")
}
