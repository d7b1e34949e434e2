package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/campus-answer-bot-go/internal/api"
	"github.com/campus-answer-bot-go/internal/config"
	"github.com/campus-answer-bot-go/internal/i18n"
	"github.com/campus-answer-bot-go/internal/middleware"
	"github.com/campus-answer-bot-go/internal/services/ai"
	"github.com/campus-answer-bot-go/internal/services/answer"
	"github.com/campus-answer-bot-go/internal/services/cache"
	"github.com/campus-answer-bot-go/internal/services/links"
	"github.com/campus-answer-bot-go/internal/services/querylog"
	"github.com/campus-answer-bot-go/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
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

	if err := cfg.ValidateServer(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}

	log.WithFields(logrus.Fields{
		"model":         cfg.Gemini.Model,
		"fallbacks":     cfg.Gemini.FallbackModels,
		"google_search": cfg.Gemini.EnableGoogleSearch,
	}).Info("Starting query service...")

	cacheService, err := cache.NewCache(&cfg.Cache, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize cache")
	}

	queryLogs, err := querylog.Open(cfg.QueryLog.Path)
	if err != nil {
		log.WithError(err).Fatal("Failed to open query log")
	}
	defer queryLogs.Close()

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize i18n")
	}

	metrics := middleware.NewMetrics()

	allowList := links.NewAllowList(cfg.Links.AllowedDomains)
	verifierOpts := []links.Option{
		links.WithTimeout(cfg.Links.VerifyTimeout()),
		links.WithUserAgent(cfg.Links.UserAgent),
		links.WithLogger(log),
		links.WithMetrics(metrics),
	}
	if !cfg.Links.LiveCheck {
		verifierOpts = append(verifierOpts, links.WithoutLiveCheck())
	}
	answerVerifier := links.NewVerifier(&http.Client{}, verifierOpts...)
	groundingVerifier := answerVerifier.With(links.WithAllowList(allowList))
	if cfg.Links.RestrictAnswerLinks {
		answerVerifier = groundingVerifier
	}

	sources := ai.NewSourceExtractor(groundingVerifier, cfg.Links.MaxGroundingSources)
	chat := ai.NewClient(ai.OptionsFromConfig(&cfg.Gemini), ai.NewRegistry(), sources, log, ai.WithMetrics(metrics))

	answers := answer.NewService(
		chat,
		links.NewSanitizer(answerVerifier, cfg.Links.MaxParallel),
		allowList,
		answer.OptionsFromConfig(cfg),
		log,
	)

	server := api.NewServer(answers, cacheService, queryLogs, localizer, metrics, log, api.OptionsFromConfig(cfg))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Server.Port).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Error("HTTP server shutdown failed")
	}

	log.Info("Query service stopped")
}
