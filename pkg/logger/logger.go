package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/campus-answer-bot-go/internal/config"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Bounded lengths for upstream detail in log lines
const (
	MaxBodyLength   = 1200
	MaxDetailLength = 300
)

// NewLogger builds the process logger from the logging section. Output is
// "stdout", "file" or "both"; file output rotates through lumberjack.
func NewLogger(cfg *config.LoggingConfig) (*logrus.Logger, error) {
	log := logrus.New()

	levelName := cfg.Level
	if levelName == "" {
		levelName = "info"
	}
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
		})
	}

	switch cfg.Output {
	case "file", "both":
		rotating, err := rotatingFile(cfg.File)
		if err != nil {
			return nil, err
		}
		if cfg.Output == "both" {
			log.SetOutput(io.MultiWriter(os.Stdout, rotating))
		} else {
			log.SetOutput(rotating)
		}
	default:
		log.SetOutput(os.Stdout)
	}

	return log, nil
}

func rotatingFile(cfg config.FileConfig) (io.Writer, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("log file path is required for file output")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSize, // megabytes
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge, // days
		Compress:   true,
	}, nil
}

// Nop returns a logger that discards everything. Used as the default for
// optional logger dependencies.
func Nop() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// WithChat scopes log lines to one chat.
func WithChat(log *logrus.Logger, chatID int64) *logrus.Entry {
	return log.WithField("chat_id", chatID)
}

// Truncate shortens s to at most limit runes, marking the cut.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "...(truncated)"
}
