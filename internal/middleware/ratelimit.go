package middleware

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/campus-answer-bot-go/internal/config"
	"github.com/campus-answer-bot-go/pkg/logger"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	ErrEmptyInput   = errors.New("message is empty")
	ErrInputTooLong = errors.New("message too long")
)

// RateLimiter interface for rate limiting
type RateLimiter interface {
	Allow(chatID int64) bool
	Reset(chatID int64)
}

type chatLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ChatRateLimiter implements per-chat rate limiting
type ChatRateLimiter struct {
	enabled         bool
	limiters        map[int64]*chatLimiter
	mu              sync.RWMutex
	rpm             int
	burst           int
	logger          *logrus.Logger
	metrics         *Metrics
	idleTTL         time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
}

// NewRateLimiter creates a new rate limiter. The cleanup goroutine stops when
// stop is closed.
func NewRateLimiter(cfg *config.RateLimitConfig, metrics *Metrics, log *logrus.Logger, stop <-chan struct{}) *ChatRateLimiter {
	if log == nil {
		log = logger.Nop()
	}
	if !cfg.Enabled || cfg.RequestsPerMinute <= 0 {
		return &ChatRateLimiter{enabled: false, logger: log}
	}

	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	rl := &ChatRateLimiter{
		enabled:         true,
		limiters:        make(map[int64]*chatLimiter),
		rpm:             cfg.RequestsPerMinute,
		burst:           burst,
		logger:          log,
		metrics:         metrics,
		idleTTL:         time.Hour,
		cleanupInterval: 10 * time.Minute,
		now:             time.Now,
	}

	if stop != nil {
		go rl.cleanupLoop(stop)
	}

	return rl
}

// Allow checks if a chat is allowed to make a request
func (r *ChatRateLimiter) Allow(chatID int64) bool {
	if !r.enabled {
		return true
	}

	allowed := r.getLimiter(chatID).Allow()
	if !allowed {
		r.logger.WithFields(logrus.Fields{
			"chat_id": chatID,
		}).Warn("Rate limit exceeded")
		r.metrics.RecordRateLimitExceeded()
	}

	return allowed
}

// Reset resets the rate limiter for a chat
func (r *ChatRateLimiter) Reset(chatID int64) {
	if !r.enabled {
		return
	}

	r.mu.Lock()
	delete(r.limiters, chatID)
	r.mu.Unlock()
}

// getLimiter gets or creates a rate limiter for a chat
func (r *ChatRateLimiter) getLimiter(chatID int64) *rate.Limiter {
	now := r.now()

	r.mu.RLock()
	entry, exists := r.limiters[chatID]
	r.mu.RUnlock()

	if exists {
		r.mu.Lock()
		entry.lastSeen = now
		r.mu.Unlock()
		return entry.limiter
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if entry, exists := r.limiters[chatID]; exists {
		entry.lastSeen = now
		return entry.limiter
	}

	// Rate per second = RPM / 60
	rps := float64(r.rpm) / 60.0
	limiter := rate.NewLimiter(rate.Limit(rps), r.burst)
	r.limiters[chatID] = &chatLimiter{limiter: limiter, lastSeen: now}

	return limiter
}

func (r *ChatRateLimiter) cleanupLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.cleanup()
		}
	}
}

// cleanup removes limiters idle for longer than idleTTL
func (r *ChatRateLimiter) cleanup() int {
	cutoff := r.now().Add(-r.idleTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, entry := range r.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(r.limiters, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.WithField("removed", removed).Debug("Pruned idle rate limiters")
	}
	return removed
}

// SecurityMiddleware provides input checks
type SecurityMiddleware struct {
	maxLength int
	logger    *logrus.Logger
}

// NewSecurityMiddleware creates security middleware. A non-positive maxLength
// falls back to the chat platform limit of 4096 characters.
func NewSecurityMiddleware(maxLength int, log *logrus.Logger) *SecurityMiddleware {
	if log == nil {
		log = logger.Nop()
	}
	if maxLength <= 0 {
		maxLength = 4096
	}
	return &SecurityMiddleware{
		maxLength: maxLength,
		logger:    log,
	}
}

// ValidateInput performs input validation
func (s *SecurityMiddleware) ValidateInput(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}
	if n := utf8.RuneCountInString(text); n > s.maxLength {
		s.logger.WithField("length", n).Warn("Rejected oversized message")
		return fmt.Errorf("%w: %d characters", ErrInputTooLong, n)
	}
	return nil
}
