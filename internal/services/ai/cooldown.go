package ai

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Cooldown floors applied to rate-limited models
const (
	MinCooldown  = 30 * time.Second
	LongCooldown = time.Hour
)

const reasonPermanent = "permanent_unavailable"

var retryAfterPattern = regexp.MustCompile(`(?i)please retry in ([0-9]+(?:\.[0-9]+)?)s`)

// Registry tracks which upstream models must be skipped. A model that returned
// 404 is removed for the life of the process; 403 and 429 start a cooldown that
// is only ever extended.
type Registry struct {
	mu        sync.Mutex
	now       func() time.Time
	removed   map[string]bool
	coolUntil map[string]time.Time
}

// NewRegistry creates an empty registry using the wall clock.
func NewRegistry() *Registry {
	return NewRegistryWithClock(time.Now)
}

// NewRegistryWithClock creates an empty registry reading time from now.
func NewRegistryWithClock(now func() time.Time) *Registry {
	return &Registry{
		now:       now,
		removed:   make(map[string]bool),
		coolUntil: make(map[string]time.Time),
	}
}

// MarkUnavailable records an upstream HTTP failure for model.
func (r *Registry) MarkUnavailable(model string, status int, body string) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	switch status {
	case http.StatusNotFound:
		r.removed[model] = true
	case http.StatusForbidden, http.StatusTooManyRequests:
		until := now.Add(cooldownFor(body))
		if until.After(r.coolUntil[model]) {
			r.coolUntil[model] = until
		}
	}
}

// SkipReason returns why model must not be attempted now, or "" when it is
// eligible.
func (r *Registry) SkipReason(model string) string {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.removed[model] {
		return reasonPermanent
	}
	if until, ok := r.coolUntil[model]; ok && until.After(now) {
		return fmt.Sprintf("cooldown_%.1fs", until.Sub(now).Seconds())
	}
	return ""
}

// CooldownUntil returns the end of model's cooldown, if one was ever set.
func (r *Registry) CooldownUntil(model string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.coolUntil[model]
	return until, ok
}

// Reset forgets every recorded failure.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = make(map[string]bool)
	r.coolUntil = make(map[string]time.Time)
}

func cooldownFor(body string) time.Duration {
	floor := MinCooldown
	if strings.Contains(strings.ToLower(body), "limit: 0") {
		floor = LongCooldown
	}
	hinted := retryAfter(body)
	if hinted > floor {
		return hinted
	}
	return floor
}

func retryAfter(body string) time.Duration {
	m := retryAfterPattern.FindStringSubmatch(body)
	if m == nil {
		return 0
	}
	seconds, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
