package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/campus-answer-bot-go/internal/config"
	"github.com/campus-answer-bot-go/internal/i18n"
	"github.com/campus-answer-bot-go/internal/middleware"
	"github.com/campus-answer-bot-go/internal/models"
	"github.com/campus-answer-bot-go/pkg/logger"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const requestIDHeader = "X-Request-ID"

type ctxKey int

const requestIDKey ctxKey = iota

// Answerer produces the reply for one user turn.
type Answerer interface {
	ClassifyAndReply(ctx context.Context, userText, previousUserText string) (*models.Reply, error)
}

// Cache is the key/value layer behind answers and session context.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Delete(ctx context.Context, key string)
	DeleteByPrefix(ctx context.Context, prefix string)
}

// QueryLog stores one row per answered query.
type QueryLog interface {
	Record(ctx context.Context, query, intent, status string) error
	Recent(ctx context.Context, limit int) ([]models.QueryLog, error)
}

// Options configures the HTTP surface.
type Options struct {
	QueryTTL          time.Duration
	ContextTTL        time.Duration
	BypassCache       bool
	DebugEndpoint     bool
	DashboardUser     string
	DashboardPassword string
	DashboardLimit    int
	MetricsEnabled    bool
	MetricsPath       string
}

// OptionsFromConfig builds Options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		QueryTTL:          cfg.Cache.QueryTTL(),
		ContextTTL:        cfg.Cache.ContextTTL(),
		BypassCache:       cfg.Cache.LiveSearchBypass,
		DebugEndpoint:     cfg.Server.DebugEndpoint,
		DashboardUser:     cfg.Dashboard.Username,
		DashboardPassword: cfg.Dashboard.Password,
		DashboardLimit:    cfg.Dashboard.Limit,
		MetricsEnabled:    cfg.Monitoring.Metrics.Enabled,
		MetricsPath:       cfg.Monitoring.Metrics.Path,
	}
}

// Server handles the query service endpoints
type Server struct {
	answerer  Answerer
	cache     Cache
	logs      QueryLog
	localizer *i18n.Localizer
	metrics   *middleware.Metrics
	logger    *logrus.Logger
	opts      Options
}

// NewServer creates a new query server
func NewServer(answerer Answerer, cache Cache, logs QueryLog, localizer *i18n.Localizer, metrics *middleware.Metrics, log *logrus.Logger, opts Options) *Server {
	if log == nil {
		log = logger.Nop()
	}
	if localizer == nil {
		localizer = i18n.Default()
	}
	if opts.ContextTTL <= 0 {
		opts.ContextTTL = 24 * time.Hour
	}
	if opts.DashboardLimit <= 0 {
		opts.DashboardLimit = 100
	}
	return &Server{
		answerer:  answerer,
		cache:     cache,
		logs:      logs,
		localizer: localizer,
		metrics:   metrics,
		logger:    log,
		opts:      opts,
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.requestID)
	if s.opts.MetricsEnabled {
		router.Use(middleware.InstrumentHandler)
	}

	router.HandleFunc("/query", s.handleQuery).Methods(http.MethodGet)
	router.HandleFunc("/reset_session", s.handleReset).Methods(http.MethodPost)
	router.HandleFunc("/admin/dashboard", s.requireDashboardAuth(s.handleDashboard)).Methods(http.MethodGet)
	if s.opts.DebugEndpoint {
		router.HandleFunc("/debug/query", s.handleDebugQuery).Methods(http.MethodGet)
	}

	if s.opts.MetricsEnabled {
		middleware.RegisterMetricsRoutes(router, s.opts.MetricsPath)
	} else {
		router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		}).Methods(http.MethodGet)
	}
	return router
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) entry(r *http.Request) *logrus.Entry {
	id, _ := r.Context().Value(requestIDKey).(string)
	return s.logger.WithField("request_id", id)
}

func queryCacheKey(chatID, q string) string {
	if chatID != "" {
		return fmt.Sprintf("q:%s:%s", chatID, q)
	}
	return "q:" + q
}

func contextKey(chatID string) string {
	return "ctx:" + chatID
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	chatID := strings.TrimSpace(r.URL.Query().Get("chat_id"))
	if strings.TrimSpace(q) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "q is required"})
		return
	}
	ctx := r.Context()
	log := s.entry(r).WithField("chat_id", chatID)

	cacheKey := queryCacheKey(chatID, q)
	useCache := !s.opts.BypassCache
	if useCache {
		if cached, ok := s.cache.Get(ctx, cacheKey); ok && cached != "" {
			s.metrics.RecordCacheHit()
			log.Debug("Answer served from cache")
			writeJSON(w, http.StatusOK, models.QueryResponse{Answer: cached})
			return
		}
		s.metrics.RecordCacheMiss()
	}

	previous := s.previousUserText(ctx, chatID)

	mode := string(models.ModeOfficialInfo)
	status := StatusOK
	var answer string

	reply, err := s.answerer.ClassifyAndReply(ctx, q, previous)
	if err != nil {
		var messageID string
		status, messageID = Classify(err)
		answer = s.localizer.T(messageID)
		log.WithFields(logrus.Fields{
			"status": status,
			"error":  logger.Truncate(err.Error(), logger.MaxDetailLength),
		}).Error("Reply failed")
	} else {
		mode = string(reply.Mode)
		answer = reply.Answer
		log.WithFields(logrus.Fields{
			"model":         reply.Model,
			"tool":          reply.Tool,
			"mode":          reply.Mode,
			"links_removed": reply.LinksRemoved,
		}).Info("Reply served")
	}

	s.metrics.RecordQuery(status)
	if s.logs != nil {
		if err := s.logs.Record(ctx, q, mode, status); err != nil {
			log.WithError(err).Warn("Failed to record query log")
		}
	}

	if chatID != "" {
		if data, err := json.Marshal(models.SessionContext{LastUserQuery: q}); err == nil {
			s.cache.Set(ctx, contextKey(chatID), string(data), s.opts.ContextTTL)
		}
	}
	if useCache && status == StatusOK && s.opts.QueryTTL > 0 {
		s.cache.Set(ctx, cacheKey, answer, s.opts.QueryTTL)
	}

	writeJSON(w, http.StatusOK, models.QueryResponse{Answer: answer})
}

func (s *Server) previousUserText(ctx context.Context, chatID string) string {
	if chatID == "" {
		return ""
	}
	raw, ok := s.cache.Get(ctx, contextKey(chatID))
	if !ok || raw == "" {
		return ""
	}
	var session models.SessionContext
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return ""
	}
	return session.LastUserQuery
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	chatID := strings.TrimSpace(r.URL.Query().Get("chat_id"))
	if chatID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chat_id is required"})
		return
	}
	ctx := r.Context()
	s.cache.Delete(ctx, contextKey(chatID))
	s.cache.DeleteByPrefix(ctx, fmt.Sprintf("q:%s:", chatID))
	s.entry(r).WithField("chat_id", chatID).Info("Session reset")

	writeJSON(w, http.StatusOK, models.ResetResponse{OK: true, Message: s.localizer.T(i18n.MsgSessionReset)})
}

type debugResponse struct {
	Status string        `json:"status"`
	Reply  *models.Reply `json:"reply,omitempty"`
	Error  string        `json:"error,omitempty"`
}

func (s *Server) handleDebugQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if strings.TrimSpace(q) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "q is required"})
		return
	}
	previous := s.previousUserText(r.Context(), strings.TrimSpace(r.URL.Query().Get("chat_id")))

	reply, err := s.answerer.ClassifyAndReply(r.Context(), q, previous)
	if err != nil {
		status, _ := Classify(err)
		writeJSON(w, http.StatusOK, debugResponse{Status: status, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, debugResponse{Status: StatusOK, Reply: reply})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
