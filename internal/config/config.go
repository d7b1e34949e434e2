package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Bot        BotConfig        `mapstructure:"bot"`
	Gemini     GeminiConfig     `mapstructure:"gemini"`
	Assistant  AssistantConfig  `mapstructure:"assistant"`
	Links      LinksConfig      `mapstructure:"links"`
	Cache      CacheConfig      `mapstructure:"cache"`
	QueryLog   QueryLogConfig   `mapstructure:"query_log"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
}

type ServerConfig struct {
	Port          int  `mapstructure:"port"`
	DebugEndpoint bool `mapstructure:"debug_endpoint"`
}

type BotConfig struct {
	Token               string  `mapstructure:"token"`
	BackendURL          string  `mapstructure:"backend_url"`
	QueryTimeoutSeconds int     `mapstructure:"query_timeout_seconds"`
	SendRetries         int     `mapstructure:"send_retries"`
	SendRetryDelay      float64 `mapstructure:"send_retry_delay_seconds"`
	UpdateTimeout       int     `mapstructure:"update_timeout"`
	MaxInputLength      int     `mapstructure:"max_input_length"`
}

type GeminiConfig struct {
	APIKey                 string   `mapstructure:"api_key"`
	BaseURL                string   `mapstructure:"base_url"`
	Model                  string   `mapstructure:"model"`
	FallbackModels         []string `mapstructure:"fallback_models"`
	EnableGoogleSearch     bool     `mapstructure:"enable_google_search"`
	RequireSearchGrounding bool     `mapstructure:"require_search_grounding"`
	RequestRetries         int      `mapstructure:"request_retries"`
	RetryBackoffSeconds    float64  `mapstructure:"retry_backoff_seconds"`
	ChatTimeoutSeconds     int      `mapstructure:"chat_timeout_seconds"`
	Temperature            float64  `mapstructure:"temperature"`
}

type AssistantConfig struct {
	Institution string `mapstructure:"institution"`
}

type LinksConfig struct {
	VerifyTimeoutSeconds int      `mapstructure:"verify_timeout_seconds"`
	MaxParallel          int      `mapstructure:"max_parallel"`
	MaxGroundingSources  int      `mapstructure:"max_grounding_sources"`
	MaxResponseSources   int      `mapstructure:"max_response_sources"`
	RetryAttempts        int      `mapstructure:"retry_attempts"`
	AllowedDomains       []string `mapstructure:"allowed_domains"`
	RestrictAnswerLinks  bool     `mapstructure:"restrict_answer_links"`
	LiveCheck            bool     `mapstructure:"live_check"`
	UserAgent            string   `mapstructure:"user_agent"`
}

type CacheConfig struct {
	Type              string        `mapstructure:"type"`
	Redis             RedisConfig   `mapstructure:"redis"`
	QueryTTLSeconds   int           `mapstructure:"query_ttl_seconds"`
	ContextTTLSeconds int           `mapstructure:"context_ttl_seconds"`
	LiveSearchBypass  bool          `mapstructure:"live_search_bypass"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type QueryLogConfig struct {
	Path string `mapstructure:"path"`
}

type DashboardConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Limit    int    `mapstructure:"limit"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Languages       []string `mapstructure:"languages"`
	Directory       string   `mapstructure:"directory"`
}

// ChatTimeout is the per-request timeout for upstream generation calls.
func (g GeminiConfig) ChatTimeout() time.Duration {
	return time.Duration(g.ChatTimeoutSeconds) * time.Second
}

func (g GeminiConfig) RetryBackoff() time.Duration {
	return time.Duration(g.RetryBackoffSeconds * float64(time.Second))
}

func (l LinksConfig) VerifyTimeout() time.Duration {
	return time.Duration(l.VerifyTimeoutSeconds) * time.Second
}

func (c CacheConfig) QueryTTL() time.Duration {
	return time.Duration(c.QueryTTLSeconds) * time.Second
}

func (c CacheConfig) ContextTTL() time.Duration {
	return time.Duration(c.ContextTTLSeconds) * time.Second
}

func (b BotConfig) QueryTimeout() time.Duration {
	return time.Duration(b.QueryTimeoutSeconds) * time.Second
}

func (b BotConfig) RetryDelay() time.Duration {
	return time.Duration(b.SendRetryDelay * float64(time.Second))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.debug_endpoint", false)

	v.SetDefault("bot.backend_url", "http://backend:8000")
	v.SetDefault("bot.query_timeout_seconds", 90)
	v.SetDefault("bot.send_retries", 2)
	v.SetDefault("bot.send_retry_delay_seconds", 1.0)
	v.SetDefault("bot.update_timeout", 60)
	v.SetDefault("bot.max_input_length", 4096)

	v.SetDefault("gemini.base_url", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("gemini.model", "gemini-2.5-flash-lite")
	v.SetDefault("gemini.fallback_models", []string{})
	v.SetDefault("gemini.enable_google_search", true)
	v.SetDefault("gemini.require_search_grounding", true)
	v.SetDefault("gemini.request_retries", 2)
	v.SetDefault("gemini.retry_backoff_seconds", 1.5)
	v.SetDefault("gemini.chat_timeout_seconds", 45)
	v.SetDefault("gemini.temperature", 0.1)

	v.SetDefault("assistant.institution", "AKTU and AKGEC")

	v.SetDefault("links.verify_timeout_seconds", 8)
	v.SetDefault("links.max_parallel", 4)
	v.SetDefault("links.max_grounding_sources", 8)
	v.SetDefault("links.max_response_sources", 5)
	v.SetDefault("links.retry_attempts", 1)
	v.SetDefault("links.allowed_domains", []string{})
	v.SetDefault("links.restrict_answer_links", false)
	v.SetDefault("links.live_check", true)
	v.SetDefault("links.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36")

	v.SetDefault("cache.type", "redis")
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.query_ttl_seconds", 1800)
	v.SetDefault("cache.context_ttl_seconds", 86400)
	v.SetDefault("cache.cleanup_interval", 10*time.Minute)

	v.SetDefault("query_log.path", "query_logs.db")
	v.SetDefault("dashboard.limit", 100)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_minute", 20)
	v.SetDefault("rate_limit.burst", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("monitoring.metrics.enabled", true)
	v.SetDefault("monitoring.metrics.port", 9090)
	v.SetDefault("monitoring.metrics.path", "/metrics")

	v.SetDefault("i18n.default_language", "en")
	v.SetDefault("i18n.languages", []string{"en"})
	v.SetDefault("i18n.directory", "configs/i18n")
}

// LoadConfig loads configuration from an optional YAML file and environment variables.
// A missing file is not an error; every setting has a default or an env override.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Only explicit bindings: booleans are parsed by envBool so that yes/on are accepted.
	bindings := map[string]string{
		"bot.token":                    "TELEGRAM_BOT_TOKEN",
		"bot.backend_url":              "BACKEND_URL",
		"gemini.api_key":               "GEMINI_API_KEY",
		"gemini.model":                 "GEMINI_MODEL",
		"gemini.request_retries":       "GEMINI_REQUEST_RETRIES",
		"gemini.retry_backoff_seconds": "GEMINI_RETRY_BACKOFF_SECONDS",
		"cache.type":                   "CACHE_TYPE",
		"cache.query_ttl_seconds":      "QUERY_CACHE_TTL_SECONDS",
		"cache.redis.password":         "REDIS_PASSWORD",
		"cache.redis.db":               "REDIS_DB",
		"query_log.path":               "QUERY_LOG_PATH",
		"dashboard.username":           "DASHBOARD_USERNAME",
		"dashboard.password":           "DASHBOARD_PASSWORD",
		"logging.level":                "LOG_LEVEL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Lists may arrive as YAML sequences or comma-separated env strings.
	cfg.Gemini.FallbackModels = splitList(v.GetStringSlice("gemini.fallback_models"))
	if raw, ok := os.LookupEnv("GEMINI_FALLBACK_MODELS"); ok {
		cfg.Gemini.FallbackModels = splitList([]string{raw})
	}
	cfg.Links.AllowedDomains = splitList(v.GetStringSlice("links.allowed_domains"))
	if raw, ok := os.LookupEnv("ALLOWED_DOMAINS"); ok {
		cfg.Links.AllowedDomains = splitList([]string{raw})
	}

	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		redisPort := os.Getenv("REDIS_PORT")
		if redisPort == "" {
			redisPort = "6379"
		}
		cfg.Cache.Redis.Addr = fmt.Sprintf("%s:%s", redisHost, redisPort)
	}

	cfg.Gemini.EnableGoogleSearch = envBool("GEMINI_ENABLE_GOOGLE_SEARCH", cfg.Gemini.EnableGoogleSearch)
	cfg.Gemini.RequireSearchGrounding = envBool("GEMINI_REQUIRE_SEARCH_GROUNDING", cfg.Gemini.RequireSearchGrounding)
	if !v.IsSet("cache.live_search_bypass") {
		cfg.Cache.LiveSearchBypass = cfg.Gemini.EnableGoogleSearch
	}
	cfg.Cache.LiveSearchBypass = envBool("LIVE_SEARCH_BYPASS_CACHE", cfg.Cache.LiveSearchBypass)
	cfg.Links.RestrictAnswerLinks = envBool("RESTRICT_ANSWER_LINKS", cfg.Links.RestrictAnswerLinks)
	cfg.Links.LiveCheck = envBool("LINK_LIVE_CHECK", cfg.Links.LiveCheck)

	return &cfg, nil
}

// ValidateServer checks the settings the query service cannot run without.
func (c *Config) ValidateServer() error {
	if strings.TrimSpace(c.Gemini.APIKey) == "" {
		return errors.New("GEMINI_API_KEY is missing")
	}
	if strings.TrimSpace(c.Gemini.Model) == "" {
		return errors.New("gemini model is required")
	}
	return nil
}

// ValidateBot checks the settings the chat transport cannot run without.
func (c *Config) ValidateBot() error {
	if c.Bot.Token == "" {
		return errors.New("bot token is required")
	}
	if c.Bot.BackendURL == "" {
		return errors.New("backend url is required")
	}
	return nil
}

func envBool(name string, fallback bool) bool {
	value, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			item = strings.TrimSpace(item)
			if item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}
