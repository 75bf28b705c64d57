package app

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/modelrelay/modelrelay/internal/budget"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN string

	// Security & hardening.
	AdminToken     string   // required for /admin/v1 access in production
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per IP
	RateLimitBurst int      // burst capacity per IP
	AuthEnabled    bool     // require API keys on the public surface

	// Budget gates. These are the project defaults; ProjectLimits carries
	// per-project overrides as JSON: {"proj": {"daily_usd": 5, ...}}.
	PerTaskUSD      float64
	DailyUSD        float64
	MonthlyUSD      float64
	MaxQueueDepth   int
	WarningFraction float64
	ProjectLimits   string

	// Routing decision cache.
	RouteCacheSize    int
	RouteCacheTTLSecs int

	// Circuit breakers.
	BreakerThreshold    int
	BreakerCooldownSecs int

	// Heartbeat reaper.
	HeartbeatReapSecs    int
	HeartbeatStaleSecs   int
	HeartbeatTimeoutSecs int

	// Sessions.
	SessionTTLSecs  int
	SessionMaxTurns int

	// Dispatch retry policy and the per-attempt provider timeout.
	RetryBaseMs         int
	MaxRetries          int
	ProviderTimeoutSecs int

	// Provider credentials and endpoints. A tier whose provider has no
	// credential stays registered but disabled.
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	OllamaEndpoint   string

	// Active health probes against provider endpoints.
	ProbesEnabled     bool
	ProbeIntervalSecs int

	IdempotencyTTLSecs int

	// OpenTelemetry tracing.
	OtelEnabled  bool
	OtelEndpoint string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("MODELRELAY_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("MODELRELAY_LOG_LEVEL", "info"),
		DBDSN:      getEnv("MODELRELAY_DB_DSN", "file:/data/modelrelay.sqlite"),

		AdminToken:     getEnv("MODELRELAY_ADMIN_TOKEN", ""),
		CORSOrigins:    getEnvStringSlice("MODELRELAY_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("MODELRELAY_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("MODELRELAY_RATE_LIMIT_BURST", 120),
		AuthEnabled:    getEnvBool("MODELRELAY_AUTH_ENABLED", false),

		PerTaskUSD:      getEnvFloat("MODELRELAY_LIMIT_PER_TASK_USD", 1.00),
		DailyUSD:        getEnvFloat("MODELRELAY_LIMIT_DAILY_USD", 25.00),
		MonthlyUSD:      getEnvFloat("MODELRELAY_LIMIT_MONTHLY_USD", 250.00),
		MaxQueueDepth:   getEnvInt("MODELRELAY_LIMIT_MAX_QUEUE", 64),
		WarningFraction: getEnvFloat("MODELRELAY_LIMIT_WARNING_FRACTION", 0.8),
		ProjectLimits:   getEnv("MODELRELAY_PROJECT_LIMITS", ""),

		RouteCacheSize:    getEnvInt("MODELRELAY_ROUTE_CACHE_SIZE", 10000),
		RouteCacheTTLSecs: getEnvInt("MODELRELAY_ROUTE_CACHE_TTL_SECS", 300),

		BreakerThreshold:    getEnvInt("MODELRELAY_BREAKER_THRESHOLD", 5),
		BreakerCooldownSecs: getEnvInt("MODELRELAY_BREAKER_COOLDOWN_SECS", 60),

		HeartbeatReapSecs:    getEnvInt("MODELRELAY_HEARTBEAT_REAP_SECS", 30),
		HeartbeatStaleSecs:   getEnvInt("MODELRELAY_HEARTBEAT_STALE_SECS", 300),
		HeartbeatTimeoutSecs: getEnvInt("MODELRELAY_HEARTBEAT_TIMEOUT_SECS", 1800),

		SessionTTLSecs:  getEnvInt("MODELRELAY_SESSION_TTL_SECS", 86400),
		SessionMaxTurns: getEnvInt("MODELRELAY_SESSION_MAX_TURNS", 20),

		RetryBaseMs:         getEnvInt("MODELRELAY_RETRY_BASE_MS", 1000),
		MaxRetries:          getEnvInt("MODELRELAY_MAX_RETRIES", 3),
		ProviderTimeoutSecs: getEnvInt("MODELRELAY_PROVIDER_TIMEOUT_SECS", 60),

		OpenAIAPIKey:     getEnv("MODELRELAY_OPENAI_API_KEY", ""),
		OpenAIBaseURL:    getEnv("MODELRELAY_OPENAI_BASE_URL", "https://api.openai.com"),
		AnthropicAPIKey:  getEnv("MODELRELAY_ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL: getEnv("MODELRELAY_ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		OllamaEndpoint:   getEnv("MODELRELAY_OLLAMA_ENDPOINT", ""),

		ProbesEnabled:     getEnvBool("MODELRELAY_HEALTH_PROBES_ENABLED", true),
		ProbeIntervalSecs: getEnvInt("MODELRELAY_HEALTH_PROBE_INTERVAL_SECS", 30),

		IdempotencyTTLSecs: getEnvInt("MODELRELAY_IDEMPOTENCY_TTL_SECS", 600),

		OtelEnabled:  getEnvBool("MODELRELAY_OTEL_ENABLED", false),
		OtelEndpoint: getEnv("MODELRELAY_OTEL_ENDPOINT", "localhost:4318"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("MODELRELAY_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("MODELRELAY_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("MODELRELAY_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.PerTaskUSD < 0 || c.DailyUSD < 0 || c.MonthlyUSD < 0 {
		return fmt.Errorf("budget limits must be >= 0")
	}
	if c.WarningFraction < 0 || c.WarningFraction > 1 {
		return fmt.Errorf("MODELRELAY_LIMIT_WARNING_FRACTION must be in [0,1], got %f", c.WarningFraction)
	}
	if c.MaxQueueDepth < 0 {
		return fmt.Errorf("MODELRELAY_LIMIT_MAX_QUEUE must be >= 0, got %d", c.MaxQueueDepth)
	}
	if c.SessionMaxTurns <= 0 {
		return fmt.Errorf("MODELRELAY_SESSION_MAX_TURNS must be > 0, got %d", c.SessionMaxTurns)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MODELRELAY_MAX_RETRIES must be >= 0, got %d", c.MaxRetries)
	}
	if _, err := c.ProjectOverrides(); err != nil {
		return err
	}
	return nil
}

// DefaultLimits assembles the global budget gates from the config.
func (c Config) DefaultLimits() budget.Limits {
	return budget.Limits{
		PerTaskUSD:    c.PerTaskUSD,
		DailyUSD:      c.DailyUSD,
		MonthlyUSD:    c.MonthlyUSD,
		MaxQueueDepth: c.MaxQueueDepth,
		WarnRatio:     c.WarningFraction,
	}
}

// ProjectOverrides parses the per-project limit overrides.
func (c Config) ProjectOverrides() (map[string]budget.Limits, error) {
	if c.ProjectLimits == "" {
		return nil, nil
	}
	overrides := make(map[string]budget.Limits)
	if err := json.Unmarshal([]byte(c.ProjectLimits), &overrides); err != nil {
		return nil, fmt.Errorf("MODELRELAY_PROJECT_LIMITS: %w", err)
	}
	return overrides, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
