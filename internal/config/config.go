package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Env       string
	LogLevel  string
	LogFormat string

	// Remote visit service
	VisitAPIBaseURL string
	VisitAPIToken   string
	VisitAPITimeout time.Duration

	// Entity cache freshness
	CacheStaleAfter          time.Duration
	DashboardStaleAfter      time.Duration
	DashboardRefreshInterval time.Duration
	DoctorsStaleAfter        time.Duration

	// Metrics/health listener for visitctl watch
	MetricsAddr string

	// Role gate: "jwt", "redis" or "static"
	RoleGate         string
	SessionJWTSecret string
	SessionID        string
	ActorID          string
	ActorRole        string
	ActorName        string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
}

// Load reads configuration from environment variables. A .env file in the
// working directory is applied first when present; real environment
// variables take precedence over it.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Env:       getEnv("ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "json")),

		VisitAPIBaseURL: getEnv("VISIT_API_BASE_URL", "http://localhost:5000/api"),
		VisitAPIToken:   getEnv("VISIT_API_TOKEN", ""),
		VisitAPITimeout: getEnvAsDuration("VISIT_API_TIMEOUT", 30*time.Second),

		CacheStaleAfter:          getEnvAsDuration("CACHE_STALE_AFTER", 30*time.Second),
		DashboardStaleAfter:      getEnvAsDuration("DASHBOARD_STALE_AFTER", 2*time.Minute),
		DashboardRefreshInterval: getEnvAsDuration("DASHBOARD_REFRESH_INTERVAL", 5*time.Minute),
		DoctorsStaleAfter:        getEnvAsDuration("DOCTORS_STALE_AFTER", 2*time.Minute),

		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		RoleGate:         strings.ToLower(strings.TrimSpace(getEnv("ROLE_GATE", "jwt"))),
		SessionJWTSecret: getEnv("SESSION_JWT_SECRET", ""),
		SessionID:        getEnv("SESSION_ID", ""),
		ActorID:          getEnv("ACTOR_ID", ""),
		ActorRole:        strings.ToLower(strings.TrimSpace(getEnv("ACTOR_ROLE", ""))),
		ActorName:        getEnv("ACTOR_NAME", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil && value > 0 {
		return value
	}
	return defaultValue
}
