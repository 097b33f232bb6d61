package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Env      string
	LogLevel string
	LogFile  string

	// Sync agent (device side)
	AgentPort          string
	DeviceID           string
	DataDir            string
	BackendBaseURL     string
	HealthURL          string
	CORSAllowedOrigins []string
	SyncInterval       time.Duration
	SyncItemDelay      time.Duration
	SyncMaxRetries     int
	SyncBaseBackoff    time.Duration
	SyncMaxBackoff     time.Duration
	ReplayTimeout      time.Duration
	ProbeInterval      time.Duration
	ProbeTimeout       time.Duration
	TeardownTimeout    time.Duration
	CacheTTL           time.Duration
	CacheSweepInterval time.Duration

	// Shared cache tier (optional)
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Service-to-service auth between agent and intake API
	ServiceJWTSecret string
	ServiceJWTIssuer string

	// Intake API (backend side)
	IntakePort          string
	DatabaseURL         string
	IntakeRatePerSecond int
	IntakeRateBurst     int

	// Dead-letter export for permanently failed queue items
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	DeadLetterQueueURL  string

	// Staff alert emails for permanently failed items
	EmailProvider      string
	SendGridAPIKey     string
	AlertEmailTo       string
	AlertEmailFrom     string
	AlertEmailFromName string
}

// Load reads configuration from environment variables
func Load() *Config {
	backend := strings.TrimRight(getEnv("BACKEND_BASE_URL", "http://localhost:8081"), "/")
	return &Config{
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),

		AgentPort:          getEnv("AGENT_PORT", "8090"),
		DeviceID:           getEnv("DEVICE_ID", ""),
		DataDir:            getEnv("DATA_DIR", "./data"),
		BackendBaseURL:     backend,
		HealthURL:          getEnv("HEALTH_URL", backend+"/health"),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		SyncInterval:       getEnvAsDuration("SYNC_INTERVAL", 5*time.Minute),
		SyncItemDelay:      getEnvAsDuration("SYNC_ITEM_DELAY", 100*time.Millisecond),
		SyncMaxRetries:     getEnvAsInt("SYNC_MAX_RETRIES", 5),
		SyncBaseBackoff:    getEnvAsDuration("SYNC_BASE_BACKOFF", time.Second),
		SyncMaxBackoff:     getEnvAsDuration("SYNC_MAX_BACKOFF", 5*time.Minute),
		ReplayTimeout:      getEnvAsDuration("REPLAY_TIMEOUT", 30*time.Second),
		ProbeInterval:      getEnvAsDuration("PROBE_INTERVAL", 15*time.Second),
		ProbeTimeout:       getEnvAsDuration("PROBE_TIMEOUT", 5*time.Second),
		TeardownTimeout:    getEnvAsDuration("TEARDOWN_TIMEOUT", 5*time.Second),
		CacheTTL:           getEnvAsDuration("CACHE_TTL", 30*time.Minute),
		CacheSweepInterval: getEnvAsDuration("CACHE_SWEEP_INTERVAL", 10*time.Minute),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		ServiceJWTSecret: getEnv("SERVICE_JWT_SECRET", ""),
		ServiceJWTIssuer: getEnv("SERVICE_JWT_ISSUER", "clinic-sync-agent"),

		IntakePort:          getEnv("PORT", "8081"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		IntakeRatePerSecond: getEnvAsInt("INTAKE_RATE_PER_SECOND", 20),
		IntakeRateBurst:     getEnvAsInt("INTAKE_RATE_BURST", 40),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		DeadLetterQueueURL:  getEnv("DEAD_LETTER_QUEUE_URL", ""),

		EmailProvider:      strings.ToLower(getEnv("EMAIL_PROVIDER", "sendgrid")),
		SendGridAPIKey:     getEnv("SENDGRID_API_KEY", ""),
		AlertEmailTo:       getEnv("ALERT_EMAIL_TO", ""),
		AlertEmailFrom:     getEnv("ALERT_EMAIL_FROM", ""),
		AlertEmailFromName: getEnv("ALERT_EMAIL_FROM_NAME", ""),
	}
}

// StorePath is the SQLite file backing the offline store.
func (c *Config) StorePath() string {
	dir := strings.TrimRight(c.DataDir, "/")
	if dir == "" {
		dir = "."
	}
	return dir + "/offline.db"
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
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
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
