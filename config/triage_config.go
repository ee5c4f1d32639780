package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"triage_server/pkg/apperr"
)

// Provider, store and event driver names.
const (
	ProviderOutlook  = "outlook"
	ProviderGraphSDK = "graphsdk"
	ProviderGmail    = "gmail"
	ProviderIMAP     = "imap"
	ProviderFake     = "fake"

	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
	StoreMongoDB  = "mongodb"

	EventsNone  = "none"
	EventsNATS  = "nats"
	EventsRedis = "redis"
)

type Config struct {
	Port        string
	Environment string
	LogLevel    string
	LogFormat   string

	// Mailbox
	MailProvider    string
	MailFolder      string
	MailUser        string // Graph user id or address; empty means /me
	MailAccessToken string // static bearer, development only
	AnnotateEnabled bool

	// Store
	StoreDriver     string
	DatabaseURL     string
	SQLitePath      string
	RedisURL        string
	RedisKeyPrefix  string
	MongoDBURL      string
	MongoDBName     string
	StoreTimeoutSec int

	// Events
	EventsDriver   string
	NatsURL        string
	NatsStream     string
	EventsMaxLen   int64
	PublishTimeout time.Duration

	// LLM
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	AzureOpenAIEndpoint string
	LLMModel            string
	LLMMaxTokens        int
	LLMTemperature      float64
	ClassifyTimeoutSec  int
	MinConfidence       float64
	FallbackConfidence  float64

	// OAuth - Microsoft
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftTenantID     string
	MicrosoftRefreshToken string

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRefreshToken string

	// IMAP
	IMAPAddr     string
	IMAPUsername string
	IMAPPassword string
	IMAPTLS      bool

	// Runs
	PollingInterval     time.Duration
	SchedulerEnabled    bool
	ClassifyConcurrency int
	MaxMessagesPerRun   int
	FetchPageSize       int
	FetchMaxRetries     int
	FetchTimeoutSec     int
	AnnotateTimeoutSec  int
	RunTimeout          time.Duration

	// API
	JWTSecret       string
	AllowedOrigins  []string
	RateLimitPerMin int
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),

		// Mailbox
		MailProvider:    strings.ToLower(getEnv("MAIL_PROVIDER", ProviderFake)),
		MailFolder:      strings.ToLower(getEnv("MAIL_FOLDER", "inbox")),
		MailUser:        getEnv("MAIL_USER", ""),
		MailAccessToken: getEnv("MAIL_ACCESS_TOKEN", ""),
		AnnotateEnabled: getEnvBool("ANNOTATE_ENABLED", true),

		// Store
		StoreDriver:     strings.ToLower(getEnv("STORE_DRIVER", StoreSQLite)),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		SQLitePath:      getEnv("SQLITE_PATH", "data/triage.db"),
		RedisURL:        getEnv("REDIS_URL", ""),
		RedisKeyPrefix:  getEnv("REDIS_KEY_PREFIX", "triage"),
		MongoDBURL:      getEnv("MONGODB_URL", ""),
		MongoDBName:     getEnv("MONGODB_DATABASE", "triage"),
		StoreTimeoutSec: getEnvInt("STORE_TIMEOUT_SEC", 10),

		// Events
		EventsDriver:   strings.ToLower(getEnv("EVENTS_DRIVER", EventsNone)),
		NatsURL:        getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		NatsStream:     getEnv("NATS_STREAM", "TRIAGE_EVENTS"),
		EventsMaxLen:   int64(getEnvInt("EVENTS_MAX_LEN", 10000)),
		PublishTimeout: time.Duration(getEnvInt("PUBLISH_TIMEOUT_SEC", 5)) * time.Second,

		// LLM
		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:       getEnv("OPENAI_BASE_URL", ""),
		AzureOpenAIEndpoint: getEnv("AZURE_OPENAI_ENDPOINT", ""),
		LLMModel:            getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMMaxTokens:        getEnvInt("LLM_MAX_TOKENS", 200),
		LLMTemperature:      getEnvFloat("LLM_TEMPERATURE", 0.3),
		ClassifyTimeoutSec:  getEnvInt("CLASSIFY_TIMEOUT_SEC", 15),
		MinConfidence:       getEnvFloat("MIN_CONFIDENCE", 0.5),
		FallbackConfidence:  getEnvFloat("FALLBACK_CONFIDENCE", 0.3),

		// OAuth - Microsoft
		MicrosoftClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
		MicrosoftClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
		MicrosoftTenantID:     getEnv("MICROSOFT_TENANT_ID", "common"),
		MicrosoftRefreshToken: getEnv("MICROSOFT_REFRESH_TOKEN", ""),

		// OAuth - Google
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRefreshToken: getEnv("GOOGLE_REFRESH_TOKEN", ""),

		// IMAP
		IMAPAddr:     getEnv("IMAP_ADDR", ""),
		IMAPUsername: getEnv("IMAP_USERNAME", ""),
		IMAPPassword: getEnv("IMAP_PASSWORD", ""),
		IMAPTLS:      getEnvBool("IMAP_TLS", true),

		// Runs
		PollingInterval:     time.Duration(getEnvInt("POLLING_INTERVAL", 60)) * time.Second,
		SchedulerEnabled:    getEnvBool("SCHEDULER_ENABLED", false),
		ClassifyConcurrency: getEnvInt("CLASSIFY_CONCURRENCY", 5),
		MaxMessagesPerRun:   getEnvInt("MAX_MESSAGES_PER_RUN", 500),
		FetchPageSize:       getEnvInt("FETCH_PAGE_SIZE", 50),
		FetchMaxRetries:     getEnvInt("FETCH_MAX_RETRIES", 3),
		FetchTimeoutSec:     getEnvInt("FETCH_TIMEOUT_SEC", 30),
		AnnotateTimeoutSec:  getEnvInt("ANNOTATE_TIMEOUT_SEC", 15),
		RunTimeout:          time.Duration(getEnvInt("RUN_TIMEOUT_SEC", 600)) * time.Second,

		// API
		JWTSecret:       getEnv("API_JWT_SECRET", ""),
		AllowedOrigins:  getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		RateLimitPerMin: getEnvInt("RATE_LIMIT_PER_MIN", 30),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown drivers, missing connection settings and
// out-of-range policy values.
func (c *Config) Validate() error {
	switch c.MailProvider {
	case ProviderOutlook, ProviderGraphSDK:
		if c.MailAccessToken == "" && (c.MicrosoftClientID == "" || c.MicrosoftRefreshToken == "") {
			return apperr.ConfigError(c.MailProvider + " requires MICROSOFT_CLIENT_ID and MICROSOFT_REFRESH_TOKEN or MAIL_ACCESS_TOKEN")
		}
	case ProviderGmail:
		if c.MailAccessToken == "" && (c.GoogleClientID == "" || c.GoogleRefreshToken == "") {
			return apperr.ConfigError("gmail requires GOOGLE_CLIENT_ID and GOOGLE_REFRESH_TOKEN or MAIL_ACCESS_TOKEN")
		}
	case ProviderIMAP:
		if c.IMAPAddr == "" || c.IMAPUsername == "" {
			return apperr.ConfigError("imap requires IMAP_ADDR and IMAP_USERNAME")
		}
		if c.IMAPPassword == "" && c.MailAccessToken == "" && c.GoogleRefreshToken == "" && c.MicrosoftRefreshToken == "" {
			return apperr.ConfigError("imap requires IMAP_PASSWORD or an OAuth credential")
		}
	case ProviderFake:
	default:
		return apperr.ConfigError(fmt.Sprintf("unknown MAIL_PROVIDER %q", c.MailProvider))
	}

	switch c.StoreDriver {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return apperr.ConfigError("STORE_DRIVER=postgres requires DATABASE_URL")
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return apperr.ConfigError("STORE_DRIVER=redis requires REDIS_URL")
		}
	case StoreMongoDB:
		if c.MongoDBURL == "" {
			return apperr.ConfigError("STORE_DRIVER=mongodb requires MONGODB_URL")
		}
	default:
		return apperr.ConfigError(fmt.Sprintf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	switch c.EventsDriver {
	case EventsNone, EventsNATS:
	case EventsRedis:
		if c.RedisURL == "" {
			return apperr.ConfigError("EVENTS_DRIVER=redis requires REDIS_URL")
		}
	default:
		return apperr.ConfigError(fmt.Sprintf("unknown EVENTS_DRIVER %q", c.EventsDriver))
	}

	switch c.MailFolder {
	case "inbox", "drafts", "sentitems":
	default:
		return apperr.ConfigError(fmt.Sprintf("unknown MAIL_FOLDER %q", c.MailFolder))
	}

	if c.PollingInterval < 10*time.Second || c.PollingInterval > time.Hour {
		return apperr.ConfigError("POLLING_INTERVAL must be between 10 and 3600 seconds")
	}
	if c.ClassifyConcurrency < 1 || c.ClassifyConcurrency > 10 {
		return apperr.ConfigError("CLASSIFY_CONCURRENCY must be between 1 and 10")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 || c.FallbackConfidence < 0 || c.FallbackConfidence > 1 {
		return apperr.ConfigError("MIN_CONFIDENCE and FALLBACK_CONFIDENCE must be within [0, 1]")
	}
	if c.MaxMessagesPerRun < 1 || c.FetchPageSize < 1 || c.FetchMaxRetries < 1 {
		return apperr.ConfigError("MAX_MESSAGES_PER_RUN, FETCH_PAGE_SIZE and FETCH_MAX_RETRIES must be positive")
	}
	return nil
}

// Mailbox names the checkpoint namespace: provider plus user, so switching
// accounts never reuses a cursor.
func (c *Config) Mailbox() string {
	user := c.MailUser
	if user == "" {
		user = c.IMAPUsername
	}
	if user == "" {
		return c.MailProvider
	}
	return c.MailProvider + ":" + strings.ToLower(user)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
