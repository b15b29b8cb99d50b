package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewPipelineConfigHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis   RedisConfig
	Storage StorageConfig
	PubSub  PubSubConfig
	Stripe  StripeConfig
	Lyrics  ProviderConfig
	Music   ProviderConfig

	OperatorUserIDs []string
	EnabledJobs     []string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type StorageConfig struct {
	Driver          string
	Bucket          string
	CredentialsJSON string
	LocalDir        string
	PublicBaseURL   string
}

type PubSubConfig struct {
	ProjectID       string
	Topic           string
	CredentialsJSON string
}

func (c PubSubConfig) Enabled() bool {
	return c.ProjectID != "" && c.Topic != ""
}

type StripeConfig struct {
	WebhookSecret    string
	WebhookTolerance time.Duration
}

type ProviderConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	CallbackURL string
	Timeout     time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "songforge"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       getenvInt64("NODE_ID", 1),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "songforge"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		Storage: StorageConfig{
			Driver:          strings.ToLower(getenv("STORAGE_DRIVER", "local")),
			Bucket:          strings.TrimSpace(getenv("STORAGE_BUCKET", "")),
			CredentialsJSON: getenv("GCS_CREDENTIALS_JSON", ""),
			LocalDir:        getenv("STORAGE_LOCAL_DIR", "./data/songs"),
			PublicBaseURL:   strings.TrimRight(getenv("STORAGE_PUBLIC_BASE_URL", ""), "/"),
		},
		PubSub: PubSubConfig{
			ProjectID:       strings.TrimSpace(getenv("PUBSUB_PROJECT_ID", "")),
			Topic:           strings.TrimSpace(getenv("PUBSUB_CHANGES_TOPIC", "")),
			CredentialsJSON: getenv("PUBSUB_CREDENTIALS_JSON", ""),
		},
		Stripe: StripeConfig{
			WebhookSecret:    strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			WebhookTolerance: getenvDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
		},
		Lyrics: ProviderConfig{
			BaseURL: getenv("LYRICS_BASE_URL", "http://localhost:8090"),
			APIKey:  strings.TrimSpace(getenv("LYRICS_API_KEY", "")),
			Model:   getenv("LYRICS_MODEL", "gpt-4o-mini"),
			Timeout: getenvDuration("LYRICS_TIMEOUT", 60*time.Second),
		},
		Music: ProviderConfig{
			BaseURL:     getenv("MUSIC_BASE_URL", "https://api.sunoapi.org"),
			APIKey:      strings.TrimSpace(getenv("MUSIC_API_KEY", "")),
			Model:       getenv("MUSIC_MODEL", "V4_5"),
			CallbackURL: getenv("MUSIC_CALLBACK_URL", ""),
			Timeout:     getenvDuration("MUSIC_TIMEOUT", 30*time.Second),
		},
		OperatorUserIDs: parseList(getenv("OPERATOR_USER_IDS", "")),
		EnabledJobs:     parseList(getenv("SCHEDULER_ENABLED_JOBS", "")),
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
