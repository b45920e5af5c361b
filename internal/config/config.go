package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

type Config struct {
	NodeEnv    string
	ServerHost string
	ServerPort string

	// InstanceID identifies this process on the event bus
	InstanceID string

	// Redis backs both presence and the event bus. When neither RedisURL nor
	// RedisHost is set the server runs single-instance with in-memory presence.
	RedisURL       string
	RedisHost      string
	RedisPort      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	BusChannel       string
	BusProbeTimeout  time.Duration
	BusRetryInterval time.Duration

	StoreTimeout time.Duration
	SessionTTL   time.Duration
	PresenceTTL  time.Duration

	JWTSecret string

	LogLevel  zerolog.Level
	LogPretty bool

	CORSOrigin string

	// Observability
	JaegerEndpoint string

	// Audit collaborator (Postgres)
	AuditEnabled   bool
	AuditWorkers   int
	AuditQueueSize int
	DBHost         string
	DBPort         string
	DBUser         string
	DBPassword     string
	DBName         string
	DBSSLMode      string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		NodeEnv:    getEnv("NODE_ENV", EnvDevelopment),
		ServerHost: getEnv("SERVER_HOST", "0.0.0.0"),
		ServerPort: getEnv("SERVER_PORT", "3000"),
		InstanceID: getEnv("INSTANCE_ID", ksuid.New().String()),

		RedisURL:       getEnv("REDIS_URL", ""),
		RedisHost:      getEnv("REDIS_HOST", ""),
		RedisPort:      getEnv("REDIS_PORT", "6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		RedisKeyPrefix: getEnv("REDIS_KEY_PREFIX", ""),

		BusChannel:       getEnv("BUS_CHANNEL", "workspace-events"),
		BusProbeTimeout:  getEnvDuration("BUS_PROBE_TIMEOUT", 2*time.Second),
		BusRetryInterval: getEnvDuration("BUS_RETRY_INTERVAL", 15*time.Second),

		StoreTimeout: getEnvDuration("STORE_TIMEOUT", 2*time.Second),
		SessionTTL:   getEnvSeconds("SESSION_TTL", 3600),
		PresenceTTL:  getEnvSeconds("PRESENCE_TTL", 300),

		JWTSecret: getEnv("JWT_SECRET", ""),

		LogPretty:  getEnvBool("LOG_PRETTY", false),
		CORSOrigin: getEnv("CORS_ORIGIN", "*"),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", ""),

		AuditEnabled:   getEnvBool("AUDIT_ENABLED", false),
		AuditWorkers:   getEnvInt("AUDIT_WORKERS", 2),
		AuditQueueSize: getEnvInt("AUDIT_QUEUE_SIZE", 256),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", "postgres"),
		DBName:         getEnv("DB_NAME", "collaborative_workspace"),
		DBSSLMode:      getEnv("DB_SSLMODE", "disable"),
	}

	level, err := zerolog.ParseLevel(strings.ToLower(getEnv("LOG_LEVEL", "info")))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	cfg.LogLevel = level

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks invariants between settings.
func (c *Config) Validate() error {
	switch c.NodeEnv {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		return fmt.Errorf("NODE_ENV must be one of development, production, test (got %q)", c.NodeEnv)
	}

	if c.SessionTTL <= 0 || c.PresenceTTL <= 0 {
		return fmt.Errorf("SESSION_TTL and PRESENCE_TTL must be positive")
	}
	// The presence aggregate has to clear before the session does, otherwise a
	// crashed client keeps showing as active for the whole reconnect grace period.
	if c.PresenceTTL > c.SessionTTL {
		return fmt.Errorf("PRESENCE_TTL (%s) must not exceed SESSION_TTL (%s)", c.PresenceTTL, c.SessionTTL)
	}
	if c.BusProbeTimeout <= 0 || c.StoreTimeout <= 0 || c.BusRetryInterval <= 0 {
		return fmt.Errorf("BUS_PROBE_TIMEOUT, BUS_RETRY_INTERVAL and STORE_TIMEOUT must be positive")
	}
	if c.AuditEnabled && (c.AuditWorkers <= 0 || c.AuditQueueSize <= 0) {
		return fmt.Errorf("AUDIT_WORKERS and AUDIT_QUEUE_SIZE must be positive when audit is enabled")
	}
	return nil
}

// RedisEnabled reports whether a shared Redis target was configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisURL != "" || c.RedisHost != ""
}

// RedisAddr returns host:port for the non-URL form.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// QuietErrors reports whether socket exceptions should be logged.
func (c *Config) QuietErrors() bool {
	return c.NodeEnv == EnvTest
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvSeconds reads a whole number of seconds
func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}
