package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	// TimeZone is the zone used for upstream timestamps that carry no offset
	// and for calendar-day boundaries.
	TimeZone string

	OTLPEndpoint string

	// SchedulerEnabled runs the update cycle in this process. HTTP-only
	// replicas turn it off.
	SchedulerEnabled bool

	Upstream UpstreamConfig
	Redis    RedisConfig

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
}

type UpstreamConfig struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
	// QueryRate bounds on-demand hourly queries per meter per minute.
	QueryRate int64
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis address was configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "waterstats"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		TimeZone:     getenv("TZ", "Local"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", ""),
		Upstream: UpstreamConfig{
			BaseURL:   strings.TrimRight(strings.TrimSpace(getenv("UPSTREAM_BASE_URL", "https://dropcountr.com/api")), "/"),
			APIToken:  strings.TrimSpace(getenv("UPSTREAM_API_TOKEN", "")),
			Timeout:   time.Duration(getenvInt64("UPSTREAM_TIMEOUT_SECONDS", 30)) * time.Second,
			QueryRate: getenvInt64("UPSTREAM_QUERY_RATE_PER_MINUTE", 30),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		SchedulerEnabled:  getenvBool("SCHEDULER_ENABLED", true),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "waterstats"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
	}

	return cfg
}

// Location resolves TimeZone, falling back to the process zone.
func (c Config) Location() *time.Location {
	name := strings.TrimSpace(c.TimeZone)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.Local
	}
	return loc
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return def
	}
	return parsed
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
