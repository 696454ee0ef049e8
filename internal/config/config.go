package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the job API.
type Config struct {
	Env         string `yaml:"env"`
	LogLevel    string `yaml:"log_level"`
	HTTPPort    string `yaml:"http_port"`
	MetricsAddr string `yaml:"metrics_addr"`

	DatastoreDriver string `yaml:"datastore_driver"`
	DatastoreDSN    string `yaml:"datastore_dsn"`
	DBMaxConns      int    `yaml:"db_max_conns"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	RateLimitCapacity int     `yaml:"rate_limit_capacity"`
	RateLimitRefill   float64 `yaml:"rate_limit_refill_per_sec"`

	ProcessorURL       string        `yaml:"processor_url"`
	ProcessorAPIKey    string        `yaml:"processor_api_key"`
	ProcessorTimeout   time.Duration `yaml:"processor_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	PollTimeout        time.Duration `yaml:"poll_timeout"`
	PollBackoffInitial time.Duration `yaml:"poll_backoff_initial"`
	PollBackoffMax     time.Duration `yaml:"poll_backoff_max"`
	LockTTL            time.Duration `yaml:"lock_ttl"`
	WebhookToken       string        `yaml:"webhook_token"`

	NotifierURL     string        `yaml:"notifier_url"`
	NotifierTimeout time.Duration `yaml:"notifier_timeout"`
	ReportsBucket   string        `yaml:"reports_bucket"`
	S3Region        string        `yaml:"s3_region"`
	S3Endpoint      string        `yaml:"s3_endpoint"`
	S3PathStyle     bool          `yaml:"s3_path_style"`
	PresignTTL      time.Duration `yaml:"presign_ttl"`
}

// Defaults are the values used for local development.
func Defaults() Config {
	return Config{
		Env:                "dev",
		LogLevel:           "info",
		HTTPPort:           "8080",
		MetricsAddr:        ":9090",
		DatastoreDriver:    "sqlite",
		DatastoreDSN:       "./fieldjobs.db",
		DBMaxConns:         10,
		RedisAddr:          "localhost:6379",
		RateLimitCapacity:  50,
		RateLimitRefill:    20,
		ProcessorTimeout:   10 * time.Second,
		PollInterval:       5 * time.Second,
		PollTimeout:        5 * time.Minute,
		PollBackoffInitial: 2 * time.Second,
		PollBackoffMax:     30 * time.Second,
		LockTTL:            6 * time.Minute,
		NotifierTimeout:    15 * time.Second,
		S3Region:           "us-east-1",
		PresignTTL:         7 * 24 * time.Hour,
	}
}

// Load reads .env (if present), then the YAML file named by CONFIG_FILE (if set), then the
// environment. Later sources win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(c *Config) {
	c.Env = getEnv("APP_ENV", c.Env)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.HTTPPort = getEnv("HTTP_PORT", c.HTTPPort)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.DatastoreDriver = getEnv("DATASTORE_DRIVER", c.DatastoreDriver)
	c.DatastoreDSN = getEnv("DATASTORE_DSN", c.DatastoreDSN)
	c.DBMaxConns = getEnvInt("DB_MAX_CONNS", c.DBMaxConns)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)
	c.RateLimitCapacity = getEnvInt("RATE_LIMIT_CAPACITY", c.RateLimitCapacity)
	c.RateLimitRefill = getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", c.RateLimitRefill)
	c.ProcessorURL = getEnv("PROCESSOR_URL", c.ProcessorURL)
	c.ProcessorAPIKey = getEnv("PROCESSOR_API_KEY", c.ProcessorAPIKey)
	c.ProcessorTimeout = getEnvDuration("PROCESSOR_TIMEOUT", c.ProcessorTimeout)
	c.PollInterval = getEnvDuration("PAYMENT_POLL_INTERVAL", c.PollInterval)
	c.PollTimeout = getEnvDuration("PAYMENT_POLL_TIMEOUT", c.PollTimeout)
	c.PollBackoffInitial = getEnvDuration("PAYMENT_BACKOFF_INITIAL", c.PollBackoffInitial)
	c.PollBackoffMax = getEnvDuration("PAYMENT_BACKOFF_MAX", c.PollBackoffMax)
	c.LockTTL = getEnvDuration("PAYMENT_LOCK_TTL", c.LockTTL)
	c.WebhookToken = getEnv("WEBHOOK_TOKEN", c.WebhookToken)
	c.NotifierURL = getEnv("NOTIFIER_URL", c.NotifierURL)
	c.NotifierTimeout = getEnvDuration("NOTIFIER_TIMEOUT", c.NotifierTimeout)
	c.ReportsBucket = getEnv("REPORTS_BUCKET", c.ReportsBucket)
	c.S3Region = getEnv("S3_REGION", c.S3Region)
	c.S3Endpoint = getEnv("S3_ENDPOINT", c.S3Endpoint)
	c.S3PathStyle = getEnvBool("S3_PATH_STYLE", c.S3PathStyle)
	c.PresignTTL = getEnvDuration("REPORT_PRESIGN_TTL", c.PresignTTL)
}

// Validate rejects combinations the server cannot run with.
func (c Config) Validate() error {
	switch c.DatastoreDriver {
	case "postgres", "sqlite":
		if c.DatastoreDSN == "" {
			return fmt.Errorf("DATASTORE_DSN is required for driver %q", c.DatastoreDriver)
		}
	case "memory":
	default:
		return fmt.Errorf("unknown DATASTORE_DRIVER %q", c.DatastoreDriver)
	}
	if c.PollInterval <= 0 || c.PollTimeout <= 0 {
		return errors.New("payment poll interval and timeout must be positive")
	}
	if c.PollTimeout < c.PollInterval {
		return fmt.Errorf("payment poll timeout %s is shorter than the interval %s", c.PollTimeout, c.PollInterval)
	}
	if c.LockTTL < c.PollTimeout {
		return fmt.Errorf("payment lock ttl %s must cover the poll timeout %s", c.LockTTL, c.PollTimeout)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
