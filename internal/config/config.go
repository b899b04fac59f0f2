// Package config provides configuration loading and management for the
// veridata engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/veridata-io/veridata/internal/materialize"
	"github.com/veridata-io/veridata/internal/rules"
)

// Config holds all configuration for the engine.
type Config struct {
	// Version is the application version
	Version string

	// Environment is the deployment environment (development, staging, production)
	Environment string

	// Engine configuration
	Engine EngineConfig

	// Ledger configuration for the execution ledger database
	Ledger LedgerConfig

	// MinIO/S3 configuration for object-store destinations
	Storage StorageConfig

	// Retry holds the retry policy for destination operations
	Retry RetryConfig

	// Metrics configuration
	Metrics MetricsConfig
}

// EngineConfig holds validation engine configuration.
type EngineConfig struct {
	// WorkDirRoot is the root directory under which per-execution
	// working directories are created
	WorkDirRoot string

	// Channel is the originating submission channel recorded in reports
	Channel string

	// PartialRatio is the error-rows-to-total-rows threshold separating
	// Partial from Failed
	PartialRatio float64

	// CatalogConcurrency caps concurrent catalog normalization and
	// row-level evaluation within one execution
	CatalogConcurrency int
}

// LedgerConfig holds execution ledger database configuration.
type LedgerConfig struct {
	// Enabled enables the persistent ledger; disabled runs keep records
	// in memory only
	Enabled bool

	// Host is the database host
	Host string

	// Port is the database port
	Port int

	// Name is the database name
	Name string

	// User is the database user
	User string

	// Password is the database password
	Password string

	// SSLMode is the SSL mode (disable, require, verify-ca, verify-full)
	SSLMode string

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int
}

// DSN returns the ledger database connection string.
func (l LedgerConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		l.Host, l.Port, l.Name, l.User, l.Password, l.SSLMode,
	)
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Endpoint is the S3/MinIO endpoint
	Endpoint string

	// AccessKey is the access key
	AccessKey string

	// SecretKey is the secret key
	SecretKey string

	// Bucket is the default bucket name
	Bucket string

	// Prefix is the key prefix under which tables live
	Prefix string

	// UseSSL enables SSL for the connection
	UseSSL bool
}

// Location returns the object-store location descriptor.
func (s StorageConfig) Location() materialize.ObjectStoreLocation {
	return materialize.ObjectStoreLocation{
		Endpoint:  s.Endpoint,
		AccessKey: s.AccessKey,
		SecretKey: s.SecretKey,
		UseSSL:    s.UseSSL,
		Bucket:    s.Bucket,
		Prefix:    s.Prefix,
	}
}

// RetryConfig holds retry policy configuration.
type RetryConfig struct {
	// MaxAttempts is the maximum number of retry attempts
	MaxAttempts int

	// InitialInterval is the initial backoff interval
	InitialInterval time.Duration

	// MaxInterval is the maximum backoff interval
	MaxInterval time.Duration

	// Multiplier is the backoff multiplier
	Multiplier float64
}

// Policy returns the retry policy for destination operations.
func (r RetryConfig) Policy() materialize.RetryPolicy {
	return materialize.RetryPolicy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval,
		MaxInterval:     r.MaxInterval,
		Multiplier:      r.Multiplier,
		Jitter:          true,
	}
}

// MetricsConfig holds metrics/observability configuration.
type MetricsConfig struct {
	// Enabled enables metrics collection
	Enabled bool
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Version:     getEnv("VERIDATA_VERSION", "0.1.0"),
		Environment: getEnv("VERIDATA_ENV", "development"),

		Engine: EngineConfig{
			WorkDirRoot:        getEnv("VERIDATA_WORKDIR_ROOT", "./executions"),
			Channel:            getEnv("VERIDATA_CHANNEL", "cli"),
			PartialRatio:       getFloatEnv("VERIDATA_PARTIAL_RATIO", rules.DefaultPartialRatio),
			CatalogConcurrency: getIntEnv("VERIDATA_CATALOG_CONCURRENCY", 4),
		},

		Ledger: LedgerConfig{
			Enabled:      getBoolEnv("VERIDATA_LEDGER_ENABLED", false),
			Host:         getEnv("VERIDATA_LEDGER_HOST", "localhost"),
			Port:         getIntEnv("VERIDATA_LEDGER_PORT", 5432),
			Name:         getEnv("VERIDATA_LEDGER_NAME", "veridata"),
			User:         getEnv("VERIDATA_LEDGER_USER", "veridata"),
			Password:     getEnv("VERIDATA_LEDGER_PASSWORD", "veridata"),
			SSLMode:      getEnv("VERIDATA_LEDGER_SSLMODE", "disable"),
			MaxOpenConns: getIntEnv("VERIDATA_LEDGER_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getIntEnv("VERIDATA_LEDGER_MAX_IDLE_CONNS", 5),
		},

		Storage: StorageConfig{
			Endpoint:  getEnv("VERIDATA_STORAGE_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("VERIDATA_STORAGE_ACCESS_KEY", "minioadmin"),
			SecretKey: getEnv("VERIDATA_STORAGE_SECRET_KEY", "minioadmin"),
			Bucket:    getEnv("VERIDATA_STORAGE_BUCKET", "veridata"),
			Prefix:    getEnv("VERIDATA_STORAGE_PREFIX", "tables"),
			UseSSL:    getBoolEnv("VERIDATA_STORAGE_USE_SSL", false),
		},

		Retry: RetryConfig{
			MaxAttempts:     getIntEnv("VERIDATA_RETRY_MAX_ATTEMPTS", 3),
			InitialInterval: getDurationEnv("VERIDATA_RETRY_INITIAL_INTERVAL", time.Second),
			MaxInterval:     getDurationEnv("VERIDATA_RETRY_MAX_INTERVAL", 30*time.Second),
			Multiplier:      getFloatEnv("VERIDATA_RETRY_MULTIPLIER", 2.0),
		},

		Metrics: MetricsConfig{
			Enabled: getBoolEnv("VERIDATA_METRICS_ENABLED", true),
		},
	}

	if cfg.Engine.PartialRatio <= 0 || cfg.Engine.PartialRatio > 1 {
		return nil, fmt.Errorf("VERIDATA_PARTIAL_RATIO must be in (0, 1], got %v", cfg.Engine.PartialRatio)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
