// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, the store connection, the upstream catalog client, snapshot
// pipeline sizing, rate limiting, and observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/go-pricing-history/internal/domain"
	"github.com/tbourn/go-pricing-history/internal/repo"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "pricesnap")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects and locates the store.
type DBConfig struct {
	Driver string // DB_DRIVER: sqlite|postgres
	Path   string // DB_PATH: SQLite file
	DSN    string // DB_DSN: PostgreSQL connection string
}

// Target returns the path or DSN matching Driver.
func (d DBConfig) Target() string {
	if d.Driver == repo.DriverPostgres {
		return d.DSN
	}
	return d.Path
}

// CatalogConfig configures the upstream retail prices client.
type CatalogConfig struct {
	BaseURL        string        // CATALOG_BASE_URL
	APIVersion     string        // CATALOG_API_VERSION
	RequestTimeout time.Duration // CATALOG_REQUEST_TIMEOUT
	MaxAttempts    int           // CATALOG_MAX_ATTEMPTS, including the first
	RPS            float64       // CATALOG_RPS client-side pacing, 0 = off
}

// SnapshotConfig sizes the ingestion pipeline.
type SnapshotConfig struct {
	Currencies     []string      // CURRENCIES, ISO 4217
	BatchSize      int           // BATCH_SIZE entries per transaction
	StaleThreshold time.Duration // STALE_THRESHOLD
	Concurrency    int           // SNAPSHOT_CONCURRENCY currencies in parallel
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Pipeline
	DB       DBConfig
	Catalog  CatalogConfig
	Snapshot SnapshotConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Store
		DB: DBConfig{
			Driver: strings.ToLower(strings.TrimSpace(getenv("DB_DRIVER", repo.DriverSQLite))),
			Path:   getenv("DB_PATH", "prices.db"),
			DSN:    getenv("DB_DSN", ""),
		},

		// Upstream
		Catalog: CatalogConfig{
			BaseURL:        getenv("CATALOG_BASE_URL", "https://prices.azure.com/api/retail/prices"),
			APIVersion:     getenv("CATALOG_API_VERSION", "2023-01-01-preview"),
			RequestTimeout: getdur("CATALOG_REQUEST_TIMEOUT", 120*time.Second),
			MaxAttempts:    getint("CATALOG_MAX_ATTEMPTS", 5),
			RPS:            getfloat("CATALOG_RPS", 0),
		},

		// Pipeline
		Snapshot: SnapshotConfig{
			Currencies:     splitCSV(getenv("CURRENCIES", "USD")),
			BatchSize:      getint("BATCH_SIZE", 90),
			StaleThreshold: getdur("STALE_THRESHOLD", 2*time.Hour),
			Concurrency:    getint("SNAPSHOT_CONCURRENCY", 1),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "pricesnap"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DB.Driver == "postgresql" {
		cfg.DB.Driver = repo.DriverPostgres
	}
	curs, err := domain.NormalizeCurrencies(cfg.Snapshot.Currencies)
	if err != nil {
		return cfg, fmt.Errorf("CURRENCIES: %w", err)
	}
	cfg.Snapshot.Currencies = curs

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case repo.DriverSQLite:
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case repo.DriverPostgres:
		if strings.TrimSpace(cfg.DB.DSN) == "" {
			return cfg, errors.New("DB_DSN must be set when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if strings.TrimSpace(cfg.Catalog.BaseURL) == "" {
		return cfg, errors.New("CATALOG_BASE_URL must not be empty")
	}
	if cfg.Catalog.RequestTimeout <= 0 {
		return cfg, errors.New("CATALOG_REQUEST_TIMEOUT must be > 0")
	}
	if cfg.Catalog.MaxAttempts < 1 || cfg.Catalog.MaxAttempts > 10 {
		return cfg, errors.New("CATALOG_MAX_ATTEMPTS must be between 1 and 10")
	}
	if cfg.Catalog.RPS < 0 {
		return cfg, errors.New("CATALOG_RPS must be >= 0")
	}
	if len(cfg.Snapshot.Currencies) == 0 {
		return cfg, errors.New("CURRENCIES must list at least one ISO 4217 code")
	}
	if cfg.Snapshot.BatchSize < 1 || cfg.Snapshot.BatchSize > 500 {
		return cfg, errors.New("BATCH_SIZE must be between 1 and 500")
	}
	if limit := repo.MaxParams(cfg.DB.Driver); cfg.Snapshot.BatchSize*repo.ParamsPerPrice > limit {
		return cfg, fmt.Errorf("BATCH_SIZE exceeds the %d bind parameters allowed by %s", limit, cfg.DB.Driver)
	}
	if cfg.Snapshot.StaleThreshold <= 0 {
		return cfg, errors.New("STALE_THRESHOLD must be > 0")
	}
	if cfg.Snapshot.Concurrency < 1 {
		return cfg, errors.New("SNAPSHOT_CONCURRENCY must be >= 1")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
