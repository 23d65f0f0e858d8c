package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/utils/env"
)

const (
	StorageModeInMemory = "in-memory"
	StorageModeDisk     = "disk"
	StorageModeExternal = "external"

	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"

	DefaultDataPath = "/data/key-service.db"

	defaultRateLimit    = 1000
	defaultStoreTimeout = 5
)

// Config holds application configuration.
type Config struct {
	// Name identifies this deployment in logs and certificates.
	Name string
	// Port the HTTP server listens on.
	Port string
	// DebugMode enables debug logging and gin debug mode.
	DebugMode bool

	// Storage configuration.
	StorageMode     string
	DataPath        string
	DBConnectionURL string

	// Rate window cache configuration.
	CacheBackend string
	RedisURL     string

	// DefaultRateLimit is the per-minute request allowance stamped on
	// newly issued keys.
	DefaultRateLimit int64
	// StoreTimeoutSeconds bounds durable-store calls on the verify path.
	StoreTimeoutSeconds int

	// UpstreamURL is the base URL of the credential-issuance service.
	UpstreamURL string
	// DocsOrigin is the only origin allowed to call POST /keys.
	DocsOrigin string

	// GitHub notification target. Notifications are disabled when the
	// token is empty.
	GitHubRepo  string
	GitHubToken string

	TLS TLSConfig

	// ConfigFile optionally overlays values from a YAML file.
	ConfigFile string
}

// Load loads configuration from environment variables and binds flags.
// Call flag.Parse and then Finalize before use.
func Load() *Config {
	debugMode, _ := env.GetBool("DEBUG_MODE", false)
	rateLimit, _ := env.GetInt("DEFAULT_RATE_LIMIT", defaultRateLimit)
	storeTimeout, _ := env.GetInt("STORE_TIMEOUT_SECONDS", defaultStoreTimeout)

	c := &Config{
		Name:                env.GetString("INSTANCE_NAME", "key-service"),
		Port:                env.GetString("PORT", "8080"),
		DebugMode:           debugMode,
		StorageMode:         env.GetString("STORAGE_MODE", StorageModeInMemory),
		DataPath:            env.GetString("DATA_PATH", DefaultDataPath),
		DBConnectionURL:     env.GetString("DB_CONNECTION_URL", ""),
		CacheBackend:        env.GetString("CACHE_BACKEND", CacheBackendMemory),
		RedisURL:            env.GetString("REDIS_URL", ""),
		DefaultRateLimit:    int64(rateLimit),
		StoreTimeoutSeconds: storeTimeout,
		UpstreamURL:         env.GetString("UPSTREAM_URL", "https://pigment-api.onrender.com"),
		DocsOrigin:          env.GetString("DOCS_ORIGIN", "https://pigment-org.github.io"),
		GitHubRepo:          env.GetString("GITHUB_REPO", "PIGMENT-ORG/PIGMENT-V6"),
		GitHubToken:         env.GetString("GITHUB_TOKEN", ""),
		TLS:                 loadTLSConfig(),
	}

	c.bindFlags(flag.CommandLine)

	return c
}

// bindFlags binds values to selected config options on the given flagset.
func (c *Config) bindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Name, "name", c.Name, "Deployment name")
	fs.StringVar(&c.Port, "port", c.Port, "Port to listen on")
	fs.BoolVar(&c.DebugMode, "debug", c.DebugMode, "Enable debug logging")
	fs.StringVar(&c.StorageMode, "storage", c.StorageMode, "Storage mode: in-memory, disk or external")
	fs.StringVar(&c.DataPath, "data-path", c.DataPath, "SQLite file path for --storage=disk")
	fs.StringVar(&c.DBConnectionURL, "db-connection-url", c.DBConnectionURL, "PostgreSQL URL for --storage=external")
	fs.StringVar(&c.CacheBackend, "cache", c.CacheBackend, "Rate cache backend: memory or redis")
	fs.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "Redis URL for --cache=redis")
	fs.Int64Var(&c.DefaultRateLimit, "default-rate-limit", c.DefaultRateLimit, "Per-minute rate limit for new keys")
	fs.StringVar(&c.UpstreamURL, "upstream-url", c.UpstreamURL, "Base URL of the credential-issuance service")
	fs.StringVar(&c.DocsOrigin, "docs-origin", c.DocsOrigin, "Origin allowed to call POST /keys")
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "Optional YAML config file overlaying env and flag values")
	c.TLS.bindFlags(fs)
}

// fileConfig mirrors Config for the YAML overlay. Pointer fields
// distinguish "absent" from zero values.
type fileConfig struct {
	Name             *string `yaml:"name"`
	Port             *string `yaml:"port"`
	DebugMode        *bool   `yaml:"debug_mode"`
	StorageMode      *string `yaml:"storage_mode"`
	DataPath         *string `yaml:"data_path"`
	DBConnectionURL  *string `yaml:"db_connection_url"`
	CacheBackend     *string `yaml:"cache_backend"`
	RedisURL         *string `yaml:"redis_url"`
	DefaultRateLimit *int64  `yaml:"default_rate_limit"`
	StoreTimeout     *int    `yaml:"store_timeout_seconds"`
	UpstreamURL      *string `yaml:"upstream_url"`
	DocsOrigin       *string `yaml:"docs_origin"`
	GitHubRepo       *string `yaml:"github_repo"`
	GitHubToken      *string `yaml:"github_token"`
}

// Finalize applies the optional config file overlay and validates the
// result. Must run after flag.Parse.
func (c *Config) Finalize() error {
	if c.ConfigFile != "" {
		if err := c.applyFile(c.ConfigFile); err != nil {
			return err
		}
	}
	if c.DefaultRateLimit <= 0 {
		return fmt.Errorf("default rate limit must be positive, got %d", c.DefaultRateLimit)
	}
	return c.TLS.validate()
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	setIf(&c.Name, fc.Name)
	setIf(&c.Port, fc.Port)
	setIf(&c.DebugMode, fc.DebugMode)
	setIf(&c.StorageMode, fc.StorageMode)
	setIf(&c.DataPath, fc.DataPath)
	setIf(&c.DBConnectionURL, fc.DBConnectionURL)
	setIf(&c.CacheBackend, fc.CacheBackend)
	setIf(&c.RedisURL, fc.RedisURL)
	setIf(&c.DefaultRateLimit, fc.DefaultRateLimit)
	setIf(&c.StoreTimeoutSeconds, fc.StoreTimeout)
	setIf(&c.UpstreamURL, fc.UpstreamURL)
	setIf(&c.DocsOrigin, fc.DocsOrigin)
	setIf(&c.GitHubRepo, fc.GitHubRepo)
	setIf(&c.GitHubToken, fc.GitHubToken)
	return nil
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// StoreTimeout returns the durable-store timeout as a duration.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSeconds) * time.Second
}
