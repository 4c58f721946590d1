// Package config loads configuration from environment variables, an
// optional .env file and an optional YAML defaults file.
package config

import (
	"encoding/json"
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

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string
	CORSOrigins string

	// TLS (optional; if both set, server uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string

	// Logging
	LogLevel  string
	LogFormat string

	// Bundles
	BundlePrefix string

	// Tree backend (GitHub REST compatible)
	GitHubRepo   string
	GitHubBranch string
	GitHubAPIURL string
	GitHubRawURL string
	GitHubToken  string

	// Mirror backend
	MirrorURL string

	// Archive backend ("local", "s3" or "none")
	ArchiveBackend string
	ArchiveRoot    string
	ArchiveMaxOpen int

	// S3 archive storage
	S3Endpoint  string
	S3Bucket    string
	S3Prefix    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string

	// Cache
	CacheStore       string
	CacheDir         string
	CacheMaxBytes    int64
	RedisURL         string
	RedisNamespace   string
	RedisTTL         time.Duration
	CacheVersion     int
	FetchConcurrency int
	BuildTimeout     time.Duration
	MaxStreamBytes   int64

	// Upstream transport
	UpstreamTimeout  time.Duration
	UpstreamAttempts int

	// Rewriting
	ProxyAssets   bool
	InlineTree    bool
	InlineMirror  bool
	InlineArchive bool

	// Catalog watcher (disabled when CatalogURL is empty)
	CatalogURL      string
	CatalogSchedule string

	// Rate limiting (0 = unlimited)
	RateLimitRPS   float64
	RateLimitBurst int
}

// Load reads configuration with defaults. A .env file in the working
// directory and the YAML file named by CONFIG_FILE supply values for
// variables the environment does not set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadYAML(path); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		ListenAddr:  envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr: envOr("METRICS_ADDR", ":9090"),
		CORSOrigins: envOr("CORS_ORIGINS", "*"),
		TLSCertFile: envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:  envOr("TLS_KEY_FILE", ""),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),

		BundlePrefix: envOr("BUNDLE_PREFIX", ""),

		GitHubRepo:   envOr("GITHUB_REPO", ""),
		GitHubBranch: envOr("GITHUB_BRANCH", "main"),
		GitHubAPIURL: envOr("GITHUB_API_URL", "https://api.github.com"),
		GitHubRawURL: envOr("GITHUB_RAW_URL", "https://raw.githubusercontent.com"),
		GitHubToken:  envOr("GITHUB_TOKEN", ""),

		MirrorURL: envOr("MIRROR_URL", ""),

		ArchiveBackend: envOr("ARCHIVE_BACKEND", "local"),
		ArchiveRoot:    envOr("ARCHIVE_ROOT", "./data/archives"),
		ArchiveMaxOpen: envInt("ARCHIVE_MAX_OPEN", 4),

		S3Endpoint:  envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:    envOr("S3_BUCKET", "bundles"),
		S3Prefix:    envOr("S3_PREFIX", ""),
		S3AccessKey: envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey: envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:    envOr("S3_REGION", "us-east-1"),

		CacheStore:       envOr("CACHE_STORE", "memory"),
		CacheDir:         envOr("CACHE_DIR", "./data/cache"),
		CacheMaxBytes:    envInt64("CACHE_MAX_BYTES", 1<<30), // 1GB default
		RedisURL:         envOr("REDIS_URL", ""),
		RedisNamespace:   envOr("REDIS_NAMESPACE", "bundleproxy"),
		RedisTTL:         envDuration("REDIS_TTL", 0),
		CacheVersion:     envInt("CACHE_VERSION", 1),
		FetchConcurrency: envInt("FETCH_CONCURRENCY", 8),
		BuildTimeout:     envDuration("BUILD_TIMEOUT", 5*time.Minute),
		MaxStreamBytes:   envInt64("MAX_STREAM_BYTES", 32*1024*1024), // 32MB default

		UpstreamTimeout:  envDuration("UPSTREAM_TIMEOUT", 30*time.Second),
		UpstreamAttempts: envInt("UPSTREAM_ATTEMPTS", 1),

		ProxyAssets:   envBool("PROXY_ASSETS", true),
		InlineTree:    envBool("INLINE_TREE", false),
		InlineMirror:  envBool("INLINE_MIRROR", true),
		InlineArchive: envBool("INLINE_ARCHIVE", true),

		CatalogURL:      envOr("CATALOG_URL", ""),
		CatalogSchedule: envOr("CATALOG_SCHEDULE", "@every 10m"),

		RateLimitRPS:   envFloat("RATE_LIMIT_RPS", 0),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 0),
	}

	if cfg.ArchiveBackend == "none" {
		cfg.ArchiveBackend = ""
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option values and combinations.
func (c *Config) Validate() error {
	switch c.CacheStore {
	case "memory", "disk":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when CACHE_STORE=redis")
		}
	default:
		return fmt.Errorf("CACHE_STORE must be memory, disk or redis, got %q", c.CacheStore)
	}

	switch c.ArchiveBackend {
	case "", "local", "s3":
	default:
		return fmt.Errorf("ARCHIVE_BACKEND must be local, s3 or none, got %q", c.ArchiveBackend)
	}

	if c.GitHubRepo != "" {
		owner, repo, ok := strings.Cut(c.GitHubRepo, "/")
		if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
			return fmt.Errorf("GITHUB_REPO must be owner/repo, got %q", c.GitHubRepo)
		}
	}

	if len(c.Backends()) == 0 {
		return fmt.Errorf("no backend configured: set GITHUB_REPO, MIRROR_URL or ARCHIVE_BACKEND")
	}
	if c.CacheVersion < 0 {
		return fmt.Errorf("CACHE_VERSION must not be negative")
	}
	if c.FetchConcurrency <= 0 {
		return fmt.Errorf("FETCH_CONCURRENCY must be positive")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	return nil
}

// Backends returns the IDs of the configured backends.
func (c *Config) Backends() []string {
	var ids []string
	if c.GitHubRepo != "" {
		ids = append(ids, "tree")
	}
	if c.MirrorURL != "" {
		ids = append(ids, "mirror")
	}
	if c.ArchiveBackend != "" {
		ids = append(ids, "archive")
	}
	return ids
}

// InlinePolicy returns the inlining default per backend ID.
func (c *Config) InlinePolicy() map[string]bool {
	return map[string]bool{
		"tree":    c.InlineTree,
		"mirror":  c.InlineMirror,
		"archive": c.InlineArchive,
	}
}

// ArchiveStorageConfig returns the JSON config for the archive part
// storage factory.
func (c *Config) ArchiveStorageConfig() json.RawMessage {
	var v any
	switch c.ArchiveBackend {
	case "s3":
		v = map[string]any{
			"endpoint":   c.S3Endpoint,
			"bucket":     c.S3Bucket,
			"prefix":     c.S3Prefix,
			"access_key": c.S3AccessKey,
			"secret_key": c.S3SecretKey,
			"region":     c.S3Region,
		}
	default:
		v = map[string]any{
			"root_path":   c.ArchiveRoot,
			"create_dirs": true,
		}
	}
	raw, _ := json.Marshal(v)
	return raw
}

// loadYAML sets variables from a flat YAML mapping of variable names to
// values. Variables already present in the environment win.
func loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	for k, v := range values {
		key := strings.ToUpper(k)
		if _, set := os.LookupEnv(key); set || v == nil {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(v)); err != nil {
			return fmt.Errorf("apply %s: %w", key, err)
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
