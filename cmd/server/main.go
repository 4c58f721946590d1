// Bundle Proxy Server
//
// Features:
// - Play HTML game bundles from a GitHub tree, a CDN mirror or zip archives
// - Rewritten entry documents with base tag, absolute or proxied asset URLs
// - Bundle cache with memory, disk or Redis storage
// - SSE cache events & catalog change detection
// - Prometheus metrics & structured logging (zap)
// - Per-client rate limiting
package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/bundleproxy/internal/api"
	"github.com/fruitsalade/bundleproxy/internal/cache"
	"github.com/fruitsalade/bundleproxy/internal/catalog"
	"github.com/fruitsalade/bundleproxy/internal/config"
	"github.com/fruitsalade/bundleproxy/internal/engine"
	"github.com/fruitsalade/bundleproxy/internal/events"
	"github.com/fruitsalade/bundleproxy/internal/logging"
	"github.com/fruitsalade/bundleproxy/internal/metrics"
	"github.com/fruitsalade/bundleproxy/internal/ratelimit"
	"github.com/fruitsalade/bundleproxy/internal/source"
	"github.com/fruitsalade/bundleproxy/internal/storage"
	"github.com/fruitsalade/bundleproxy/internal/treeapi"
	"github.com/fruitsalade/bundleproxy/internal/upstream"
	"github.com/fruitsalade/bundleproxy/pkg/retry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("bundle proxy starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.Strings("backends", cfg.Backends()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize backends
	sources, closeSources := buildSources(ctx, cfg)
	defer closeSources()

	// Initialize cache store
	store, err := buildStore(cfg)
	if err != nil {
		logging.Fatal("cache store init failed", zap.Error(err))
	}
	defer store.Close()

	// Initialize SSE broadcaster
	broadcaster := events.NewBroadcaster()
	logging.Info("SSE broadcaster initialized")

	bundles := cache.New(store, cache.Config{
		Generation:       cfg.CacheVersion,
		FetchConcurrency: cfg.FetchConcurrency,
		MaxStreamBytes:   cfg.MaxStreamBytes,
		BuildTimeout:     cfg.BuildTimeout,
	}, broadcaster)

	// Entries written under other cache versions are dropped at boot.
	if n, err := bundles.Prune(ctx); err != nil {
		logging.Error("cache prune failed", zap.Error(err))
	} else if n > 0 {
		logging.Info("pruned stale cache entries", zap.Int("count", n), zap.Int("generation", cfg.CacheVersion))
	}

	eng := engine.New(bundles, sources, engine.Config{
		Prefix:         cfg.BundlePrefix,
		ProxyAssets:    cfg.ProxyAssets,
		Inline:         cfg.InlinePolicy(),
		MaxStreamBytes: cfg.MaxStreamBytes,
	})

	var limiter *ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logging.Info("rate limiter initialized",
			zap.Float64("rps", cfg.RateLimitRPS),
			zap.Int("burst", cfg.RateLimitBurst))
	}

	// Catalog watcher (optional)
	if cfg.CatalogURL != "" {
		client := upstream.New(upstream.Config{
			Name:        "catalog",
			Timeout:     cfg.UpstreamTimeout,
			RetryConfig: retryConfig(cfg),
		})
		watcher := catalog.NewWatcher(catalog.Config{
			URL:      cfg.CatalogURL,
			Schedule: cfg.CatalogSchedule,
			Prefix:   cfg.BundlePrefix,
			Backends: cfg.Backends(),
			Timeout:  cfg.UpstreamTimeout,
		}, client, eng, broadcaster)
		if err := watcher.Start(); err != nil {
			logging.Fatal("catalog watcher init failed", zap.Error(err))
		}
		defer watcher.Stop()
	}

	// Create API server
	srv := api.NewServer(eng, broadcaster, api.Options{
		CORSOrigins: cfg.CORSOrigins,
		RateLimiter: limiter,
	})

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP(S) server
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	// Periodic cache gauge refresh
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := bundles.Stats(ctx); err != nil {
					logging.Warn("cache stats failed", zap.Error(err))
				}
			}
		}
	}()

	// Periodic cleanup of idle rate limiter buckets
	if limiter != nil {
		go func() {
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					limiter.Cleanup(time.Hour)
				}
			}
		}()
	}

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	}
}

func retryConfig(cfg *config.Config) retry.Config {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = max(cfg.UpstreamAttempts, 1)
	return rc
}

// buildSources creates the configured backends. The returned func closes
// the archive part storage.
func buildSources(ctx context.Context, cfg *config.Config) (*source.Registry, func()) {
	var srcs []source.Source
	closeFn := func() {}

	if cfg.GitHubRepo != "" {
		header := http.Header{}
		header.Set("Accept", "application/vnd.github+json")
		if cfg.GitHubToken != "" {
			header.Set("Authorization", "Bearer "+cfg.GitHubToken)
		}
		trees := treeapi.New(upstream.New(upstream.Config{
			Name:        "treeapi",
			Timeout:     cfg.UpstreamTimeout,
			RetryConfig: retryConfig(cfg),
			Header:      header,
		}), cfg.GitHubAPIURL, cfg.GitHubRepo)
		raw := upstream.New(upstream.Config{
			Name:        "raw",
			Timeout:     cfg.UpstreamTimeout,
			RetryConfig: retryConfig(cfg),
		})
		srcs = append(srcs, source.NewTree(trees, raw, source.TreeConfig{
			Branch: cfg.GitHubBranch,
			RawURL: upstream.JoinURL(cfg.GitHubRawURL, cfg.GitHubRepo+"/"+cfg.GitHubBranch),
		}))
		logging.Info("tree backend initialized",
			zap.String("repo", cfg.GitHubRepo),
			zap.String("branch", cfg.GitHubBranch))
	}

	if cfg.MirrorURL != "" {
		srcs = append(srcs, source.NewMirror(upstream.New(upstream.Config{
			Name:        "mirror",
			Timeout:     cfg.UpstreamTimeout,
			RetryConfig: retryConfig(cfg),
		}), cfg.MirrorURL))
		logging.Info("mirror backend initialized", zap.String("url", cfg.MirrorURL))
	}

	if cfg.ArchiveBackend != "" {
		parts, err := storage.NewBackendFromConfig(ctx, cfg.ArchiveBackend, cfg.ArchiveStorageConfig())
		if err != nil {
			logging.Fatal("archive storage init failed", zap.Error(err))
		}
		closeFn = func() { parts.Close() }
		srcs = append(srcs, source.NewArchive(parts, cfg.ArchiveMaxOpen))
		logging.Info("archive backend initialized", zap.String("storage", parts.Type()))
	}

	return source.NewRegistry(srcs...), closeFn
}

func buildStore(cfg *config.Config) (cache.Store, error) {
	switch cfg.CacheStore {
	case "disk":
		logging.Info("using disk cache store", zap.String("dir", cfg.CacheDir))
		return cache.NewDiskStore(cfg.CacheDir, cfg.CacheMaxBytes)
	case "redis":
		logging.Info("using redis cache store")
		return cache.NewRedisStore(cache.RedisConfig{
			URL:       cfg.RedisURL,
			Namespace: cfg.RedisNamespace,
			TTL:       cfg.RedisTTL,
		})
	default:
		return cache.NewMemoryStore(cfg.CacheMaxBytes), nil
	}
}
