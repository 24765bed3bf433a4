package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crohr/smart-git-proxy/internal/bundlefetch"
	"github.com/crohr/smart-git-proxy/internal/cloudmap"
	"github.com/crohr/smart-git-proxy/internal/config"
	"github.com/crohr/smart-git-proxy/internal/filelock"
	"github.com/crohr/smart-git-proxy/internal/gitproxy"
	"github.com/crohr/smart-git-proxy/internal/logging"
	"github.com/crohr/smart-git-proxy/internal/metrics"
	"github.com/crohr/smart-git-proxy/internal/packcache"
	"github.com/crohr/smart-git-proxy/internal/route53"
	"github.com/crohr/smart-git-proxy/internal/semaphore"
	"github.com/crohr/smart-git-proxy/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}

	m := metrics.New()

	locks := filelock.NewManager()
	locks.OnWait = func(mode filelock.Mode, waited time.Duration) {
		label := "read"
		if mode == filelock.Exclusive {
			label = "write"
		}
		m.LockWaitSeconds.WithLabelValues(label).Observe(waited.Seconds())
	}

	sema := semaphore.BoundedByCPU(cfg.MaxGitUploadPack)

	cleaner := packcache.NewCleaner(locks, logger, cfg.WorkingDirectory, int64(cfg.PackCacheSizeGB))
	cleaner.OnSize = func(shard string, bytes int64) {
		m.PackCacheBytes.WithLabelValues(shard).Set(float64(bytes))
	}
	go runPeriodicCleanup(cleaner, logger)

	bundles := &bundlefetch.Fetcher{
		Client:      upstream.NewClient(cfg.CDNBundleTimeout, false, cfg.UserAgent),
		URLTemplate: cfg.CDNBundleURLTemplate,
	}

	server := gitproxy.New(cfg, locks, sema, cleaner, logger, m, bundles)

	mux := http.NewServeMux()
	mux.Handle(cfg.HealthPath, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.Handle("/", server.Handler())

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	stopCloudMap := registerCloudMap(ctx, cfg, logger)
	stopRoute53 := registerRoute53(ctx, cfg, logger)

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "working_directory", cfg.WorkingDirectory, "allowed_upstreams", cfg.AllowedUpstreams)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stopSignals()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if stopRoute53 != nil {
		stopRoute53(shutdownCtx)
	}
	if stopCloudMap != nil {
		stopCloudMap(shutdownCtx)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}

// runPeriodicCleanup runs the pack cache eviction sweep on a fixed interval;
// Clean itself is throttled to at most once a minute via the cleanup lock's
// own mtime, so this only needs to fire often enough to not miss a window.
func runPeriodicCleanup(cleaner *packcache.Cleaner, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		if _, err := cleaner.Clean(); err != nil {
			logger.Error("pack cache cleanup failed", "err", err)
		}
	}
}

// registerCloudMap optionally registers this instance with AWS Cloud Map
// and starts its health heartbeat loop, returning a stop func (nil if
// registration wasn't configured or failed).
func registerCloudMap(ctx context.Context, cfg *config.Config, logger *slog.Logger) func(context.Context) {
	if cfg.AWSCloudMapServiceID == "" {
		return nil
	}
	mgr, err := cloudmap.New(ctx, cfg.AWSCloudMapServiceID, logger)
	if err != nil {
		logger.Error("cloud map registration failed", "err", err)
		return nil
	}
	if err := mgr.Start(ctx); err != nil {
		logger.Error("cloud map start failed", "err", err)
		return nil
	}
	return mgr.Stop
}

// registerRoute53 optionally registers this instance's private IP under the
// configured DNS record, returning a deregister func to run on shutdown.
func registerRoute53(ctx context.Context, cfg *config.Config, logger *slog.Logger) func(context.Context) {
	if cfg.Route53HostedZoneID == "" || cfg.Route53RecordName == "" {
		return nil
	}
	mgr, err := route53.New(ctx, cfg.Route53HostedZoneID, cfg.Route53RecordName, logger)
	if err != nil {
		logger.Error("route53 manager init failed", "err", err)
		return nil
	}
	if err := mgr.Register(ctx); err != nil {
		logger.Error("route53 registration failed", "err", err)
		return nil
	}
	return func(shutdownCtx context.Context) {
		if err := mgr.Deregister(shutdownCtx); err != nil {
			logger.Error("route53 deregistration failed", "err", err)
		}
	}
}
