// Level pack generation server.
//
// Packages level archives into single downloadable ZIPs on demand:
// size-estimated admission under a global budget, streaming tree
// materialization with per-leaf failure containment, webhook progress
// reporting, and a TTL completion cache with physical cleanup.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/T21C/tuf-backend-sub004/internal/api"
	"github.com/T21C/tuf-backend-sub004/internal/auth"
	"github.com/T21C/tuf-backend-sub004/internal/config"
	"github.com/T21C/tuf-backend-sub004/internal/levels"
	"github.com/T21C/tuf-backend-sub004/internal/logging"
	"github.com/T21C/tuf-backend-sub004/internal/metrics"
	"github.com/T21C/tuf-backend-sub004/internal/packs"
	"github.com/T21C/tuf-backend-sub004/internal/storage"
	"github.com/T21C/tuf-backend-sub004/internal/storage/local"
	s3storage "github.com/T21C/tuf-backend-sub004/internal/storage/s3"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("pack server starting",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("storage", cfg.StorageBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logging.Info("connecting to PostgreSQL")
	levelStore, err := levels.New(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer levelStore.Close()

	backend, err := buildBackend(ctx, cfg)
	if err != nil {
		logging.Fatal("storage backend init failed", zap.Error(err))
	}
	defer backend.Close()

	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		logging.Fatal("temp dir init failed", zap.Error(err))
	}

	resolver := packs.NewResolver(levelStore, backend, cfg.SizeLookupTimeout)
	estimator := packs.NewEstimator(resolver, cfg.LeafSizeFallback)
	governor := packs.NewGovernor(cfg.PackBudgetBytes)
	reporter := packs.NewReporter(cfg.ProgressWebhookURL, cfg.ProgressPushTimeout)
	packer := packs.NewPacker(resolver, backend, reporter,
		cfg.TempDir, cfg.ZipTool, cfg.URLDownloadTimeout)
	cache := packs.NewCache(cfg.PackTTL, func(ctx context.Context, entry *packs.CompletedEntry) {
		if err := backend.DeleteObject(ctx, entry.Location); err != nil {
			logging.Warn("artifact cleanup failed",
				zap.String("key", entry.Location), zap.Error(err))
		}
	})

	service := packs.NewService(packs.ServiceOptions{
		MaxPackSizeBytes: cfg.PackMaxSizeBytes,
		DownloadURLTTL:   cfg.DownloadURLTTL,
	}, estimator, governor, packer, cache, reporter, backend)
	service.StartJanitor(ctx, cfg.SweepInterval)

	authHandler := auth.New(cfg.JWTSecret)
	server := api.NewServer(service, backend, authHandler)

	// Metrics on a separate listener
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := http.ListenAndServe(cfg.MetricsAddr, metricsMux); err != nil {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Handler(),
	}

	go func() {
		logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logging.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error("shutdown error", zap.Error(err))
	}
}

func buildBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.StorageBackend {
	case "s3":
		return s3storage.New(ctx, s3storage.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
		})
	default:
		return local.New(local.Config{RootPath: cfg.LocalStoragePath})
	}
}
