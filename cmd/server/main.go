// NAS Gate Server
//
// Features:
// - Multi-account browsing with per-path access grants
// - Per-path password locks with cascading clear/rename/copy
// - Atomic uploads into a sandboxed storage root
// - SSE real-time change events
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hts-nas/nasgate/internal/accounts"
	"github.com/hts-nas/nasgate/internal/api"
	"github.com/hts-nas/nasgate/internal/auth"
	"github.com/hts-nas/nasgate/internal/config"
	"github.com/hts-nas/nasgate/internal/events"
	"github.com/hts-nas/nasgate/internal/gateway"
	"github.com/hts-nas/nasgate/internal/lock"
	"github.com/hts-nas/nasgate/internal/logging"
	"github.com/hts-nas/nasgate/internal/metrics"
	"github.com/hts-nas/nasgate/internal/sandbox"
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

	logging.Info("NAS Gate starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("storage", cfg.StorageRoot))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Prepare storage root and state directory
	if err := os.MkdirAll(cfg.StorageRoot, 0755); err != nil {
		logging.Fatal("storage root unavailable", zap.Error(err))
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		logging.Fatal("data dir unavailable", zap.Error(err))
	}

	sb, err := sandbox.New(cfg.StorageRoot)
	if err != nil {
		logging.Fatal("sandbox init failed", zap.Error(err))
	}

	// Flat-file stores for locks and accounts
	lockStore := lock.NewStore(filepath.Join(cfg.DataDir, "locks.json"), cfg.BcryptCost)
	if n, err := lockStore.Len(); err != nil {
		logging.Fatal("lock table unreadable", zap.Error(err))
	} else {
		metrics.SetLockEntries(int64(n))
		logging.Info("lock table loaded", zap.Int("entries", n))
	}

	accountStore := accounts.NewStore(filepath.Join(cfg.DataDir, "accounts.json"), cfg.BcryptCost)
	if err := accountStore.EnsureDefaultAdmin(cfg.DefaultAdminPassword); err != nil {
		logging.Fatal("failed to ensure default admin", zap.Error(err))
	}

	authHandler := auth.New(accountStore, cfg.JWTSecret)

	// SSE broadcaster
	broadcaster := events.NewBroadcaster()
	logging.Info("SSE broadcaster initialized")

	engine := gateway.New(sb, lockStore, broadcaster)

	// Create API server
	srv := api.NewServer(
		engine, authHandler, accountStore, broadcaster,
		cfg.MaxUploadSize,
		time.Duration(cfg.SSEHeartbeatSeconds)*time.Second,
	)

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

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
	<-ctx.Done()
}
