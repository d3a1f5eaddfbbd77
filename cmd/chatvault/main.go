package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chatvault/chatvault/internal/capture"
	"github.com/chatvault/chatvault/internal/config"
	"github.com/chatvault/chatvault/internal/dashboard"
	"github.com/chatvault/chatvault/internal/httpapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() { _ = closeLog() }()

	store, err := capture.OpenStore(cfg.StoreDSN)
	if err != nil {
		logger.Error("failed to open store", "dsn", cfg.StoreDSN, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	observer := capture.NewObserver(store, logger)
	adapters := capture.NewAdapterSet(store, httpClient, logger, capture.AdapterSetOptions{})
	queue := capture.NewSyncQueue(store, logger, capture.SyncQueueOptions{
		MaxRetries: cfg.QueueMaxRetries,
	})

	// The client reads its token through the session manager, and the
	// session manager refreshes through the client; the manager is
	// constructed second so the provider closure can reference it.
	var sessions *dashboard.SessionManager
	client := dashboard.NewClient(dashboard.ClientOptions{
		BaseURL:    cfg.DashboardURL,
		HTTPClient: httpClient,
		TokenProvider: func(ctx context.Context) (string, error) {
			return sessions.AccessToken(ctx), nil
		},
	})
	sessions = dashboard.NewSessionManager(store, client.Refresh, logger, dashboard.SessionManagerOptions{
		Grace: cfg.SessionGrace,
	})
	cache := dashboard.NewResponseCache(store, client, logger, dashboard.ResponseCacheOptions{
		TTL: cfg.CacheTTL,
	})
	service := dashboard.NewService(client, sessions, cache, queue, logger)
	drainer := dashboard.NewDrainer(service, logger, dashboard.DrainerOptions{
		Interval:     cfg.QueueDrainInterval,
		InitialDelay: cfg.QueueInitialDelay,
	})

	dispatcher := httpapi.NewDispatcher(adapters, service, observer, store, drainer, logger)
	server := httpapi.NewServer(dispatcher, observer, queue, logger, httpapi.ServerConfig{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	spool, err := capture.NewSpoolWatcher(cfg.SpoolDir, observer, logger)
	if err != nil {
		logger.Error("failed to initialize spool watcher", "dir", cfg.SpoolDir, "error", err)
		os.Exit(1)
	}
	go func() {
		if err := spool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("spool watcher stopped", "error", err)
		}
	}()
	go func() {
		if err := drainer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("queue drainer stopped", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("chatvault listening", "addr", cfg.ListenAddr, "store", cfg.StoreDSN)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("chatvault stopped")
}
