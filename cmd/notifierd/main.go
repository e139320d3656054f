package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forkline/notifier/internal/api"
	"github.com/forkline/notifier/internal/config"
	"github.com/forkline/notifier/internal/connection"
	"github.com/forkline/notifier/internal/database"
	"github.com/forkline/notifier/internal/model"
	"github.com/forkline/notifier/internal/store"
	"github.com/forkline/notifier/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/notifierd.example.yaml", "path to config file")
	healthPort := flag.Int("health-port", 8080, "health endpoint port")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting notifierd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"api_url", cfg.API.RestURL,
		"restaurant_id", cfg.Tenant.RestaurantID,
		"store_backend", cfg.Store.Backend,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Create API client
	apiClient := api.NewClient(
		cfg.API.RestURL,
		cfg.API.APIKey,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
	)

	// Pick the store backend
	var backend store.Backend
	switch cfg.Store.Backend {
	case "postgres":
		logger.Info("connecting to database",
			"host", cfg.Database.Postgres.Host,
			"port", cfg.Database.Postgres.Port,
			"database", cfg.Database.Postgres.Name,
		)
		pool, err := database.Connect(ctx, cfg.Database.Postgres)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		backend, err = store.NewPostgresBackend(ctx, pool, logger)
		if err != nil {
			logger.Error("failed to set up postgres backend", "error", err)
			os.Exit(1)
		}
	default:
		backend, err = store.NewFileBackend(cfg.Store.Dir, logger)
		if err != nil {
			logger.Error("failed to set up file backend", "error", err)
			os.Exit(1)
		}
	}
	defer backend.Close()

	// Create the notification store
	st, err := store.New(ctx, store.Config{
		MaxAckRetries:  cfg.Store.MaxAckRetries,
		RetentionDays:  cfg.Store.RetentionDays,
		MissedLookback: cfg.Store.MissedLookback,
	}, backend, apiClient, logger)
	if err != nil {
		logger.Error("failed to open notification store", "error", err)
		os.Exit(1)
	}

	// Create the connection manager
	mgrCfg := connection.ManagerConfig{
		WSURL:                cfg.API.WSURL,
		APIKey:               cfg.API.APIKey,
		ReconnectBaseDelay:   cfg.Connection.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Connection.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.Connection.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.Connection.HeartbeatInterval,
		SubscribeTimeout:     cfg.Connection.SubscribeTimeout,
		ResyncInterval:       cfg.Connection.ResyncInterval,
		DedupTTL:             cfg.Dedup.TTL,
		DedupSweepInterval:   cfg.Dedup.SweepInterval,
		WriteTimeout:         cfg.Connection.WriteTimeout,
		PingInterval:         cfg.Connection.PingInterval,
		PingTimeout:          cfg.Connection.PingTimeout,
		MessageBufferSize:    cfg.Connection.MessageBufferSize,
	}
	mgr := connection.NewManager(mgrCfg, st, logger)

	mgr.RegisterStatusHandler(func(state model.ConnectionState, err error) {
		if err != nil {
			logger.Warn("connection state changed", "state", state, "error", err)
			return
		}
		logger.Info("connection state changed", "state", state)
	})

	// Log every delivered notification
	for _, typ := range []model.NotificationType{
		model.TypeNewOrder,
		model.TypeOrderUpdated,
		model.TypeOrderCancelled,
		model.TypeLowStock,
	} {
		mgr.RegisterHandler(typ, func(n model.Notification) {
			logger.Info("notification delivered",
				"id", n.ID,
				"type", n.Type,
				"restaurant_id", n.RestaurantID,
			)
		})
	}

	// Start the session
	tc := model.TenantContext{
		RestaurantID: cfg.Tenant.RestaurantID,
		AdminContext: cfg.Tenant.AdminContext,
	}
	if err := mgr.Initialize(ctx, tc); err != nil {
		// The manager keeps retrying with backoff; log and carry on.
		logger.Warn("initial connect failed, retrying in background", "error", err)
	}
	defer mgr.Dispose()

	if err := mgr.Subscribe(model.ChannelSubscription{
		Channel: "notifications",
		Params:  model.SubscriptionParams{RestaurantID: cfg.Tenant.RestaurantID},
	}); err != nil {
		logger.Warn("subscribe failed, will replay on reconnect", "error", err)
	}

	// Health endpoint
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *healthPort),
		Handler: createHealthHandler(mgr, st),
	}
	go func() {
		logger.Info("starting health server", "port", *healthPort)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	// Periodic stats logging
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := mgr.Stats()
				logger.Info("session stats",
					"state", stats.State,
					"reconnect_attempts", stats.ReconnectAttempts,
					"subscriptions", stats.Subscriptions,
					"dedup_entries", stats.DedupEntries,
					"pending_acks", stats.PendingAcks,
				)
			}
		}
	}()

	logger.Info("notifierd running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", *healthPort),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	healthServer.Shutdown(shutdownCtx)

	if err := st.Close(shutdownCtx); err != nil {
		logger.Warn("failed to persist store on shutdown", "error", err)
	}

	logger.Info("notifierd stopped")
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(mgr connection.Manager, st *store.Store) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		stats := mgr.Stats()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		health.Components["connection"] = map[string]any{
			"state":              stats.State.String(),
			"reconnect_attempts": stats.ReconnectAttempts,
			"subscriptions":      stats.Subscriptions,
		}
		if stats.State != model.StateConnected {
			health.Status = "degraded"
		}

		health.Components["store"] = map[string]any{
			"pending_acks": stats.PendingAcks,
			"last_sync_at": st.LastSyncAt(),
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}
