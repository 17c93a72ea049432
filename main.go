package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wa_manager/internal/broadcast"
	"wa_manager/internal/config"
	"wa_manager/internal/database"
	"wa_manager/internal/handlers"
	"wa_manager/internal/health"
	"wa_manager/internal/logger"
	"wa_manager/internal/services"
	"wa_manager/internal/whatsapp"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.Load()
	log := logger.New(cfg.App.LogFilePath, cfg.IsProduction())
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting WhatsApp session manager", zap.String("env", cfg.App.Environment))

	db, err := database.InitDatabase(cfg.Database, log)
	if err != nil {
		return err
	}
	defer database.Close(db)

	cipher, err := services.NewCipher(cfg.Security.SessionDataSecret)
	if err != nil {
		return err
	}
	if cipher == nil {
		log.Warn("SESSION_DATA_SECRET not set, encrypted session data is disabled")
	}

	sessionStore := services.NewSessionStore(db)
	dataStore := services.NewSessionDataStore(db, cipher)
	messageStore := services.NewMessageStore(db)
	analytics := services.NewAnalyticsService(messageStore)

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return err
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	broadcaster := broadcast.New(cfg.Broadcast.ThrottleInterval, prometheus.DefaultRegisterer, log)
	defer broadcaster.Close()
	if rdb != nil {
		broadcaster.EnableRelay(ctx, rdb, cfg.Broadcast.RedisChannel)
	}

	stores, err := whatsapp.NewDeviceStores(ctx, cfg.WhatsApp, dataStore, log)
	if err != nil {
		return err
	}
	defer stores.Close()

	manager := whatsapp.NewManager(cfg.WhatsApp, whatsapp.Dependencies{
		Sessions:  sessionStore,
		Data:      dataStore,
		Messages:  messageStore,
		Analytics: analytics,
		Publisher: broadcaster,
		Factory:   stores.Factory(),
		Metrics:   whatsapp.DefaultMetrics(),
	}, log)

	policy := whatsapp.NewReconnectPolicy(cfg.Reconnect, manager, log)
	manager.Subscribe(policy.Observe)

	// clients ask for a fresh session list by pushing on the sessions channel
	broadcaster.OnInbound(broadcast.ChannelSessions, func(string, json.RawMessage) {
		manager.PublishSnapshot()
	})

	monitor := health.NewMonitor(cfg.Health, prometheus.DefaultRegisterer, log)
	monitor.AddRules(health.DefaultRules(cfg.Health)...)
	monitor.Register(health.SubsystemSystem, cfg.Health.SystemInterval, health.NewSystemSampler(manager.LiveCount))
	monitor.Register(health.SubsystemDatabase, cfg.Health.DatabaseInterval, health.NewDatabaseSampler(db))
	if rdb != nil {
		monitor.Register(health.SubsystemCache, cfg.Health.CacheInterval, health.NewCacheSampler(rdb, cfg.Redis.QueueKey))
	}
	monitor.Register(health.SubsystemMessaging, cfg.Health.MessagingInterval,
		health.NewMessagingSampler(messageStore, cfg.Health.MessagingInterval))
	monitor.Start(ctx)

	result, err := manager.RestoreAllActiveSessions(ctx)
	if err != nil {
		log.Error("session restore failed", zap.Error(err))
	} else {
		log.Info("sessions restored",
			zap.Int("restored", len(result.Restored)),
			zap.Int("failed", len(result.Failed)),
			zap.Int("skipped", len(result.Skipped)))
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Sessions:       handlers.NewSessionHandler(manager, messageStore, analytics, log),
		Health:         handlers.NewHealthHandler(monitor),
		WS:             broadcast.NewWSHandler(broadcaster, manager.PublishSnapshot, log),
		Metrics:        promhttp.Handler(),
		AllowedOrigins: cfg.App.CorsAllowedOrigins,
		Log:            log,
	})

	server := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", zap.Error(err))
	}
	policy.Close()
	monitor.Stop()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Warn("session manager shutdown", zap.Error(err))
	}
	log.Info("shutdown complete")
	return runErr
}
