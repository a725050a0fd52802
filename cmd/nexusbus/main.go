// Package main is the entry point for the nexusbus Modbus middleware.
// It initializes all components and manages the application lifecycle.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Jonathan0823/nexusbus/internal/adapter/config"
	"github.com/Jonathan0823/nexusbus/internal/adapter/mqtt"
	"github.com/Jonathan0823/nexusbus/internal/api"
	"github.com/Jonathan0823/nexusbus/internal/cache"
	"github.com/Jonathan0823/nexusbus/internal/domain"
	"github.com/Jonathan0823/nexusbus/internal/gateway"
	"github.com/Jonathan0823/nexusbus/internal/health"
	"github.com/Jonathan0823/nexusbus/internal/metrics"
	"github.com/Jonathan0823/nexusbus/internal/poller"
	"github.com/Jonathan0823/nexusbus/internal/store"
	"github.com/Jonathan0823/nexusbus/pkg/logging"
)

const (
	serviceName    = "nexusbus"
	serviceVersion = "1.0.0"
)

func main() {
	logger := logging.New(serviceName, serviceVersion)
	logger.Info().Msg("Starting nexusbus")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	// Rebuild the logger now that the logging section is known; the bootstrap
	// logger above only sees LOG_LEVEL and LOG_FORMAT.
	logger = logging.NewWithConfig(serviceName, serviceVersion, cfg.Logging.ToLogConfig())
	logger.Info().Str("env", cfg.Environment).Msg("Configuration loaded")

	registry := metrics.NewRegistry()
	collector := metrics.NewCollector(registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Device and target configuration
	var st store.Store
	var devices []domain.DeviceConfig
	var targets []domain.PollTarget
	if cfg.DevicesConfigPath != "" {
		fileStore := store.NewFileStore(cfg.DevicesConfigPath, logger)
		st = fileStore
		devices, err = fileStore.DeviceConfigs(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to load device configuration")
		}
		targets, err = fileStore.PollTargets(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to load polling targets")
		}
	} else {
		logger.Warn().Msg("No devices config path set, starting with an empty device set")
	}

	manager, err := gateway.NewManager(devices, gateway.Options{
		Breaker:   cfg.Breaker.ToBreaker(),
		Collector: collector,
		Registry:  registry,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build gateway manager")
	}
	defer manager.Close()
	logger.Info().Int("devices", len(devices)).Msg("Gateway manager initialized")

	registerCache := cache.New(cfg.Cache.DefaultTTL, collector)
	go runCacheJanitor(ctx, registerCache, cfg.Cache.CleanupInterval, logger)

	// MQTT is optional; without it polling still refreshes the cache.
	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewPublisher(mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			QoS:            cfg.MQTT.QoS,
			Retain:         cfg.MQTT.Retain,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			PublishTimeout: cfg.MQTT.PublishTimeout,
			TLSEnabled:     cfg.MQTT.TLSEnabled,
			TLSCertFile:    cfg.MQTT.TLSCertFile,
			TLSKeyFile:     cfg.MQTT.TLSKeyFile,
			TLSCAFile:      cfg.MQTT.TLSCAFile,
		}, registry, logger)
		if err := publisher.Connect(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to MQTT broker")
		}
		defer publisher.Disconnect()
	}

	var scheduler *poller.Poller
	if cfg.Polling.Enabled {
		var pub poller.Publisher
		if publisher != nil {
			pub = publisher
		}
		scheduler = poller.New(poller.Config{
			Interval:   cfg.Polling.Interval,
			CacheTTL:   cfg.Cache.DefaultTTL,
			DrainGrace: cfg.Polling.DrainGrace,
		}, manager, registerCache, pub, st, targets, collector, logger)
		if err := scheduler.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start polling scheduler")
		}
	}

	checker := health.NewChecker(serviceName, serviceVersion)
	checker.AddCheck("gateway", func(ctx context.Context) error {
		return manager.Ping()
	})
	if st != nil {
		checker.AddCheck("config_store", func(ctx context.Context) error {
			_, err := st.DeviceConfigs(ctx)
			return err
		})
	}
	if publisher != nil {
		checker.AddCheck("mqtt", func(ctx context.Context) error {
			if !publisher.Connected() {
				return domain.ErrMQTTNotConnected
			}
			return nil
		})
	}

	handler := api.NewHandler(api.Options{
		Manager:        manager,
		Cache:          registerCache,
		Collector:      collector,
		Store:          st,
		Checker:        checker,
		Logger:         logger,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		CacheTTL:       cfg.Cache.DefaultTTL,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	logger.Info().
		Int("devices", len(devices)).
		Int("targets", len(targets)).
		Int("http_port", cfg.HTTP.Port).
		Bool("mqtt", cfg.MQTT.Enabled).
		Msg("nexusbus started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop polling first: it drains pending publishes before the MQTT
	// disconnect and manager close run via defer.
	if scheduler != nil {
		scheduler.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}
	cancel()

	logger.Info().Msg("nexusbus shutdown complete")
}

// runCacheJanitor sweeps expired entries in the background. Lazy eviction on
// Get handles hot keys; this keeps abandoned keys from pinning memory.
func runCacheJanitor(ctx context.Context, c *cache.RegisterCache, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.CleanupExpired(); removed > 0 {
				logger.Debug().Int("removed", removed).Msg("Cache cleanup")
			}
		}
	}
}
