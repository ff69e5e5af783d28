package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/wardpager/wardpager/internal/alerter"
	"github.com/wardpager/wardpager/internal/api"
	"github.com/wardpager/wardpager/internal/audit"
	"github.com/wardpager/wardpager/internal/config"
	"github.com/wardpager/wardpager/internal/directory"
	"github.com/wardpager/wardpager/internal/logbuf"
	"github.com/wardpager/wardpager/internal/metrics"
	"github.com/wardpager/wardpager/internal/notifier"
	"github.com/wardpager/wardpager/internal/store"
	"github.com/wardpager/wardpager/internal/version"
)

func main() {
	configPath := flag.String("config", "/config/wardpager.yaml", "Path to configuration file")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get().String())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	// Write to both stdout and the log buffer served by /api/logs
	logBuffer := logbuf.New(cfg.Log.BufferEntries)
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	info := version.Get()
	logger := zerolog.New(zerolog.MultiLevelWriter(os.Stdout, logBuffer)).With().
		Timestamp().
		Str("version", info.Version).
		Str("commit", info.Commit).
		Logger()

	logger.Info().Str("config_path", *configPath).Msg("Starting wardpager")

	pol, err := cfg.BuildPolicy()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid escalation policy")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Storage
	var (
		db         *sql.DB
		alertStore store.Store
	)
	switch cfg.Storage.Driver {
	case "postgres":
		db, err = store.OpenPostgres(cfg.Database)
		if err != nil {
			logger.Fatal().Err(err).Str("host", cfg.Database.Host).Msg("Failed to connect to Postgres")
		}
		defer db.Close()

		pg := store.NewPostgres(db)
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to migrate alert store")
		}
		alertStore = pg
	default:
		logger.Warn().Msg("Using in-memory alert store; alerts will not survive a restart")
		alertStore = store.NewMemory()
	}

	// Redis backs the selector directory and the audit stream
	var rdb *redis.Client
	if cfg.Directory.Source == "redis" || hasSink(cfg.Audit.Sinks, "redis") {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
		}
		pingCancel()
	}

	var (
		resolver directory.Resolver
		static   *directory.Static
	)
	if cfg.Directory.Source == "redis" {
		resolver = directory.NewRedisSets(rdb, cfg.Directory.KeyPrefix)
	} else {
		static = directory.NewStatic(cfg.Directory.Selectors)
		resolver = static
	}

	// Channels
	var channels []notifier.Channel
	if cfg.Channels.Push.Enabled {
		apiURL := os.Getenv(cfg.Channels.Push.APIURLEnv)
		if apiURL == "" {
			logger.Warn().Str("env", cfg.Channels.Push.APIURLEnv).Msg("Push channel enabled but gateway URL not set")
		}
		channels = append(channels, notifier.NewPushChannel(logger, apiURL, cfg.Channels.Push.Key, cfg.Channels.Push.Timeout))
	}

	var hub *notifier.Hub
	if cfg.Channels.WebSocket.Enabled {
		hub = notifier.NewHub(logger, cfg.Channels.WebSocket.WriteTimeout)
		channels = append(channels, hub)
	}

	var mqttClient mqtt.Client
	if cfg.Channels.MQTT.Enabled {
		mqttClient, err = notifier.ConnectMQTT(cfg.Channels.MQTT, os.Getenv(cfg.Channels.MQTT.PasswordEnv))
		if err != nil {
			logger.Fatal().Err(err).Str("broker", cfg.Channels.MQTT.Broker).Msg("Failed to connect to MQTT broker")
		}
		channels = append(channels, notifier.NewMQTTChannel(logger, mqttClient, cfg.Channels.MQTT.TopicPrefix, cfg.Channels.MQTT.QoS))
	}

	for _, ch := range channels {
		logger.Info().Str("channel", ch.Name()).Msg("Delivery channel enabled")
	}

	// Audit trail
	var sinks audit.Multi
	for _, name := range cfg.Audit.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, audit.NewLogAppender(logger))
		case "redis":
			sinks = append(sinks, audit.NewRedisStream(rdb, cfg.Audit.RedisStream))
		case "postgres":
			pgAudit := audit.NewPostgres(db)
			if err := pgAudit.Migrate(ctx); err != nil {
				logger.Fatal().Err(err).Msg("Failed to migrate audit table")
			}
			sinks = append(sinks, pgAudit)
		}
	}
	auditLog := audit.NewAsync(logger, sinks, cfg.Audit.Buffer, cfg.Audit.EnqueueTimeout, m)

	dispatcher := notifier.NewDispatcher(logger, cfg.Dispatch, m, time.Now)

	engine := alerter.NewEngine(alerter.Deps{
		Policy:     pol,
		Dispatcher: dispatcher,
		Channels:   channels,
		Resolver:   resolver,
		Store:      alertStore,
		Audit:      auditLog,
		Metrics:    m,
		Logger:     logger,
		Options: alerter.Options{
			PersistRetries:    cfg.Engine.PersistRetries,
			PersistRetryDelay: cfg.Engine.PersistRetryDelay,
			RetryInterval:     cfg.Engine.RetryInterval,
			DegradedThreshold: cfg.Engine.DegradedThreshold,
			DegradedWindow:    cfg.Engine.DegradedWindow,
		},
	})

	recovered, err := engine.Recover(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to recover active alerts")
	}
	logger.Info().Int("recovered", recovered).Msg("Active alerts recovered")

	// API
	apiServer := api.NewServer(engine, logger, cfg.Server.HTTPAddr)
	apiServer.SetLogBuffer(logBuffer)
	apiServer.SetMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	if hub != nil {
		apiServer.SetRealtimeHandler(hub)
	}
	apiServer.SetReloadFunc(func(context.Context) error {
		logger.Info().Str("config_path", *configPath).Msg("Reloading configuration")
		newCfg, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		newPolicy, err := newCfg.BuildPolicy()
		if err != nil {
			return err
		}
		engine.SetPolicy(newPolicy)
		if static != nil {
			static.Replace(newCfg.Directory.Selectors)
		}
		logger.Info().Int("selectors", len(newCfg.Directory.Selectors)).Msg("Configuration reloaded")
		return nil
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error().Err(err).Msg("API server error")
			cancel()
		}
	}()

	var healthServer *api.HealthServer
	if cfg.Server.GRPCAddr != "" {
		healthServer = api.NewHealthServer(logger, cfg.Server.GRPCAddr)
		healthServer.SetServing(true)
		go func() {
			if err := healthServer.Start(); err != nil {
				logger.Error().Err(err).Msg("gRPC health server error")
			}
		}()
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info().Str("address", cfg.Server.HTTPAddr).Msg("wardpager running, press Ctrl+C to stop")

	select {
	case <-sigChan:
	case <-ctx.Done():
	}
	logger.Info().Msg("Shutting down...")

	if healthServer != nil {
		healthServer.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down API server")
	}

	engine.Stop()
	auditLog.Close()
	if hub != nil {
		hub.Close()
	}
	if mqttClient != nil {
		mqttClient.Disconnect(250)
	}

	logger.Info().Msg("wardpager stopped")
}

func hasSink(sinks []string, name string) bool {
	for _, s := range sinks {
		if s == name {
			return true
		}
	}
	return false
}
