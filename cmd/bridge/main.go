// Package main is the entry point for the Modbus bridge service.
// It wires the channel store, write arbiter and Modbus/TCP endpoint and
// runs them until a termination signal arrives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/modbus-bridge/internal/adapter/config"
	"github.com/nexus-edge/modbus-bridge/internal/adapter/modbus"
	"github.com/nexus-edge/modbus-bridge/internal/adapter/mqtt"
	"github.com/nexus-edge/modbus-bridge/internal/api"
	"github.com/nexus-edge/modbus-bridge/internal/bridge"
	"github.com/nexus-edge/modbus-bridge/internal/channel"
	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/nexus-edge/modbus-bridge/internal/health"
	"github.com/nexus-edge/modbus-bridge/internal/metrics"
	"github.com/nexus-edge/modbus-bridge/internal/service"
	"github.com/nexus-edge/modbus-bridge/pkg/logging"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	serviceName    = "modbus-bridge"
	serviceVersion = "1.0.0"
)

func main() {
	configFile := flag.String("config", "", "path to config file")
	flag.Parse()

	bootLogger := logging.New(serviceName, serviceVersion)

	loader := config.NewLoader(*configFile)
	cfg, err := loader.Load()
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// The global level gates output so a reload can raise or lower it.
	logger := logging.NewWithConfig(serviceName, serviceVersion, logging.LogConfig{
		Level:      "trace",
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logging.SetGlobalLevel(cfg.Logging.Level)
	logger.Info().
		Str("env", cfg.Environment).
		Str("config", loader.ConfigFile()).
		Msg("Starting Modbus bridge")

	metricsRegistry := metrics.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// =============================================================
	// Channel store
	// =============================================================

	store := channel.NewStore(logger, metricsRegistry)
	defer store.Close()
	store.SetMaxAge(cfg.Channels.MaxAge)
	loadCatalog(store, cfg.ChannelsConfigPath, true, logger)

	sinks := domain.NewSinkSet()
	sinks.Register("store", store)

	// =============================================================
	// MQTT
	// =============================================================

	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewPublisher(mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			CleanSession:   cfg.MQTT.CleanSession,
			QoS:            cfg.MQTT.QoS,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
			TLSEnabled:     cfg.MQTT.TLSEnabled,
			TLSCertFile:    cfg.MQTT.TLSCertFile,
			TLSKeyFile:     cfg.MQTT.TLSKeyFile,
			TLSCAFile:      cfg.MQTT.TLSCAFile,
			BufferSize:     cfg.MQTT.BufferSize,
			PublishTimeout: cfg.MQTT.PublishTimeout,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
		}, logger, metricsRegistry)

		if err := publisher.Connect(ctx); err != nil {
			logger.Warn().Err(err).Msg("MQTT broker not reachable yet, retrying in background")
		}
		defer publisher.Disconnect()

		sinks.Register("mqtt", publisher)
		store.OnConfigApplied(func(sample domain.ChannelSample) {
			pubCtx, pubCancel := context.WithTimeout(ctx, cfg.MQTT.PublishTimeout)
			defer pubCancel()
			if err := publisher.PublishConfigValue(pubCtx, sample); err != nil {
				logger.Warn().Err(err).Str("channel", sample.Address.String()).Msg("Failed to publish config value")
			}
		})
	}

	// =============================================================
	// Bridge
	// =============================================================

	arbiter := service.NewWriteArbiter(service.ArbiterConfig{
		Timeout:       cfg.Bridge.ChannelTimeoutDuration(),
		CycleInterval: cfg.Arbiter.CycleInterval,
		WriteTimeout:  cfg.Arbiter.WriteTimeout,
	}, sinks, logger, metricsRegistry)

	table := bridge.NewMappingTable(bridge.TableConfig{
		ClearWriteBuffer: cfg.Bridge.ClearWriteBuffer,
	}, store, arbiter, logger, metricsRegistry)

	var current atomic.Pointer[modbus.Server]
	endpoint := service.NewEndpoint(table, store, arbiter, func(bc config.BridgeConfig) service.Listener {
		srv := modbus.NewServer(serverConfig(bc), table, logger, metricsRegistry)
		current.Store(srv)
		return srv
	}, logger)
	endpoint.SetProbe(func(ctx context.Context, bc config.BridgeConfig) error {
		return modbus.NewProbe(modbus.ProbeConfig{
			Address: serverConfig(bc).Address(),
			UnitID:  uint8(bc.UnitID),
			Timeout: 2 * time.Second,
		}).Check(ctx)
	})

	// =============================================================
	// Health checks and HTTP server
	// =============================================================

	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	healthChecker.AddCheck("modbus_endpoint", endpoint, true)
	if publisher != nil {
		healthChecker.AddCheck("mqtt", publisher, false)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())

	apiHandler := api.NewAPIHandler(table, store, arbiter, endpoint, logger)
	apiHandler.AddStats("arbiter", func() interface{} { return arbiter.Stats() })
	apiHandler.AddStats("modbus", func() interface{} {
		if srv := current.Load(); srv != nil {
			return srv.Stats()
		}
		return nil
	})
	if publisher != nil {
		apiHandler.SetTopicPrefix(cfg.MQTT.TopicPrefix)
		apiHandler.AddStats("mqtt", func() interface{} { return publisher.Stats() })
	}
	apiHandler.Register(mux, api.NewMiddleware(cfg.API, logger))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	// =============================================================
	// Configuration reload
	// =============================================================

	loader.Watch(func(next *config.Config) {
		logging.SetGlobalLevel(next.Logging.Level)
		store.SetMaxAge(next.Channels.MaxAge)
		loadCatalog(store, next.ChannelsConfigPath, false, logger)
		if err := endpoint.Modified(ctx, next.Bridge); err != nil {
			logger.Warn().Err(err).Msg("Failed to apply bridge configuration")
			return
		}
		logger.Info().Msg("Configuration reloaded")
	}, func(err error) {
		logger.Error().Err(err).Msg("Rejected configuration change")
	})

	// =============================================================
	// Run group
	// =============================================================

	var g run.Group

	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	{
		arbiterCtx, arbiterCancel := context.WithCancel(ctx)
		g.Add(func() error {
			return arbiter.Run(arbiterCtx)
		}, func(error) {
			arbiterCancel()
		})
	}

	{
		endpointCtx, endpointCancel := context.WithCancel(ctx)
		g.Add(func() error {
			return endpoint.Run(endpointCtx, cfg.Bridge)
		}, func(error) {
			endpointCancel()
		})
	}

	g.Add(func() error {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, func(error) {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error shutting down HTTP server")
		}
	})

	if publisher != nil {
		feed := service.NewChannelFeed(publisher.Client(), store, service.FeedConfig{
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			QueueSize:   cfg.MQTT.QueueSize,
		}, logger)
		publisher.OnReconnect(func(pahomqtt.Client) {
			if err := feed.Resubscribe(); err != nil {
				logger.Warn().Err(err).Msg("Failed to resubscribe channel feed")
			}
		})
		apiHandler.AddStats("feed", func() interface{} { return feed.Stats() })

		feedCtx, feedCancel := context.WithCancel(ctx)
		g.Add(func() error {
			return runFeed(feedCtx, feed, cfg.MQTT.ReconnectDelay, logger)
		}, func(error) {
			feedCancel()
			if err := feed.Stop(); err != nil {
				logger.Debug().Err(err).Msg("Channel feed stop")
			}
		})
	}

	logger.Info().
		Int("modbus_port", cfg.Bridge.Port).
		Int("unit_id", cfg.Bridge.UnitID).
		Int("http_port", cfg.HTTP.Port).
		Bool("mqtt", cfg.MQTT.Enabled).
		Msg("Modbus bridge started")

	err = g.Run()

	var sig run.SignalError
	if err != nil && !errors.As(err, &sig) && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Modbus bridge stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Modbus bridge stopped")
}

// runFeed subscribes the channel feed, retrying until the broker accepts the
// subscription, then blocks until ctx is done.
func runFeed(ctx context.Context, feed *service.ChannelFeed, retry time.Duration, logger zerolog.Logger) error {
	if retry <= 0 {
		retry = 5 * time.Second
	}
	for {
		err := feed.Start(ctx)
		if err == nil {
			break
		}
		logger.Warn().Err(err).Dur("retry_in", retry).Msg("Channel feed not subscribed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

// loadCatalog replaces the store's channel declarations from path. Initial
// values are applied on startup only so a reload keeps live values.
func loadCatalog(store *channel.Store, path string, withInitial bool, logger zerolog.Logger) {
	catalog, err := config.LoadChannels(path)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Channel catalog not loaded")
		return
	}
	for _, err := range store.Load(catalog.Descriptors) {
		logger.Warn().Err(err).Msg("Channel definition rejected")
	}
	if !withInitial {
		return
	}
	for addr, value := range catalog.Initial {
		if err := store.SetValue(addr, value); err != nil {
			logger.Warn().Err(err).Str("channel", addr.String()).Msg("Initial value rejected")
		}
	}
}

func serverConfig(bc config.BridgeConfig) modbus.ServerConfig {
	return modbus.ServerConfig{
		ListenAddress: bc.ListenAddress,
		Port:          bc.Port,
		UnitID:        uint8(bc.UnitID),
		MaxClients:    bc.MaxClients,
		IdleTimeout:   bc.IdleTimeout,
	}
}
