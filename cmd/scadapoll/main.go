package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kpreisner/scadapoll/internal/alarm"
	"github.com/kpreisner/scadapoll/internal/api"
	"github.com/kpreisner/scadapoll/internal/config"
	"github.com/kpreisner/scadapoll/internal/metrics"
	"github.com/kpreisner/scadapoll/internal/poller"
	"github.com/kpreisner/scadapoll/internal/sink"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	devices, err := config.LoadDevices(cfg.Devices.File, cfg.Polling)
	if err != nil {
		logger.Fatal("Failed to load device list", zap.Error(err))
	}

	logger.Info("Config loaded", zap.Int("devices", len(devices)))

	ctx := context.Background()

	hub := api.NewHub(logger)
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go hub.Run(hubCtx)

	sinks := sink.Multi{api.NewHubSink(hub)}

	if cfg.Storage.Postgres.Enabled {
		pg, err := sink.NewPostgres(ctx, cfg.Storage.Postgres.DSN(), int32(cfg.Storage.Postgres.MaxConnections))
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer pg.Close()
		sinks = append(sinks, pg)
		logger.Info("Postgres sink enabled")
	}

	if cfg.Storage.Redis.Enabled {
		cache, err := sink.NewRedisCache(ctx, cfg.Storage.Redis.Addr, cfg.Storage.Redis.TTL)
		if err != nil {
			logger.Fatal("Failed to connect to redis", zap.Error(err))
		}
		defer cache.Close()
		sinks = append(sinks, cache)
		logger.Info("Redis latest-value cache enabled")
	}

	if cfg.MQTT.Enabled {
		mq, err := sink.NewMQTT(sink.MQTTConfig{
			BrokerURL:   cfg.MQTT.BrokerURL,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			QoS:         byte(cfg.MQTT.QoS),
		})
		if err != nil {
			logger.Fatal("Failed to connect to MQTT broker", zap.Error(err))
		}
		defer mq.Close()
		sinks = append(sinks, mq)
		logger.Info("MQTT telemetry sink enabled")
	}

	m := metrics.New()

	supervisor := poller.NewSupervisor(sinks, alarm.Table(cfg.Alarms), m, poller.Options{
		StaleAfter:      cfg.Polling.StaleAfter,
		DisconnectAfter: cfg.Polling.DisconnectAfter,
		Grace:           cfg.Polling.StopGrace,
	}, logger)

	if err := supervisor.Start(devices); err != nil {
		logger.Fatal("Failed to start supervisor", zap.Error(err))
	}

	server := api.NewServer(cfg.Server.HTTPPort, supervisor, devices, hub, m.Handler(), logger)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start status server", zap.Error(err))
	}

	logger.Info("scadapoll started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Status server shutdown failed", zap.Error(err))
	}

	supervisor.Stop()
	stopHub()

	logger.Info("scadapoll stopped")
}
