package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"krausen/config"
	"krausen/devices"
	"krausen/log"
	"krausen/services"
	"krausen/store"
	"krausen/ws"
)

func main() {
	// Initialize structured logger
	logger := log.GetInstance()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// Open storage
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer st.Close()

	// Live broadcast hub
	hub := ws.NewHub(logger)

	// Telegram alerts are optional; without credentials anomalies and
	// device timeouts only log.
	var alerts *services.AlertService
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		alerts, err = services.NewAlertService(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram alerts", zap.Error(err))
		}
	} else {
		logger.Info("Telegram alerts disabled, credentials not configured")
	}

	var deviceAlerter services.DeviceAlerter
	var anomalyNotifier services.AnomalyNotifier
	if alerts != nil {
		deviceAlerter = alerts
		anomalyNotifier = alerts
	}

	health := services.NewHealthCheckService(cfg, deviceAlerter, logger)
	tracker := services.NewTracker(cfg, logger)
	linker := services.NewBatchLinker(st, logger)
	pipeline := services.NewIngestPipeline(cfg, st, linker, tracker, hub, anomalyNotifier, health, logger)

	// Actuator backends
	router := devices.NewRouter(logger)
	var ha *devices.HomeAssistant
	if cfg.HomeAssistantURL != "" {
		ha = devices.NewHomeAssistant(cfg.HomeAssistantURL, cfg.HomeAssistantToken, cfg.AdapterTimeout, logger)
		router.Register(devices.SchemeHomeAssistant, ha)
	}
	router.Register(devices.SchemeDirectHTTP, devices.NewDirectHTTP(cfg.AdapterTimeout, logger))
	var gateway *devices.Gateway
	if cfg.GatewayURL != "" {
		gateway = devices.NewGateway(cfg.GatewayURL, cfg.AdapterTimeout, logger)
		router.Register(devices.SchemeGateway, gateway)
	}

	control := services.NewControlService(cfg, st, tracker, router, tracker, hub, logger)
	predictions := services.NewPredictionService(cfg, st, tracker, logger)
	server := NewServer(cfg, st, pipeline, tracker, health, hub, logger)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The pipeline must be accepting readings before any transport
	// connects; brokers start delivering as soon as the session is up.
	pipeline.Start(ctx)

	// Sensor transports; either may be absent in a given deployment.
	var mqttSvc *services.MQTTService
	if cfg.MQTTBroker != "" {
		mqttSvc = services.NewMQTTService(cfg, pipeline.Submit, logger)
		if err := mqttSvc.Connect(); err != nil {
			logger.Fatal("Failed to connect to MQTT broker", zap.Error(err))
		}
	}
	var rabbit *services.RabbitMQService
	if cfg.RabbitMQURL != "" {
		rabbit, err = services.NewRabbitMQService(cfg, pipeline.Submit, logger)
		if err != nil {
			logger.Fatal("Failed to initialize RabbitMQ consumer", zap.Error(err))
		}
	}

	if alerts != nil {
		if err := alerts.SendStartupMessage(); err != nil {
			logger.Warn("Failed to send startup message", zap.Error(err))
		}
	}

	logger.Info("Krausen telemetry service started",
		zap.String("database", cfg.DatabasePath),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("temp_unit", string(cfg.TempUnit)),
		zap.Duration("control_interval", cfg.ControlInterval),
		zap.Duration("stale_timeout", cfg.StaleDataTimeout))

	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}

	run(tracker.Run)
	run(health.Run)
	run(control.Run)
	run(predictions.Run)
	if ha != nil && (cfg.AmbientSensorID != "" || cfg.ChamberSensorID != "") {
		ambient := services.NewAmbientService(cfg, ha, hub, logger)
		run(ambient.Run)
	}
	if rabbit != nil {
		run(func(ctx context.Context) {
			if err := rabbit.Consume(ctx); err != nil {
				logger.Error("RabbitMQ consumer stopped", zap.Error(err))
			}
		})
	}
	run(func(ctx context.Context) {
		if err := server.Run(ctx); err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
			cancel()
		}
	})

	// Set up graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutdown signal received, stopping services")
	cancel()

	// Channel to signal when cleanup is complete
	cleanupDone := make(chan bool, 1)
	go func() {
		wg.Wait()
		pipeline.Wait()

		if mqttSvc != nil {
			mqttSvc.Close()
		}
		if rabbit != nil {
			if err := rabbit.Close(); err != nil {
				logger.Error("Error closing RabbitMQ", zap.Error(err))
			}
		}
		if gateway != nil {
			gateway.Close()
		}
		hub.Close()

		cleanupDone <- true
	}()

	select {
	case <-cleanupDone:
		logger.Info("Cleanup completed successfully")
	case <-time.After(10 * time.Second):
		logger.Warn("Cleanup timeout, forcing exit")
	}

	logger.Info("Krausen telemetry service stopped")
}
