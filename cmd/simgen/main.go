package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"krausen/models"
)

var (
	deviceID   = flag.String("device", "ispindel-mock-001", "Device ID for simulated readings")
	interval   = flag.Duration("interval", 5*time.Second, "Time between readings")
	speedup    = flag.Float64("speedup", 720, "Fermentation time compression factor")
	og         = flag.Float64("og", 1.058, "Starting specific gravity")
	fg         = flag.Float64("fg", 1.012, "Final specific gravity the curve decays toward")
	wortTemp   = flag.Float64("temp", 19.5, "Base wort temperature in the configured unit")
	anomaly    = flag.Float64("anomaly", 0.02, "Probability of an anomalous spike per reading (0.0-1.0)")
	mqttBroker = flag.String("broker", "localhost:1883", "MQTT broker address (host:port)")
	mqttUser   = flag.String("user", "krausen", "MQTT username")
	mqttPass   = flag.String("pass", "", "MQTT password")
	mqttTopic  = flag.String("topic", "krausen/readings/sim", "MQTT topic to publish to")
)

// FermentationSim produces a plausible fermentation trace: gravity
// decays exponentially from OG toward FG with sensor noise on top,
// temperature wobbles around its base, and occasionally a spike mimics
// the hydrometer bumping the fermenter wall.
type FermentationSim struct {
	deviceID    string
	og, fg      float64
	baseTemp    float64
	anomalyProb float64
	speedup     float64
	start       time.Time
	logger      *zap.Logger
}

func NewFermentationSim(deviceID string, og, fg, baseTemp, anomalyProb, speedup float64, logger *zap.Logger) *FermentationSim {
	return &FermentationSim{
		deviceID:    deviceID,
		og:          og,
		fg:          fg,
		baseTemp:    baseTemp,
		anomalyProb: anomalyProb,
		speedup:     speedup,
		start:       time.Now(),
		logger:      logger,
	}
}

// Next generates the reading for the current instant. Returns the
// reading and whether it was made anomalous.
func (f *FermentationSim) Next() (*models.RawReading, bool) {
	now := time.Now()

	// Simulated fermentation time: a typical ale takes ~5 days to
	// attenuate, compressed by the speedup factor.
	elapsed := now.Sub(f.start).Hours() * f.speedup
	const tauHours = 36.0
	gravity := f.fg + (f.og-f.fg)*math.Exp(-elapsed/tauHours)

	// Sensor noise: tilt hydrometers resolve ~0.001 SG.
	gravity += (rand.Float64() - 0.5) * 0.002

	// Fermentation is slightly exothermic early on.
	activity := math.Exp(-elapsed / tauHours)
	temp := f.baseTemp + 0.8*activity + (rand.Float64()-0.5)*0.4

	isAnomaly := rand.Float64() < f.anomalyProb
	if isAnomaly {
		// Hydrometer knocked against the wall or caught in krausen:
		// the reported angle, and so the gravity, jumps.
		gravity += (rand.Float64() - 0.3) * 0.05
	}

	return &models.RawReading{
		DeviceID:    f.deviceID,
		Timestamp:   now,
		Gravity:     math.Round(gravity*10000) / 10000,
		Temperature: math.Round(temp*100) / 100,
		RSSI:        -50 - rand.Intn(40),
	}, isAnomaly
}

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Fermentation simulator started",
		zap.String("device_id", *deviceID),
		zap.Duration("interval", *interval),
		zap.Float64("og", *og),
		zap.Float64("fg", *fg),
		zap.Float64("anomaly_probability", *anomaly),
		zap.String("mqtt_broker", *mqttBroker),
		zap.String("mqtt_topic", *mqttTopic),
	)
	logger.Info("Press Ctrl+C to stop gracefully")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", *mqttBroker))
	opts.SetClientID(fmt.Sprintf("%s-simgen", *deviceID))
	opts.SetUsername(*mqttUser)
	opts.SetPassword(*mqttPass)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	opts.OnConnect = func(client mqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", *mqttBroker))
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Error("MQTT connection lost", zap.Error(err))
	}

	mqttClient := mqtt.NewClient(opts)
	if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal("Failed to connect to MQTT broker", zap.Error(token.Error()))
	}
	defer mqttClient.Disconnect(250)

	sim := NewFermentationSim(*deviceID, *og, *fg, *wortTemp, *anomaly, *speedup, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping simulator")
		cancel()
	}()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	messageCount := 0
	anomalyCount := 0
	startTime := time.Now()

	statsTicker := time.NewTicker(60 * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down",
				zap.Int("total_messages", messageCount),
				zap.Int("anomalies_generated", anomalyCount),
				zap.Duration("uptime", time.Since(startTime)),
			)
			mqttClient.Disconnect(250)
			return

		case <-ticker.C:
			reading, isAnomaly := sim.Next()
			if isAnomaly {
				anomalyCount++
			}

			jsonData, err := json.Marshal(reading)
			if err != nil {
				logger.Error("Failed to marshal reading", zap.Error(err))
				continue
			}

			token := mqttClient.Publish(*mqttTopic, 1, false, jsonData)
			if token.Wait() && token.Error() != nil {
				logger.Error("Failed to publish MQTT message",
					zap.Error(token.Error()),
					zap.Int("message_count", messageCount))
				continue
			}
			messageCount++

			logger.Debug("Published reading",
				zap.String("device_id", reading.DeviceID),
				zap.Float64("gravity", reading.Gravity),
				zap.Float64("temperature", reading.Temperature),
				zap.Bool("is_anomaly", isAnomaly))

		case <-statsTicker.C:
			logger.Info("Statistics",
				zap.Int("total_messages", messageCount),
				zap.Int("anomalies", anomalyCount),
				zap.Duration("uptime", time.Since(startTime)),
			)
		}
	}
}
