package services

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"krausen/config"
	"krausen/models"
)

// MQTTService subscribes to the sensor telemetry topic and feeds raw
// readings into the ingest pipeline. Sensors (or BLE bridges in front
// of them) publish one JSON reading per message.
type MQTTService struct {
	config *config.Config
	logger *zap.Logger
	client mqtt.Client
	sink   func(*models.RawReading)
}

// NewMQTTService creates the subscriber. sink receives every parsed
// reading; malformed payloads are rejected at this boundary.
func NewMQTTService(cfg *config.Config, sink func(*models.RawReading), logger *zap.Logger) *MQTTService {
	return &MQTTService{
		config: cfg,
		logger: logger,
		sink:   sink,
	}
}

// Connect establishes the broker session and subscribes. The paho
// client reconnects and resubscribes on its own after connection loss.
func (m *MQTTService) Connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s", m.config.MQTTBroker)).
		SetClientID(m.config.MQTTClientID).
		SetUsername(m.config.MQTTUser).
		SetPassword(m.config.MQTTPassword).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetOrderMatters(true)

	opts.OnConnect = func(client mqtt.Client) {
		m.logger.Info("Connected to MQTT broker",
			zap.String("broker", m.config.MQTTBroker),
			zap.String("topic", m.config.MQTTTopic))
		token := client.Subscribe(m.config.MQTTTopic, 1, m.handleMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			m.logger.Error("MQTT subscribe failed",
				zap.String("topic", m.config.MQTTTopic),
				zap.Error(err))
		}
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		m.logger.Warn("MQTT connection lost", zap.Error(err))
	}

	m.client = mqtt.NewClient(opts)
	token := m.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to MQTT broker %s: %w", m.config.MQTTBroker, err)
	}
	return nil
}

// handleMessage parses one telemetry payload and forwards it.
func (m *MQTTService) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var raw models.RawReading
	if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
		m.logger.Warn("Rejected unparseable MQTT payload",
			zap.String("topic", msg.Topic()),
			zap.Error(err))
		return
	}
	if raw.DeviceID == "" {
		m.logger.Warn("Rejected MQTT reading without device id",
			zap.String("topic", msg.Topic()))
		return
	}
	m.sink(&raw)
}

// Close disconnects from the broker, allowing in-flight handlers to
// finish.
func (m *MQTTService) Close() {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
		m.logger.Info("Disconnected from MQTT broker")
	}
}
