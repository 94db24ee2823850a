package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"krausen/models"
)

type Config struct {
	// Storage
	DatabasePath string

	// HTTP server (push ingest, websocket, overrides)
	ListenAddr string

	// MQTT transport
	MQTTBroker   string
	MQTTUser     string
	MQTTPassword string
	MQTTTopic    string
	MQTTClientID string

	// AMQP transport (optional; MQTT bridge via amq.topic)
	RabbitMQURL      string
	RabbitMQExchange string
	RabbitMQQueue    string

	// Telegram alerts (optional)
	TelegramBotToken string
	TelegramChatID   string

	// Device backends
	HomeAssistantURL   string
	HomeAssistantToken string
	GatewayURL         string
	AdapterTimeout     time.Duration

	// Pipeline tuning
	TempUnit       models.TempUnit
	DebounceWindow time.Duration
	DebounceSG     float64
	DebounceTemp   float64
	PersistRetries int
	PersistBackoff time.Duration

	// Kalman noise parameters, per quantity. SG drifts slowly so its
	// process noise sits orders of magnitude below temperature's.
	SGProcessNoise       float64
	SGRateProcessNoise   float64
	SGMeasurementNoise   float64
	TempProcessNoise     float64
	TempRateProcessNoise float64
	TempMeasurementNoise float64
	AnomalyMultiplier    float64
	TrackerIdleTimeout   time.Duration

	// Prediction thresholds
	PredictionMinSamples    int
	PredictionMinConfidence float64
	PredictionInterval      time.Duration

	// Temperature control loop
	ControlInterval  time.Duration
	StaleDataTimeout time.Duration

	// Ambient/chamber pollers
	AmbientInterval time.Duration
	AmbientSensorID string
	ChamberSensorID string

	// Device health watchdog
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
}

func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	unit := models.TempUnit(getEnv("TEMP_UNIT", "C"))
	if unit != models.UnitCelsius && unit != models.UnitFahrenheit {
		return nil, fmt.Errorf("invalid TEMP_UNIT %q: must be C or F", unit)
	}

	config := &Config{
		DatabasePath: getEnv("DATABASE_PATH", "krausen.db"),
		ListenAddr:   getEnv("LISTEN_ADDR", ":8080"),

		MQTTBroker:   getEnv("MQTT_BROKER", ""),
		MQTTUser:     getEnv("MQTT_USER", ""),
		MQTTPassword: getEnv("MQTT_PASSWORD", ""),
		MQTTTopic:    getEnv("MQTT_TOPIC", "krausen/readings/#"),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", "krausen-service"),

		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange: getEnv("RABBITMQ_EXCHANGE", "krausen"),
		RabbitMQQueue:    getEnv("RABBITMQ_QUEUE", "reading_queue"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		HomeAssistantURL:   getEnv("HOME_ASSISTANT_URL", ""),
		HomeAssistantToken: getEnv("HOME_ASSISTANT_TOKEN", ""),
		GatewayURL:         getEnv("GATEWAY_URL", ""),
		AdapterTimeout:     getEnvDuration("ADAPTER_TIMEOUT", 10*time.Second),

		TempUnit:       unit,
		DebounceWindow: getEnvDuration("DEBOUNCE_WINDOW", 30*time.Second),
		DebounceSG:     getEnvFloat("DEBOUNCE_SG", 0.0005),
		DebounceTemp:   getEnvFloat("DEBOUNCE_TEMP", 0.1),
		PersistRetries: getEnvInt("PERSIST_RETRIES", 3),
		PersistBackoff: getEnvDuration("PERSIST_BACKOFF", 500*time.Millisecond),

		SGProcessNoise:       getEnvFloat("SG_PROCESS_NOISE", 1e-10),
		SGRateProcessNoise:   getEnvFloat("SG_RATE_PROCESS_NOISE", 1e-15),
		SGMeasurementNoise:   getEnvFloat("SG_MEASUREMENT_NOISE", 4e-6),
		TempProcessNoise:     getEnvFloat("TEMP_PROCESS_NOISE", 1e-4),
		TempRateProcessNoise: getEnvFloat("TEMP_RATE_PROCESS_NOISE", 1e-9),
		TempMeasurementNoise: getEnvFloat("TEMP_MEASUREMENT_NOISE", 0.25),
		AnomalyMultiplier:    getEnvFloat("ANOMALY_MULTIPLIER", 4.0),
		TrackerIdleTimeout:   getEnvDuration("TRACKER_IDLE_TIMEOUT", 6*time.Hour),

		PredictionMinSamples:    getEnvInt("PREDICTION_MIN_SAMPLES", 12),
		PredictionMinConfidence: getEnvFloat("PREDICTION_MIN_CONFIDENCE", 0.3),
		PredictionInterval:      getEnvDuration("PREDICTION_INTERVAL", 10*time.Minute),

		ControlInterval:  getEnvDuration("CONTROL_INTERVAL", 1*time.Minute),
		StaleDataTimeout: getEnvDuration("STALE_DATA_TIMEOUT", 15*time.Minute),

		AmbientInterval: getEnvDuration("AMBIENT_INTERVAL", 5*time.Minute),
		AmbientSensorID: getEnv("AMBIENT_SENSOR_ID", ""),
		ChamberSensorID: getEnv("CHAMBER_SENSOR_ID", ""),

		HealthCheckInterval: getEnvDuration("HEALTH_CHECK_INTERVAL", 1*time.Minute),
		HealthCheckTimeout:  getEnvDuration("HEALTH_CHECK_TIMEOUT", 30*time.Minute),
	}

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
