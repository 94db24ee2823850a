package services

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"krausen/config"
	"krausen/models"
)

// Readings arrive every few minutes, so a short throttle per device is
// enough to collapse a burst of anomaly alerts into one message.
const alertThrottle = 15 * time.Minute

// AlertService delivers anomaly and device-health alerts to a Telegram
// chat. It implements AnomalyNotifier and DeviceAlerter; sends are
// best-effort and failures only log.
type AlertService struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	config         *config.Config
	lastAlertTimes map[string]time.Time
	mu             sync.Mutex
	logger         *zap.Logger
}

// NewAlertService creates the Telegram notifier and verifies the bot
// credentials.
func NewAlertService(cfg *config.Config, logger *zap.Logger) (*AlertService, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("error creating telegram bot: %v", err)
	}

	chatID, err := strconv.ParseInt(cfg.TelegramChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing chat ID: %v", err)
	}

	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))

	as := &AlertService{
		bot:            bot,
		chatID:         chatID,
		config:         cfg,
		lastAlertTimes: make(map[string]time.Time),
		logger:         logger,
	}

	if err := as.testConnection(); err != nil {
		logger.Error("Telegram connection test failed", zap.Error(err))
		return nil, fmt.Errorf("telegram connection test failed: %v", err)
	}

	return as, nil
}

// testConnection verifies the bot token with retry.
func (as *AlertService) testConnection() error {
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		as.logger.Info("Testing Telegram connection",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries))

		_, err := as.bot.GetMe()
		if err == nil {
			as.logger.Info("Telegram connection successful")
			return nil
		}

		as.logger.Warn("Telegram connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Telegram after %d attempts", maxRetries)
}

// NotifyAnomaly sends one alert for a rejected sensor observation,
// throttled per device.
func (as *AlertService) NotifyAnomaly(ev models.AnomalyEvent) {
	if as.throttled("anomaly:" + ev.DeviceID) {
		as.logger.Debug("Throttling anomaly alert", zap.String("device_id", ev.DeviceID))
		return
	}

	var sb strings.Builder
	sb.WriteString("🚨 <b>SENSOR ANOMALY</b> 🚨\n\n")
	sb.WriteString(fmt.Sprintf("📱 <b>Device:</b> %s\n", ev.DeviceID))
	if ev.BatchID != 0 {
		sb.WriteString(fmt.Sprintf("🍺 <b>Batch:</b> #%d\n", ev.BatchID))
	}
	sb.WriteString(fmt.Sprintf("🕐 <b>Time:</b> %s\n\n", ev.Timestamp.Format("2006-01-02 15:04:05")))

	sb.WriteString("📊 <b>Details:</b>\n")
	switch ev.Quantity {
	case models.QuantityGravity:
		sb.WriteString(fmt.Sprintf("⚖️ Observed SG: %.4f (expected ~%.4f)\n", ev.Observed, ev.Predicted))
	case models.QuantityTemperature:
		sb.WriteString(fmt.Sprintf("🌡️ Observed Temp: %.1f° (expected ~%.1f°)\n", ev.Observed, ev.Predicted))
	}
	sb.WriteString(fmt.Sprintf("📈 Deviation: %.1fσ\n", ev.Score))
	sb.WriteString(fmt.Sprintf("   └ %s\n\n", ev.Reason))

	sb.WriteString("💡 The reading was excluded from the fermentation curve. ")
	sb.WriteString("If these persist, check whether the sensor needs cleaning or recalibration.")

	if as.send(sb.String()) {
		as.markSent("anomaly:" + ev.DeviceID)
		as.logger.Info("Sent anomaly alert",
			zap.String("device_id", ev.DeviceID),
			zap.String("quantity", string(ev.Quantity)))
	}
}

// NotifyDeviceTimeout reports a device that has gone silent.
func (as *AlertService) NotifyDeviceTimeout(deviceID string, lastSeen time.Time, down time.Duration) {
	var sb strings.Builder
	sb.WriteString("⚠️ <b>DEVICE SILENT</b> ⚠️\n\n")
	sb.WriteString(fmt.Sprintf("📱 <b>Device:</b> %s\n", deviceID))
	sb.WriteString(fmt.Sprintf("🕐 <b>Last Seen:</b> %s\n", lastSeen.Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("⏱️ <b>Silent For:</b> %s\n\n", formatDuration(down)))
	sb.WriteString("💡 <b>Action Required:</b>\n")
	sb.WriteString("The hydrometer may have a flat battery, sunk below the krausen, ")
	sb.WriteString("or lost its bridge connection. Temperature control for its batch ")
	sb.WriteString("fails safe to idle while data is stale.\n\n")
	sb.WriteString("🔴 <b>Status:</b> DEVICE TIMEOUT")

	if as.send(sb.String()) {
		as.logger.Info("Sent device timeout alert",
			zap.String("device_id", deviceID),
			zap.Duration("down_duration", down))
	}
}

// NotifyDeviceRecovered reports a device that resumed reporting.
func (as *AlertService) NotifyDeviceRecovered(deviceID string, down time.Duration) {
	var sb strings.Builder
	sb.WriteString("✅ <b>DEVICE RECOVERED</b> ✅\n\n")
	sb.WriteString(fmt.Sprintf("📱 <b>Device:</b> %s\n", deviceID))
	sb.WriteString(fmt.Sprintf("🕐 <b>Recovery Time:</b> %s\n", time.Now().Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("⏱️ <b>Downtime:</b> %s\n\n", formatDuration(down)))
	sb.WriteString("🟢 <b>Status:</b> DEVICE ONLINE")

	if as.send(sb.String()) {
		as.logger.Info("Sent device recovery alert",
			zap.String("device_id", deviceID),
			zap.Duration("down_duration", down))
	}
}

// SendStartupMessage announces that the service came up.
func (as *AlertService) SendStartupMessage() error {
	message := "🟢 <b>Krausen Telemetry Service Started</b>\n\n" +
		"📡 Ingesting hydrometer readings\n" +
		"🌡️ Temperature control loops active\n" +
		"🤖 Telegram notifications active\n\n" +
		"✅ System is ready and operational!"

	msg := tgbotapi.NewMessage(as.chatID, message)
	msg.ParseMode = "HTML"

	_, err := as.bot.Send(msg)
	return err
}

// send delivers one HTML-formatted message, returning whether it went
// out.
func (as *AlertService) send(text string) bool {
	msg := tgbotapi.NewMessage(as.chatID, text)
	msg.ParseMode = "HTML"
	msg.DisableWebPagePreview = true

	if _, err := as.bot.Send(msg); err != nil {
		as.logger.Error("Error sending telegram message", zap.Error(err))
		return false
	}
	return true
}

func (as *AlertService) throttled(key string) bool {
	as.mu.Lock()
	defer as.mu.Unlock()

	last, exists := as.lastAlertTimes[key]
	if !exists {
		return false
	}
	return time.Since(last) < alertThrottle
}

func (as *AlertService) markSent(key string) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.lastAlertTimes[key] = time.Now()
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0f seconds", d.Seconds())
	} else if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%d min %d sec", minutes, seconds)
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%d hr %d min", hours, minutes)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%d days %d hr", days, hours)
}
