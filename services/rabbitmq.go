package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"krausen/config"
	"krausen/models"
)

// RabbitMQService consumes raw hydrometer readings from a durable
// queue. Bridges that cannot hold an MQTT session (batch uploaders,
// cellar gateways with spotty links) publish here instead; the queue
// absorbs bursts that the live MQTT path would drop.
type RabbitMQService struct {
	config    *config.Config
	conn      *amqp.Connection
	channel   *amqp.Channel
	logger    *zap.Logger
	sink      func(*models.RawReading)
	reconnect chan bool
	isClosing bool
}

// NewRabbitMQService creates the consumer and establishes the initial
// connection. sink receives every parsed reading.
func NewRabbitMQService(cfg *config.Config, sink func(*models.RawReading), logger *zap.Logger) (*RabbitMQService, error) {
	service := &RabbitMQService{
		config:    cfg,
		logger:    logger,
		sink:      sink,
		reconnect: make(chan bool),
	}

	if err := service.connect(); err != nil {
		return nil, err
	}

	return service, nil
}

// connect dials the broker and declares the exchange, queue and
// bindings. Retries with linear backoff before giving up.
func (r *RabbitMQService) connect() error {
	var err error

	r.logger.Info("Connecting to RabbitMQ", zap.String("url", r.config.RabbitMQURL))

	maxRetries := 5
	for attempt := 1; attempt <= maxRetries; attempt++ {
		r.conn, err = amqp.Dial(r.config.RabbitMQURL)
		if err == nil {
			break
		}

		r.logger.Warn("Failed to connect to RabbitMQ",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
	}

	r.logger.Info("Connected to RabbitMQ successfully")

	r.channel, err = r.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	// Readings are cheap to process; a modest prefetch keeps the
	// consumer fed without hoarding a backlog on reconnect.
	if err = r.channel.Qos(10, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	err = r.channel.ExchangeDeclare(
		r.config.RabbitMQExchange,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	queue, err := r.channel.QueueDeclare(
		r.config.RabbitMQQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = r.channel.QueueBind(
		queue.Name,
		r.config.RabbitMQQueue,
		r.config.RabbitMQExchange,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	// Also bind to amq.topic so readings published through the
	// broker's MQTT plugin land in the same queue.
	err = r.channel.QueueBind(
		queue.Name,
		r.config.RabbitMQQueue,
		"amq.topic",
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue to MQTT exchange: %w", err)
	}

	r.logger.Info("Queue bound",
		zap.String("queue", queue.Name),
		zap.String("exchange", r.config.RabbitMQExchange))

	go r.handleReconnect()

	return nil
}

// handleReconnect re-establishes the session after an unexpected
// connection loss.
func (r *RabbitMQService) handleReconnect() {
	for {
		closeErr := <-r.conn.NotifyClose(make(chan *amqp.Error))
		if r.isClosing {
			r.logger.Info("RabbitMQ connection closed gracefully")
			return
		}

		r.logger.Error("RabbitMQ connection lost", zap.Error(closeErr))

		for {
			r.logger.Info("Attempting to reconnect to RabbitMQ...")
			err := r.connect()
			if err == nil {
				r.logger.Info("Successfully reconnected to RabbitMQ")
				r.reconnect <- true
				break
			}

			r.logger.Error("Failed to reconnect", zap.Error(err))
			time.Sleep(5 * time.Second)
		}
	}
}

// Consume reads messages until ctx is cancelled, restarting the
// consumer after reconnects. Unparseable messages are dropped (acked)
// rather than requeued; they will never become parseable.
func (r *RabbitMQService) Consume(ctx context.Context) error {
	for {
		msgs, err := r.channel.Consume(
			r.config.RabbitMQQueue,
			"krausen-service", // consumer tag
			false,             // manual ack
			false,             // exclusive
			false,             // no-local
			false,             // no-wait
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to register consumer: %w", err)
		}

		r.logger.Info("Started consuming readings from RabbitMQ",
			zap.String("queue", r.config.RabbitMQQueue))

	consumeLoop:
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Stopping RabbitMQ consumer")
				return nil

			case <-r.reconnect:
				r.logger.Info("Reconnection detected, restarting consumer")
				break consumeLoop

			case msg, ok := <-msgs:
				if !ok {
					r.logger.Warn("Message channel closed")
					time.Sleep(1 * time.Second)
					break consumeLoop
				}

				if err := r.processMessage(msg); err != nil {
					r.logger.Warn("Dropping unusable reading",
						zap.Error(err),
						zap.String("message_id", msg.MessageId))
				}
				msg.Ack(false)
			}
		}
	}
}

// processMessage parses one queued reading and forwards it to the
// ingest pipeline.
func (r *RabbitMQService) processMessage(msg amqp.Delivery) error {
	var raw models.RawReading
	if err := json.Unmarshal(msg.Body, &raw); err != nil {
		return fmt.Errorf("failed to unmarshal reading: %w", err)
	}

	if raw.DeviceID == "" {
		return fmt.Errorf("reading missing device_id")
	}

	r.logger.Debug("Received reading from RabbitMQ",
		zap.String("device_id", raw.DeviceID),
		zap.Float64("gravity", raw.Gravity),
		zap.Float64("temperature", raw.Temperature))

	r.sink(&raw)
	return nil
}

// Publish sends a reading to the queue. Used by tooling and tests.
func (r *RabbitMQService) Publish(raw *models.RawReading) error {
	body, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	err = r.channel.Publish(
		r.config.RabbitMQExchange,
		r.config.RabbitMQQueue,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish reading: %w", err)
	}

	return nil
}

// Close gracefully closes the RabbitMQ connection.
func (r *RabbitMQService) Close() error {
	r.isClosing = true

	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			r.logger.Error("Error closing channel", zap.Error(err))
		}
	}

	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			r.logger.Error("Error closing connection", zap.Error(err))
			return err
		}
	}

	r.logger.Info("RabbitMQ connection closed")
	return nil
}
