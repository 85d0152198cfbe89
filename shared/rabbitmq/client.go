package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sisrua/geoprep/internal/domain"
	"github.com/sisrua/geoprep/internal/resilience"
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	RoutingKeyPrefix   string
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// URL builds the AMQP connection string
func (c *Config) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s", c.User, c.Password, c.Host, c.Port, c.VHost)
}

// Channel is the subset of *amqp.Channel used for publishing
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ErrNotConnected is returned when publishing on a closed client
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// Client publishes messages to a single exchange
type Client struct {
	config *Config
	logger *slog.Logger
	retry  resilience.RetryPolicy

	mu          sync.RWMutex
	conn        *amqp.Connection
	channel     Channel
	isConnected bool
}

// NewClient dials RabbitMQ and declares the exchange
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := newClient(config, logger)
	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}
	return client, nil
}

// NewClientWithChannel wraps an already open channel
func NewClientWithChannel(config *Config, ch Channel, logger *slog.Logger) *Client {
	client := newClient(config, logger)
	client.channel = ch
	client.isConnected = true
	return client
}

func newClient(config *Config, logger *slog.Logger) *Client {
	maxRetries := config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	backoffMult := config.PublishBackoffMult
	if backoffMult <= 0 {
		backoffMult = 2.0
	}

	return &Client{
		config: config,
		logger: logger,
		retry: resilience.RetryPolicy{
			Name:          "rabbitmq_publish",
			MaxRetries:    maxRetries,
			InitialDelay:  baseDelay,
			BackoffFactor: backoffMult,
			Logger:        logger,
		},
	}
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	var conn *amqp.Connection
	var err error

	attempts := max(c.config.RetryAttempts, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		conn, err = amqp.DialConfig(c.config.URL(), amqp.Config{
			Heartbeat: c.config.Heartbeat,
			Locale:    "en_US",
		})
		if err == nil {
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)
		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		c.config.ExchangeName,    // name
		c.config.ExchangeType,    // type
		c.config.ExchangeDurable, // durable
		false,                    // auto-deleted
		false,                    // internal
		false,                    // no-wait
		nil,                      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	closeChan := make(chan *amqp.Error, 1)
	ch.NotifyClose(closeChan)

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.isConnected = true
	c.mu.Unlock()

	go c.watch(closeChan)

	c.logger.Info("RabbitMQ client initialized", slog.String("exchange", c.config.ExchangeName))
	return nil
}

// watch marks the client disconnected when the broker closes the channel
func (c *Client) watch(closeChan <-chan *amqp.Error) {
	amqpErr, ok := <-closeChan
	c.mu.Lock()
	c.isConnected = false
	c.mu.Unlock()
	if ok && amqpErr != nil {
		c.logger.Error("RabbitMQ channel closed", slog.String("reason", amqpErr.Reason))
	}
}

// RoutingKey prefixes topic with the configured routing key prefix
func (c *Client) RoutingKey(topic string) string {
	return c.config.RoutingKeyPrefix + topic
}

// Publish publishes a message once
func (c *Client) Publish(ctx context.Context, routingKey string, body []byte, contentType string) error {
	c.mu.RLock()
	ch, connected := c.channel, c.isConnected
	c.mu.RUnlock()

	if !connected || ch == nil {
		return ErrNotConnected
	}

	err := ch.PublishWithContext(
		ctx,
		c.config.ExchangeName, // exchange
		routingKey,            // routing key
		false,                 // mandatory
		false,                 // immediate
		amqp.Publishing{
			ContentType:  contentType,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.String("routing_key", routingKey),
		slog.Int("body_size", len(body)),
	)
	return nil
}

// PublishWithRetry publishes a message with exponential backoff between attempts
func (c *Client) PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error {
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		if err := c.Publish(ctx, routingKey, body, contentType); err != nil {
			if errors.Is(err, ErrNotConnected) {
				return err
			}
			return domain.NewRetryableError(err)
		}
		return nil
	})
	if err != nil {
		c.logger.Error("Failed to publish message to RabbitMQ after all retries",
			slog.String("routing_key", routingKey),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = false

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel", slog.Any("error", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection", slog.Any("error", err))
			return err
		}
	}
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.isConnected {
		return false
	}
	return c.conn == nil || !c.conn.IsClosed()
}
