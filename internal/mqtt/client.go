// Package mqtt wraps the paho MQTT client with hostname resolution,
// exponential-backoff-with-jitter reconnection, and a stable client
// identity so brokers can distinguish reconnects from a genuinely new
// client.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Config holds broker connection coordinates.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// Handler is invoked for every message received on a subscribed topic. It
// must not block: slow handlers should hand work off to their own queue.
type Handler func(topic string, payload []byte)

// Client is the subset of MQTT behavior the Event Router depends on.
type Client interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload string) error
	Subscribe(topic string, handler Handler) error
	IsConnected() bool
	Disconnect()
}

// NewClientID builds a stable identity of the form SYSTEM-<version>-<uuid>
// so a restart is visible to the broker as a new session while a simple
// reconnect reuses the same identity.
func NewClientID(version string) string {
	return fmt.Sprintf("SYSTEM-%s-%s", version, uuid.NewString())
}

type client struct {
	config Config
	logger *slog.Logger

	mu             sync.Mutex
	internalClient mqtt.Client
	subscriptions  map[string]Handler
	reconnectStop  chan struct{}
	stopOnce       sync.Once
}

// NewClient creates an MQTT client bound to config. logger may be nil.
func NewClient(config Config, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &client{
		config:        config,
		logger:        logger.With("component", "mqtt"),
		subscriptions: make(map[string]Handler),
		reconnectStop: make(chan struct{}),
	}
}

// Connect resolves the broker hostname and establishes a connection,
// resubscribing to any topics previously registered via Subscribe.
func (c *client) Connect(ctx context.Context) error {
	if err := c.resolveBrokerHostname(); err != nil {
		return fmt.Errorf("mqtt: resolve broker hostname: %w", err)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetUsername(c.config.Username)
	opts.SetPassword(c.config.Password)
	opts.SetCleanSession(false)
	opts.SetAutoReconnect(false) // this package drives its own backoff loop
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.mu.Lock()
	c.internalClient = mqtt.NewClient(opts)
	internalClient := c.internalClient
	c.mu.Unlock()

	token := internalClient.Connect()
	deadline, cancel := contextDeadline(ctx, 30*time.Second)
	defer cancel()
	if !token.WaitTimeout(deadline) {
		return fmt.Errorf("mqtt: connection timeout")
	}
	return token.Error()
}

func contextDeadline(ctx context.Context, fallback time.Duration) (time.Duration, func()) {
	if dl, ok := ctx.Deadline(); ok {
		return time.Until(dl), func() {}
	}
	return fallback, func() {}
}

func (c *client) resolveBrokerHostname() error {
	u, err := url.Parse(c.config.Broker)
	if err != nil {
		return fmt.Errorf("invalid broker URL: %w", err)
	}
	if _, err := net.LookupHost(u.Hostname()); err != nil {
		return fmt.Errorf("failed to resolve hostname %s: %w", u.Hostname(), err)
	}
	return nil
}

// Publish sends a message to topic.
func (c *client) Publish(ctx context.Context, topic string, payload string) error {
	if !c.IsConnected() {
		return fmt.Errorf("mqtt: not connected")
	}
	token := c.internalClient.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt: publish timeout")
	}
	return token.Error()
}

// Subscribe registers handler for topic. If already connected, the
// subscription takes effect immediately; it is replayed automatically on
// every reconnect.
func (c *client) Subscribe(topic string, handler Handler) error {
	c.mu.Lock()
	c.subscriptions[topic] = handler
	c.mu.Unlock()

	if !c.IsConnected() {
		return nil
	}
	return c.subscribeNow(topic, handler)
}

func (c *client) subscribeNow(topic string, handler Handler) error {
	token := c.internalClient.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt: subscribe timeout for %s", topic)
	}
	return token.Error()
}

func (c *client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.internalClient != nil && c.internalClient.IsConnected()
}

// Disconnect closes the connection and stops the reconnect loop.
func (c *client) Disconnect() {
	c.mu.Lock()
	ic := c.internalClient
	c.mu.Unlock()
	if ic != nil && ic.IsConnected() {
		ic.Disconnect(250)
	}
	c.stopOnce.Do(func() { close(c.reconnectStop) })
}

func (c *client) onConnect(_ mqtt.Client) {
	c.logger.Info("connected to mqtt broker", "broker", c.config.Broker, "client_id", c.config.ClientID)
	c.mu.Lock()
	subs := make(map[string]Handler, len(c.subscriptions))
	for t, h := range c.subscriptions {
		subs[t] = h
	}
	c.mu.Unlock()
	for topic, handler := range subs {
		if err := c.subscribeNow(topic, handler); err != nil {
			c.logger.Error("resubscribe failed", "topic", topic, "error", err)
		}
	}
}

func (c *client) onConnectionLost(_ mqtt.Client, err error) {
	c.logger.Warn("mqtt connection lost", "broker", c.config.Broker, "error", err)
	go c.reconnectWithBackoff()
}

// reconnectWithBackoff retries Connect with exponential backoff and jitter,
// capped at 30s per the Event Router's connection policy.
func (c *client) reconnectWithBackoff() {
	const minBackoff = time.Second
	const maxBackoff = 30 * time.Second
	backoff := minBackoff

	for {
		select {
		case <-c.reconnectStop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			c.logger.Info("reconnected to mqtt broker", "broker", c.config.Broker)
			return
		}
		c.logger.Warn("mqtt reconnect failed", "error", err, "retry_in", backoff)

		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		select {
		case <-time.After(backoff + jitter):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		case <-c.reconnectStop:
			return
		}
	}
}
