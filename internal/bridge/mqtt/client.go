// Package mqtt bridges the engine to an MQTT broker.
//
// Point and alert events are published to
// <prefix>/points/<device>/<metric> and <prefix>/alerts/<device>/<metric>.
// Adapters that cannot call the engine directly publish raw samples to
// <prefix>/ingest/<device>/<metric>; the bridge coerces and ingests them.
package mqtt

import (
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	defaults "github.com/xtxerr/telemetry/config"
	"github.com/xtxerr/telemetry/internal/engine/config"
	telerrors "github.com/xtxerr/telemetry/internal/errors"
	"github.com/xtxerr/telemetry/internal/logging"
)

var log = logging.Component("mqtt")

const (
	// maxQoS is the highest QoS level MQTT defines.
	maxQoS = 2

	// maxPayloadSize guards the broker against oversized messages.
	maxPayloadSize = 1 << 20

	// disconnectQuiesce is the time in milliseconds paho waits for pending
	// work on disconnect.
	disconnectQuiesce = 250

	keepAlive = 60 * time.Second
)

// MessageHandler processes one received message.
type MessageHandler func(topic string, payload []byte) error

// Conn is the broker connection the bridge needs.
type Conn interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Close() error
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client is a paho connection with subscriptions that survive reconnects.
type Client struct {
	client         pahomqtt.Client
	publishTimeout time.Duration

	subMu         sync.RWMutex
	subscriptions map[string]subscription
}

// Connect dials the broker and waits up to cfg.ConnectTimeout.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, telerrors.ErrDisabled
	}

	c := &Client{
		publishTimeout: cfg.PublishTimeout,
		subscriptions:  make(map[string]subscription),
	}
	if c.publishTimeout <= 0 {
		c.publishTimeout = defaults.DefaultMQTTPublishTimeout
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaults.DefaultMQTTConnectTimeout
	}

	opts := buildClientOptions(cfg, connectTimeout)
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		log.Info("connected", "broker", cfg.Broker)
		c.restoreSubscriptions()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn("connection lost", "broker", cfg.Broker, "error", err)
	})

	c.client = pahomqtt.NewClient(opts)

	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: %s: timeout after %v", telerrors.ErrConnectionFailed, cfg.Broker, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", telerrors.ErrConnectionFailed, cfg.Broker, err)
	}

	return c, nil
}

func buildClientOptions(cfg config.MQTTConfig, connectTimeout time.Duration) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	return opts
}

// Publish sends payload and waits for the token.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := validate(topic, qos); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", telerrors.ErrWriteFailed, len(payload), maxPayloadSize)
	}
	if !c.client.IsConnected() {
		return telerrors.ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(c.publishTimeout) {
		return fmt.Errorf("publish %s: %w", topic, telerrors.ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w: %w", topic, telerrors.ErrWriteFailed, err)
	}
	return nil
}

// Subscribe registers handler for topic. The subscription is restored
// after every reconnect.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := validate(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return telerrors.NewMissingField("handler")
	}
	if !c.client.IsConnected() {
		return telerrors.ErrNotConnected
	}

	c.subMu.Lock()
	c.subscriptions[topic] = subscription{qos: qos, handler: handler}
	c.subMu.Unlock()

	token := c.client.Subscribe(topic, qos, wrapHandler(handler))
	if !token.WaitTimeout(c.publishTimeout) {
		c.forget(topic)
		return fmt.Errorf("subscribe %s: %w", topic, telerrors.ErrTimeout)
	}
	if err := token.Error(); err != nil {
		c.forget(topic)
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (c *Client) forget(topic string) {
	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()
}

func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	subs := make(map[string]subscription, len(c.subscriptions))
	for topic, sub := range c.subscriptions {
		subs[topic] = sub
	}
	c.subMu.RUnlock()

	for topic, sub := range subs {
		token := c.client.Subscribe(topic, sub.qos, wrapHandler(sub.handler))
		if !token.WaitTimeout(c.publishTimeout) || token.Error() != nil {
			log.Warn("restore subscription failed", "topic", topic, "error", token.Error())
		}
	}
}

// IsConnected reports the paho connection state.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Close disconnects. Pending publishes get a short quiesce period.
func (c *Client) Close() error {
	c.client.Disconnect(disconnectQuiesce)
	return nil
}

func validate(topic string, qos byte) error {
	if topic == "" {
		return telerrors.NewMissingField("topic")
	}
	if qos > maxQoS {
		return telerrors.NewInvalidValue("qos", qos, "must be 0, 1 or 2")
	}
	return nil
}

// wrapHandler adapts handler to paho and recovers panics.
func wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			log.Debug("handler returned error", "topic", msg.Topic(), "error", err)
		}
	}
}
