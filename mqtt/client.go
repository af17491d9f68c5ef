package mqtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/eddielth/vss-twin-bridge/config"
	"github.com/eddielth/vss-twin-bridge/logger"
)

const (
	connectTimeout    = 10 * time.Second
	subscribeTimeout  = 5 * time.Second
	disconnectQuiesce = 250 // ms
)

// ErrNotConnected is returned by Publish while the broker connection is down.
var ErrNotConnected = errors.New("not connected to MQTT broker")

// MessageHandler is the callback function type for handling MQTT messages
type MessageHandler func(topic string, payload []byte)

// ConnectHandler is called every time a connection to the broker is
// established, including reconnects.
type ConnectHandler func()

// Client represents an MQTT client
type Client struct {
	client    mqtt.Client
	config    config.MQTTConfig
	onConnect ConnectHandler
}

// NewClient creates a new MQTT client. onConnect may be nil.
func NewClient(cfg config.MQTTConfig, onConnect ConnectHandler) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address cannot be empty")
	}

	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("vss-twin-bridge-%d", time.Now().Unix())
	}
	c := &Client{config: cfg, onConnect: onConnect}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// Handlers publish and wait for acknowledgements from inside message
	// callbacks, which deadlocks with ordered delivery.
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("connected to MQTT broker: %s", cfg.Broker)
		if c.onConnect != nil {
			c.onConnect()
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Error("MQTT connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info("trying to reconnect to MQTT broker...")
	})

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// SetConnectHandler replaces the connect handler. It must be called before
// Connect.
func (c *Client) SetConnectHandler(h ConnectHandler) {
	c.onConnect = h
}

// Connect connects to the MQTT broker
func (c *Client) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connection to MQTT broker %s timed out", c.config.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to MQTT broker %s: %w", c.config.Broker, err)
	}
	return nil
}

// Subscribe subscribes to the specified topic
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	token := c.client.Subscribe(topic, c.config.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		logger.Debug("received message from topic %s", msg.Topic())
		handler(msg.Topic(), msg.Payload())
	})

	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("subscription to topic %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to topic %s: %w", topic, err)
	}

	logger.Info("successfully subscribed to topic: %s", topic)
	return nil
}

// Publish sends payload to topic and waits for the broker to acknowledge it
// or for ctx to end, whichever comes first.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return fmt.Errorf("publish to %s: %w", topic, ErrNotConnected)
	}

	token := c.client.Publish(topic, c.config.QoS, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Disconnect disconnects from the MQTT broker
func (c *Client) Disconnect() {
	c.client.Disconnect(disconnectQuiesce)
	logger.Info("disconnected from MQTT broker")
}
