// Package mqtt carries biosignal streams and recording announcements over an MQTT broker.
package mqtt

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// Client manages the MQTT connection (low-level connection management only).
// For streams and announcements, use Source and Announcer respectively.
type Client struct {
	client mqtt.Client
	config ClientConfig

	mu     sync.Mutex
	onLost []func(error)
}

// ClientConfig holds MQTT client configuration
type ClientConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// NewClient connects to the broker
func NewClient(config ClientConfig) (*Client, error) {
	c := &Client{config: config}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", config.Broker).Msg("mqtt: connection established")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", config.Broker).Msg("mqtt: connection lost")
		c.connectionLost(err)
	})
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	c.client = mqtt.NewClient(opts)

	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	token := c.client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt.NewClient: connect to %s: timed out after %s", config.Broker, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt.NewClient: connect to %s: %w", config.Broker, err)
	}

	log.Info().Str("broker", config.Broker).Str("client_id", config.ClientID).Msg("mqtt: connected")
	return c, nil
}

// Native returns the underlying paho client, used by Source and Announcer
func (c *Client) Native() mqtt.Client {
	return c.client
}

// IsConnected returns whether the client is currently connected
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// OnConnectionLost registers fn to run whenever the broker connection drops
func (c *Client) OnConnectionLost(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLost = append(c.onLost, fn)
}

func (c *Client) connectionLost(err error) {
	c.mu.Lock()
	listeners := append([]func(error){}, c.onLost...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(err)
	}
}

// Close closes the MQTT client connection
func (c *Client) Close() {
	c.client.Disconnect(250)
	log.Info().Str("broker", c.config.Broker).Msg("mqtt: disconnected")
}
