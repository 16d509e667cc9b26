// Package broker connects growmon to an MQTT broker.
package broker

import (
	"context"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	pollInterval   = 200 * time.Millisecond
	DefaultTimeout = 5 * time.Second
)

var ErrStopped = errors.New("broker: client stopped")

// Conn is the part of a paho client used to publish and subscribe.
type Conn interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

type Options struct {
	// URL of the broker, e.g. tcp://localhost:1883
	URL      string
	ClientID string
	Username string
	Password string
}

// Client wraps a paho client with a cancellable Connect.
type Client struct {
	mqtt.Client

	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewClient(o Options) *Client {
	c := &Client{stopCh: make(chan struct{})}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.URL)
	opts.SetClientID(o.ClientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.setConnected(true)
		log.WithField("broker", o.URL).Info("mqtt connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		log.WithField("broker", o.URL).Warnf("mqtt connection lost: %s", err)
	})

	c.Client = mqtt.NewClient(opts)
	return c
}

// Connect waits for the initial connection until ctx is done or the client
// is disconnected.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return ErrStopped
	default:
	}
	if c.IsConnected() {
		return nil
	}

	token := c.Client.Connect()
	for {
		if token.WaitTimeout(pollInterval) {
			return errors.Wrap(token.Error(), "mqtt connect")
		}

		select {
		case <-ctx.Done():
			c.Client.Disconnect(0)
			return ctx.Err()
		case <-c.stopCh:
			c.Client.Disconnect(0)
			return ErrStopped
		default:
		}
	}
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.Client.IsConnected()
}

// Disconnect is idempotent. After it, Connect fails with ErrStopped.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.Client.Disconnect(250)
	c.setConnected(false)
	log.Info("mqtt disconnected")
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Wait blocks for token up to timeout.
func Wait(token mqtt.Token, timeout time.Duration, what string) error {
	if !token.WaitTimeout(timeout) {
		return errors.Errorf("%s: timed out after %s", what, timeout)
	}
	return errors.Wrap(token.Error(), what)
}

// Topic joins topic levels, skipping empty ones.
func Topic(levels ...string) string {
	parts := make([]string, 0, len(levels))
	for _, l := range levels {
		l = strings.Trim(l, "/")
		if l != "" {
			parts = append(parts, l)
		}
	}
	return strings.Join(parts, "/")
}
