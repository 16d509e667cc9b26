package bme

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/growmon/grow"
	"github.com/alepar/growmon/grow/broker"
)

// DefaultMaxAge is how old the newest remote sample may get before Sample
// reports it stale.
const DefaultMaxAge = 10 * time.Second

var ErrStale = errors.New("bme: remote sample is stale")

// MQTT is a remote BME680 node that publishes JSON samples on
// <prefix>/<station>/env and reads its settings, retained, from
// <prefix>/<station>/env/config.
type MQTT struct {
	Conn   broker.Conn
	Topic  string
	MaxAge time.Duration

	now func() time.Time

	mu         sync.Mutex
	latest     grow.EnvValues
	arrived    chan struct{}
	received   bool
	subscribed bool
}

func NewMQTT(conn broker.Conn, prefix, station string) *MQTT {
	return &MQTT{
		Conn:    conn,
		Topic:   broker.Topic(prefix, station, "env"),
		MaxAge:  DefaultMaxAge,
		now:     time.Now,
		arrived: make(chan struct{}),
	}
}

func (m *MQTT) ConfigTopic() string {
	return broker.Topic(m.Topic, "config")
}

func (m *MQTT) Configure(cfg grow.EnvConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal sensor config")
	}
	if err := broker.Wait(m.Conn.Publish(m.ConfigTopic(), 1, true, payload), broker.DefaultTimeout, "publish sensor config"); err != nil {
		return err
	}

	m.mu.Lock()
	subscribed := m.subscribed
	m.mu.Unlock()
	if subscribed {
		return nil
	}

	// handle takes m.mu, so it must not be held while paho may deliver
	if err := broker.Wait(m.Conn.Subscribe(m.Topic, 1, m.handle), broker.DefaultTimeout, "subscribe to "+m.Topic); err != nil {
		return err
	}
	m.mu.Lock()
	m.subscribed = true
	m.mu.Unlock()
	log.WithField("topic", m.Topic).Info("subscribed to remote sensor")
	return nil
}

func (m *MQTT) handle(_ mqtt.Client, msg mqtt.Message) {
	logger := log.WithField("topic", msg.Topic())

	var v grow.EnvValues
	if err := json.Unmarshal(msg.Payload(), &v); err != nil {
		logger.Warnf("failed to parse remote sample: %s", err)
		return
	}
	if v.Humidity < 0 || v.Humidity > 100 {
		logger.Warnf("remote sample humidity out of range: %.2f", v.Humidity)
		return
	}
	if v.Time.IsZero() {
		v.Time = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.received && v.Time.Before(m.latest.Time) {
		logger.Debugf("dropping out of order sample from %s", v.Time)
		return
	}
	m.latest = v
	if !m.received {
		m.received = true
		close(m.arrived)
	}
}

// Sample returns the newest remote sample, waiting for the first one.
func (m *MQTT) Sample(ctx context.Context) (grow.EnvValues, error) {
	select {
	case <-m.arrived:
	case <-ctx.Done():
		return grow.EnvValues{}, errors.Wrap(ctx.Err(), "waiting for the first remote sample")
	}

	m.mu.Lock()
	v := m.latest
	m.mu.Unlock()

	if age := m.now().Sub(v.Time); m.MaxAge > 0 && age > m.MaxAge {
		return grow.EnvValues{}, errors.Wrapf(ErrStale, "newest sample is %s old", age.Round(time.Millisecond))
	}
	return v, nil
}

func (m *MQTT) Close() error {
	m.mu.Lock()
	subscribed := m.subscribed
	m.subscribed = false
	m.mu.Unlock()
	if !subscribed {
		return nil
	}
	return broker.Wait(m.Conn.Unsubscribe(m.Topic), 2*time.Second, "unsubscribe from "+m.Topic)
}
