package report

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/growmon/grow/broker"
	"github.com/alepar/growmon/grow/monitor"
)

// MQTTPublisher publishes reports as JSON on <prefix>/<station>/telemetry.
type MQTTPublisher struct {
	Conn   broker.Conn
	Prefix string
}

func (p *MQTTPublisher) Topic(station string) string {
	return broker.Topic(p.Prefix, station, "telemetry")
}

func (p *MQTTPublisher) Report(_ context.Context, r monitor.Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "failed to marshal telemetry")
	}

	topic := p.Topic(r.Station)
	if err := broker.Wait(p.Conn.Publish(topic, 1, false, payload), broker.DefaultTimeout, "publish telemetry"); err != nil {
		return err
	}
	log.WithField("topic", topic).Debug("published telemetry")
	return nil
}
