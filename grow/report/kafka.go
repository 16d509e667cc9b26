package report

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"github.com/alepar/growmon/grow/monitor"
)

// MessageWriter is the part of a kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes reports as JSON messages keyed by station.
type KafkaSink struct {
	Writer MessageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{Writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}}
}

func (k *KafkaSink) Report(ctx context.Context, r monitor.Report) error {
	value, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "failed to marshal telemetry")
	}
	err = k.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(r.Station),
		Value: value,
		Time:  r.Time,
	})
	return errors.Wrap(err, "failed to write telemetry to kafka")
}

func (k *KafkaSink) Close() error {
	return k.Writer.Close()
}
