package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ambulance-dispatch/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer writes driver status updates and dispatch events. Topics are
// set per message so one writer serves both streams.
type KafkaProducer struct {
	writer      messageWriter
	driverTopic string
	eventsTopic string
	timeout     time.Duration
}

func NewKafkaProducer(brokers []string, driverTopic, eventsTopic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w, driverTopic: driverTopic, eventsTopic: eventsTopic, timeout: 2 * time.Second}
}

// PublishLocation forwards a driver status update to the consumer topic,
// keyed by driver id so one driver's updates stay ordered.
func (k *KafkaProducer) PublishLocation(ctx context.Context, d models.Driver) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return k.write(ctx, kafka.Message{Topic: k.driverTopic, Key: []byte(d.ID), Value: b})
}

// Publish implements dispatch.EventSink. Events are keyed by booking id.
func (k *KafkaProducer) Publish(ctx context.Context, ev models.DispatchEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := k.write(ctx, kafka.Message{Topic: k.eventsTopic, Key: []byte(ev.BookingID), Value: b}); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	return nil
}

func (k *KafkaProducer) write(ctx context.Context, msg kafka.Message) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
