package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// HeaderEventType carries the event type so consumers can filter without
// decoding the payload.
const HeaderEventType = "vespene-event-type"

// Producer writes build lifecycle records to a single topic. Records are keyed
// by build id, so all events of one build land on one partition in order.
type Producer interface {
	Publish(ctx context.Context, buildID int64, typ EventType, value []byte) error
	Topic() string
	Close() error
}

type producer struct {
	writer *kafka.Writer
}

// NewProducer creates a producer bound to topic. An empty topic selects
// TopicBuildEvents.
func NewProducer(brokers []string, topic string) Producer {
	if topic == "" {
		topic = TopicBuildEvents
	}
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
		// The daemon publishes synchronously from its tick; the default
		// one-second batch window would stall every claim.
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,

		AllowAutoTopicCreation: true,
	}
	return &producer{writer: w}
}

func (p *producer) Topic() string { return p.writer.Topic }

func (p *producer) Publish(ctx context.Context, buildID int64, typ EventType, value []byte) error {
	headers := HeaderCarrier{{Key: HeaderEventType, Value: []byte(typ)}}
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(strconv.FormatInt(buildID, 10)),
		Value:   value,
		Headers: []kafka.Header(headers),
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publish %s for build %d to %s: %w", typ, buildID, p.writer.Topic, err)
	}
	return nil
}

func (p *producer) Close() error {
	return p.writer.Close()
}
