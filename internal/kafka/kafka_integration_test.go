//go:build integration

package kafka_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcKafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ynop/vespene/internal/domain"
	"github.com/ynop/vespene/internal/kafka"
)

var testKafkaBrokers []string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	kafkaCtr, err := tcKafka.Run(ctx, "confluentinc/confluent-local:7.7.1",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Kafka Server started").
				WithStartupTimeout(90*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start kafka container: %v", err)
	}
	defer kafkaCtr.Terminate(ctx) //nolint:errcheck

	brokers, err := kafkaCtr.Brokers(ctx)
	if err != nil {
		log.Fatalf("kafka brokers: %v", err)
	}
	testKafkaBrokers = brokers
	return m.Run()
}

// uniqueTopic returns a topic name unique to this test run.
func uniqueTopic(base string) string {
	return fmt.Sprintf("%s-%d", base, time.Now().UnixNano())
}

// createTopic creates the topic up front; the first publish can otherwise race
// auto-creation and fail with UNKNOWN_TOPIC_OR_PARTITION.
func createTopic(t *testing.T, topic string) {
	t.Helper()
	conn, err := kafkago.DialContext(context.Background(), "tcp", testKafkaBrokers[0])
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

func TestEventPublisher_RoundTrip(t *testing.T) {
	topic := uniqueTopic("builds-events")
	createTopic(t, topic)

	publisher := kafka.NewEventPublisher(kafka.NewProducer(testKafkaBrokers, topic))
	t.Cleanup(func() { publisher.Close() }) //nolint:errcheck

	ctx := context.Background()
	sent := kafka.BuildEvent{
		Type:     kafka.EventClaimed,
		BuildID:  42,
		Status:   domain.StatusQueued,
		Pool:     "general",
		WorkerID: "general-1a2b3c4d",
		At:       time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, publisher.Publish(ctx, sent))

	consumer := kafka.NewConsumer(testKafkaBrokers, topic, "group-roundtrip", slog.Default())
	t.Cleanup(func() { consumer.Close() }) //nolint:errcheck

	received := make(chan kafka.Message, 1)
	consumerCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	go func() {
		consumer.Subscribe(consumerCtx, func(_ context.Context, m kafka.Message) error { //nolint:errcheck
			received <- m
			cancel()
			return nil
		})
	}()

	select {
	case msg := <-received:
		assert.Equal(t, []byte("42"), msg.Key, "events are keyed by build id")
		assert.Equal(t, kafka.EventClaimed, msg.EventType())
		got, err := kafka.DecodeBuildEvent(msg)
		require.NoError(t, err)
		assert.Equal(t, sent, got)
	case <-consumerCtx.Done():
		t.Fatal("timed out waiting for build event")
	}
}

// A handler error leaves the offset uncommitted so another consumer of the
// same group receives the event again.
func TestConsumer_OffsetNotCommittedOnError(t *testing.T) {
	topic := uniqueTopic("builds-no-commit")
	createTopic(t, topic)
	groupID := fmt.Sprintf("group-no-commit-%d", time.Now().UnixNano())

	producer := kafka.NewProducer(testKafkaBrokers, topic)
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck

	ctx := context.Background()
	payload := []byte(`{"type":"build.orphaned","build_id":7}`)
	require.NoError(t, producer.Publish(ctx, 7, kafka.EventOrphaned, payload))

	consumer1 := kafka.NewConsumer(testKafkaBrokers, topic, groupID, slog.Default())
	ctx1, cancel1 := context.WithTimeout(ctx, 30*time.Second)
	defer cancel1()

	seen := make(chan struct{}, 1)
	go func() {
		consumer1.Subscribe(ctx1, func(_ context.Context, _ kafka.Message) error { //nolint:errcheck
			seen <- struct{}{}
			cancel1()
			return errors.New("intentional failure, do not commit")
		})
	}()

	select {
	case <-seen:
	case <-ctx1.Done():
		t.Fatal("consumer1 timed out waiting for message")
	}

	time.Sleep(300 * time.Millisecond)
	consumer1.Close() //nolint:errcheck

	consumer2 := kafka.NewConsumer(testKafkaBrokers, topic, groupID, slog.Default())
	t.Cleanup(func() { consumer2.Close() }) //nolint:errcheck

	redelivered := make(chan []byte, 1)
	ctx2, cancel2 := context.WithTimeout(ctx, 30*time.Second)
	defer cancel2()

	go func() {
		consumer2.Subscribe(ctx2, func(_ context.Context, m kafka.Message) error { //nolint:errcheck
			redelivered <- m.Value
			cancel2()
			return nil
		})
	}()

	select {
	case got := <-redelivered:
		assert.Equal(t, payload, got)
	case <-ctx2.Done():
		t.Fatal("event was not redelivered after a failed handler")
	}
}
