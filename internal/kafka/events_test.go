package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	segkafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ynop/vespene/internal/domain"
)

type recordingProducer struct {
	buildID int64
	typ     EventType
	value   []byte
	err     error
}

func (p *recordingProducer) Publish(_ context.Context, buildID int64, typ EventType, value []byte) error {
	if p.err != nil {
		return p.err
	}
	p.buildID, p.typ, p.value = buildID, typ, value
	return nil
}
func (p *recordingProducer) Topic() string { return TopicBuildEvents }
func (p *recordingProducer) Close() error  { return nil }

func TestEventPublisher_KeyedByBuildID(t *testing.T) {
	prod := &recordingProducer{}
	pub := NewEventPublisher(prod)

	require.NoError(t, pub.Publish(context.Background(), BuildEvent{
		Type: EventClaimed, BuildID: 42, ProjectID: 7, Status: domain.StatusQueued, Pool: "general", WorkerID: "w1",
	}))

	assert.EqualValues(t, 42, prod.buildID)
	assert.Equal(t, EventClaimed, prod.typ)

	ev, err := DecodeBuildEvent(Message{Value: prod.value})
	require.NoError(t, err)
	assert.Equal(t, EventClaimed, ev.Type)
	assert.EqualValues(t, 7, ev.ProjectID)
	assert.False(t, ev.At.IsZero(), "publish should stamp the event time")
}

func TestEventPublisher_KeepsExplicitTime(t *testing.T) {
	prod := &recordingProducer{}
	pub := NewEventPublisher(prod)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, pub.Publish(context.Background(), BuildEvent{Type: EventOrphaned, BuildID: 1, At: at}))

	ev, err := DecodeBuildEvent(Message{Value: prod.value})
	require.NoError(t, err)
	assert.True(t, at.Equal(ev.At))
}

func TestEventPublisher_ProducerError(t *testing.T) {
	pub := NewEventPublisher(&recordingProducer{err: errors.New("broker down")})

	err := pub.Publish(context.Background(), BuildEvent{Type: EventClaimed, BuildID: 1})
	assert.EqualError(t, err, "broker down")
}

func TestDecodeBuildEvent_Malformed(t *testing.T) {
	_, err := DecodeBuildEvent(Message{Value: []byte("{not json"), Offset: 12})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset 12")
}

func TestHeaderCarrier_SetReplacesKey(t *testing.T) {
	c := HeaderCarrier{{Key: "traceparent", Value: []byte("old")}, {Key: "other", Value: []byte("x")}}
	c.Set("traceparent", "new")

	assert.Equal(t, "new", c.Get("traceparent"))
	assert.Equal(t, "x", c.Get("other"))
	assert.ElementsMatch(t, []string{"traceparent", "other"}, c.Keys())
	assert.Empty(t, c.Get("missing"))
	assert.Len(t, []segkafka.Header(c), 2)
}

func TestMessage_EventType(t *testing.T) {
	msg := Message{Headers: []segkafka.Header{
		{Key: "traceparent", Value: []byte("00-abc")},
		{Key: HeaderEventType, Value: []byte(EventOrphaned)},
	}}
	assert.Equal(t, EventOrphaned, msg.EventType())
	assert.Empty(t, Message{}.EventType())
}

func TestNewProducer_DefaultsToBuildEventsTopic(t *testing.T) {
	p := NewProducer([]string{"localhost:9092"}, "")
	defer p.Close() //nolint:errcheck

	assert.Equal(t, TopicBuildEvents, p.Topic())
	assert.Equal(t, "custom.events", NewProducer([]string{"localhost:9092"}, "custom.events").Topic())
}
