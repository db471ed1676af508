package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ynop/vespene/internal/domain"
)

// TopicBuildEvents is the default topic build lifecycle events go to.
const TopicBuildEvents = "builds.events"

// EventType names a build lifecycle transition observed by a worker daemon.
type EventType string

const (
	EventClaimed          EventType = "build.claimed"
	EventDuplicateAborted EventType = "build.duplicate_aborted"
	EventOrphaned         EventType = "build.orphaned"
	EventAbortFinalized   EventType = "build.abort_finalized"
	EventFinished         EventType = "build.finished"
)

// BuildEvent is the JSON payload published for every lifecycle transition.
type BuildEvent struct {
	Type      EventType     `json:"type"`
	BuildID   int64         `json:"build_id"`
	ProjectID int64         `json:"project_id,omitempty"`
	Status    domain.Status `json:"status"`
	Pool      string        `json:"pool"`
	WorkerID  string        `json:"worker_id"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
}

// EventPublisher encodes build events and hands them to a Producer.
type EventPublisher struct {
	producer Producer
}

// NewEventPublisher wraps producer.
func NewEventPublisher(producer Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// Publish sends one event.
func (p *EventPublisher) Publish(ctx context.Context, ev BuildEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal build event: %w", err)
	}
	return p.producer.Publish(ctx, ev.BuildID, ev.Type, raw)
}

// Close closes the underlying producer.
func (p *EventPublisher) Close() error {
	return p.producer.Close()
}

// DecodeBuildEvent parses a consumed message back into a BuildEvent.
func DecodeBuildEvent(msg Message) (BuildEvent, error) {
	var ev BuildEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return BuildEvent{}, fmt.Errorf("decode build event at offset %d: %w", msg.Offset, err)
	}
	return ev, nil
}
