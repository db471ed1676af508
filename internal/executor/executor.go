package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ynop/vespene/internal/domain"
	"github.com/ynop/vespene/internal/kafka"
	"github.com/ynop/vespene/internal/postgres"
	"github.com/ynop/vespene/pkg/telemetry"
)

// finishTimeout bounds the terminal status write once the build has ended.
const finishTimeout = 10 * time.Second

// EventPublisher receives a build.finished event after every execution.
type EventPublisher interface {
	Publish(ctx context.Context, ev kafka.BuildEvent) error
}

// Executor drives one claimed build through RUNNING to a terminal status
// using an Engine. Build failures are recorded, not returned; only store
// failures surface as errors.
type Executor struct {
	engine   Engine
	store    postgres.BuildStatusWriter
	events   EventPublisher
	timeout  time.Duration
	workerID string
	logger   *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

func WithTimeout(d time.Duration) Option { return func(e *Executor) { e.timeout = d } }
func WithLogger(l *slog.Logger) Option   { return func(e *Executor) { e.logger = l } }
func WithEvents(p EventPublisher) Option { return func(e *Executor) { e.events = p } }
func WithWorkerID(id string) Option      { return func(e *Executor) { e.workerID = id } }

// New constructs an Executor around engine.
func New(engine Engine, store postgres.BuildStatusWriter, opts ...Option) *Executor {
	e := &Executor{
		engine:  engine,
		store:   store,
		timeout: time.Hour,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs build to completion. A build whose cancellation was requested
// before it started is finalized as ABORTED without running.
func (e *Executor) Execute(ctx context.Context, build *domain.Build) error {
	ctx, span := otel.Tracer("worker").Start(ctx, "executor.execute")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("build.id", build.ID),
		attribute.String("executor.engine", e.engine.Name()),
	)

	log := e.logger.With(
		slog.Int64("build_id", build.ID),
		slog.String("engine", e.engine.Name()),
	)

	current, err := e.store.BuildByID(ctx, build.ID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("reload build %d: %w", build.ID, err)
	}
	if current.Status == domain.StatusAborting {
		log.Info("build cancelled before start, finalizing")
		return e.finish(ctx, build, domain.StatusAborted, nil)
	}

	if err := e.store.SetBuildStatus(ctx, build.ID, domain.StatusRunning); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark build %d running: %w", build.ID, err)
	}
	log.Info("build started")

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	start := time.Now()
	runErr := e.engine.Run(runCtx, build)
	cancel()
	elapsed := time.Since(start)
	telemetry.WorkerBuildDurationSeconds.WithLabelValues(e.engine.Name()).Observe(elapsed.Seconds())

	status := domain.StatusSuccess
	switch {
	case runErr != nil && ctx.Err() != nil:
		// The daemon is shutting down: the build was interrupted, not broken.
		status = domain.StatusAborted
		span.RecordError(runErr)
		log.Warn("build interrupted by shutdown",
			slog.Duration("duration", elapsed),
			slog.String("error", runErr.Error()),
		)
	case runErr != nil:
		status = domain.StatusFailure
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "build failed")
		log.Warn("build failed",
			slog.Duration("duration", elapsed),
			slog.String("error", runErr.Error()),
		)
	default:
		log.Info("build succeeded", slog.Duration("duration", elapsed))
	}
	return e.finish(ctx, build, status, runErr)
}

// finish records the terminal status. It outlives cancellation of ctx so a
// build interrupted by shutdown never stays RUNNING.
func (e *Executor) finish(ctx context.Context, build *domain.Build, status domain.Status, runErr error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if err := e.store.SetBuildStatus(ctx, build.ID, status); err != nil {
		return fmt.Errorf("mark build %d %s: %w", build.ID, status, err)
	}
	build.Status = status
	telemetry.WorkerBuildsExecuted.WithLabelValues(e.engine.Name(), string(status)).Inc()

	if e.events == nil {
		return nil
	}
	ev := kafka.BuildEvent{
		Type:      kafka.EventFinished,
		BuildID:   build.ID,
		ProjectID: build.ProjectID,
		Status:    status,
		WorkerID:  e.workerID,
	}
	if runErr != nil {
		ev.Error = runErr.Error()
	}
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.Warn("failed to publish build event",
			slog.Int64("build_id", build.ID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
