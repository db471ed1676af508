// Package worker implements the build-claiming daemon: one polling loop per
// process, coordinating with other daemons only through row locks in the
// build store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ynop/vespene/internal/domain"
	"github.com/ynop/vespene/internal/kafka"
	"github.com/ynop/vespene/internal/postgres"
	redisstore "github.com/ynop/vespene/internal/redis"
	"github.com/ynop/vespene/pkg/telemetry"
)

const (
	// DefaultFallbackSleep is the pause used while the pool does not exist.
	DefaultFallbackSleep = 60 * time.Second
	// AbortingGracePeriod is how long a build may sit in ABORTING before it
	// is force-finalized.
	AbortingGracePeriod = time.Minute
)

// StopReason says why Run returned. Every reason is a clean exit.
type StopReason string

const (
	StopNone          StopReason = ""
	StopMaxBuilds     StopReason = "max_builds_reached"
	StopIdleTimeout   StopReason = "idle_timeout"
	StopSingleShot    StopReason = "single_shot_done"
	StopTargetMissing StopReason = "target_build_missing"
	StopCancelled     StopReason = "cancelled"
)

// Config holds the construction parameters of a Daemon.
type Config struct {
	PoolName string
	// IdleTimeoutMinutes stops the daemon after that many minutes without a
	// claim. Zero or negative means wait forever.
	IdleTimeoutMinutes int
	// MaxBuilds stops the daemon after that many builds. Zero or negative
	// means unlimited.
	MaxBuilds int
	// BuildID, when positive, runs exactly that build once and overrides the
	// two limits above.
	BuildID int64
}

func (c Config) targeted() bool { return c.BuildID > 0 }

// Scheduler materializes new queued builds. Its return value is only logged.
type Scheduler interface {
	Materialize(ctx context.Context) error
}

// Executor runs a claimed build to completion and records its final status.
type Executor interface {
	Execute(ctx context.Context, build *domain.Build) error
}

// Importer discovers the repositories of one organization.
type Importer interface {
	Import(ctx context.Context, org *domain.Organization) error
}

// EventPublisher announces build lifecycle transitions.
type EventPublisher interface {
	Publish(ctx context.Context, ev kafka.BuildEvent) error
}

// TickResult is the outcome of one tick body. Err is reported and swallowed
// by the loop; Stop ends it.
type TickResult struct {
	Claimed *domain.Build
	Stop    StopReason
	Err     error
}

// Daemon is a single-threaded polling loop serving one worker pool.
type Daemon struct {
	cfg       Config
	repo      postgres.BuildRepository
	scheduler Scheduler
	executor  Executor
	importer  Importer

	events  EventPublisher
	status  redisstore.StatusStore
	limiter redisstore.RateLimiter

	workerID      string
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
	fallbackSleep time.Duration
	logger        *slog.Logger

	// daemon-private state, never shared with other processes
	remaining    int // -1 when unlimited
	idleTimeout  time.Duration
	lastActivity time.Time
	processed    int
	lastBuildID  int64
}

// Option configures a Daemon.
type Option func(*Daemon)

func WithLogger(l *slog.Logger) Option                  { return func(d *Daemon) { d.logger = l } }
func WithClock(now func() time.Time) Option             { return func(d *Daemon) { d.now = now } }
func WithFallbackSleep(s time.Duration) Option          { return func(d *Daemon) { d.fallbackSleep = s } }
func WithEvents(p EventPublisher) Option                { return func(d *Daemon) { d.events = p } }
func WithStatusStore(s redisstore.StatusStore) Option   { return func(d *Daemon) { d.status = s } }
func WithImportLimiter(l redisstore.RateLimiter) Option { return func(d *Daemon) { d.limiter = l } }
func WithWorkerID(id string) Option                     { return func(d *Daemon) { d.workerID = id } }

// WithSleeper replaces the pause between ticks. The function must return a
// non-nil error once ctx is done.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Daemon) { d.sleep = fn }
}

// NewDaemon constructs a Daemon. scheduler and importer may be nil.
func NewDaemon(
	cfg Config,
	repo postgres.BuildRepository,
	scheduler Scheduler,
	executor Executor,
	importer Importer,
	opts ...Option,
) *Daemon {
	d := &Daemon{
		cfg:           cfg,
		repo:          repo,
		scheduler:     scheduler,
		executor:      executor,
		importer:      importer,
		workerID:      NewWorkerID(cfg.PoolName),
		now:           func() time.Time { return time.Now().UTC() },
		sleep:         sleepContext,
		fallbackSleep: DefaultFallbackSleep,
		logger:        slog.Default(),
		remaining:     -1,
	}
	for _, opt := range opts {
		opt(d)
	}

	if cfg.targeted() {
		d.remaining = 1
	} else {
		if cfg.MaxBuilds > 0 {
			d.remaining = cfg.MaxBuilds
		}
		if cfg.IdleTimeoutMinutes > 0 {
			d.idleTimeout = time.Duration(cfg.IdleTimeoutMinutes) * time.Minute
		}
	}
	d.logger = d.logger.With(
		slog.String("pool", cfg.PoolName),
		slog.String("worker_id", d.workerID),
	)
	return d
}

// NewWorkerID returns a fresh daemon identity of the form <pool>-<8 hex>.
func NewWorkerID(pool string) string {
	return pool + "-" + uuid.New().String()[:8]
}

// WorkerID is the identity this daemon stamps on the builds it claims.
func (d *Daemon) WorkerID() string { return d.workerID }

// Run polls until a termination condition is met or ctx is cancelled.
// Failures inside a tick are logged and never end the loop.
func (d *Daemon) Run(ctx context.Context) (StopReason, error) {
	if d.cfg.PoolName == "" {
		return StopNone, errors.New("worker pool name is required")
	}
	d.lastActivity = d.now()
	d.logger.Info("serving worker pool",
		slog.Int("remaining", d.remaining),
		slog.Duration("idle_timeout", d.idleTimeout),
		slog.Int64("build_id", d.cfg.BuildID),
	)
	defer d.clearHeartbeat()

	for {
		if ctx.Err() != nil {
			return StopCancelled, nil
		}

		interval := d.fallbackSleep
		pool, err := d.repo.PoolByName(ctx, d.cfg.PoolName)
		switch {
		case err != nil:
			var notFound *domain.PoolNotFoundError
			if errors.As(err, &notFound) {
				d.logger.Error("worker pool does not exist, idling")
			} else {
				d.logger.Error("failed to load worker pool", slog.String("error", err.Error()))
			}
			telemetry.WorkerTicksTotal.WithLabelValues(d.cfg.PoolName, "no_pool").Inc()
		default:
			res := d.tick(ctx, pool)
			if res.Stop != StopNone {
				d.logger.Info("worker daemon stopping",
					slog.String("reason", string(res.Stop)),
					slog.Int("processed", d.processed),
				)
				return res.Stop, nil
			}
			var gone *domain.PoolNotFoundError
			if pool.SleepSeconds > 0 && !errors.As(res.Err, &gone) {
				interval = pool.SleepInterval()
			}
		}

		if err := d.sleep(ctx, interval); err != nil {
			return StopCancelled, nil
		}
	}
}

// tick runs one tick body and turns any panic into a recoverable failure.
func (d *Daemon) tick(ctx context.Context, pool *domain.WorkerPool) (res TickResult) {
	ctx, span := otel.Tracer("worker").Start(ctx, "worker.tick")
	defer span.End()
	span.SetAttributes(
		attribute.String("worker.pool", pool.Name),
		attribute.String("worker.id", d.workerID),
	)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res = TickResult{Err: fmt.Errorf("tick panic: %v\n%s", r, debug.Stack())}
		}
		telemetry.WorkerTickDurationSeconds.WithLabelValues(pool.Name).Observe(time.Since(start).Seconds())

		outcome := "idle"
		switch {
		case res.Err != nil:
			outcome = "failed"
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, "tick failed")
			d.logger.Error("tick failed", slog.String("error", res.Err.Error()))
		case res.Claimed != nil:
			outcome = "claimed"
		}
		telemetry.WorkerTicksTotal.WithLabelValues(pool.Name, outcome).Inc()
		d.heartbeat(ctx, res)
	}()

	return d.runTick(ctx, pool)
}

func (d *Daemon) runTick(ctx context.Context, pool *domain.WorkerPool) TickResult {
	res := d.tickBody(ctx, pool)
	if res.Stop != StopNone || ctx.Err() != nil {
		return res
	}
	// The pool may have been deleted while the tick ran; Run then sleeps the
	// fallback interval instead of the stale pool's.
	if _, err := d.repo.PoolByName(ctx, pool.Name); err != nil {
		var gone *domain.PoolNotFoundError
		if errors.As(err, &gone) {
			res.Err = errors.Join(res.Err, err)
		}
	}
	return res
}

func (d *Daemon) tickBody(ctx context.Context, pool *domain.WorkerPool) TickResult {
	// A missing target ends the daemon before anything is touched.
	var target *domain.Build
	if d.cfg.targeted() {
		b, stop, err := d.loadTarget(ctx)
		if err != nil || stop != StopNone {
			return TickResult{Stop: stop, Err: err}
		}
		target = b
	}

	// One horizon per tick keeps claim and orphan sweep disjoint.
	horizon := pool.FreshnessHorizon(d.now())

	if d.scheduler != nil {
		if err := d.scheduler.Materialize(ctx); err != nil {
			return TickResult{Err: fmt.Errorf("schedule builds: %w", err)}
		}
	}
	if err := d.reap(ctx, pool, horizon); err != nil {
		return TickResult{Err: err}
	}
	if err := d.importOrganizations(ctx, pool); err != nil {
		return TickResult{Err: err}
	}

	build := target
	if build == nil && !d.cfg.targeted() {
		var err error
		build, err = d.claim(ctx, pool, horizon)
		if err != nil {
			return TickResult{Err: err}
		}
	}

	if build == nil {
		if d.idleTimeout > 0 && d.now().Sub(d.lastActivity) >= d.idleTimeout {
			return TickResult{Stop: StopIdleTimeout}
		}
		return TickResult{}
	}

	d.lastActivity = d.now()
	execErr := d.execute(ctx, build)

	// Counted even on failure so a single-shot daemon never retries.
	d.processed++
	d.lastBuildID = build.ID
	res := TickResult{Claimed: build}
	if execErr != nil {
		res.Err = fmt.Errorf("execute build %d: %w", build.ID, execErr)
	}
	if d.remaining > 0 {
		d.remaining--
		if d.remaining == 0 {
			res.Stop = StopMaxBuilds
			if d.cfg.targeted() {
				res.Stop = StopSingleShot
			}
		}
	}
	return res
}

// execute isolates the engine so a panicking build still counts as processed.
func (d *Daemon) execute(ctx context.Context, build *domain.Build) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	d.logger.Info("building",
		slog.Int64("build_id", build.ID),
		slog.Int64("project_id", build.ProjectID),
	)
	return d.executor.Execute(ctx, build)
}

func (d *Daemon) publish(ctx context.Context, ev kafka.BuildEvent) {
	if d.events == nil {
		return
	}
	ev.Pool = d.cfg.PoolName
	ev.WorkerID = d.workerID
	if ev.At.IsZero() {
		ev.At = d.now()
	}
	if err := d.events.Publish(ctx, ev); err != nil {
		d.logger.Warn("failed to publish build event",
			slog.String("type", string(ev.Type)),
			slog.Int64("build_id", ev.BuildID),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Daemon) heartbeat(ctx context.Context, res TickResult) {
	if d.status == nil {
		return
	}
	st := &redisstore.DaemonStatus{
		WorkerID:    d.workerID,
		Pool:        d.cfg.PoolName,
		Remaining:   d.remaining,
		Processed:   d.processed,
		LastBuildID: d.lastBuildID,
		LastTickAt:  d.now(),
	}
	if res.Err != nil {
		st.LastTickError = res.Err.Error()
	}
	if err := d.status.Heartbeat(ctx, st); err != nil {
		d.logger.Warn("failed to record heartbeat", slog.String("error", err.Error()))
	}
}

func (d *Daemon) clearHeartbeat() {
	if d.status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st := &redisstore.DaemonStatus{WorkerID: d.workerID, Pool: d.cfg.PoolName}
	if err := d.status.Remove(ctx, st); err != nil {
		d.logger.Warn("failed to clear heartbeat", slog.String("error", err.Error()))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
