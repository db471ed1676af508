// Package scheduler turns due project schedules into queued builds.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ynop/vespene/internal/domain"
	"github.com/ynop/vespene/pkg/telemetry"
)

// Schedule mirrors the project_schedules table.
type Schedule struct {
	ID        int64
	ProjectID int64
	CronExpr  string
	LastRunAt *time.Time
	NextRunAt *time.Time
}

// Scheduler queues one build per due schedule. Many daemons may call
// Materialize at once; each due row is taken by exactly one of them.
type Scheduler struct {
	pool   *pgxpool.Pool
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option      { return func(s *Scheduler) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func NewScheduler(pool *pgxpool.Pool, opts ...Option) *Scheduler {
	s := &Scheduler{
		pool:   pool,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NextRun returns the first activation of a standard five-field cron
// expression strictly after after.
func NextRun(expr string, after time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return schedule.Next(after), nil
}

// Materialize queues builds for every due schedule in one transaction.
// Rows locked by another daemon are skipped, never waited on. A schedule
// with an invalid cron expression is logged and left untouched.
func (s *Scheduler) Materialize(ctx context.Context) error {
	ctx, span := otel.Tracer("worker").Start(ctx, "scheduler.materialize")
	defer span.End()

	now := s.now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	due, err := loadDue(ctx, tx, now)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("scheduler.due", len(due)))

	queued := 0
	for _, sch := range due {
		next, err := NextRun(sch.CronExpr, now)
		if err != nil {
			s.logger.Error("skipping schedule",
				slog.Int64("schedule_id", sch.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		var buildID int64
		if err := tx.QueryRow(ctx, `
			INSERT INTO builds (project_id, status, queued_at) VALUES ($1, $2, $3) RETURNING id
		`, sch.ProjectID, string(domain.StatusQueued), now).Scan(&buildID); err != nil {
			return fmt.Errorf("queue build for schedule %d: %w", sch.ID, err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE project_schedules SET last_run_at = $1, next_run_at = $2 WHERE id = $3
		`, now, next, sch.ID); err != nil {
			return fmt.Errorf("advance schedule %d: %w", sch.ID, err)
		}

		queued++
		s.logger.Info("scheduled build queued",
			slog.Int64("schedule_id", sch.ID),
			slog.Int64("project_id", sch.ProjectID),
			slog.Int64("build_id", buildID),
			slog.Time("next_run", next),
		)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit schedules: %w", err)
	}
	telemetry.SchedulerBuildsQueued.Add(float64(queued))
	return nil
}

func loadDue(ctx context.Context, tx pgx.Tx, now time.Time) ([]Schedule, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, project_id, cron_expr, last_run_at, next_run_at
		FROM project_schedules
		WHERE enabled AND (next_run_at IS NULL OR next_run_at <= $1)
		ORDER BY next_run_at ASC NULLS FIRST
		FOR UPDATE SKIP LOCKED
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query project_schedules: %w", err)
	}
	defer rows.Close()

	var due []Schedule
	for rows.Next() {
		var sch Schedule
		if err := rows.Scan(&sch.ID, &sch.ProjectID, &sch.CronExpr, &sch.LastRunAt, &sch.NextRunAt); err != nil {
			return nil, fmt.Errorf("scan project_schedule: %w", err)
		}
		due = append(due, sch)
	}
	return due, rows.Err()
}
