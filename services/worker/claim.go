package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ynop/vespene/internal/domain"
	"github.com/ynop/vespene/internal/kafka"
	"github.com/ynop/vespene/internal/postgres"
	"github.com/ynop/vespene/pkg/telemetry"
)

// loadTarget fetches the single build a targeted daemon was started for.
func (d *Daemon) loadTarget(ctx context.Context) (*domain.Build, StopReason, error) {
	b, err := d.repo.BuildByID(ctx, d.cfg.BuildID)
	if err != nil {
		var notFound *domain.BuildNotFoundError
		if errors.As(err, &notFound) {
			d.logger.Info("target build does not exist", slog.Int64("build_id", d.cfg.BuildID))
			return nil, StopTargetMissing, nil
		}
		return nil, StopNone, fmt.Errorf("load target build: %w", err)
	}
	telemetry.WorkerClaimsTotal.WithLabelValues(d.cfg.PoolName, "targeted").Inc()
	return b, StopNone, nil
}

// claim takes the oldest claimable build of the pool, or returns nil when
// there is none or another daemon holds its lock.
func (d *Daemon) claim(ctx context.Context, pool *domain.WorkerPool, horizon time.Time) (*domain.Build, error) {
	ctx, span := otel.Tracer("worker").Start(ctx, "worker.claim")
	defer span.End()

	candidate, count, err := d.repo.QueuedCandidates(ctx, pool.ID, horizon)
	if err != nil {
		return nil, fmt.Errorf("find queued build: %w", err)
	}
	if candidate == nil {
		return nil, nil
	}
	span.SetAttributes(
		attribute.Int64("build.id", candidate.ID),
		attribute.Int("worker.candidates", count),
	)

	var (
		claimed *domain.Build
		aborted []int64
	)
	err = d.repo.InTx(ctx, func(tx postgres.Tx) error {
		b, err := tx.LockBuild(ctx, candidate.ID)
		if err != nil || b == nil {
			return err
		}
		at := d.now()
		if err := tx.MarkClaimed(ctx, b.ID, d.workerID, at); err != nil {
			return err
		}
		b.ClaimedBy, b.ClaimedAt = d.workerID, &at

		if count > 1 && pool.BuildLatest {
			if aborted, err = tx.AbortQueuedSiblings(ctx, b); err != nil {
				return err
			}
		}
		claimed = b
		return nil
	})
	switch {
	case errors.Is(err, domain.ErrLockNotAvailable):
		telemetry.WorkerClaimContentionTotal.WithLabelValues(pool.Name).Inc()
		d.logger.Info("build locked by another worker, backing off", slog.Int64("build_id", candidate.ID))
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("claim build %d: %w", candidate.ID, err)
	case claimed == nil:
		d.logger.Debug("build no longer claimable", slog.Int64("build_id", candidate.ID))
		return nil, nil
	}

	telemetry.WorkerClaimsTotal.WithLabelValues(pool.Name, "pool").Inc()
	d.logger.Info("build claimed",
		slog.Int64("build_id", claimed.ID),
		slog.Int64("project_id", claimed.ProjectID),
		slog.Int("candidates", count),
	)
	d.publish(ctx, kafka.BuildEvent{
		Type: kafka.EventClaimed, BuildID: claimed.ID, ProjectID: claimed.ProjectID, Status: claimed.Status,
	})

	if len(aborted) > 0 {
		telemetry.WorkerDuplicatesAbortedTotal.WithLabelValues(pool.Name).Add(float64(len(aborted)))
	}
	for _, id := range aborted {
		d.logger.Info("duplicate build aborted",
			slog.Int64("build_id", id),
			slog.Int64("kept_build_id", claimed.ID),
		)
		d.publish(ctx, kafka.BuildEvent{
			Type: kafka.EventDuplicateAborted, BuildID: id, ProjectID: claimed.ProjectID, Status: domain.StatusAborted,
		})
	}
	return claimed, nil
}
