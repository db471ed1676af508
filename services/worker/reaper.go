package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ynop/vespene/internal/domain"
	"github.com/ynop/vespene/internal/kafka"
	"github.com/ynop/vespene/pkg/telemetry"
)

// reap runs both timeout sweeps. Each is idempotent: a reaped build no longer
// matches the status predicate.
func (d *Daemon) reap(ctx context.Context, pool *domain.WorkerPool, horizon time.Time) error {
	orphaned, err := d.repo.OrphanQueued(ctx, pool.ID, horizon)
	if err != nil {
		return fmt.Errorf("reap orphaned builds: %w", err)
	}
	for _, id := range orphaned {
		d.logger.Warn("build was queued too long without being picked up, flagging as orphaned",
			slog.Int64("build_id", id),
			slog.Int("auto_abort_minutes", pool.AutoAbortMinutes),
		)
		d.publish(ctx, kafka.BuildEvent{Type: kafka.EventOrphaned, BuildID: id, Status: domain.StatusOrphaned})
	}
	telemetry.WorkerOrphanedTotal.WithLabelValues(pool.Name).Add(float64(len(orphaned)))

	finalized, err := d.repo.FinalizeAborting(ctx, d.now().Add(-AbortingGracePeriod))
	if err != nil {
		return fmt.Errorf("finalize aborting builds: %w", err)
	}
	for _, id := range finalized {
		d.logger.Warn("build was aborting too long, assuming it aborted", slog.Int64("build_id", id))
		d.publish(ctx, kafka.BuildEvent{Type: kafka.EventAbortFinalized, BuildID: id, Status: domain.StatusAborted})
	}
	telemetry.WorkerAbortsFinalizedTotal.Add(float64(len(finalized)))
	return nil
}
