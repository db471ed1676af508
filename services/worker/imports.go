package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ynop/vespene/internal/domain"
	"github.com/ynop/vespene/internal/postgres"
	"github.com/ynop/vespene/pkg/telemetry"
)

// importOrganizations imports every import-enabled organization of the pool.
// Only listing the organizations can fail the tick; per-organization failures
// are logged and recorded on the organization.
func (d *Daemon) importOrganizations(ctx context.Context, pool *domain.WorkerPool) error {
	if d.importer == nil {
		return nil
	}
	orgs, err := d.repo.ImportableOrganizations(ctx, pool.ID)
	if err != nil {
		return fmt.Errorf("list importable organizations: %w", err)
	}
	for _, org := range orgs {
		result := d.importOrganization(ctx, org)
		telemetry.WorkerImportsTotal.WithLabelValues(pool.Name, result).Inc()
	}
	return nil
}

// importOrganization returns the metrics label for the attempt.
func (d *Daemon) importOrganization(ctx context.Context, org *domain.Organization) string {
	ctx, span := otel.Tracer("worker").Start(ctx, "worker.import")
	defer span.End()
	span.SetAttributes(attribute.Int64("organization.id", org.ID))

	log := d.logger.With(
		slog.Int64("organization_id", org.ID),
		slog.String("organization", org.Name),
	)

	if d.limiter != nil {
		ok, err := d.limiter.Allow(ctx, "import:"+strconv.FormatInt(org.ID, 10))
		switch {
		case err != nil:
			log.Warn("import throttle unavailable, importing anyway", slog.String("error", err.Error()))
		case !ok:
			log.Debug("organization imported recently, skipping")
			return "throttled"
		}
	}

	var importErr error
	err := d.repo.InTx(ctx, func(tx postgres.Tx) error {
		locked, err := tx.LockOrganization(ctx, org.ID)
		if err != nil {
			return err
		}
		importErr = d.runImport(ctx, locked)

		at := d.now()
		locked.LastImportedAt = &at
		locked.ImportError = ""
		if importErr != nil {
			locked.ImportError = importErr.Error()
		}
		return tx.SaveOrganization(ctx, locked)
	})

	switch {
	case errors.Is(err, domain.ErrLockNotAvailable):
		log.Info("organization is being imported by another worker, skipping")
		return "locked"
	case err != nil:
		span.RecordError(err)
		log.Error("organization import failed", slog.String("error", err.Error()))
		return "failed"
	case importErr != nil:
		span.RecordError(importErr)
		log.Error("organization import failed", slog.String("error", importErr.Error()))
		return "failed"
	}
	return "ok"
}

// runImport calls the importer, converting a panic into an error so one
// organization cannot take down the others.
func (d *Daemon) runImport(ctx context.Context, org *domain.Organization) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("importer panic: %v", r)
		}
	}()
	return d.importer.Import(ctx, org)
}
