package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ynop/vespene/internal/domain"
)

// pgLockNotAvailable is the SQLSTATE raised by FOR UPDATE NOWAIT on a held row.
const pgLockNotAvailable = "55P03"

// BuildRepository abstracts all database access the worker daemon needs.
type BuildRepository interface {
	PoolByName(ctx context.Context, name string) (*domain.WorkerPool, error)
	BuildByID(ctx context.Context, id int64) (*domain.Build, error)
	QueuedCandidates(ctx context.Context, poolID int64, horizon time.Time) (*domain.Build, int, error)
	OrphanQueued(ctx context.Context, poolID int64, horizon time.Time) ([]int64, error)
	FinalizeAborting(ctx context.Context, cutoff time.Time) ([]int64, error)
	ImportableOrganizations(ctx context.Context, poolID int64) ([]*domain.Organization, error)
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of row-locking operations that only make sense inside a
// transaction. Locks are released on commit or rollback.
type Tx interface {
	// LockBuild takes a NOWAIT row lock on a build that is still QUEUED and
	// unclaimed. It returns (nil, nil) when the build no longer qualifies and
	// domain.ErrLockNotAvailable when another transaction holds the row.
	LockBuild(ctx context.Context, id int64) (*domain.Build, error)
	MarkClaimed(ctx context.Context, id int64, workerID string, at time.Time) error
	AbortQueuedSiblings(ctx context.Context, build *domain.Build) ([]int64, error)
	LockOrganization(ctx context.Context, id int64) (*domain.Organization, error)
	SaveOrganization(ctx context.Context, org *domain.Organization) error
}

// BuildStatusWriter is what an execution engine needs from the store.
type BuildStatusWriter interface {
	BuildByID(ctx context.Context, id int64) (*domain.Build, error)
	SetBuildStatus(ctx context.Context, id int64, status domain.Status) error
}

// ProjectWriter is what an import manager needs from the store.
type ProjectWriter interface {
	UpsertProject(ctx context.Context, project *domain.Project) error
}

// Repository is the PostgreSQL implementation of every store contract above.
type Repository struct {
	pool *pgxpool.Pool
}

var (
	_ BuildRepository   = (*Repository)(nil)
	_ BuildStatusWriter = (*Repository)(nil)
	_ ProjectWriter     = (*Repository)(nil)
)

// NewRepository wraps a pgxpool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// A build's pool is its project's pool, or the project's organization's pool.
const buildColumns = `
	b.id, b.project_id, COALESCE(p.worker_pool_id, o.worker_pool_id, 0), b.status,
	b.queued_at, COALESCE(b.claimed_by, ''), b.claimed_at, b.started_at, b.finished_at`

const buildFrom = `
	FROM builds b
	JOIN projects p ON p.id = b.project_id
	LEFT JOIN organizations o ON o.id = p.organization_id`

const organizationColumns = `
	id, name, import_enabled, worker_pool_id, last_imported_at, COALESCE(import_error, '')`

func (r *Repository) PoolByName(ctx context.Context, name string) (*domain.WorkerPool, error) {
	var wp domain.WorkerPool
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, sleep_seconds, auto_abort_minutes, build_latest
		FROM worker_pools
		WHERE name = $1
	`, name).Scan(&wp.ID, &wp.Name, &wp.SleepSeconds, &wp.AutoAbortMinutes, &wp.BuildLatest)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.PoolNotFoundError{Name: name}
		}
		return nil, fmt.Errorf("load worker pool %q: %w", name, err)
	}
	return &wp, nil
}

func (r *Repository) BuildByID(ctx context.Context, id int64) (*domain.Build, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+buildColumns+buildFrom+` WHERE b.id = $1`, id)
	b, err := scanBuild(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.BuildNotFoundError{BuildID: id}
		}
		return nil, fmt.Errorf("load build %d: %w", id, err)
	}
	return b, nil
}

// QueuedCandidates returns the lowest-id claimable build of the pool queued
// after horizon, together with how many such builds exist.
func (r *Repository) QueuedCandidates(ctx context.Context, poolID int64, horizon time.Time) (*domain.Build, int, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+buildColumns+`, COUNT(*) OVER ()`+buildFrom+`
		WHERE b.status = $1
		  AND b.claimed_by IS NULL
		  AND COALESCE(p.worker_pool_id, o.worker_pool_id) = $2
		  AND b.queued_at > $3
		ORDER BY b.id
		LIMIT 1
	`, string(domain.StatusQueued), poolID, horizon)

	var (
		b      domain.Build
		status string
		count  int
	)
	err := row.Scan(
		&b.ID, &b.ProjectID, &b.PoolID, &status,
		&b.QueuedAt, &b.ClaimedBy, &b.ClaimedAt, &b.StartedAt, &b.FinishedAt,
		&count,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("query queued builds for pool %d: %w", poolID, err)
	}
	b.Status = domain.Status(status)
	return &b, count, nil
}

// OrphanQueued moves every QUEUED build of the pool queued before horizon to
// ORPHANED. Rows locked by a concurrent claim are skipped, not waited on.
func (r *Repository) OrphanQueued(ctx context.Context, poolID int64, horizon time.Time) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		WITH stale AS (
			SELECT b.id`+buildFrom+`
			WHERE b.status = $1
			  AND COALESCE(p.worker_pool_id, o.worker_pool_id) = $2
			  AND b.queued_at < $3
			FOR UPDATE OF b SKIP LOCKED
		)
		UPDATE builds
		SET status = $4, finished_at = NOW()
		FROM stale
		WHERE builds.id = stale.id
		RETURNING builds.id
	`, string(domain.StatusQueued), poolID, horizon, string(domain.StatusOrphaned))
	if err != nil {
		return nil, fmt.Errorf("orphan queued builds for pool %d: %w", poolID, err)
	}
	return collectIDs(rows)
}

// FinalizeAborting moves ABORTING builds of every pool queued before cutoff to ABORTED.
func (r *Repository) FinalizeAborting(ctx context.Context, cutoff time.Time) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		WITH stuck AS (
			SELECT id FROM builds
			WHERE status = $1 AND queued_at < $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE builds
		SET status = $3, finished_at = NOW()
		FROM stuck
		WHERE builds.id = stuck.id
		RETURNING builds.id
	`, string(domain.StatusAborting), cutoff, string(domain.StatusAborted))
	if err != nil {
		return nil, fmt.Errorf("finalize aborting builds: %w", err)
	}
	return collectIDs(rows)
}

func (r *Repository) ImportableOrganizations(ctx context.Context, poolID int64) ([]*domain.Organization, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+organizationColumns+`
		FROM organizations
		WHERE import_enabled AND worker_pool_id = $1
		ORDER BY id
	`, poolID)
	if err != nil {
		return nil, fmt.Errorf("list importable organizations for pool %d: %w", poolID, err)
	}
	defer rows.Close()

	var orgs []*domain.Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

// SetBuildStatus records an execution-side transition, stamping started_at on
// RUNNING and finished_at on any terminal status.
func (r *Repository) SetBuildStatus(ctx context.Context, id int64, status domain.Status) error {
	now := time.Now().UTC()
	var startedAt, finishedAt *time.Time
	if status == domain.StatusRunning {
		startedAt = &now
	}
	if status.IsTerminal() {
		finishedAt = &now
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE builds
		SET status = $1,
		    started_at = COALESCE($2, started_at),
		    finished_at = COALESCE($3, finished_at)
		WHERE id = $4
	`, string(status), startedAt, finishedAt, id)
	if err != nil {
		return fmt.Errorf("update status for build %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.BuildNotFoundError{BuildID: id}
	}
	return nil
}

// UpsertProject inserts a project by name or refreshes its repository URL,
// filling in project.ID either way.
func (r *Repository) UpsertProject(ctx context.Context, project *domain.Project) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO projects (name, repo_url, organization_id, worker_pool_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET repo_url = EXCLUDED.repo_url
		RETURNING id
	`, project.Name, project.RepoURL, project.OrganizationID, project.PoolID).Scan(&project.ID)
	if err != nil {
		return fmt.Errorf("upsert project %q: %w", project.Name, err)
	}
	return nil
}

// InTx runs fn inside a single transaction, committing only if fn succeeds.
func (r *Repository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }() // no-op after Commit

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockBuild(ctx context.Context, id int64) (*domain.Build, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+buildColumns+buildFrom+`
		WHERE b.id = $1 AND b.status = $2 AND b.claimed_by IS NULL
		FOR UPDATE OF b NOWAIT
	`, id, string(domain.StatusQueued))
	b, err := scanBuild(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock build %d: %w", id, lockError(err))
	}
	return b, nil
}

func (t *pgTx) MarkClaimed(ctx context.Context, id int64, workerID string, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE builds SET claimed_by = $1, claimed_at = $2 WHERE id = $3
	`, workerID, at, id)
	if err != nil {
		return fmt.Errorf("mark build %d claimed: %w", id, err)
	}
	return nil
}

// AbortQueuedSiblings aborts the other unclaimed QUEUED builds of the same
// project. Siblings locked elsewhere are left alone.
func (t *pgTx) AbortQueuedSiblings(ctx context.Context, build *domain.Build) ([]int64, error) {
	rows, err := t.tx.Query(ctx, `
		WITH doomed AS (
			SELECT id FROM builds
			WHERE project_id = $1 AND id <> $2
			  AND status = $3 AND claimed_by IS NULL
			FOR UPDATE SKIP LOCKED
		)
		UPDATE builds
		SET status = $4, finished_at = NOW()
		FROM doomed
		WHERE builds.id = doomed.id
		RETURNING builds.id
	`, build.ProjectID, build.ID, string(domain.StatusQueued), string(domain.StatusAborted))
	if err != nil {
		return nil, fmt.Errorf("abort duplicate builds of project %d: %w", build.ProjectID, err)
	}
	return collectIDs(rows)
}

func (t *pgTx) LockOrganization(ctx context.Context, id int64) (*domain.Organization, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+organizationColumns+`
		FROM organizations
		WHERE id = $1
		FOR UPDATE NOWAIT
	`, id)
	org, err := scanOrganization(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.OrganizationNotFoundError{OrganizationID: id}
		}
		return nil, fmt.Errorf("lock organization %d: %w", id, lockError(err))
	}
	return org, nil
}

func (t *pgTx) SaveOrganization(ctx context.Context, org *domain.Organization) error {
	var importErr *string
	if org.ImportError != "" {
		importErr = &org.ImportError
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE organizations
		SET last_imported_at = $1, import_error = $2
		WHERE id = $3
	`, org.LastImportedAt, importErr, org.ID)
	if err != nil {
		return fmt.Errorf("save organization %d: %w", org.ID, err)
	}
	return nil
}

// lockError maps lock_not_available to domain.ErrLockNotAvailable.
func lockError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
		return domain.ErrLockNotAvailable
	}
	return err
}

func collectIDs(rows pgx.Rows) ([]int64, error) {
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("collect ids: %w", err)
	}
	return ids, nil
}

// scanBuild reads a build row from any pgx row type. pgx.ErrNoRows is
// returned unwrapped so callers can classify it.
func scanBuild(row interface {
	Scan(...any) error
}) (*domain.Build, error) {
	var b domain.Build
	var status string
	err := row.Scan(
		&b.ID, &b.ProjectID, &b.PoolID, &status,
		&b.QueuedAt, &b.ClaimedBy, &b.ClaimedAt, &b.StartedAt, &b.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Status = domain.Status(status)
	return &b, nil
}

func scanOrganization(row interface {
	Scan(...any) error
}) (*domain.Organization, error) {
	var org domain.Organization
	err := row.Scan(
		&org.ID, &org.Name, &org.ImportEnabled, &org.PoolID,
		&org.LastImportedAt, &org.ImportError,
	)
	if err != nil {
		return nil, err
	}
	return &org, nil
}
