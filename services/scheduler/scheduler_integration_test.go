//go:build integration

package scheduler_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ynop/vespene/internal/postgres/migrations"
	"github.com/ynop/vespene/services/scheduler"
)

var testPostgresDSN string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	pgCtr, err := tcPostgres.Run(ctx, "postgres:15-alpine",
		tcPostgres.WithDatabase("vespene"),
		tcPostgres.WithUsername("vespene"),
		tcPostgres.WithPassword("vespene"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}
	defer pgCtr.Terminate(ctx) //nolint:errcheck

	dsn, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("postgres connection string: %v", err)
	}
	testPostgresDSN = dsn

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Fatalf("pgxpool.New: %v", err)
	}
	for _, f := range migrations.Files {
		sql, err := migrations.FS.ReadFile(f)
		if err != nil {
			log.Fatalf("read %s: %v", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			log.Fatalf("exec %s: %v", f, err)
		}
	}
	pool.Close()
	return m.Run()
}

func seed(t *testing.T, db *pgxpool.Pool) int64 {
	t.Helper()
	ctx := context.Background()
	var poolID, projectID int64
	require.NoError(t, db.QueryRow(ctx, `INSERT INTO worker_pools (name) VALUES ('general') RETURNING id`).Scan(&poolID))
	require.NoError(t, db.QueryRow(ctx, `
		INSERT INTO projects (name, worker_pool_id) VALUES ('app', $1) RETURNING id
	`, poolID).Scan(&projectID))
	return projectID
}

func TestMaterialize_QueuesDueSchedulesOnce(t *testing.T) {
	ctx := context.Background()
	db, err := pgxpool.New(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Exec(ctx, "TRUNCATE project_schedules, builds, projects, organizations, worker_pools RESTART IDENTITY CASCADE") //nolint:errcheck
		db.Close()
	})
	projectID := seed(t, db)

	now := time.Date(2026, 5, 4, 10, 17, 0, 0, time.UTC)
	_, err = db.Exec(ctx, `
		INSERT INTO project_schedules (project_id, cron_expr, next_run_at) VALUES
			($1, '*/15 * * * *', NULL),
			($1, '0 2 * * *', $2),
			($1, 'not a cron', NULL),
			($1, '@hourly', $3)
	`, projectID, now.Add(-time.Minute), now.Add(time.Hour))
	require.NoError(t, err)

	s := scheduler.NewScheduler(db,
		scheduler.WithClock(func() time.Time { return now }),
		scheduler.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, s.Materialize(ctx))

	var queued int
	require.NoError(t, db.QueryRow(ctx, `SELECT COUNT(*) FROM builds WHERE status = 'QUEUED'`).Scan(&queued))
	assert.Equal(t, 2, queued, "two valid due schedules should queue one build each")

	var next time.Time
	require.NoError(t, db.QueryRow(ctx, `
		SELECT next_run_at FROM project_schedules WHERE cron_expr = '*/15 * * * *'
	`).Scan(&next))
	assert.True(t, next.Equal(time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)), fmt.Sprint(next))

	require.NoError(t, s.Materialize(ctx))
	require.NoError(t, db.QueryRow(ctx, `SELECT COUNT(*) FROM builds`).Scan(&queued))
	assert.Equal(t, 2, queued, "a second pass at the same instant queues nothing new")
}
