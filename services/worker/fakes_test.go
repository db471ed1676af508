package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/ynop/vespene/internal/domain"
	"github.com/ynop/vespene/internal/kafka"
	"github.com/ynop/vespene/internal/postgres"
	redisstore "github.com/ynop/vespene/internal/redis"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// ── repository ───────────────────────────────────────────────────────────────

type fakeRepo struct {
	pools  map[string]*domain.WorkerPool
	builds map[int64]*domain.Build
	orgs   map[int64]*domain.Organization

	lockedBuilds map[int64]bool
	lockedOrgs   map[int64]bool

	candidatesErr []error // consumed one per call
	nextID        int64
	mutations     int
}

var _ postgres.BuildRepository = (*fakeRepo)(nil)

func newFakeRepo(pools ...*domain.WorkerPool) *fakeRepo {
	r := &fakeRepo{
		pools:        make(map[string]*domain.WorkerPool),
		builds:       make(map[int64]*domain.Build),
		orgs:         make(map[int64]*domain.Organization),
		lockedBuilds: make(map[int64]bool),
		lockedOrgs:   make(map[int64]bool),
		nextID:       1,
	}
	for _, p := range pools {
		r.pools[p.Name] = p
	}
	return r
}

// addBuild inserts a build directly, bypassing the mutation counter.
func (r *fakeRepo) addBuild(id, projectID, poolID int64, status domain.Status, queuedAt time.Time) *domain.Build {
	if id == 0 {
		id = r.nextID
	}
	if id >= r.nextID {
		r.nextID = id + 1
	}
	b := &domain.Build{ID: id, ProjectID: projectID, PoolID: poolID, Status: status, QueuedAt: queuedAt}
	r.builds[id] = b
	return b
}

func (r *fakeRepo) status(id int64) domain.Status { return r.builds[id].Status }

func (r *fakeRepo) PoolByName(_ context.Context, name string) (*domain.WorkerPool, error) {
	p, ok := r.pools[name]
	if !ok {
		return nil, &domain.PoolNotFoundError{Name: name}
	}
	cp := *p
	return &cp, nil
}

func (r *fakeRepo) BuildByID(_ context.Context, id int64) (*domain.Build, error) {
	b, ok := r.builds[id]
	if !ok {
		return nil, &domain.BuildNotFoundError{BuildID: id}
	}
	cp := *b
	return &cp, nil
}

func (r *fakeRepo) QueuedCandidates(_ context.Context, poolID int64, horizon time.Time) (*domain.Build, int, error) {
	if len(r.candidatesErr) > 0 {
		err := r.candidatesErr[0]
		r.candidatesErr = r.candidatesErr[1:]
		if err != nil {
			return nil, 0, err
		}
	}
	var first *domain.Build
	count := 0
	for _, b := range r.builds {
		if b.Status != domain.StatusQueued || b.Claimed() || b.PoolID != poolID || !b.QueuedAt.After(horizon) {
			continue
		}
		count++
		if first == nil || b.ID < first.ID {
			first = b
		}
	}
	if first == nil {
		return nil, 0, nil
	}
	cp := *first
	return &cp, count, nil
}

func (r *fakeRepo) transition(match func(*domain.Build) bool, to domain.Status) []int64 {
	var ids []int64
	for _, b := range r.builds {
		if match(b) {
			b.Status = to
			ids = append(ids, b.ID)
			r.mutations++
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *fakeRepo) OrphanQueued(_ context.Context, poolID int64, horizon time.Time) ([]int64, error) {
	return r.transition(func(b *domain.Build) bool {
		return b.Status == domain.StatusQueued && b.PoolID == poolID && b.QueuedAt.Before(horizon) && !r.lockedBuilds[b.ID]
	}, domain.StatusOrphaned), nil
}

func (r *fakeRepo) FinalizeAborting(_ context.Context, cutoff time.Time) ([]int64, error) {
	return r.transition(func(b *domain.Build) bool {
		return b.Status == domain.StatusAborting && b.QueuedAt.Before(cutoff)
	}, domain.StatusAborted), nil
}

func (r *fakeRepo) ImportableOrganizations(_ context.Context, poolID int64) ([]*domain.Organization, error) {
	var out []*domain.Organization
	for _, o := range r.orgs {
		if o.ImportEnabled && o.PoolID == poolID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// InTx restores build and organization state when fn fails.
func (r *fakeRepo) InTx(_ context.Context, fn func(tx postgres.Tx) error) error {
	builds := make(map[int64]domain.Build, len(r.builds))
	for id, b := range r.builds {
		builds[id] = *b
	}
	orgs := make(map[int64]domain.Organization, len(r.orgs))
	for id, o := range r.orgs {
		orgs[id] = *o
	}
	mutations := r.mutations

	if err := fn(&fakeTx{r: r}); err != nil {
		for id, b := range builds {
			*r.builds[id] = b
		}
		for id, o := range orgs {
			*r.orgs[id] = o
		}
		r.mutations = mutations
		return err
	}
	return nil
}

type fakeTx struct{ r *fakeRepo }

func (t *fakeTx) LockBuild(_ context.Context, id int64) (*domain.Build, error) {
	if t.r.lockedBuilds[id] {
		return nil, fmt.Errorf("lock build %d: %w", id, domain.ErrLockNotAvailable)
	}
	b, ok := t.r.builds[id]
	if !ok || b.Status != domain.StatusQueued || b.Claimed() {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (t *fakeTx) MarkClaimed(_ context.Context, id int64, workerID string, at time.Time) error {
	b := t.r.builds[id]
	b.ClaimedBy, b.ClaimedAt = workerID, &at
	t.r.mutations++
	return nil
}

func (t *fakeTx) AbortQueuedSiblings(_ context.Context, build *domain.Build) ([]int64, error) {
	return t.r.transition(func(b *domain.Build) bool {
		return b.ProjectID == build.ProjectID && b.ID != build.ID && b.Status == domain.StatusQueued && !b.Claimed()
	}, domain.StatusAborted), nil
}

func (t *fakeTx) LockOrganization(_ context.Context, id int64) (*domain.Organization, error) {
	if t.r.lockedOrgs[id] {
		return nil, fmt.Errorf("lock organization %d: %w", id, domain.ErrLockNotAvailable)
	}
	o, ok := t.r.orgs[id]
	if !ok {
		return nil, &domain.OrganizationNotFoundError{OrganizationID: id}
	}
	cp := *o
	return &cp, nil
}

func (t *fakeTx) SaveOrganization(_ context.Context, org *domain.Organization) error {
	cp := *org
	t.r.orgs[org.ID] = &cp
	t.r.mutations++
	return nil
}

// ── collaborators ────────────────────────────────────────────────────────────

type fakeScheduler struct {
	calls  int
	onCall func(call int) // call is 1-indexed
}

func (s *fakeScheduler) Materialize(context.Context) error {
	s.calls++
	if s.onCall != nil {
		s.onCall(s.calls)
	}
	return nil
}

type fakeExecutor struct {
	repo     *fakeRepo
	executed []int64
	err      error
	panics   bool
}

func (e *fakeExecutor) Execute(_ context.Context, b *domain.Build) error {
	e.executed = append(e.executed, b.ID)
	if e.panics {
		panic("engine blew up")
	}
	if e.err != nil {
		e.repo.builds[b.ID].Status = domain.StatusFailure
		return e.err
	}
	e.repo.builds[b.ID].Status = domain.StatusSuccess
	return nil
}

type fakeImporter struct {
	imported []int64
	errFor   map[int64]error
}

func (i *fakeImporter) Import(_ context.Context, org *domain.Organization) error {
	i.imported = append(i.imported, org.ID)
	return i.errFor[org.ID]
}

type fakeEvents struct{ events []kafka.BuildEvent }

func (f *fakeEvents) Publish(_ context.Context, ev kafka.BuildEvent) error {
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEvents) ofType(t kafka.EventType) []int64 {
	var ids []int64
	for _, ev := range f.events {
		if ev.Type == t {
			ids = append(ids, ev.BuildID)
		}
	}
	return ids
}

type fakeStatusStore struct {
	beats   []redisstore.DaemonStatus
	removed bool
}

var _ redisstore.StatusStore = (*fakeStatusStore)(nil)

func (s *fakeStatusStore) Heartbeat(_ context.Context, st *redisstore.DaemonStatus) error {
	s.beats = append(s.beats, *st)
	return nil
}
func (s *fakeStatusStore) Get(context.Context, string) (*redisstore.DaemonStatus, error) {
	return nil, redisstore.ErrDaemonNotFound
}
func (s *fakeStatusStore) List(context.Context, string) ([]*redisstore.DaemonStatus, error) {
	return nil, nil
}
func (s *fakeStatusStore) Remove(context.Context, *redisstore.DaemonStatus) error {
	s.removed = true
	return nil
}

type fakeLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (l *fakeLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.keys = append(l.keys, key)
	return l.allow, l.err
}
func (l *fakeLimiter) Limit() int { return 1 }

// ── clock ────────────────────────────────────────────────────────────────────

var errSleepBudget = errors.New("sleep budget exhausted")

// fakeClock advances virtual time on every sleep and aborts the loop once
// maxSleeps pauses happened, so a broken termination rule cannot hang a test.
type fakeClock struct {
	now       time.Time
	sleeps    []time.Duration
	maxSleeps int
	onSleep   func(n int)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC), maxSleeps: 100}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(c.sleeps) >= c.maxSleeps {
		return errSleepBudget
	}
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	if c.onSleep != nil {
		c.onSleep(len(c.sleeps))
	}
	return nil
}
