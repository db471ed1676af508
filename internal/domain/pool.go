package domain

import "time"

// WorkerPool is the shared configuration a group of daemons polls under.
type WorkerPool struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	SleepSeconds     int    `json:"sleep_seconds"`
	AutoAbortMinutes int    `json:"auto_abort_minutes"`
	// BuildLatest collapses queued builds of one project when one of them is claimed.
	// Despite the name the earliest queued build is the one kept.
	BuildLatest bool `json:"build_latest"`
}

// SleepInterval is the pause between two polling ticks.
func (p *WorkerPool) SleepInterval() time.Duration {
	return time.Duration(p.SleepSeconds) * time.Second
}

// FreshnessHorizon returns the queued-time cutoff: builds queued after it may be
// claimed, builds queued before it are reaped as orphans.
func (p *WorkerPool) FreshnessHorizon(now time.Time) time.Time {
	return now.Add(-time.Duration(p.AutoAbortMinutes) * time.Minute)
}

// Organization groups projects and drives repository import.
type Organization struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	ImportEnabled  bool       `json:"import_enabled"`
	PoolID         int64      `json:"pool_id"`
	LastImportedAt *time.Time `json:"last_imported_at,omitempty"`
	ImportError    string     `json:"import_error,omitempty"`
}

// Project owns builds. PoolID is nil when the project inherits its
// organization's pool.
type Project struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	RepoURL        string `json:"repo_url"`
	OrganizationID *int64 `json:"organization_id,omitempty"`
	PoolID         *int64 `json:"pool_id,omitempty"`
}
