package domain

import "time"

// Status represents the states a build can be in.
type Status string

const (
	StatusQueued   Status = "QUEUED"
	StatusAborting Status = "ABORTING"
	StatusAborted  Status = "ABORTED"
	StatusOrphaned Status = "ORPHANED"

	// Owned by the execution engine.
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusAborted, StatusOrphaned, StatusSuccess, StatusFailure:
		return true
	}
	return false
}

// Build is one queued, executing or finished unit of CI work for a project.
type Build struct {
	ID         int64      `json:"id"`
	ProjectID  int64      `json:"project_id"`
	PoolID     int64      `json:"pool_id"`
	Status     Status     `json:"status"`
	QueuedAt   time.Time  `json:"queued_at"`
	ClaimedBy  string     `json:"claimed_by,omitempty"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Claimed reports whether some daemon has already taken the build.
func (b *Build) Claimed() bool {
	return b.ClaimedBy != ""
}
