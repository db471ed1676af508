package domain

import (
	"errors"
	"fmt"
)

// ErrLockNotAvailable is returned when a row is already locked by another
// daemon and the caller asked not to wait for it.
var ErrLockNotAvailable = errors.New("row lock held by another worker")

// BuildNotFoundError is returned when a build ID does not exist.
type BuildNotFoundError struct {
	BuildID int64
}

func (e *BuildNotFoundError) Error() string {
	return fmt.Sprintf("build not found: %d", e.BuildID)
}

// PoolNotFoundError is returned when no worker pool carries the given name.
type PoolNotFoundError struct {
	Name string
}

func (e *PoolNotFoundError) Error() string {
	return fmt.Sprintf("worker pool does not exist: %q", e.Name)
}

// OrganizationNotFoundError is returned when an organization disappeared
// between listing and locking it.
type OrganizationNotFoundError struct {
	OrganizationID int64
}

func (e *OrganizationNotFoundError) Error() string {
	return fmt.Sprintf("organization not found: %d", e.OrganizationID)
}

// UnknownEngineError is returned when no execution engine is registered under a name.
type UnknownEngineError struct {
	Engine string
}

func (e *UnknownEngineError) Error() string {
	return fmt.Sprintf("no execution engine registered as %q", e.Engine)
}
