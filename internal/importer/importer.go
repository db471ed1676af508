// Package importer discovers an organization's repositories and records them
// as projects.
package importer

import (
	"context"

	"github.com/ynop/vespene/internal/domain"
)

// Manager imports one organization. Implementations may mutate org.
type Manager interface {
	Import(ctx context.Context, org *domain.Organization) error
}

// Noop is used when no import source is configured.
type Noop struct{}

func (Noop) Import(context.Context, *domain.Organization) error { return nil }
