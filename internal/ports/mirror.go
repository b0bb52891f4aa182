package ports

import (
	"context"

	"github.com/JupiterMack/jupiter-scada/internal/domain"
)

// Mirror receives full snapshots and copies them to an external system.
type Mirror interface {
	WriteSnapshot(ctx context.Context, readings []domain.Reading) error
	Name() string
}

// SnapshotSource yields the current readings in catalog order.
type SnapshotSource interface {
	Snapshot() []domain.Reading
}
