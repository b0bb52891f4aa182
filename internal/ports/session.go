package ports

import (
	"context"

	"github.com/JupiterMack/jupiter-scada/internal/domain"
)

// Session is one stateful connection to an automation server. Implementations
// are not assumed safe for concurrent Read calls.
type Session interface {
	Connect(ctx context.Context) error
	Read(ctx context.Context, nodeID string) (domain.DataValue, error)
	Close(ctx context.Context) error
}

// Reader issues a single read through whatever serialization the caller owns.
type Reader interface {
	Read(ctx context.Context, nodeID string) (domain.DataValue, error)
}

// ConnectionSupervisor exposes the connection state to readers and accepts
// fault reports that should trigger a reconnect.
type ConnectionSupervisor interface {
	State() domain.ConnectionState
	ReportFault(err error)
}
