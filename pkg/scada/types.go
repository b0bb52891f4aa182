package scada

import (
	"github.com/JupiterMack/jupiter-scada/internal/adapters/simulator"
	"github.com/JupiterMack/jupiter-scada/internal/app/scheduler"
	"github.com/JupiterMack/jupiter-scada/internal/domain"
	"github.com/JupiterMack/jupiter-scada/internal/ports"
)

// Tag is an immutable catalog entry: a named node polled at a fixed interval.
type Tag = domain.Tag

// Reading is the latest known state of a tag.
type Reading = domain.Reading

// Status classifies a reading: Good, Bad, Stale or Unknown.
type Status = domain.Status

const (
	StatusUnknown = domain.StatusUnknown
	StatusGood    = domain.StatusGood
	StatusBad     = domain.StatusBad
	StatusStale   = domain.StatusStale
)

// ConnectionState is the state of the single server session.
type ConnectionState = domain.ConnectionState

const (
	StateDisconnected = domain.StateDisconnected
	StateConnecting   = domain.StateConnecting
	StateConnected    = domain.StateConnected
	StateReconnecting = domain.StateReconnecting
)

// DataValue is what one read returns.
type DataValue = domain.DataValue

// Session is a stateful connection to an automation server (OPC UA, simulators, etc.).
type Session = ports.Session

// Mirror receives changed readings and copies them to any downstream system.
type Mirror = ports.Mirror

// Observability emits logs and metrics about polling, reads and reconnects.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// PollStats are poll counters across all tags.
type PollStats = scheduler.Stats

// Error types returned by the engine.
type (
	ConfigError     = domain.ConfigError
	ConnectionError = domain.ConnectionError
	ReadError       = domain.ReadError
)

// Simulator is an in-memory session for demos and tests.
type Simulator = simulator.Session

// NewSimulator returns a simulator that answers every node with a per-node
// counter unless a value was set explicitly.
func NewSimulator() *Simulator {
	return simulator.NewSession(simulator.WithGeneratedValues())
}
