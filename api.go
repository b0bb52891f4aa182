package scada

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	base "github.com/JupiterMack/jupiter-scada/pkg/scada"
)

// Re-exported errors for convenience.
var (
	ErrAlreadyStarted      = base.ErrAlreadyStarted
	ErrChannelMirrorClosed = base.ErrChannelMirrorClosed
)

// Type aliases so consumers can import github.com/JupiterMack/jupiter-scada directly.
type (
	Config          = base.Config
	TagConfig       = base.TagConfig
	Policy          = base.Policy
	Backoff         = base.Backoff
	OPCUAConfig     = base.OPCUAConfig
	APIConfig       = base.APIConfig
	MetricsConfig   = base.MetricsConfig
	MirrorConfig    = base.MirrorConfig
	LogConfig       = base.LogConfig
	Runtime         = base.Runtime
	RuntimeOption   = base.RuntimeOption
	Tag             = base.Tag
	Reading         = base.Reading
	Status          = base.Status
	ConnectionState = base.ConnectionState
	DataValue       = base.DataValue
	Session         = base.Session
	Mirror          = base.Mirror
	SnapshotFunc    = base.SnapshotFunc
	Observability   = base.Observability
	Field           = base.Field
	PollStats       = base.PollStats
	Simulator       = base.Simulator
	ConfigError     = base.ConfigError
	ConnectionError = base.ConnectionError
	ReadError       = base.ReadError
)

const (
	StatusUnknown = base.StatusUnknown
	StatusGood    = base.StatusGood
	StatusBad     = base.StatusBad
	StatusStale   = base.StatusStale

	StateDisconnected = base.StateDisconnected
	StateConnecting   = base.StateConnecting
	StateConnected    = base.StateConnected
	StateReconnecting = base.StateReconnecting
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func ParseConfig(raw []byte, getenv func(string) string) (*Config, error) {
	return base.ParseConfig(raw, getenv)
}

func ValidLogLevel(level string) bool { return base.ValidLogLevel(level) }

// Runtime helpers.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithSession(s Session) RuntimeOption { return base.WithSession(s) }

func WithMirror(m Mirror) RuntimeOption { return base.WithMirror(m) }

func WithObservability(obs Observability) RuntimeOption { return base.WithObservability(obs) }

func WithLogger(l *slog.Logger) RuntimeOption { return base.WithLogger(l) }

func WithRegistry(reg *prometheus.Registry) RuntimeOption { return base.WithRegistry(reg) }

func NewSimulator() *Simulator { return base.NewSimulator() }

// Mirror helpers.
func NewCallbackMirror(name string, fn SnapshotFunc) Mirror {
	return base.NewCallbackMirror(name, fn)
}

func NewChannelMirror(name string, buffer int) (Mirror, <-chan []Reading, func()) {
	return base.NewChannelMirror(name, buffer)
}
