package scada

import (
	"github.com/JupiterMack/jupiter-scada/internal/adapters/opcua"
	"github.com/JupiterMack/jupiter-scada/internal/app/config"
	"github.com/JupiterMack/jupiter-scada/internal/ports"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// TagConfig is one catalog entry as written in YAML.
	TagConfig = config.TagConfig
	// Policy controls read timeouts, timeout escalation, shutdown grace and reconnect backoff.
	Policy = ports.Policy
	// Backoff is the reconnect delay schedule.
	Backoff = ports.Backoff
	// OPCUAConfig holds endpoint, security and credential details.
	OPCUAConfig = opcua.Config
	// APIConfig configures the snapshot HTTP API.
	APIConfig = config.APIConfig
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig = config.MetricsConfig
	// MirrorConfig configures the PostgreSQL latest-value mirror.
	MirrorConfig = config.MirrorConfig
	// LogConfig sets log level and format.
	LogConfig = config.LogConfig
)

// LoadConfig loads YAML from disk, applies OPCUA_*, API_* and LOG_LEVEL
// environment overrides, and validates the catalog.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// ParseConfig is LoadConfig for in-memory YAML. getenv may be nil.
func ParseConfig(raw []byte, getenv func(string) string) (*Config, error) {
	return config.Parse(raw, getenv)
}

// ValidLogLevel reports whether level is one of debug, info, warn or error.
func ValidLogLevel(level string) bool {
	return config.ValidLogLevel(level)
}
