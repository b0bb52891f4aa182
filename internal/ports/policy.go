package ports

import "time"

// Policy holds the timing knobs shared by the connection manager, the read
// gateway and the scheduler.
type Policy struct {
	ReadTimeout            time.Duration `yaml:"read_timeout"`
	MaxConsecutiveTimeouts int           `yaml:"max_consecutive_timeouts"`
	ShutdownGrace          time.Duration `yaml:"shutdown_grace"`
	Reconnect              Backoff       `yaml:"reconnect"`
}

// Backoff is a capped exponential delay schedule. Jitter is a fraction of the
// current delay (0.2 adds up to 20%).
type Backoff struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
}
