package connection

import (
	"math/rand/v2"
	"time"

	"github.com/JupiterMack/jupiter-scada/internal/ports"
)

const (
	defaultInitialDelay = 500 * time.Millisecond
	defaultMaxDelay     = 30 * time.Second
	defaultMultiplier   = 2.0
)

// backoff yields an unbounded sequence of capped exponential delays. It is
// owned by the supervisor goroutine and is not safe for concurrent use.
type backoff struct {
	cfg     ports.Backoff
	current time.Duration
	jitter  func() float64
}

func newBackoff(cfg ports.Backoff) *backoff {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaultInitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = defaultMultiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &backoff{cfg: cfg, current: cfg.InitialDelay, jitter: rand.Float64}
}

// Next returns the delay to wait before the next attempt and advances the
// schedule.
func (b *backoff) Next() time.Duration {
	d := b.current
	if b.cfg.Jitter > 0 {
		d += time.Duration(float64(d) * b.cfg.Jitter * b.jitter())
	}
	if d > b.cfg.MaxDelay {
		d = b.cfg.MaxDelay
	}

	next := float64(b.current) * b.cfg.Multiplier
	if next > float64(b.cfg.MaxDelay) {
		b.current = b.cfg.MaxDelay
	} else {
		b.current = time.Duration(next)
	}
	return d
}

// Reset restarts the schedule after a successful connect.
func (b *backoff) Reset() {
	b.current = b.cfg.InitialDelay
}
