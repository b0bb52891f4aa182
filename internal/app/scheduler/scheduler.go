// Package scheduler polls every tag on its own interval.
//
// Each tag gets one goroutine driving a ticker. Firings are measured from the
// start of the previous attempt, so a slow read does not push later polls back;
// a firing that lands while the previous poll is still outstanding is skipped
// and counted.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/JupiterMack/jupiter-scada/internal/app/store"
	"github.com/JupiterMack/jupiter-scada/internal/domain"
	"github.com/JupiterMack/jupiter-scada/internal/ports"
)

const (
	defaultGrace = 3 * time.Second

	// A tag failing on every poll logs at most once per interval.
	readErrorLogInterval = 30 * time.Second
)

var (
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrNoTags         = errors.New("scheduler has no tags")
)

// Stats are totals across all tags since Start.
type Stats struct {
	Polls      uint64
	Skips      uint64
	ReadErrors uint64
}

type unit struct {
	tag     domain.Tag
	busy    atomic.Bool
	skips   atomic.Uint64
	errLogs rate.Sometimes
}

type Scheduler struct {
	units  []*unit
	reader ports.Reader
	store  *store.Store
	obs    ports.Observability
	grace  time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	polls      atomic.Uint64
	skips      atomic.Uint64
	readErrors atomic.Uint64
}

func New(tags []domain.Tag, reader ports.Reader, st *store.Store, grace time.Duration, obs ports.Observability) *Scheduler {
	if grace <= 0 {
		grace = defaultGrace
	}
	if obs == nil {
		obs = ports.Nop{}
	}
	units := make([]*unit, 0, len(tags))
	for _, t := range tags {
		units = append(units, &unit{
			tag:     t,
			errLogs: rate.Sometimes{First: 1, Interval: readErrorLogInterval},
		})
	}
	return &Scheduler{
		units:  units,
		reader: reader,
		store:  st,
		obs:    obs,
		grace:  grace,
	}
}

// Start launches one polling goroutine per tag. The units stop when ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	if len(s.units) == 0 {
		return ErrNoTags
	}
	for _, u := range s.units {
		if u.tag.Interval <= 0 {
			return &domain.ConfigError{Field: "tags." + u.tag.Name, Msg: "polling interval must be positive"}
		}
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	for _, u := range s.units {
		s.wg.Add(1)
		go s.runUnit(ctx, u)
	}
	s.obs.LogInfo("scheduler_started", ports.Field{Key: "tags", Value: len(s.units)})
	return nil
}

// Stop cancels every unit and waits for in-flight polls to settle. Polls still
// running after the grace period are abandoned and reported in the error.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-done:
		s.obs.LogInfo("scheduler_stopped")
		return nil
	case <-timer.C:
		busy := 0
		for _, u := range s.units {
			if u.busy.Load() {
				busy++
			}
		}
		err := fmt.Errorf("scheduler: abandoned %d in-flight polls after %s", busy, s.grace)
		s.obs.LogError("scheduler_stop_grace_exceeded", err)
		return err
	}
}

// Stats returns poll counters across all tags.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Polls:      s.polls.Load(),
		Skips:      s.skips.Load(),
		ReadErrors: s.readErrors.Load(),
	}
}

// Skips returns how many firings of the named tag were skipped.
func (s *Scheduler) Skips(name string) uint64 {
	for _, u := range s.units {
		if u.tag.Name == name {
			return u.skips.Load()
		}
	}
	return 0
}

func (s *Scheduler) runUnit(ctx context.Context, u *unit) {
	defer s.wg.Done()

	ticker := time.NewTicker(u.tag.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !u.busy.CompareAndSwap(false, true) {
				u.skips.Add(1)
				s.skips.Add(1)
				s.obs.IncCounter("jupiter_poll_skips_total", 1)
				s.obs.LogDebug("poll_skipped", ports.Field{Key: "tag", Value: u.tag.Name})
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer u.busy.Store(false)
				s.poll(ctx, u)
			}()
		}
	}
}

func (s *Scheduler) poll(ctx context.Context, u *unit) {
	started := time.Now()
	s.polls.Add(1)
	s.obs.IncCounter("jupiter_polls_total", 1)

	dv, err := s.reader.Read(ctx, u.tag.NodeID)

	prev, _ := s.store.Get(u.tag.Name)
	next := domain.Reading{
		Name:      u.tag.Name,
		NodeID:    u.tag.NodeID,
		Timestamp: started,
		Seq:       prev.Seq + 1,
	}

	switch {
	case err == nil:
		next.Value = dv.Value
		next.Status = dv.Status
		if next.Status == domain.StatusUnknown {
			next.Status = domain.StatusGood
		}

	case domain.IsReadError(err):
		s.readErrors.Add(1)
		s.obs.IncCounter("jupiter_read_errors_total", 1)
		u.errLogs.Do(func() {
			s.obs.LogError("tag_read_failed", err, ports.Field{Key: "tag", Value: u.tag.Name})
		})
		next.Error = err.Error()
		if prev.HasValue() {
			next.Value = prev.Value
			next.Status = domain.StatusStale
		} else {
			next.Status = domain.StatusBad
		}

	default:
		// Connection faults and shutdown: the manager owns recovery, the next
		// firing tries again.
		if ctx.Err() == nil {
			s.obs.LogDebug("poll_write_skipped",
				ports.Field{Key: "tag", Value: u.tag.Name},
				ports.Field{Key: "reason", Value: err.Error()})
		}
		return
	}

	if err := s.store.Put(next); err != nil {
		s.obs.LogError("store_put_failed", err, ports.Field{Key: "tag", Value: u.tag.Name})
	}
}
