// Package connection owns the single session to the automation server.
//
// State machine:
//
//	Disconnected -> Connecting -> Connected -> Reconnecting -> Connecting ...
//	Connecting  -> Reconnecting (attempt failed)
//
// The state is the only thing readers consult before issuing a read. Moving
// into Connecting is a compare-and-swap, so at most one connect attempt is
// ever in flight; callers of EnsureConnected additionally share that attempt.
package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/JupiterMack/jupiter-scada/internal/domain"
	"github.com/JupiterMack/jupiter-scada/internal/ports"
)

var (
	errConnectInFlight = errors.New("connect already in progress")
	errClosed          = errors.New("connection manager closed")
)

const disconnectTimeout = 5 * time.Second

// StateFunc observes state transitions. It runs on the goroutine that made the
// transition and must not block.
type StateFunc func(from, to domain.ConnectionState)

type Manager struct {
	session ports.Session
	cfg     ports.Backoff
	obs     ports.Observability

	state   atomic.Int32
	closed  atomic.Bool
	connect singleflight.Group
	faults  chan error

	watchMu  sync.Mutex
	watchers []StateFunc
}

func NewManager(session ports.Session, cfg ports.Backoff, obs ports.Observability) *Manager {
	if obs == nil {
		obs = ports.Nop{}
	}
	m := &Manager{
		session: session,
		cfg:     cfg,
		obs:     obs,
		faults:  make(chan error, 1),
	}
	m.state.Store(int32(domain.StateDisconnected))
	return m
}

// State returns the current connection state.
func (m *Manager) State() domain.ConnectionState {
	return domain.ConnectionState(m.state.Load())
}

// OnStateChange registers fn to be called after every transition.
func (m *Manager) OnStateChange(fn StateFunc) {
	if fn == nil {
		return
	}
	m.watchMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watchMu.Unlock()
}

// Connect makes one attempt to open the session. On failure the manager is
// left in Reconnecting and a ConnectionError is returned.
func (m *Manager) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return &domain.ConnectionError{Op: "connect", Err: errClosed}
	}
	if !m.claim() {
		if m.State() == domain.StateConnected {
			return nil
		}
		return &domain.ConnectionError{Op: "connect", Err: errConnectInFlight}
	}

	m.obs.IncCounter("jupiter_reconnect_attempts_total", 1)
	if err := m.session.Connect(ctx); err != nil {
		m.transition(domain.StateConnecting, domain.StateReconnecting)
		return &domain.ConnectionError{Op: "connect", Err: err}
	}
	if !m.transition(domain.StateConnecting, domain.StateConnected) {
		// Disconnect won the race while we were dialing.
		_ = m.session.Close(ctx)
		return &domain.ConnectionError{Op: "connect", Err: errClosed}
	}
	m.obs.LogInfo("opcua_connected")
	return nil
}

// EnsureConnected returns immediately when Connected. Otherwise concurrent
// callers wait on a single shared connect attempt.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	if m.State() == domain.StateConnected {
		return nil
	}
	_, err, _ := m.connect.Do("connect", func() (any, error) {
		if m.State() == domain.StateConnected {
			return nil, nil
		}
		return nil, m.Connect(ctx)
	})
	return err
}

// ReportFault tells the manager the session is broken. Only the first report
// for a live session counts; later ones are absorbed while reconnecting.
func (m *Manager) ReportFault(err error) {
	if !m.transition(domain.StateConnected, domain.StateReconnecting) {
		return
	}
	m.obs.IncCounter("jupiter_connection_faults_total", 1)
	m.obs.LogError("connection_fault", err)
	select {
	case m.faults <- err:
	default:
	}
}

// Disconnect releases the session. The manager does not reconnect afterwards.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.closed.Store(true)
	prev := domain.ConnectionState(m.state.Swap(int32(domain.StateDisconnected)))
	if prev != domain.StateDisconnected {
		m.notify(prev, domain.StateDisconnected)
	}
	if err := m.session.Close(ctx); err != nil {
		m.obs.LogError("opcua_disconnect_failed", err)
		return &domain.ConnectionError{Op: "disconnect", Err: err}
	}
	m.obs.LogInfo("opcua_disconnected")
	return nil
}

// Run supervises the session until ctx is cancelled: it connects, waits for a
// fault, and reconnects with capped exponential backoff, forever. On exit the
// session is released.
func (m *Manager) Run(ctx context.Context) error {
	bo := newBackoff(m.cfg)

	for ctx.Err() == nil {
		if m.State() != domain.StateConnected {
			if err := m.EnsureConnected(ctx); err != nil {
				if ctx.Err() != nil {
					break
				}
				wait := bo.Next()
				m.obs.LogError("opcua_connect_failed", err,
					ports.Field{Key: "retry_in", Value: wait.String()})
				if !sleep(ctx, wait) {
					break
				}
				continue
			}
			bo.Reset()
		}

		select {
		case <-ctx.Done():
		case <-m.faults:
			closeCtx, cancel := context.WithTimeout(ctx, disconnectTimeout)
			if err := m.session.Close(closeCtx); err != nil {
				m.obs.LogError("opcua_close_broken_session", err)
			}
			cancel()
		}
	}

	dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	return m.Disconnect(dctx)
}

func (m *Manager) claim() bool {
	return m.transition(domain.StateDisconnected, domain.StateConnecting) ||
		m.transition(domain.StateReconnecting, domain.StateConnecting)
}

func (m *Manager) transition(from, to domain.ConnectionState) bool {
	if !m.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	m.notify(from, to)
	return true
}

func (m *Manager) notify(from, to domain.ConnectionState) {
	m.obs.SetGauge("jupiter_connection_state", float64(to))
	m.obs.LogDebug("connection_state",
		ports.Field{Key: "from", Value: from.String()},
		ports.Field{Key: "to", Value: to.String()})

	m.watchMu.Lock()
	watchers := append([]StateFunc(nil), m.watchers...)
	m.watchMu.Unlock()
	for _, fn := range watchers {
		fn(from, to)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

var _ ports.ConnectionSupervisor = (*Manager)(nil)
