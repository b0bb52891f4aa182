package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JupiterMack/jupiter-scada/internal/adapters/simulator"
	"github.com/JupiterMack/jupiter-scada/internal/domain"
	"github.com/JupiterMack/jupiter-scada/internal/ports"
)

var fastBackoff = ports.Backoff{
	InitialDelay: 5 * time.Millisecond,
	MaxDelay:     20 * time.Millisecond,
	Multiplier:   2,
}

type transitions struct {
	mu  sync.Mutex
	log [][2]domain.ConnectionState
}

func (tr *transitions) record(from, to domain.ConnectionState) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.log = append(tr.log, [2]domain.ConnectionState{from, to})
}

func (tr *transitions) seen(from, to domain.ConnectionState) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, t := range tr.log {
		if t[0] == from && t[1] == to {
			return true
		}
	}
	return false
}

func TestConnectTransitionsToConnected(t *testing.T) {
	sim := simulator.NewSession()
	m := NewManager(sim, fastBackoff, nil)
	tr := &transitions{}
	m.OnStateChange(tr.record)

	require.Equal(t, domain.StateDisconnected, m.State())
	require.NoError(t, m.Connect(context.Background()))

	assert.Equal(t, domain.StateConnected, m.State())
	assert.True(t, tr.seen(domain.StateDisconnected, domain.StateConnecting))
	assert.True(t, tr.seen(domain.StateConnecting, domain.StateConnected))
	assert.True(t, sim.Connected())
}

func TestConnectFailureLeavesReconnecting(t *testing.T) {
	sim := simulator.NewSession()
	sim.SetDown(true)
	m := NewManager(sim, fastBackoff, nil)

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsConnectionError(err))
	assert.ErrorIs(t, err, simulator.ErrServerDown)
	assert.Equal(t, domain.StateReconnecting, m.State())
}

func TestEnsureConnectedSharesOneAttempt(t *testing.T) {
	sim := simulator.NewSession(simulator.WithConnectDelay(50 * time.Millisecond))
	m := NewManager(sim, fastBackoff, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.EnsureConnected(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, sim.Connects())
	assert.Equal(t, domain.StateConnected, m.State())

	require.NoError(t, m.EnsureConnected(context.Background()))
	assert.Equal(t, 1, sim.Connects())
}

func TestRunRetriesUntilServerAnswers(t *testing.T) {
	sim := simulator.NewSession()
	sim.FailConnects(3)
	m := NewManager(sim, fastBackoff, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return m.State() == domain.StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, sim.Connects())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, domain.StateDisconnected, m.State())
	assert.False(t, sim.Connected())
}

func TestReportFaultReconnectsAfterFaultClears(t *testing.T) {
	sim := simulator.NewSession()
	m := NewManager(sim, fastBackoff, nil)
	tr := &transitions{}
	m.OnStateChange(tr.record)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return m.State() == domain.StateConnected
	}, time.Second, 5*time.Millisecond)

	fault := errors.New("socket reset")
	sim.InjectFault(fault)
	m.ReportFault(fault)
	m.ReportFault(fault)

	require.True(t, tr.seen(domain.StateConnected, domain.StateReconnecting))
	require.Eventually(t, func() bool {
		return sim.Connects() >= 3
	}, time.Second, 5*time.Millisecond, "manager should keep retrying while the server is down")
	assert.NotEqual(t, domain.StateConnected, m.State())

	sim.InjectFault(nil)
	require.Eventually(t, func() bool {
		return m.State() == domain.StateConnected
	}, time.Second, 5*time.Millisecond)
	assert.True(t, tr.seen(domain.StateConnecting, domain.StateConnected))
	assert.GreaterOrEqual(t, sim.Closes(), 1)

	cancel()
	require.NoError(t, <-done)
}

func TestReportFaultIgnoredWhenNotConnected(t *testing.T) {
	sim := simulator.NewSession()
	m := NewManager(sim, fastBackoff, nil)

	m.ReportFault(errors.New("late"))
	assert.Equal(t, domain.StateDisconnected, m.State())
}

func TestConnectAfterDisconnectIsRefused(t *testing.T) {
	sim := simulator.NewSession()
	m := NewManager(sim, fastBackoff, nil)
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Disconnect(context.Background()))

	assert.Equal(t, domain.StateDisconnected, m.State())
	assert.Error(t, m.Connect(context.Background()))
	assert.Equal(t, 1, sim.Closes())
}

func TestBackoffCapsAndResets(t *testing.T) {
	b := newBackoff(ports.Backoff{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	})

	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, b.Next(), "step %d", i)
	}

	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.Next())
}

func TestBackoffJitterStaysUnderCap(t *testing.T) {
	b := newBackoff(ports.Backoff{
		InitialDelay: 800 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Jitter:       0.5,
	})
	b.jitter = func() float64 { return 1 }

	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, time.Second, b.Next())
}

func TestBackoffDefaults(t *testing.T) {
	b := newBackoff(ports.Backoff{})
	assert.Equal(t, defaultInitialDelay, b.Next())
	assert.Equal(t, 2*defaultInitialDelay, b.Next())
}
