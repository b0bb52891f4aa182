package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JupiterMack/jupiter-scada/internal/adapters/simulator"
	"github.com/JupiterMack/jupiter-scada/internal/domain"
)

type fakeConn struct {
	state  atomic.Int32
	mu     sync.Mutex
	faults []error
}

func connected() *fakeConn {
	c := &fakeConn{}
	c.state.Store(int32(domain.StateConnected))
	return c
}

func (c *fakeConn) State() domain.ConnectionState { return domain.ConnectionState(c.state.Load()) }

func (c *fakeConn) ReportFault(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, err)
}

func (c *fakeConn) faultCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.faults)
}

func startGateway(t *testing.T, g *Gateway) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = g.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func connectedSim(t *testing.T) *simulator.Session {
	t.Helper()
	sim := simulator.NewSession()
	require.NoError(t, sim.Connect(context.Background()))
	return sim
}

func TestReadFailsFastWhenNotConnected(t *testing.T) {
	sim := connectedSim(t)
	conn := &fakeConn{}
	conn.state.Store(int32(domain.StateReconnecting))
	g := New(sim, conn, Config{}, nil)
	startGateway(t, g)

	_, err := g.Read(context.Background(), "ns=2;i=1")
	require.Error(t, err)
	assert.True(t, domain.IsConnectionError(err))
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.Zero(t, sim.Reads("ns=2;i=1"))
}

func TestReadReturnsValue(t *testing.T) {
	sim := connectedSim(t)
	sim.SetValue("ns=2;i=1", 42)
	g := New(sim, connected(), Config{}, nil)
	startGateway(t, g)

	dv, err := g.Read(context.Background(), "ns=2;i=1")
	require.NoError(t, err)
	assert.Equal(t, 42, dv.Value)
	assert.Equal(t, domain.StatusGood, dv.Status)
}

func TestReadsNeverOverlap(t *testing.T) {
	sim := connectedSim(t)
	for i := 0; i < 8; i++ {
		node := fmt.Sprintf("ns=2;i=%d", i)
		sim.SetValue(node, i)
		sim.SetDelay(node, 3*time.Millisecond)
	}
	g := New(sim, connected(), Config{}, nil)
	startGateway(t, g)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func(node string) {
				defer wg.Done()
				_, err := g.Read(context.Background(), node)
				assert.NoError(t, err)
			}(fmt.Sprintf("ns=2;i=%d", i))
		}
	}
	wg.Wait()

	assert.Equal(t, 1, sim.MaxConcurrent())
}

// orderedSession blocks the first read until released and records the order
// in which nodes are read.
type orderedSession struct {
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	order   []string
}

func (s *orderedSession) Connect(context.Context) error { return nil }
func (s *orderedSession) Close(context.Context) error   { return nil }

func (s *orderedSession) Read(ctx context.Context, nodeID string) (domain.DataValue, error) {
	if nodeID == "blocker" {
		close(s.started)
		<-s.release
	}
	s.mu.Lock()
	s.order = append(s.order, nodeID)
	s.mu.Unlock()
	return domain.DataValue{Value: nodeID, Status: domain.StatusGood}, nil
}

func TestRequestsServedInArrivalOrder(t *testing.T) {
	sess := &orderedSession{started: make(chan struct{}), release: make(chan struct{})}
	g := New(sess, connected(), Config{ReadTimeout: 5 * time.Second}, nil)
	startGateway(t, g)

	var wg sync.WaitGroup
	read := func(node string) {
		defer wg.Done()
		_, err := g.Read(context.Background(), node)
		assert.NoError(t, err)
	}

	wg.Add(1)
	go read("blocker")
	<-sess.started

	want := []string{"n1", "n2", "n3", "n4", "n5"}
	for i, n := range want {
		wg.Add(1)
		go read(n)
		queued := i + 1
		require.Eventually(t, func() bool { return len(g.requests) == queued }, time.Second, time.Millisecond)
	}

	close(sess.release)
	wg.Wait()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	assert.Equal(t, append([]string{"blocker"}, want...), sess.order)
}

func TestTimeoutIsLocalUntilThreshold(t *testing.T) {
	sim := connectedSim(t)
	sim.SetValue("slow", 1)
	sim.SetDelay("slow", 500*time.Millisecond)
	conn := connected()
	g := New(sim, conn, Config{ReadTimeout: 20 * time.Millisecond, MaxConsecutiveTimeouts: 3}, nil)
	startGateway(t, g)

	for i := 0; i < 2; i++ {
		_, err := g.Read(context.Background(), "slow")
		var re *domain.ReadError
		require.ErrorAs(t, err, &re)
		assert.True(t, re.Timeout)
		assert.ErrorIs(t, err, domain.ErrReadTimeout)
	}
	assert.Zero(t, conn.faultCount(), "timeouts below the threshold stay local")

	_, err := g.Read(context.Background(), "slow")
	require.True(t, domain.IsReadError(err))
	assert.Equal(t, 1, conn.faultCount())
}

func TestSuccessResetsTimeoutStreak(t *testing.T) {
	sim := connectedSim(t)
	sim.SetValue("slow", 1)
	sim.SetDelay("slow", 500*time.Millisecond)
	sim.SetValue("fast", 2)
	conn := connected()
	g := New(sim, conn, Config{ReadTimeout: 20 * time.Millisecond, MaxConsecutiveTimeouts: 2}, nil)
	startGateway(t, g)

	for i := 0; i < 3; i++ {
		_, _ = g.Read(context.Background(), "slow")
		_, err := g.Read(context.Background(), "fast")
		require.NoError(t, err)
	}
	assert.Zero(t, conn.faultCount())
}

func TestTransportErrorEscalates(t *testing.T) {
	sim := connectedSim(t)
	fault := errors.New("broken pipe")
	sim.InjectFault(fault)
	conn := connected()
	g := New(sim, conn, Config{}, nil)
	startGateway(t, g)

	_, err := g.Read(context.Background(), "ns=2;i=1")
	require.Error(t, err)
	assert.True(t, domain.IsConnectionError(err))
	assert.ErrorIs(t, err, fault)
	assert.Equal(t, 1, conn.faultCount())
}

func TestNodeErrorStaysLocal(t *testing.T) {
	sim := connectedSim(t)
	conn := connected()
	g := New(sim, conn, Config{}, nil)
	startGateway(t, g)

	_, err := g.Read(context.Background(), "ns=9;s=Missing")
	require.Error(t, err)
	assert.True(t, domain.IsReadError(err))
	assert.ErrorIs(t, err, simulator.ErrUnknownNode)
	assert.Zero(t, conn.faultCount())
}

func TestReadAfterStop(t *testing.T) {
	sim := connectedSim(t)
	g := New(sim, connected(), Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, g.Run(ctx))

	_, err := g.Read(context.Background(), "ns=2;i=1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStopped)
}

// deafSession ignores ctx: reads of "slow" sleep for the full delay.
type deafSession struct {
	delay    time.Duration
	inflight atomic.Int32
	peak     atomic.Int32
	finished atomic.Int32
}

func (s *deafSession) Connect(context.Context) error { return nil }
func (s *deafSession) Close(context.Context) error   { return nil }

func (s *deafSession) Read(_ context.Context, nodeID string) (domain.DataValue, error) {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if nodeID == "slow" {
		time.Sleep(s.delay)
		s.finished.Add(1)
	}
	return domain.DataValue{Value: 1, SourceTimestamp: time.Now()}, nil
}

func TestTimeoutEnforcedWhenSessionIgnoresContext(t *testing.T) {
	sess := &deafSession{delay: 600 * time.Millisecond}
	conn := connected()
	g := New(sess, conn, Config{ReadTimeout: 50 * time.Millisecond, MaxConsecutiveTimeouts: 1}, nil)
	startGateway(t, g)

	start := time.Now()
	value, err := g.Read(context.Background(), "slow")
	elapsed := time.Since(start)

	var re *domain.ReadError
	require.ErrorAs(t, err, &re, "value=%v", value.Value)
	assert.True(t, re.Timeout)
	assert.ErrorIs(t, err, domain.ErrReadTimeout)
	assert.Less(t, elapsed, 300*time.Millisecond)
	assert.Equal(t, 1, conn.faultCount())
}

func TestQueuedReadFailsWhileWorkerIsStuck(t *testing.T) {
	sess := &deafSession{delay: 600 * time.Millisecond}
	conn := connected()
	g := New(sess, conn, Config{ReadTimeout: 50 * time.Millisecond}, nil)
	startGateway(t, g)

	slow := make(chan error, 1)
	go func() {
		_, err := g.Read(context.Background(), "slow")
		slow <- err
	}()
	require.Eventually(t, func() bool { return sess.inflight.Load() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	_, err := g.Read(context.Background(), "fast")
	elapsed := time.Since(start)

	var re *domain.ReadError
	require.ErrorAs(t, err, &re)
	assert.True(t, re.Timeout)
	assert.ErrorIs(t, err, domain.ErrReadTimeout)
	assert.Less(t, elapsed, 300*time.Millisecond)
	assert.Zero(t, sess.finished.Load(), "the overrun read is still running")

	select {
	case err := <-slow:
		assert.True(t, domain.IsReadError(err))
	case <-time.After(time.Second):
		t.Fatal("slow caller was never answered")
	}
}

func TestWorkerWaitsForOverrunReadBeforeNext(t *testing.T) {
	sess := &deafSession{delay: 150 * time.Millisecond}
	conn := connected()
	g := New(sess, conn, Config{ReadTimeout: 30 * time.Millisecond}, nil)
	startGateway(t, g)

	_, err := g.Read(context.Background(), "slow")
	require.True(t, domain.IsReadError(err))

	require.Eventually(t, func() bool { return sess.finished.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return g.busySince.Load() == 0 }, time.Second, time.Millisecond)

	value, err := g.Read(context.Background(), "fast")
	require.NoError(t, err)
	assert.Equal(t, 1, value.Value)
	assert.Equal(t, int32(1), sess.peak.Load(), "reads never overlap")
}
