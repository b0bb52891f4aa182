// Package gateway funnels every tag read through one worker goroutine so the
// session never sees two requests at once. Requests are served strictly in
// arrival order.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/JupiterMack/jupiter-scada/internal/domain"
	"github.com/JupiterMack/jupiter-scada/internal/ports"
)

// ErrStopped is wrapped in the ConnectionError returned once the worker exits.
var ErrStopped = errors.New("read gateway stopped")

const (
	defaultReadTimeout = 2 * time.Second
	defaultQueueSize   = 64
)

type Config struct {
	ReadTimeout            time.Duration
	MaxConsecutiveTimeouts int
	QueueSize              int
}

type request struct {
	ctx     context.Context
	nodeID  string
	reply   chan result
	started chan struct{}
}

type result struct {
	value domain.DataValue
	err   error
}

type Gateway struct {
	session     ports.Session
	conn        ports.ConnectionSupervisor
	obs         ports.Observability
	timeout     time.Duration
	maxTimeouts int

	requests chan request
	done     chan struct{}

	// busySince is the start of the read in flight in unix nanoseconds, 0
	// when idle.
	busySince atomic.Int64

	// consecutive is owned by the worker goroutine.
	consecutive int
}

func New(session ports.Session, conn ports.ConnectionSupervisor, cfg Config, obs ports.Observability) *Gateway {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if obs == nil {
		obs = ports.Nop{}
	}
	return &Gateway{
		session:     session,
		conn:        conn,
		obs:         obs,
		timeout:     cfg.ReadTimeout,
		maxTimeouts: cfg.MaxConsecutiveTimeouts,
		requests:    make(chan request, cfg.QueueSize),
		done:        make(chan struct{}),
	}
}

// Run serves queued reads until ctx is cancelled. It must be called exactly once.
func (g *Gateway) Run(ctx context.Context) error {
	defer close(g.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-g.requests:
			g.serve(ctx, req)
		}
	}
}

// Read queues a read of nodeID and waits for its result. It fails fast with a
// ConnectionError when the session is not Connected. Once the read starts the
// caller waits at most the read timeout, even if the session ignores ctx. A
// request still queued behind a read that overran its timeout fails with a
// timeout ReadError instead of waiting on it.
func (g *Gateway) Read(ctx context.Context, nodeID string) (domain.DataValue, error) {
	if g.conn.State() != domain.StateConnected {
		return domain.DataValue{}, &domain.ConnectionError{Op: "read", Err: domain.ErrNotConnected}
	}

	// Cancelling on return lets the worker drop a request nobody waits for.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req := request{
		ctx:     ctx,
		nodeID:  nodeID,
		reply:   make(chan result, 1),
		started: make(chan struct{}),
	}

	watch := time.NewTicker(g.watchInterval())
	defer watch.Stop()

	for queued := false; !queued; {
		select {
		case g.requests <- req:
			queued = true
		case <-ctx.Done():
			return domain.DataValue{}, ctx.Err()
		case <-g.done:
			return domain.DataValue{}, &domain.ConnectionError{Op: "read", Err: ErrStopped}
		case <-watch.C:
			if g.wedged() {
				return domain.DataValue{}, g.wedgedError(nodeID)
			}
		}
	}

	started := req.started
	for {
		select {
		case res := <-req.reply:
			return res.value, res.err
		case <-ctx.Done():
			return domain.DataValue{}, ctx.Err()
		case <-g.done:
			return domain.DataValue{}, &domain.ConnectionError{Op: "read", Err: ErrStopped}
		case <-started:
			// The worker owns the deadline from here and always replies.
			started = nil
		case <-watch.C:
			if started != nil && g.wedged() {
				return domain.DataValue{}, g.wedgedError(nodeID)
			}
		}
	}
}

func (g *Gateway) serve(ctx context.Context, req request) {
	if err := req.ctx.Err(); err != nil {
		req.reply <- result{err: err}
		return
	}
	// The connection may have dropped while this request sat in the queue.
	if g.conn.State() != domain.StateConnected {
		req.reply <- result{err: &domain.ConnectionError{Op: "read", Err: domain.ErrNotConnected}}
		return
	}

	rctx, cancel := context.WithTimeout(req.ctx, g.timeout)
	defer cancel()

	start := time.Now()
	g.busySince.Store(start.UnixNano())
	defer g.busySince.Store(0)
	close(req.started)

	done := make(chan result, 1)
	go func() {
		value, err := g.session.Read(rctx, req.nodeID)
		done <- result{value: value, err: err}
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	var res result
	select {
	case res = <-done:
	case <-timer.C:
		// The session has not returned within the timeout. Answer the caller
		// now, then keep waiting so reads never overlap.
		req.reply <- g.classify(req, result{}, time.Since(start), true)
		select {
		case <-done:
			g.obs.ObserveLatency("jupiter_read_latency_seconds", time.Since(start).Seconds())
		case <-ctx.Done():
			g.obs.LogError("gateway_abandoned_read", ErrStopped, ports.Field{Key: "node_id", Value: req.nodeID})
		}
		return
	}

	elapsed := time.Since(start)
	g.obs.ObserveLatency("jupiter_read_latency_seconds", elapsed.Seconds())
	req.reply <- g.classify(req, res, elapsed, errors.Is(rctx.Err(), context.DeadlineExceeded))
}

// classify turns a finished (or overrun) read into the caller's result,
// counting timeouts and reporting faults.
func (g *Gateway) classify(req request, res result, elapsed time.Duration, deadlineHit bool) result {
	switch {
	case req.ctx.Err() != nil:
		// Caller gave up or shutdown started; not the session's fault.
		return result{err: req.ctx.Err()}

	case deadlineHit || elapsed >= g.timeout:
		g.consecutive++
		g.obs.IncCounter("jupiter_read_timeouts_total", 1)
		if g.maxTimeouts > 0 && g.consecutive >= g.maxTimeouts {
			g.consecutive = 0
			g.conn.ReportFault(fmt.Errorf("%d consecutive reads timed out: %w", g.maxTimeouts, domain.ErrReadTimeout))
		}
		return result{err: &domain.ReadError{NodeID: req.nodeID, Timeout: true, Err: domain.ErrReadTimeout}}

	case res.err == nil:
		g.consecutive = 0
		return res

	case domain.IsReadError(res.err):
		// The server answered, so the session is alive.
		g.consecutive = 0
		return res

	default:
		g.consecutive = 0
		g.conn.ReportFault(res.err)
		return result{err: &domain.ConnectionError{Op: "read", Err: res.err}}
	}
}

// wedged reports whether the worker is stuck in a read that has already
// overrun its timeout.
func (g *Gateway) wedged() bool {
	since := g.busySince.Load()
	return since != 0 && time.Since(time.Unix(0, since)) > g.timeout
}

func (g *Gateway) wedgedError(nodeID string) error {
	return &domain.ReadError{
		NodeID:  nodeID,
		Timeout: true,
		Err:     fmt.Errorf("%w: session still busy with an overrun read", domain.ErrReadTimeout),
	}
}

func (g *Gateway) watchInterval() time.Duration {
	if d := g.timeout / 2; d > time.Millisecond {
		return d
	}
	return time.Millisecond
}

var _ ports.Reader = (*Gateway)(nil)
