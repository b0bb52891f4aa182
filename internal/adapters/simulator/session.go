// Package simulator provides an in-memory automation server session. It backs
// `run --simulate` and gives the engine tests a controllable peer: values,
// per-node latency, refused connects and transport faults can all be injected.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JupiterMack/jupiter-scada/internal/domain"
	"github.com/JupiterMack/jupiter-scada/internal/ports"
)

var (
	ErrServerDown   = errors.New("simulator: server unreachable")
	ErrNotConnected = errors.New("simulator: session closed")
	ErrUnknownNode  = errors.New("simulator: BadNodeIdUnknown")
)

type Session struct {
	mu           sync.Mutex
	connected    bool
	down         bool
	failConnects int
	connectDelay time.Duration
	fault        error
	generate     bool

	values  map[string]any
	delays  map[string]time.Duration
	nodeErr map[string]error
	counter map[string]int64

	connects     int
	closes       int
	reads        map[string]int
	inflight     int
	maxInflight  int
	nodeInflight map[string]int
	maxPerNode   int
}

// Option configures a Session.
type Option func(*Session)

// WithGeneratedValues makes unknown nodes answer with a per-node counter
// instead of BadNodeIdUnknown.
func WithGeneratedValues() Option {
	return func(s *Session) { s.generate = true }
}

// WithConnectDelay slows every Connect call down.
func WithConnectDelay(d time.Duration) Option {
	return func(s *Session) { s.connectDelay = d }
}

func NewSession(opts ...Option) *Session {
	s := &Session{
		values:       make(map[string]any),
		delays:       make(map[string]time.Duration),
		nodeErr:      make(map[string]error),
		counter:      make(map[string]int64),
		reads:        make(map[string]int),
		nodeInflight: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	delay := s.connectDelay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.down {
		return ErrServerDown
	}
	if s.failConnects > 0 {
		s.failConnects--
		return ErrServerDown
	}
	s.connected = true
	return nil
}

func (s *Session) Read(ctx context.Context, nodeID string) (domain.DataValue, error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return domain.DataValue{}, ErrNotConnected
	}
	if s.fault != nil {
		err := s.fault
		s.mu.Unlock()
		return domain.DataValue{}, err
	}
	s.reads[nodeID]++
	s.inflight++
	if s.inflight > s.maxInflight {
		s.maxInflight = s.inflight
	}
	s.nodeInflight[nodeID]++
	if n := s.nodeInflight[nodeID]; n > s.maxPerNode {
		s.maxPerNode = n
	}
	delay := s.delays[nodeID]
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inflight--
		s.nodeInflight[nodeID]--
		s.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return domain.DataValue{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.nodeErr[nodeID]; ok {
		return domain.DataValue{}, err
	}
	v, ok := s.values[nodeID]
	if !ok {
		if !s.generate {
			return domain.DataValue{}, &domain.ReadError{NodeID: nodeID, Err: ErrUnknownNode}
		}
		s.counter[nodeID]++
		v = s.counter[nodeID]
	}
	return domain.DataValue{Value: v, Status: domain.StatusGood, SourceTimestamp: time.Now()}, nil
}

func (s *Session) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.connected = false
	return nil
}

// SetValue sets the value returned for nodeID.
func (s *Session) SetValue(nodeID string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[nodeID] = v
}

// SetDelay makes reads of nodeID take d.
func (s *Session) SetDelay(nodeID string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[nodeID] = d
}

// SetNodeError makes reads of nodeID fail with err until cleared with nil.
func (s *Session) SetNodeError(nodeID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.nodeErr, nodeID)
		return
	}
	s.nodeErr[nodeID] = err
}

// FailConnects makes the next n Connect calls fail.
func (s *Session) FailConnects(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failConnects = n
}

// SetDown refuses every Connect while down is true.
func (s *Session) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// InjectFault makes every read fail with a transport error until cleared with
// nil. A non-nil fault also drops the session, like a broken socket would.
func (s *Session) InjectFault(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = err
	s.down = err != nil
}

// Connected reports whether the session is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Connects returns how many Connect calls were made.
func (s *Session) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Closes returns how many Close calls were made.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Reads returns how many reads of nodeID were started.
func (s *Session) Reads(nodeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[nodeID]
}

// MaxConcurrent is the highest number of reads observed in flight at once.
func (s *Session) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInflight
}

// MaxConcurrentPerNode is the highest number of simultaneous reads observed
// for any single node.
func (s *Session) MaxConcurrentPerNode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxPerNode
}

func (s *Session) String() string {
	return fmt.Sprintf("simulator(connected=%t)", s.Connected())
}

var _ ports.Session = (*Session)(nil)
