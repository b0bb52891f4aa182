package scada

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrChannelMirrorClosed is returned when a channel mirror is written to after being closed.
var ErrChannelMirrorClosed = errors.New("scada: channel mirror closed")

// SnapshotFunc receives the readings that changed since the last successful write.
type SnapshotFunc func([]Reading) error

// NewCallbackMirror adapts a SnapshotFunc into a Mirror so callers can plug
// arbitrary functions without defining structs.
func NewCallbackMirror(name string, fn SnapshotFunc) Mirror {
	if name == "" {
		name = "callback"
	}
	return &callbackMirror{name: name, fn: fn}
}

// NewChannelMirror exposes snapshots via a channel; it returns the mirror, the
// read-only channel, and a close function the caller should invoke during shutdown.
func NewChannelMirror(name string, buffer int) (Mirror, <-chan []Reading, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan []Reading, buffer)
	m := &channelMirror{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return m, ch, m.close
}

type callbackMirror struct {
	name string
	fn   SnapshotFunc
}

func (m *callbackMirror) WriteSnapshot(_ context.Context, readings []Reading) error {
	if m.fn == nil {
		return fmt.Errorf("callback mirror %q: nil handler", m.name)
	}
	if len(readings) == 0 {
		return nil
	}
	return m.fn(append([]Reading(nil), readings...))
}

func (m *callbackMirror) Name() string { return m.name }

type channelMirror struct {
	name   string
	ch     chan []Reading
	closed chan struct{}
	once   sync.Once

	// mu keeps close from racing a send on ch.
	mu     sync.RWMutex
	isDone bool
}

func (m *channelMirror) WriteSnapshot(ctx context.Context, readings []Reading) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.isDone {
		return ErrChannelMirrorClosed
	}
	if len(readings) == 0 {
		return nil
	}

	select {
	case <-m.closed:
		return ErrChannelMirrorClosed
	case <-ctx.Done():
		return ctx.Err()
	case m.ch <- append([]Reading(nil), readings...):
		return nil
	}
}

func (m *channelMirror) Name() string { return m.name }

func (m *channelMirror) close() {
	m.once.Do(func() {
		// Unblock pending writers before taking the write lock.
		close(m.closed)
		m.mu.Lock()
		m.isDone = true
		close(m.ch)
		m.mu.Unlock()
	})
}
