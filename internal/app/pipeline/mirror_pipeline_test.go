package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/JupiterMack/jupiter-scada/internal/domain"
	"github.com/JupiterMack/jupiter-scada/internal/ports"
)

func TestChangedSinceFiltersUnchanged(t *testing.T) {
	written := map[string]mark{
		"A": {seq: 2, status: domain.StatusGood},
		"B": {seq: 1, status: domain.StatusGood},
	}
	snap := []domain.Reading{
		{Name: "A", Seq: 2, Status: domain.StatusGood},
		{Name: "B", Seq: 1, Status: domain.StatusStale},
		{Name: "C", Seq: 0, Status: domain.StatusUnknown},
	}

	got := changedSince(snap, written)
	if len(got) != 2 || got[0].Name != "B" || got[1].Name != "C" {
		t.Fatalf("expected B and C, got %+v", got)
	}
}

func TestRunMirrorPipelineWritesChanges(t *testing.T) {
	src := &mockSource{readings: []domain.Reading{
		{Name: "A", Seq: 1, Status: domain.StatusGood, Value: 42},
	}}
	mirror := &mockMirror{}
	obs := &mockObs{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunMirrorPipeline(ctx, src, mirror, 10*time.Millisecond, obs) }()

	waitFor(t, func() bool { return mirror.calls() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if n := mirror.calls(); n != 1 {
		t.Fatalf("expected unchanged snapshot not to be rewritten, got %d writes", n)
	}

	src.set([]domain.Reading{{Name: "A", Seq: 2, Status: domain.StatusGood, Value: 43}})
	waitFor(t, func() bool { return mirror.calls() >= 2 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean exit, got %v", err)
	}
	last := mirror.last()
	if len(last) != 1 || last[0].Seq != 2 {
		t.Fatalf("expected latest reading mirrored, got %+v", last)
	}
}

func TestRunMirrorPipelineRetriesFailedWrite(t *testing.T) {
	src := &mockSource{readings: []domain.Reading{{Name: "A", Seq: 1, Status: domain.StatusGood}}}
	mirror := &mockMirror{failures: 2}
	obs := &mockObs{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunMirrorPipeline(ctx, src, mirror, 5*time.Millisecond, obs) }()

	waitFor(t, func() bool { return mirror.successes() == 1 })
	cancel()
	<-done

	if got := obs.errorCount(); got != 2 {
		t.Fatalf("expected 2 logged failures, got %d", got)
	}
}

func TestRunMirrorPipelineFlushesOnShutdown(t *testing.T) {
	src := &mockSource{readings: []domain.Reading{{Name: "A", Seq: 1, Status: domain.StatusGood}}}
	mirror := &mockMirror{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := RunMirrorPipeline(ctx, src, mirror, time.Hour, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mirror.successes() != 1 {
		t.Fatalf("expected final flush, got %d writes", mirror.successes())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type mockSource struct {
	mu       sync.Mutex
	readings []domain.Reading
}

func (m *mockSource) Snapshot() []domain.Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Reading(nil), m.readings...)
}

func (m *mockSource) set(r []domain.Reading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings = r
}

type mockMirror struct {
	mu       sync.Mutex
	failures int
	attempts int
	ok       int
	lastSnap []domain.Reading
}

func (m *mockMirror) WriteSnapshot(_ context.Context, r []domain.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.failures > 0 {
		m.failures--
		return errors.New("db unavailable")
	}
	m.ok++
	m.lastSnap = r
	return nil
}

func (m *mockMirror) Name() string { return "mock" }

func (m *mockMirror) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *mockMirror) successes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ok
}

func (m *mockMirror) last() []domain.Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSnap
}

type mockObs struct {
	ports.Nop
	mu     sync.Mutex
	errors []error
}

func (m *mockObs) LogError(_ string, err error, _ ...ports.Field) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, err)
}

func (m *mockObs) errorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.errors)
}
