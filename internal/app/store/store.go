// Package store keeps the latest Reading per tag.
//
// The key set is fixed when the store is built from the catalog, so the index
// map is never written after construction and needs no lock. Each entry is an
// atomic pointer to an immutable Reading: writers swap whole readings and
// readers load them without waiting on anyone.
package store

import (
	"fmt"
	"sync/atomic"

	"github.com/JupiterMack/jupiter-scada/internal/domain"
	"github.com/JupiterMack/jupiter-scada/internal/ports"
)

type entry struct {
	current atomic.Pointer[domain.Reading]
}

type Store struct {
	order   []string
	entries map[string]*entry
}

// New builds a store seeded with an Unknown placeholder for every tag, in
// catalog order. Duplicate names are rejected.
func New(tags []domain.Tag) (*Store, error) {
	s := &Store{
		order:   make([]string, 0, len(tags)),
		entries: make(map[string]*entry, len(tags)),
	}
	for _, t := range tags {
		if _, dup := s.entries[t.Name]; dup {
			return nil, fmt.Errorf("store: duplicate tag %q", t.Name)
		}
		e := &entry{}
		r := domain.Placeholder(t)
		e.current.Store(&r)
		s.entries[t.Name] = e
		s.order = append(s.order, t.Name)
	}
	return s, nil
}

// Put replaces the reading for r.Name.
func (s *Store) Put(r domain.Reading) error {
	e, ok := s.entries[r.Name]
	if !ok {
		return fmt.Errorf("store: unknown tag %q", r.Name)
	}
	e.current.Store(&r)
	return nil
}

// Get returns the current reading for name.
func (s *Store) Get(name string) (domain.Reading, bool) {
	e, ok := s.entries[name]
	if !ok {
		return domain.Reading{}, false
	}
	return *e.current.Load(), true
}

// Snapshot returns every reading in catalog order.
func (s *Store) Snapshot() []domain.Reading {
	out := make([]domain.Reading, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, *s.entries[name].current.Load())
	}
	return out
}

// Len reports the number of tags tracked.
func (s *Store) Len() int { return len(s.order) }

// MarkStale downgrades every Good reading to Stale, keeping value and
// timestamp. An entry replaced concurrently by a fresh poll is left alone.
// It returns the number of readings downgraded.
func (s *Store) MarkStale() int {
	n := 0
	for _, name := range s.order {
		e := s.entries[name]
		cur := e.current.Load()
		if cur.Status != domain.StatusGood {
			continue
		}
		next := *cur
		next.Status = domain.StatusStale
		if e.current.CompareAndSwap(cur, &next) {
			n++
		}
	}
	return n
}

var _ ports.SnapshotSource = (*Store)(nil)
