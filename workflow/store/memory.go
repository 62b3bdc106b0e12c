package store

import (
	"context"
	"sort"
	"sync"
)

// MemStore is an in-memory CheckpointStore. Payloads are copied on the way
// in and out.
type MemStore struct {
	mu     sync.RWMutex
	runs   map[string]map[string]Record
	closed bool
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{runs: make(map[string]map[string]Record)}
}

func (m *MemStore) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	run, ok := m.runs[rec.RunID]
	if !ok {
		run = make(map[string]Record)
		m.runs[rec.RunID] = run
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	run[rec.CheckpointID] = rec
	return nil
}

func (m *MemStore) Get(_ context.Context, runID, checkpointID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Record{}, ErrClosed
	}
	rec, ok := m.runs[runID][checkpointID]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	return rec, nil
}

func (m *MemStore) List(_ context.Context, runID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Record, 0, len(m.runs[runID]))
	for _, rec := range m.runs[runID] {
		rec.Payload = nil
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *MemStore) Latest(_ context.Context, runID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Record{}, ErrClosed
	}
	var (
		best  Record
		found bool
	)
	for _, rec := range m.runs[runID] {
		if !found || rec.Sequence > best.Sequence {
			best, found = rec, true
		}
	}
	if !found {
		return Record{}, ErrNotFound
	}
	best.Payload = append([]byte(nil), best.Payload...)
	return best, nil
}

func (m *MemStore) DeleteRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.runs, runID)
	return nil
}

func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.runs = nil
	return nil
}
