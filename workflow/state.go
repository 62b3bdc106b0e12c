package workflow

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ScopeID names a state scope. A scope with a ScopeName is shared between
// executors and is identified by that name alone; otherwise the scope is
// private to ExecutorID.
type ScopeID struct {
	ExecutorID string `json:"executor_id,omitempty"`
	ScopeName  string `json:"scope_name,omitempty"`
}

// PrivateScope returns the private scope of an executor.
func PrivateScope(executorID string) ScopeID {
	return ScopeID{ExecutorID: executorID}
}

// SharedScope returns the shared scope with the given name.
func SharedScope(name string) ScopeID {
	return ScopeID{ScopeName: name}
}

// IsShared reports whether the scope is shared by name.
func (s ScopeID) IsShared() bool { return s.ScopeName != "" }

// Equal compares shared scopes by name and private scopes by executor id.
func (s ScopeID) Equal(o ScopeID) bool {
	return s.key() == o.key()
}

func (s ScopeID) String() string {
	if s.IsShared() {
		return "shared:" + s.ScopeName
	}
	return "private:" + s.ExecutorID
}

func (s ScopeID) key() string { return s.String() }

// stateUpdate is a queued write or tombstone.
type stateUpdate struct {
	value   any
	deleted bool
}

// overlayKey identifies one writer's queued update.
type overlayKey struct {
	writer string
	scope  string
	key    string
}

// ScopeSnapshot is the exported form of one scope's published values.
type ScopeSnapshot struct {
	Scope  ScopeID                  `json:"scope"`
	Values map[string]PortableValue `json:"values"`
}

// StateManager holds published scope state and the overlay of updates queued
// during the current superstep.
//
// Reads see published state plus the reader's own queued updates. Publish
// applies the overlay to the published scopes in one batch; it fails with
// ErrStateConflict, applying nothing, when two executors queued an update to
// the same key.
type StateManager struct {
	mu     sync.RWMutex
	scopes map[string]*stateScope
	queued map[overlayKey]stateUpdate
}

type stateScope struct {
	id     ScopeID
	values map[string]any
}

// StateConflict describes two or more queued updates to one key.
type StateConflict struct {
	Scope   ScopeID
	Key     string
	Writers []string
}

// StateConflictError is returned by Publish. It wraps ErrStateConflict.
type StateConflictError struct {
	Conflicts []StateConflict
}

func (e *StateConflictError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, fmt.Sprintf("%s/%s by %s", c.Scope, c.Key, strings.Join(c.Writers, ",")))
	}
	return fmt.Sprintf("%v: %s", ErrStateConflict, strings.Join(parts, "; "))
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

// NewStateManager returns an empty state manager.
func NewStateManager() *StateManager {
	return &StateManager{
		scopes: make(map[string]*stateScope),
		queued: make(map[overlayKey]stateUpdate),
	}
}

// Read returns the value of key in scope as seen by reader.
func (m *StateManager) Read(reader string, scope ScopeID, key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.queued[overlayKey{writer: reader, scope: scope.key(), key: key}]; ok {
		if u.deleted {
			return nil, false
		}
		return u.value, true
	}
	sc, ok := m.scopes[scope.key()]
	if !ok {
		return nil, false
	}
	v, ok := sc.values[key]
	return v, ok
}

// Keys lists the keys of scope visible to reader, sorted.
func (m *StateManager) Keys(reader string, scope ScopeID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := make(map[string]bool)
	if sc, ok := m.scopes[scope.key()]; ok {
		for k := range sc.values {
			set[k] = true
		}
	}
	for ok, u := range m.queued {
		if ok.writer != reader || ok.scope != scope.key() {
			continue
		}
		set[ok.key] = !u.deleted
	}
	keys := make([]string, 0, len(set))
	for k, present := range set {
		if present {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Write queues value for key. Repeated writes by the same writer collapse.
func (m *StateManager) Write(writer string, scope ScopeID, key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued[overlayKey{writer: writer, scope: scope.key(), key: key}] = stateUpdate{value: value}
	m.ensureScope(scope)
}

// Delete queues a tombstone for key.
func (m *StateManager) Delete(writer string, scope ScopeID, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued[overlayKey{writer: writer, scope: scope.key(), key: key}] = stateUpdate{deleted: true}
	m.ensureScope(scope)
}

// ClearScope tombstones every published key in scope and every key the
// writer queued for it.
func (m *StateManager) ClearScope(writer string, scope ScopeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sk := scope.key()
	if sc, ok := m.scopes[sk]; ok {
		for k := range sc.values {
			m.queued[overlayKey{writer: writer, scope: sk, key: k}] = stateUpdate{deleted: true}
		}
	}
	for ok := range m.queued {
		if ok.writer == writer && ok.scope == sk {
			m.queued[ok] = stateUpdate{deleted: true}
		}
	}
}

func (m *StateManager) ensureScope(scope ScopeID) {
	if _, ok := m.scopes[scope.key()]; !ok {
		m.scopes[scope.key()] = &stateScope{id: scope, values: make(map[string]any)}
	}
}

// HasPending reports whether updates are queued.
func (m *StateManager) HasPending() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queued) > 0
}

// Publish applies every queued update. It reports whether anything was
// queued. Publishing an empty overlay is a no-op.
func (m *StateManager) Publish() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queued) == 0 {
		return false, nil
	}

	type target struct{ scope, key string }
	byTarget := make(map[target][]overlayKey)
	for ok := range m.queued {
		t := target{scope: ok.scope, key: ok.key}
		byTarget[t] = append(byTarget[t], ok)
	}

	var conflicts []StateConflict
	for t, writes := range byTarget {
		if len(writes) < 2 {
			continue
		}
		writers := make([]string, 0, len(writes))
		for _, w := range writes {
			writers = append(writers, w.writer)
		}
		sort.Strings(writers)
		conflicts = append(conflicts, StateConflict{Scope: m.scopes[t.scope].id, Key: t.key, Writers: writers})
	}
	if len(conflicts) > 0 {
		sort.Slice(conflicts, func(i, j int) bool {
			if conflicts[i].Scope.key() != conflicts[j].Scope.key() {
				return conflicts[i].Scope.key() < conflicts[j].Scope.key()
			}
			return conflicts[i].Key < conflicts[j].Key
		})
		return false, &StateConflictError{Conflicts: conflicts}
	}

	for ok, u := range m.queued {
		sc := m.scopes[ok.scope]
		if u.deleted {
			delete(sc.values, ok.key)
			continue
		}
		sc.values[ok.key] = u.value
	}
	clear(m.queued)
	return true, nil
}

// Discard drops every queued update.
func (m *StateManager) Discard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.queued)
}

// Export returns the published state of every non-empty scope in a portable
// form. It fails with ErrUnpublishedState while updates are queued.
func (m *StateManager) Export() ([]ScopeSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.queued) > 0 {
		return nil, ErrUnpublishedState
	}
	keys := make([]string, 0, len(m.scopes))
	for k, sc := range m.scopes {
		if len(sc.values) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]ScopeSnapshot, 0, len(keys))
	for _, k := range keys {
		sc := m.scopes[k]
		snap := ScopeSnapshot{Scope: sc.id, Values: make(map[string]PortableValue, len(sc.values))}
		for key, v := range sc.values {
			pv, err := ToPortable(v)
			if err != nil {
				return nil, fmt.Errorf("export %s/%s: %w", sc.id, key, err)
			}
			snap.Values[key] = pv
		}
		out = append(out, snap)
	}
	return out, nil
}

// Import replaces all state with snapshots. Queued updates are discarded.
func (m *StateManager) Import(snapshots []ScopeSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopes = make(map[string]*stateScope, len(snapshots))
	clear(m.queued)
	for _, snap := range snapshots {
		sc := &stateScope{id: snap.Scope, values: make(map[string]any, len(snap.Values))}
		for k, v := range snap.Values {
			sc.values[k] = v
		}
		m.scopes[snap.Scope.key()] = sc
	}
}
