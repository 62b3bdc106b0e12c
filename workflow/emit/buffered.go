package emit

import "sync"

// BufferedEmitter keeps every event in memory, grouped by run, for tests and
// post-run inspection. It never evicts; call Clear when a run's history is no
// longer needed.
//
//	buf := emit.NewBufferedEmitter()
//	run, _ := workflow.Start(ctx, wf, input, workflow.WithEmitter(buf))
//	...
//	failures := buf.GetHistoryWithFilter(run.ID(), emit.HistoryFilter{Kind: emit.KindExecutorFailed})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter selects events. Zero fields match everything; set fields are
// combined with AND.
type HistoryFilter struct {
	ExecutorID string
	Kind       string
	MinStep    *int
	MaxStep    *int
}

func (f HistoryFilter) matches(event Event) bool {
	if f.ExecutorID != "" && event.ExecutorID != f.ExecutorID {
		return false
	}
	if f.Kind != "" && event.Kind != f.Kind {
		return false
	}
	if f.MinStep != nil && event.Step < *f.MinStep {
		return false
	}
	if f.MaxStep != nil && event.Step > *f.MaxStep {
		return false
	}
	return true
}

// NewBufferedEmitter returns an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit appends event to its run's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// GetHistory returns a copy of runID's events in emission order.
func (b *BufferedEmitter) GetHistory(runID string) []Event {
	return b.GetHistoryWithFilter(runID, HistoryFilter{})
}

// GetHistoryWithFilter returns runID's events that match filter. The result is
// never nil.
func (b *BufferedEmitter) GetHistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	result := []Event{}
	for _, event := range b.events[runID] {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

// Kinds returns the kinds of runID's events in emission order.
func (b *BufferedEmitter) Kinds(runID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.events[runID]))
	for _, event := range b.events[runID] {
		out = append(out, event.Kind)
	}
	return out
}

// Clear drops the history of runID, or of every run when runID is empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if runID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, runID)
}
