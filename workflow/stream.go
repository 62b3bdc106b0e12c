package workflow

import (
	"context"
	"errors"
	"sync"
	"time"
)

// RunStatus is the externally visible phase of a run.
type RunStatus int32

const (
	// StatusNotStarted: the loop has not picked up any work yet.
	StatusNotStarted RunStatus = iota
	// StatusRunning: a superstep is in progress. Never observed at rest.
	StatusRunning
	// StatusIdle: no queued work and no outstanding external requests.
	StatusIdle
	// StatusPendingRequests: no queued work, but external requests are
	// outstanding.
	StatusPendingRequests
	// StatusEnded is terminal.
	StatusEnded
)

func (s RunStatus) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusRunning:
		return "running"
	case StatusIdle:
		return "idle"
	case StatusPendingRequests:
		return "pending_requests"
	case StatusEnded:
		return "ended"
	}
	return "unknown"
}

// haltSignal marks the point where the loop ran out of work.
type haltSignal struct {
	epoch  int64
	status RunStatus
}

// streamItem is either an event or a halt signal.
type streamItem struct {
	evt  WorkflowEvent
	halt *haltSignal
}

var errStreamClosed = errors.New("event stream closed")

// eventQueue is an unbounded multi-producer, single-consumer queue.
type eventQueue struct {
	mu     sync.Mutex
	items  []streamItem
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(item streamItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) tryPop() (streamItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return streamItem{}, false
	}
	item := q.items[0]
	q.items[0] = streamItem{}
	q.items = q.items[1:]
	return item, true
}

// pop blocks until an item is available. It returns errStreamClosed once
// closed is done and the queue is empty.
func (q *eventQueue) pop(ctx context.Context, closed <-chan struct{}) (streamItem, error) {
	for {
		if item, ok := q.tryPop(); ok {
			return item, nil
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return streamItem{}, ctx.Err()
		case <-closed:
			if item, ok := q.tryPop(); ok {
				return item, nil
			}
			return streamItem{}, errStreamClosed
		}
	}
}

// drain discards every queued item and reports how many there were.
func (q *eventQueue) drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

// inputGate wakes the loop when input arrives. Signals do not accumulate: any
// number of signals before a wait release exactly one wait.
type inputGate struct {
	ch chan struct{}
}

func newInputGate() *inputGate {
	return &inputGate{ch: make(chan struct{}, 1)}
}

func (g *inputGate) signal() {
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

// wait blocks for a signal, for at most timeout, or until ctx is done. It
// reports whether a signal was received.
func (g *inputGate) wait(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-g.ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
