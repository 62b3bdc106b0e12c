package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// CheckpointInfo identifies a checkpoint.
type CheckpointInfo struct {
	RunID        string `json:"run_id"`
	CheckpointID string `json:"checkpoint_id"`
	// Sequence increases with every checkpoint of a run.
	Sequence int64 `json:"sequence"`
}

// Checkpoint is a consistent cut of a run taken at a superstep boundary. It
// holds everything needed to continue scheduling without replaying messages:
// the queued messages of the next superstep, outstanding external requests,
// the ids of instantiated executors, fan-in barriers and published state.
type Checkpoint struct {
	RunID               string                `json:"run_id"`
	CheckpointID        string                `json:"checkpoint_id"`
	Sequence            int64                 `json:"sequence"`
	ParentID            string                `json:"parent_id,omitempty"`
	StepNumber          int                   `json:"step_number"`
	WorkflowFingerprint string                `json:"workflow_fingerprint"`
	Runner              RunnerState           `json:"runner"`
	State               []ScopeSnapshot       `json:"state"`
	Edges               map[string]FanInState `json:"edges"`
	CreatedAt           time.Time             `json:"created_at"`
}

// Info returns the checkpoint's identity.
func (c *Checkpoint) Info() CheckpointInfo {
	return CheckpointInfo{RunID: c.RunID, CheckpointID: c.CheckpointID, Sequence: c.Sequence}
}

// CheckpointManager persists checkpoints.
type CheckpointManager interface {
	// Commit stores cp. Committing an existing (RunID, CheckpointID) pair
	// replaces it.
	Commit(ctx context.Context, cp *Checkpoint) error

	// Lookup loads a checkpoint. It returns an error wrapping
	// ErrCheckpointNotFound when none exists.
	Lookup(ctx context.Context, runID, checkpointID string) (*Checkpoint, error)

	// List returns runID's checkpoints ordered by Sequence.
	List(ctx context.Context, runID string) ([]CheckpointInfo, error)
}

// InMemoryCheckpointManager keeps checkpoints in process memory.
type InMemoryCheckpointManager struct {
	mu    sync.RWMutex
	byRun map[string]map[string]*Checkpoint
}

// NewInMemoryCheckpointManager returns an empty manager.
func NewInMemoryCheckpointManager() *InMemoryCheckpointManager {
	return &InMemoryCheckpointManager{byRun: make(map[string]map[string]*Checkpoint)}
}

func (m *InMemoryCheckpointManager) Commit(_ context.Context, cp *Checkpoint) error {
	if cp == nil || cp.RunID == "" || cp.CheckpointID == "" {
		return fmt.Errorf("checkpoint must have a run id and a checkpoint id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.byRun[cp.RunID]
	if !ok {
		run = make(map[string]*Checkpoint)
		m.byRun[cp.RunID] = run
	}
	run[cp.CheckpointID] = cp
	return nil
}

func (m *InMemoryCheckpointManager) Lookup(_ context.Context, runID, checkpointID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.byRun[runID][checkpointID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrCheckpointNotFound, runID, checkpointID)
	}
	return cp, nil
}

func (m *InMemoryCheckpointManager) List(_ context.Context, runID string) ([]CheckpointInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CheckpointInfo, 0, len(m.byRun[runID]))
	for _, cp := range m.byRun[runID] {
		out = append(out, cp.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// exportCheckpoint builds a checkpoint of rc. Queued state updates must have
// been published.
func (rc *runnerContext) exportCheckpoint() (*Checkpoint, error) {
	runner, err := rc.exportRunner()
	if err != nil {
		return nil, err
	}
	edges, err := rc.exportEdges()
	if err != nil {
		return nil, err
	}
	state, err := rc.state.Export()
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		RunID:               rc.runID,
		WorkflowFingerprint: rc.wf.fingerprint,
		Runner:              runner,
		State:               state,
		Edges:               edges,
	}, nil
}
