package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/stepflow/workflow/codec"
	"github.com/dshills/stepflow/workflow/store"
)

// StoreCheckpointManager persists checkpoints in a store.CheckpointStore,
// encoding them with a codec. Records written with a different codec remain
// readable: each record names the codec that produced it.
type StoreCheckpointManager struct {
	store store.CheckpointStore
	codec codec.Codec
}

// NewStoreCheckpointManager returns a manager writing to s with c. A nil c
// selects JSON.
func NewStoreCheckpointManager(s store.CheckpointStore, c codec.Codec) *StoreCheckpointManager {
	if c == nil {
		c = codec.NewJSONCodec()
	}
	return &StoreCheckpointManager{store: s, codec: c}
}

func (m *StoreCheckpointManager) Commit(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.RunID == "" || cp.CheckpointID == "" {
		return fmt.Errorf("checkpoint must have a run id and a checkpoint id")
	}
	data, err := m.codec.Encode(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", cp.CheckpointID, err)
	}
	return m.store.Put(ctx, store.Record{
		RunID:        cp.RunID,
		CheckpointID: cp.CheckpointID,
		Sequence:     cp.Sequence,
		ParentID:     cp.ParentID,
		StepNumber:   cp.StepNumber,
		Codec:        m.codec.Name(),
		Payload:      data,
		CreatedAt:    cp.CreatedAt,
	})
}

func (m *StoreCheckpointManager) Lookup(ctx context.Context, runID, checkpointID string) (*Checkpoint, error) {
	rec, err := m.store.Get(ctx, runID, checkpointID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrCheckpointNotFound, runID, checkpointID)
		}
		return nil, err
	}
	return m.decode(rec)
}

func (m *StoreCheckpointManager) List(ctx context.Context, runID string) ([]CheckpointInfo, error) {
	recs, err := m.store.List(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make([]CheckpointInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, CheckpointInfo{RunID: rec.RunID, CheckpointID: rec.CheckpointID, Sequence: rec.Sequence})
	}
	return out, nil
}

// Latest loads runID's most recent checkpoint.
func (m *StoreCheckpointManager) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	rec, err := m.store.Latest(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: run %s has no checkpoints", ErrCheckpointNotFound, runID)
		}
		return nil, err
	}
	return m.decode(rec)
}

func (m *StoreCheckpointManager) decode(rec store.Record) (*Checkpoint, error) {
	c := m.codec
	if rec.Codec != c.Name() {
		var err error
		if c, err = codec.ByName(rec.Codec); err != nil {
			return nil, fmt.Errorf("checkpoint %s: %w", rec.CheckpointID, err)
		}
	}
	var cp Checkpoint
	if err := c.Decode(rec.Payload, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", rec.CheckpointID, err)
	}
	return &cp, nil
}
