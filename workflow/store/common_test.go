package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// runStoreConformance exercises the CheckpointStore contract against any
// backend. newStore must return an empty store.
func runStoreConformance(t *testing.T, newStore func(t *testing.T) CheckpointStore) {
	t.Helper()
	ctx := context.Background()
	created := time.Date(2025, 6, 1, 10, 30, 0, 123456789, time.UTC)

	rec := func(runID, id string, seq int64) Record {
		return Record{
			RunID:        runID,
			CheckpointID: id,
			Sequence:     seq,
			StepNumber:   int(seq) * 2,
			Codec:        "json",
			Payload:      []byte(fmt.Sprintf(`{"id":%q}`, id)),
			CreatedAt:    created,
		}
	}

	t.Run("put and get", func(t *testing.T) {
		s := newStore(t)
		want := rec("run-1", "cp-1", 1)
		want.ParentID = "cp-0"
		if err := s.Put(ctx, want); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := s.Get(ctx, "run-1", "cp-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Sequence != 1 || got.StepNumber != 2 || got.ParentID != "cp-0" || got.Codec != "json" {
			t.Errorf("unexpected record: %+v", got)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("expected payload %q, got %q", want.Payload, got.Payload)
		}
		if !got.CreatedAt.Equal(created) {
			t.Errorf("expected created %v, got %v", created, got.CreatedAt)
		}
	})

	t.Run("get missing returns ErrNotFound", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(ctx, "run-1", "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.Latest(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound from Latest, got %v", err)
		}
	})

	t.Run("put replaces", func(t *testing.T) {
		s := newStore(t)
		first := rec("run-1", "cp-1", 1)
		if err := s.Put(ctx, first); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		second := first
		second.Payload = []byte(`{"v":2}`)
		second.Codec = "msgpack+zstd"
		if err := s.Put(ctx, second); err != nil {
			t.Fatalf("second Put failed: %v", err)
		}
		got, err := s.Get(ctx, "run-1", "cp-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got.Payload) != `{"v":2}` || got.Codec != "msgpack+zstd" {
			t.Errorf("record was not replaced: %+v", got)
		}
		list, _ := s.List(ctx, "run-1")
		if len(list) != 1 {
			t.Errorf("expected 1 record after replace, got %d", len(list))
		}
	})

	t.Run("list orders by sequence and isolates runs", func(t *testing.T) {
		s := newStore(t)
		for _, r := range []Record{rec("run-1", "c", 3), rec("run-1", "a", 1), rec("run-2", "x", 1), rec("run-1", "b", 2)} {
			if err := s.Put(ctx, r); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
		}
		list, err := s.List(ctx, "run-1")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		var ids []string
		for _, r := range list {
			ids = append(ids, r.CheckpointID)
			if r.Payload != nil {
				t.Errorf("List should omit payloads, got %q", r.Payload)
			}
		}
		if fmt.Sprint(ids) != "[a b c]" {
			t.Errorf("expected [a b c], got %v", ids)
		}

		empty, err := s.List(ctx, "unknown")
		if err != nil {
			t.Fatalf("List of unknown run failed: %v", err)
		}
		if empty == nil || len(empty) != 0 {
			t.Errorf("expected empty non-nil slice, got %#v", empty)
		}
	})

	t.Run("latest returns highest sequence", func(t *testing.T) {
		s := newStore(t)
		_ = s.Put(ctx, rec("run-1", "b", 5))
		_ = s.Put(ctx, rec("run-1", "a", 2))
		got, err := s.Latest(ctx, "run-1")
		if err != nil {
			t.Fatalf("Latest failed: %v", err)
		}
		if got.CheckpointID != "b" || len(got.Payload) == 0 {
			t.Errorf("expected b with payload, got %+v", got)
		}
	})

	t.Run("delete run", func(t *testing.T) {
		s := newStore(t)
		_ = s.Put(ctx, rec("run-1", "a", 1))
		_ = s.Put(ctx, rec("run-2", "a", 1))
		if err := s.DeleteRun(ctx, "run-1"); err != nil {
			t.Fatalf("DeleteRun failed: %v", err)
		}
		if _, err := s.Get(ctx, "run-1", "a"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected run-1 deleted, got %v", err)
		}
		if _, err := s.Get(ctx, "run-2", "a"); err != nil {
			t.Errorf("run-2 should survive: %v", err)
		}
	})

	t.Run("concurrent puts", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := s.Put(ctx, rec("run-c", fmt.Sprintf("cp-%02d", i), int64(i))); err != nil {
					t.Errorf("Put %d failed: %v", i, err)
				}
			}(i)
		}
		wg.Wait()
		list, err := s.List(ctx, "run-c")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(list) != 20 {
			t.Errorf("expected 20 records, got %d", len(list))
		}
	})

	t.Run("closed store rejects operations", func(t *testing.T) {
		s := newStore(t)
		if err := s.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("second Close should be a no-op, got %v", err)
		}
		if err := s.Put(ctx, rec("run-1", "a", 1)); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
		if _, err := s.List(ctx, "run-1"); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed from List, got %v", err)
		}
	})
}
