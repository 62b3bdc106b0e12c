package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeID(t *testing.T) {
	p := PrivateScope("a")
	s := SharedScope("counters")
	assert.False(t, p.IsShared())
	assert.True(t, s.IsShared())
	assert.Equal(t, "private:a", p.String())
	assert.Equal(t, "shared:counters", s.String())
	assert.True(t, s.Equal(SharedScope("counters")))
	assert.False(t, p.Equal(PrivateScope("b")))
}

func TestStateManager(t *testing.T) {
	shared := SharedScope("s")

	t.Run("queued writes are visible only to their writer", func(t *testing.T) {
		m := NewStateManager()
		m.Write("a", shared, "k", 1)

		v, ok := m.Read("a", shared, "k")
		assert.True(t, ok)
		assert.Equal(t, 1, v)
		_, ok = m.Read("b", shared, "k")
		assert.False(t, ok)
		assert.True(t, m.HasPending())

		changed, err := m.Publish()
		require.NoError(t, err)
		assert.True(t, changed)
		v, ok = m.Read("b", shared, "k")
		assert.True(t, ok)
		assert.Equal(t, 1, v)
	})

	t.Run("repeated writes by one writer collapse", func(t *testing.T) {
		m := NewStateManager()
		m.Write("a", shared, "k", 1)
		m.Write("a", shared, "k", 2)
		_, err := m.Publish()
		require.NoError(t, err)
		v, _ := m.Read("x", shared, "k")
		assert.Equal(t, 2, v)
	})

	t.Run("two writers of one key conflict", func(t *testing.T) {
		m := NewStateManager()
		m.Write("a", shared, "k", 1)
		m.Write("b", shared, "k", 2)
		m.Write("a", shared, "other", 3)

		_, err := m.Publish()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrStateConflict))
		var ce *StateConflictError
		require.ErrorAs(t, err, &ce)
		require.Len(t, ce.Conflicts, 1)
		assert.Equal(t, "k", ce.Conflicts[0].Key)
		assert.Equal(t, []string{"a", "b"}, ce.Conflicts[0].Writers)

		_, ok := m.Read("x", shared, "other")
		assert.False(t, ok, "a failed publish applies nothing")
		m.Discard()
		assert.False(t, m.HasPending())
	})

	t.Run("private scopes are distinct", func(t *testing.T) {
		m := NewStateManager()
		m.Write("a", PrivateScope("a"), "k", "A")
		m.Write("b", PrivateScope("b"), "k", "B")
		_, err := m.Publish()
		require.NoError(t, err)
		v, _ := m.Read("a", PrivateScope("a"), "k")
		assert.Equal(t, "A", v)
	})

	t.Run("delete and keys", func(t *testing.T) {
		m := NewStateManager()
		m.Write("a", shared, "x", 1)
		m.Write("a", shared, "y", 2)
		_, _ = m.Publish()

		m.Delete("a", shared, "x")
		m.Write("a", shared, "z", 3)
		assert.Equal(t, []string{"y", "z"}, m.Keys("a", shared))
		assert.Equal(t, []string{"x", "y"}, m.Keys("b", shared))

		_, _ = m.Publish()
		assert.Equal(t, []string{"y", "z"}, m.Keys("b", shared))
	})

	t.Run("clear scope tombstones published and queued keys", func(t *testing.T) {
		m := NewStateManager()
		m.Write("a", shared, "x", 1)
		_, _ = m.Publish()
		m.Write("a", shared, "y", 2)
		m.ClearScope("a", shared)
		assert.Empty(t, m.Keys("a", shared))
		_, err := m.Publish()
		require.NoError(t, err)
		assert.Empty(t, m.Keys("b", shared))
	})

	t.Run("publishing nothing is a no-op", func(t *testing.T) {
		m := NewStateManager()
		changed, err := m.Publish()
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("export requires a published state", func(t *testing.T) {
		m := NewStateManager()
		m.Write("a", shared, "k", 1)
		_, err := m.Export()
		assert.ErrorIs(t, err, ErrUnpublishedState)
	})

	t.Run("export and import", func(t *testing.T) {
		m := NewStateManager()
		m.Write("a", shared, "n", 7)
		m.Write("a", PrivateScope("a"), "name", "alpha")
		_, err := m.Publish()
		require.NoError(t, err)

		snaps, err := m.Export()
		require.NoError(t, err)
		require.Len(t, snaps, 2)

		restored := NewStateManager()
		restored.Write("z", shared, "junk", true)
		restored.Import(snaps)
		assert.False(t, restored.HasPending())

		v, ok := restored.Read("b", shared, "n")
		require.True(t, ok)
		n, err := As[int](v)
		require.NoError(t, err)
		assert.Equal(t, 7, n)
		_, ok = restored.Read("b", shared, "junk")
		assert.False(t, ok)
	})
}
