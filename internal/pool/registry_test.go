package pool

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertDisjoint fails if any handle of topic is both available and busy.
func assertDisjoint(t *testing.T, r *Registry, topic string) {
	t.Helper()
	snap, ok := r.Snapshot(topic)
	if !ok {
		return
	}
	for _, h := range snap.Available {
		assert.NotContains(t, snap.Busy, h, "handle %d is both available and busy", h)
	}
}

func TestRegister(t *testing.T) {
	t.Run("creates the entry lazily", func(t *testing.T) {
		r := NewRegistry()
		_, ok := r.Snapshot("fn-a")
		assert.False(t, ok)

		assert.True(t, r.Register("fn-a", 10))

		snap, ok := r.Snapshot("fn-a")
		require.True(t, ok)
		assert.Equal(t, []Handle{10}, snap.Available)
		assert.Empty(t, snap.Busy)
	})

	t.Run("duplicate registration keeps one occurrence", func(t *testing.T) {
		r := NewRegistry()
		assert.True(t, r.Register("fn-a", 10))
		assert.False(t, r.Register("fn-a", 10))

		snap, _ := r.Snapshot("fn-a")
		assert.Equal(t, []Handle{10}, snap.Available)
	})

	t.Run("re-registering a busy handle does not make it available", func(t *testing.T) {
		r := NewRegistry()
		r.Register("fn-a", 10)
		_, err := r.Allocate("fn-a")
		require.NoError(t, err)

		assert.False(t, r.Register("fn-a", 10))

		snap, _ := r.Snapshot("fn-a")
		assert.Empty(t, snap.Available)
		assert.Equal(t, []Handle{10}, snap.Busy)
		assertDisjoint(t, r, "fn-a")
	})

	t.Run("same pid under different topics is tracked separately", func(t *testing.T) {
		r := NewRegistry()
		assert.True(t, r.Register("fn-a", 10))
		assert.True(t, r.Register("fn-b", 10))
		assert.Equal(t, []string{"fn-a", "fn-b"}, r.Topics())
	})
}

func TestAllocate(t *testing.T) {
	t.Run("returns available handles in FIFO order and marks them busy", func(t *testing.T) {
		r := NewRegistry()
		r.Register("fn-a", 1)
		r.Register("fn-a", 2)

		h, err := r.Allocate("fn-a")
		require.NoError(t, err)
		assert.Equal(t, Handle(1), h)

		snap, _ := r.Snapshot("fn-a")
		assert.Equal(t, []Handle{2}, snap.Available)
		assert.Equal(t, []Handle{1}, snap.Busy)
		assertDisjoint(t, r, "fn-a")
	})

	t.Run("unknown topic", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.Allocate("missing")
		assert.True(t, errors.Is(err, ErrUnknownTopic))
	})

	t.Run("empty pool", func(t *testing.T) {
		r := NewRegistry()
		r.SetSpawner("fn-a", 99)
		_, err := r.Allocate("fn-a")
		assert.True(t, errors.Is(err, ErrNoAvailableWorker))
	})
}

func TestFree(t *testing.T) {
	t.Run("free then allocate can return the same handle", func(t *testing.T) {
		r := NewRegistry()
		r.Register("fn-a", 7)

		h, err := r.Allocate("fn-a")
		require.NoError(t, err)
		require.NoError(t, r.Free("fn-a", h))

		again, err := r.Allocate("fn-a")
		require.NoError(t, err)
		assert.Equal(t, h, again)
	})

	t.Run("freed handle goes to the tail", func(t *testing.T) {
		r := NewRegistry()
		r.Register("fn-a", 1)
		r.Register("fn-a", 2)

		h, _ := r.Allocate("fn-a")
		require.NoError(t, r.Free("fn-a", h))

		snap, _ := r.Snapshot("fn-a")
		assert.Equal(t, []Handle{2, 1}, snap.Available)
	})

	t.Run("freeing a handle that is not busy is an error and changes nothing", func(t *testing.T) {
		r := NewRegistry()
		r.Register("fn-a", 1)
		r.Register("fn-a", 2)
		_, err := r.Allocate("fn-a")
		require.NoError(t, err)

		before, _ := r.Snapshot("fn-a")

		err = r.Free("fn-a", 2)
		assert.True(t, errors.Is(err, ErrNotBusy))

		err = r.Free("fn-a", 42)
		assert.True(t, errors.Is(err, ErrNotBusy))

		after, _ := r.Snapshot("fn-a")
		assert.Equal(t, before, after)
	})

	t.Run("unknown topic", func(t *testing.T) {
		r := NewRegistry()
		err := r.Free("missing", 1)
		assert.True(t, errors.Is(err, ErrUnknownTopic))
	})
}

func TestSpawner(t *testing.T) {
	r := NewRegistry()

	_, err := r.Spawner("fn-a")
	assert.True(t, errors.Is(err, ErrUnknownTopic))

	r.Register("fn-a", 1)
	_, err = r.Spawner("fn-a")
	assert.True(t, errors.Is(err, ErrNoSpawner))

	r.SetSpawner("fn-a", 100)
	r.SetSpawner("fn-b", 200)

	h, err := r.Spawner("fn-a")
	require.NoError(t, err)
	assert.Equal(t, Handle(100), h)

	assert.Equal(t, map[string]Handle{"fn-a": 100, "fn-b": 200}, r.Spawners())
}

func TestChanged(t *testing.T) {
	r := NewRegistry()

	_, err := r.Changed("fn-a")
	assert.True(t, errors.Is(err, ErrUnknownTopic))
	assert.Empty(t, r.Topics(), "watching must not create the topic")

	r.SetSpawner("fn-a", 100)
	ch, err := r.Changed("fn-a")
	require.NoError(t, err)

	select {
	case <-ch:
		t.Fatal("channel closed before any registration")
	default:
	}

	r.Register("fn-a", 5)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("channel not closed after registration")
	}

	// A duplicate registration does not signal.
	next, err := r.Changed("fn-a")
	require.NoError(t, err)
	r.Register("fn-a", 5)
	select {
	case <-next:
		t.Fatal("duplicate registration signalled a change")
	default:
	}
}

func TestDrain(t *testing.T) {
	r := NewRegistry()
	r.Register("fn-a", 1)
	r.Register("fn-a", 2)
	r.Register("fn-a", 3)
	_, err := r.Allocate("fn-a")
	require.NoError(t, err)

	assert.Equal(t, []Handle{2, 3}, r.DrainAvailable("fn-a"))
	assert.Equal(t, []Handle{1}, r.DrainBusy("fn-a"))

	snap, ok := r.Snapshot("fn-a")
	require.True(t, ok, "entries are drained, not deleted")
	assert.Empty(t, snap.Available)
	assert.Empty(t, snap.Busy)

	assert.Nil(t, r.DrainAvailable("missing"))
}

func TestConcurrentAllocateFree(t *testing.T) {
	r := NewRegistry()
	topics := []string{"fn-a", "fn-b", "fn-c"}
	for _, topic := range topics {
		for i := 1; i <= 20; i++ {
			r.Register(topic, Handle(i))
		}
	}

	var wg sync.WaitGroup
	for _, topic := range topics {
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func(topic string) {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					h, err := r.Allocate(topic)
					if err != nil {
						continue
					}
					if err := r.Free(topic, h); err != nil {
						panic(fmt.Sprintf("free of allocated handle failed: %v", err))
					}
				}
			}(topic)
		}
	}
	wg.Wait()

	for _, topic := range topics {
		available, busy := r.Counts(topic)
		assert.Equal(t, 20, available, "no handle lost or duplicated on %s", topic)
		assert.Equal(t, 0, busy)
		assertDisjoint(t, r, topic)
	}
}
