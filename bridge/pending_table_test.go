package bridge

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingTable(t *testing.T) {
	t.Run("Register rejects duplicate ids", func(t *testing.T) {
		table := NewPendingTable(0)

		require.NoError(t, table.Register(NewPendingRequest("a", time.Second, nil)))
		err := table.Register(NewPendingRequest("a", time.Second, nil))

		assert.ErrorIs(t, err, ErrDuplicateID)
		assert.Equal(t, 1, table.Size())
	})

	t.Run("Register enforces capacity", func(t *testing.T) {
		table := NewPendingTable(2)

		require.NoError(t, table.Register(NewPendingRequest("a", time.Second, nil)))
		require.NoError(t, table.Register(NewPendingRequest("b", time.Second, nil)))
		err := table.Register(NewPendingRequest("c", time.Second, nil))

		assert.ErrorIs(t, err, ErrTooManyPending)
		assert.Equal(t, 2, table.Size())
	})

	t.Run("Take removes the entry", func(t *testing.T) {
		table := NewPendingTable(0)
		p := NewPendingRequest("a", time.Second, nil)
		require.NoError(t, table.Register(p))

		got, ok := table.Take("a")
		assert.True(t, ok)
		assert.Same(t, p, got)
		assert.Equal(t, 0, table.Size())

		_, ok = table.Take("a")
		assert.False(t, ok)
	})

	t.Run("Take of an unknown id has no effect", func(t *testing.T) {
		table := NewPendingTable(0)
		require.NoError(t, table.Register(NewPendingRequest("a", time.Second, nil)))

		_, ok := table.Take("missing")
		assert.False(t, ok)
		assert.Equal(t, 1, table.Size())
	})

	t.Run("exactly one concurrent Take wins", func(t *testing.T) {
		table := NewPendingTable(0)
		require.NoError(t, table.Register(NewPendingRequest("contended", time.Second, nil)))

		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 64; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, ok := table.Take("contended"); ok {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins)
	})

	t.Run("Drain empties the table", func(t *testing.T) {
		table := NewPendingTable(0)
		for i := 0; i < 5; i++ {
			require.NoError(t, table.Register(NewPendingRequest(fmt.Sprintf("id-%d", i), time.Second, nil)))
		}

		drained := table.Drain()
		assert.Len(t, drained, 5)
		assert.Equal(t, 0, table.Size())
		assert.Empty(t, table.Drain())
	})
}

func TestPendingRequest(t *testing.T) {
	t.Run("deadline is timeout after creation", func(t *testing.T) {
		p := NewPendingRequest("a", 5*time.Second, nil)
		assert.Equal(t, 5*time.Second, p.DeadlineAt.Sub(p.CreatedAt))
	})

	t.Run("Resolve without a resolver reports false", func(t *testing.T) {
		p := NewPendingRequest("a", time.Second, nil)
		assert.False(t, p.Resolve(Result{}))
	})

	t.Run("Resolve reaches the future once", func(t *testing.T) {
		f := newFuture()
		p := NewPendingRequest("a", time.Second, f.complete)

		assert.True(t, p.Resolve(Result{Reply: &Reply{CorrelationID: "a"}}))
		assert.False(t, p.Resolve(Result{Err: ErrTimeout}))

		result, done := f.Result()
		require.True(t, done)
		assert.NoError(t, result.Err)
		assert.Equal(t, "a", result.Reply.CorrelationID)
	})
}
