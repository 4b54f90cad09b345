package rabbitmq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryTracker(t *testing.T) {
	t.Run("limit gates concurrent deliveries", func(t *testing.T) {
		tracker := NewDeliveryTracker(10)
		ctx := context.Background()

		// Fill every slot.
		for tag := uint64(1); tag <= 10; tag++ {
			require.NoError(t, tracker.Acquire(ctx))
			require.NoError(t, tracker.Track(tag))
		}
		assert.Equal(t, 10, tracker.Outstanding())

		// The eleventh delivery blocks until one resolves.
		blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		assert.Error(t, tracker.Acquire(blocked))

		acquired := make(chan struct{})
		go func() {
			if err := tracker.Acquire(ctx); err == nil {
				close(acquired)
			}
		}()

		require.NoError(t, tracker.Resolve(3))
		select {
		case <-acquired:
		case <-time.After(time.Second):
			t.Fatal("slot was not freed by Resolve")
		}
		assert.Equal(t, 9, tracker.Outstanding())
	})

	t.Run("processes a backlog larger than the limit", func(t *testing.T) {
		tracker := NewDeliveryTracker(10)
		ctx := context.Background()

		processed := 0
		inFlight := 0
		for tag := uint64(1); tag <= 15; tag++ {
			require.NoError(t, tracker.Acquire(ctx))
			require.NoError(t, tracker.Track(tag))
			inFlight++
			assert.LessOrEqual(t, inFlight, 10)
			if inFlight == 10 {
				// Drain half before taking more.
				for drain := tag - 9; drain <= tag-5; drain++ {
					require.NoError(t, tracker.Resolve(drain))
					inFlight--
					processed++
				}
			}
		}
		assert.Equal(t, 15, processed+tracker.Outstanding())
	})

	t.Run("resolving an unknown tag fails loudly", func(t *testing.T) {
		tracker := NewDeliveryTracker(5)

		err := tracker.Resolve(42)
		assert.ErrorIs(t, err, ErrUnknownDeliveryTag)
	})

	t.Run("double resolve fails loudly", func(t *testing.T) {
		tracker := NewDeliveryTracker(5)
		require.NoError(t, tracker.Acquire(context.Background()))
		require.NoError(t, tracker.Track(7))

		assert.NoError(t, tracker.Resolve(7))
		assert.ErrorIs(t, tracker.Resolve(7), ErrUnknownDeliveryTag)
	})

	t.Run("tracking a tag twice fails", func(t *testing.T) {
		tracker := NewDeliveryTracker(5)
		ctx := context.Background()
		require.NoError(t, tracker.Acquire(ctx))
		require.NoError(t, tracker.Track(1))
		require.NoError(t, tracker.Acquire(ctx))

		assert.ErrorIs(t, tracker.Track(1), ErrUnknownDeliveryTag)
		tracker.Release()
	})

	t.Run("reset clears the ledger and frees all slots", func(t *testing.T) {
		tracker := NewDeliveryTracker(3)
		ctx := context.Background()
		for tag := uint64(1); tag <= 3; tag++ {
			require.NoError(t, tracker.Acquire(ctx))
			require.NoError(t, tracker.Track(tag))
		}

		tracker.Reset()

		assert.Equal(t, 0, tracker.Outstanding())
		for tag := uint64(10); tag <= 12; tag++ {
			require.NoError(t, tracker.Acquire(ctx))
			require.NoError(t, tracker.Track(tag))
		}
	})

	t.Run("non-positive limit defaults to one", func(t *testing.T) {
		tracker := NewDeliveryTracker(0)
		assert.Equal(t, 1, tracker.Limit())
	})
}
