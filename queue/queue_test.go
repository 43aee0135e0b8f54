package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/test-reporter/types"
)

func record(method string) types.Record {
	return types.NewRecord(types.RecordParams{Method: method, Start: time.Now(), End: time.Now()})
}

func TestDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Cap())
	assert.Equal(t, 7, New(7).Cap())
}

func TestFIFOOrder(t *testing.T) {
	q := New(10)
	ctx := context.Background()
	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, q.Offer(ctx, record(m)))
	}
	require.Equal(t, 3, q.Len())

	for _, m := range []string{"a", "b", "c"} {
		rec, ok := q.Poll(time.Second)
		require.True(t, ok)
		assert.Equal(t, m, rec.Method)
	}
}

func TestPollTimesOut(t *testing.T) {
	q := New(1)
	start := time.Now()
	_, ok := q.Poll(20 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestOfferBlocksWhenFull(t *testing.T) {
	const capacity = 5
	q := New(capacity)
	ctx := context.Background()
	for i := 0; i < capacity; i++ {
		require.NoError(t, q.Offer(ctx, record("fill")))
	}

	done := make(chan error, 1)
	go func() {
		done <- q.Offer(ctx, record("overflow"))
	}()

	select {
	case <-done:
		t.Fatal("offer on a full queue must block")
	case <-time.After(50 * time.Millisecond):
	}

	_, ok := q.Poll(time.Second)
	require.True(t, ok)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("offer did not unblock after a record was removed")
	}
	assert.Equal(t, capacity, q.Len())
}

func TestOfferHonoursContext(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Offer(context.Background(), record("fill")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Offer(ctx, record("blocked"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, q.Len())
}
