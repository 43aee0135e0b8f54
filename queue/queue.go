// Package queue implements the bounded hand-off buffer between test
// invocations and the background shipper.
package queue

import (
	"context"
	"time"

	"github.com/ethereum-optimism/infra/test-reporter/types"
)

// DefaultCapacity is the number of records buffered before producers block.
const DefaultCapacity = 1000

// Queue is a bounded FIFO of records. Offer blocks while the queue is full,
// pausing the producing test rather than dropping telemetry.
type Queue struct {
	ch chan types.Record
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{ch: make(chan types.Record, capacity)}
}

// Offer enqueues rec, blocking until space is available or ctx is done.
func (q *Queue) Offer(ctx context.Context, rec types.Record) error {
	select {
	case q.ch <- rec:
		return nil
	default:
	}
	select {
	case q.ch <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll returns the next record, or false if none arrives within timeout.
func (q *Queue) Poll(timeout time.Duration) (types.Record, bool) {
	select {
	case rec := <-q.ch:
		return rec, true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case rec := <-q.ch:
		return rec, true
	case <-timer.C:
		return types.Record{}, false
	}
}

// Len returns the number of records currently buffered.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}
