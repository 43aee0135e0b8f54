// Package shipper drains the delivery queue on a single background goroutine
// and flushes batches of records to a sink.
package shipper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/test-reporter/metrics"
	"github.com/ethereum-optimism/infra/test-reporter/queue"
	"github.com/ethereum-optimism/infra/test-reporter/sink"
	"github.com/ethereum-optimism/infra/test-reporter/types"
)

const (
	DefaultFlushInterval = 500 * time.Millisecond
	DefaultPollInterval  = 100 * time.Millisecond
)

var (
	// ErrStopped is returned by Submit once shutdown has begun. The record
	// is dropped.
	ErrStopped = errors.New("shipper stopped")
	// ErrNotStarted is returned by Submit before Start.
	ErrNotStarted = errors.New("shipper not started")
)

// State is the lifecycle of a Shipper.
type State int32

const (
	NotStarted State = iota
	Running
	Draining // Sentinel enqueued, final flush pending
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Config struct {
	FlushInterval time.Duration // Flush once this much time has passed since the last flush
	PollInterval  time.Duration // How long a single queue poll waits
	FlushTimeout  time.Duration // Deadline for one InsertBatch call, 0 for none
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Stats counts what the shipper has done so far.
type Stats struct {
	Delivered int64
	Failed    int64
	Batches   int64
}

// Shipper owns the consumer side of a queue. Producers call Submit; a single
// goroutine started by Start polls the queue and flushes batches when the
// flush interval has elapsed, when the queue is full or when the Sentinel
// arrives. Failed batches are logged and discarded.
type Shipper struct {
	cfg  Config
	q    *queue.Queue
	sink sink.Sink
	log  log.Logger
	m    metrics.Metricer

	mu    sync.RWMutex // Held for reading by Submit, for writing by lifecycle changes
	state atomic.Int32
	done  chan struct{}

	delivered atomic.Int64
	failed    atomic.Int64
	batches   atomic.Int64
}

func New(cfg Config, q *queue.Queue, s sink.Sink, logger log.Logger, m metrics.Metricer) *Shipper {
	if logger == nil {
		logger = log.New()
	}
	if m == nil {
		m = metrics.NoopMetrics
	}
	return &Shipper{
		cfg:  cfg.withDefaults(),
		q:    q,
		sink: s,
		log:  logger.New("component", "shipper", "sink", s.Name()),
		m:    m,
		done: make(chan struct{}),
	}
}

func (s *Shipper) State() State {
	return State(s.state.Load())
}

// Start provisions the sink schema and launches the background goroutine.
// It is safe to call concurrently; only the first call does any work. A
// schema failure leaves the shipper NotStarted and is returned.
func (s *Shipper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != NotStarted {
		return nil
	}
	if err := s.sink.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to provision schema: %w", err)
	}
	s.state.Store(int32(Running))
	s.log.Debug("Started shipper", "flushInterval", s.cfg.FlushInterval)
	go s.loop()
	return nil
}

// Submit hands rec to the queue, blocking while the queue is full. Records
// submitted once Shutdown has begun are rejected with ErrStopped; every
// record accepted before that is flushed before the shipper stops.
func (s *Shipper) Submit(ctx context.Context, rec types.Record) error {
	if rec.IsSentinel() {
		return errors.New("cannot submit an empty record")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.State() {
	case NotStarted:
		return ErrNotStarted
	case Draining, Stopped:
		s.m.RecordDropped()
		return ErrStopped
	}
	if err := s.q.Offer(ctx, rec); err != nil {
		return err
	}
	s.m.RecordEnqueued()
	return nil
}

// Shutdown enqueues the Sentinel and waits for the final flush. A shipper
// that was never started moves straight to Stopped. There is no way to
// interrupt an InsertBatch in flight; ctx only bounds the wait.
func (s *Shipper) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	switch s.State() {
	case NotStarted:
		s.state.Store(int32(Stopped))
		close(s.done)
		s.mu.Unlock()
		return nil
	case Draining, Stopped:
		s.mu.Unlock()
		return s.Wait(ctx)
	}
	s.state.Store(int32(Draining))
	s.mu.Unlock()

	if err := s.q.Offer(ctx, types.Sentinel); err != nil {
		return fmt.Errorf("failed to enqueue sentinel: %w", err)
	}
	return s.Wait(ctx)
}

// Wait blocks until the shipper has stopped or ctx is done.
func (s *Shipper) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the shipper has stopped.
func (s *Shipper) Done() <-chan struct{} {
	return s.done
}

func (s *Shipper) Stats() Stats {
	return Stats{
		Delivered: s.delivered.Load(),
		Failed:    s.failed.Load(),
		Batches:   s.batches.Load(),
	}
}

func (s *Shipper) loop() {
	defer close(s.done)

	var batch []types.Record
	lastFlush := time.Now()
	for {
		rec, ok := s.q.Poll(s.cfg.PollInterval)
		finished := ok && rec.IsSentinel()
		if ok && !finished {
			batch = append(batch, rec)
		}
		depth := s.q.Len()
		s.m.RecordQueueDepth(depth)

		if time.Since(lastFlush) > s.cfg.FlushInterval || finished || depth >= s.q.Cap() {
			s.flush(batch)
			batch = nil
			lastFlush = time.Now()
			if finished {
				break
			}
		}
	}

	s.state.Store(int32(Stopped))
	stats := s.Stats()
	s.log.Info("Logging to sink complete", "reported", stats.Delivered+stats.Failed,
		"delivered", stats.Delivered, "failed", stats.Failed, "batches", stats.Batches)
}

func (s *Shipper) flush(batch []types.Record) {
	if len(batch) == 0 {
		return
	}
	ctx := context.Background()
	if s.cfg.FlushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.FlushTimeout)
		defer cancel()
	}

	s.batches.Add(1)
	rowErrs, err := s.sink.InsertBatch(ctx, batch)
	if err != nil {
		s.failed.Add(int64(len(batch)))
		s.log.Error("Failed to insert test results", "records", len(batch), "err", err)
		return
	}
	s.failed.Add(int64(len(rowErrs)))
	s.delivered.Add(int64(len(batch) - len(rowErrs)))
	if len(rowErrs) > 0 {
		s.log.Warn("Failed to insert some test results. See errors below.", "records", len(batch), "failed", len(rowErrs))
		for _, re := range rowErrs {
			s.log.Warn(re.Err.Error(), "row", re.Index)
		}
	}
}
