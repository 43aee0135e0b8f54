package sink

import (
	"context"
	"time"

	"github.com/ethereum-optimism/infra/test-reporter/metrics"
	"github.com/ethereum-optimism/infra/test-reporter/types"
)

// Instrumented wraps a Sink and records batch and row metrics.
type Instrumented struct {
	inner Sink
	m     metrics.Metricer
}

var _ Sink = (*Instrumented)(nil)

func NewInstrumented(inner Sink, m metrics.Metricer) *Instrumented {
	return &Instrumented{inner: inner, m: m}
}

func (s *Instrumented) Name() string {
	return s.inner.Name()
}

func (s *Instrumented) EnsureSchema(ctx context.Context) error {
	err := s.inner.EnsureSchema(ctx)
	s.m.RecordErrorDetails("ensure_schema", err)
	return err
}

func (s *Instrumented) InsertBatch(ctx context.Context, records []types.Record) ([]RowError, error) {
	start := time.Now()
	rowErrs, err := s.inner.InsertBatch(ctx, records)
	failed := len(rowErrs)
	if err != nil {
		failed = len(records)
		s.m.RecordErrorDetails("insert_batch", err)
	}
	s.m.RecordFlush(s.inner.Name(), len(records)-failed, failed, time.Since(start))
	return rowErrs, err
}

func (s *Instrumented) Close() error {
	return s.inner.Close()
}
