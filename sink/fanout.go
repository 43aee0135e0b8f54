package sink

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/ethereum-optimism/infra/test-reporter/types"
)

// Fanout delivers every batch to several sinks concurrently, for example an
// analytics table and a relational database at the same time.
type Fanout struct {
	sinks []Sink
}

var _ Sink = (*Fanout)(nil)

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) Name() string {
	names := make([]string, len(f.sinks))
	for i, s := range f.sinks {
		names[i] = s.Name()
	}
	return strings.Join(names, "+")
}

func (f *Fanout) EnsureSchema(ctx context.Context) error {
	p := pool.New().WithContext(ctx)
	for _, s := range f.sinks {
		p.Go(func(ctx context.Context) error {
			if err := s.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("%s: %w", s.Name(), err)
			}
			return nil
		})
	}
	return p.Wait()
}

// InsertBatch sends records to every sink. A sink that rejects the whole
// batch contributes a RowError for each record; the returned error is only
// set when every sink rejected the batch.
func (f *Fanout) InsertBatch(ctx context.Context, records []types.Record) ([]RowError, error) {
	rowErrs := make([][]RowError, len(f.sinks))
	batchErrs := make([]error, len(f.sinks))

	var wg conc.WaitGroup
	for i, s := range f.sinks {
		wg.Go(func() {
			rowErrs[i], batchErrs[i] = s.InsertBatch(ctx, records)
		})
	}
	wg.Wait()

	failed := 0
	byIndex := make(map[int][]error)
	for i, s := range f.sinks {
		if batchErrs[i] != nil {
			failed++
			batchErrs[i] = fmt.Errorf("%s: %w", s.Name(), batchErrs[i])
			for _, re := range AllRows(len(records), batchErrs[i]) {
				byIndex[re.Index] = append(byIndex[re.Index], re.Err)
			}
			continue
		}
		for _, re := range rowErrs[i] {
			byIndex[re.Index] = append(byIndex[re.Index], fmt.Errorf("%s: %w", s.Name(), re.Err))
		}
	}
	if len(f.sinks) > 0 && failed == len(f.sinks) {
		return nil, errors.Join(batchErrs...)
	}

	indexes := make([]int, 0, len(byIndex))
	for idx := range byIndex {
		indexes = append(indexes, idx)
	}
	slices.Sort(indexes)
	merged := make([]RowError, 0, len(indexes))
	for _, idx := range indexes {
		merged = append(merged, RowError{Index: idx, Err: errors.Join(byIndex[idx]...)})
	}
	return merged, nil
}

func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
