// Package sink defines the delivery target for test records and the
// wrappers shared by every backend.
package sink

import (
	"context"
	"fmt"

	"github.com/ethereum-optimism/infra/test-reporter/types"
)

// Sink is a destination table for test records.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string
	// EnsureSchema creates the destination table if it is missing and adds
	// any column that is required but absent. Existing columns and data are
	// never dropped.
	EnsureSchema(ctx context.Context) error
	// InsertBatch submits records as one bulk operation where the backend
	// supports it. Row-level failures are returned as RowErrors; a non-nil
	// error means the whole batch was rejected.
	InsertBatch(ctx context.Context, records []types.Record) ([]RowError, error)
	Close() error
}

// RowError is a failure to insert the record at Index of a batch.
type RowError struct {
	Index int
	Err   error
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Index, e.Err)
}

func (e RowError) Unwrap() error {
	return e.Err
}

// AllRows expands a batch-wide failure into one RowError per record.
func AllRows(n int, err error) []RowError {
	out := make([]RowError, n)
	for i := range out {
		out[i] = RowError{Index: i, Err: err}
	}
	return out
}
