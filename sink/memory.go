package sink

import (
	"context"
	"sync"

	"github.com/ethereum-optimism/infra/test-reporter/types"
)

// Nop accepts and discards every batch. It is used when delivery is
// disabled outside CI.
type Nop struct{}

var _ Sink = Nop{}

func (Nop) Name() string                       { return "nop" }
func (Nop) EnsureSchema(context.Context) error { return nil }
func (Nop) Close() error                       { return nil }
func (Nop) InsertBatch(context.Context, []types.Record) ([]RowError, error) {
	return nil, nil
}

// Memory keeps every inserted batch in memory. Fail, when set, is consulted
// for each batch and may return row or batch errors; rejected rows are not
// stored.
type Memory struct {
	mu      sync.Mutex
	batches [][]types.Record
	schemas int
	closed  bool

	Fail func(batch int, records []types.Record) ([]RowError, error)
}

var _ Sink = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) EnsureSchema(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemas++
	return nil
}

func (m *Memory) InsertBatch(_ context.Context, records []types.Record) ([]RowError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := len(m.batches)
	var rowErrs []RowError
	if m.Fail != nil {
		var err error
		rowErrs, err = m.Fail(batch, records)
		if err != nil {
			m.batches = append(m.batches, nil)
			return nil, err
		}
	}
	failed := make(map[int]struct{}, len(rowErrs))
	for _, re := range rowErrs {
		failed[re.Index] = struct{}{}
	}
	kept := make([]types.Record, 0, len(records))
	for i, rec := range records {
		if _, ok := failed[i]; !ok {
			kept = append(kept, rec)
		}
	}
	m.batches = append(m.batches, kept)
	return rowErrs, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Batches returns the number of InsertBatch calls seen.
func (m *Memory) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

// Records returns every stored record in insertion order.
func (m *Memory) Records() []types.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Record
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

// SchemaCalls returns the number of EnsureSchema calls seen.
func (m *Memory) SchemaCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.schemas
}

func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
