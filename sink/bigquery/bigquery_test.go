package bigquery

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	bq "cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/ethereum-optimism/infra/test-reporter/sink"
	"github.com/ethereum-optimism/infra/test-reporter/types"
)

type fakeTable struct {
	mu        sync.Mutex
	md        *bq.TableMetadata
	createErr error
	updateErr error
	putErr    error
	creates   int
	updates   int
	puts      [][]*Row
}

func (f *fakeTable) Metadata(context.Context, ...bq.TableMetadataOption) (*bq.TableMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.md == nil {
		return nil, &googleapi.Error{Code: http.StatusNotFound}
	}
	cp := *f.md
	return &cp, nil
}

func (f *fakeTable) Create(_ context.Context, md *bq.TableMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return f.createErr
	}
	f.md = &bq.TableMetadata{Schema: md.Schema, ETag: "v1"}
	return nil
}

func (f *fakeTable) Update(_ context.Context, md bq.TableMetadataToUpdate, etag string, _ ...bq.TableUpdateOption) (*bq.TableMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	if etag != f.md.ETag {
		return nil, &googleapi.Error{Code: http.StatusPreconditionFailed}
	}
	f.md = &bq.TableMetadata{Schema: md.Schema, ETag: f.md.ETag + "+"}
	return f.md, nil
}

func (f *fakeTable) Put(_ context.Context, src any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, src.([]*Row))
	return f.putErr
}

func newTestSink(table Table) *BigQuerySink {
	return NewWithTable(log.NewLogger(log.DiscardHandler()), table)
}

func TestEnsureSchemaCreatesMissingTable(t *testing.T) {
	table := &fakeTable{}
	s := newTestSink(table)

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.Equal(t, 1, table.creates)
	assert.Equal(t, 0, table.updates)
	assert.Equal(t, Schema(), table.md.Schema)
}

func TestEnsureSchemaCreateConflict(t *testing.T) {
	table := &fakeTable{createErr: &googleapi.Error{Code: http.StatusConflict}}
	s := newTestSink(table)

	// the conflicting creator has not made the table visible yet
	err := s.EnsureSchema(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read table metadata")
}

func TestEnsureSchemaAddsMissingFields(t *testing.T) {
	legacy := &bq.FieldSchema{Name: "legacy", Type: bq.StringFieldType}
	existing := bq.Schema{legacy, Schema()[0], Schema()[1]}
	table := &fakeTable{md: &bq.TableMetadata{Schema: existing, ETag: "v1"}}
	s := newTestSink(table)

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.Equal(t, 0, table.creates)
	assert.Equal(t, 1, table.updates)

	got := table.md.Schema
	require.Len(t, got, len(sink.Columns)+1)
	assert.Equal(t, "legacy", got[0].Name, "existing fields keep their position")
	assert.Equal(t, sink.ColTags, got[len(got)-1].Name)

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.Equal(t, 1, table.updates, "a complete schema needs no update")
}

func TestEnsureSchemaUpdateFailure(t *testing.T) {
	table := &fakeTable{
		md:        &bq.TableMetadata{Schema: bq.Schema{Schema()[0]}, ETag: "v1"},
		updateErr: errors.New("permission denied"),
	}
	s := newTestSink(table)

	err := s.EnsureSchema(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestEnsureSchemaMetadataError(t *testing.T) {
	s := newTestSink(&failingMetadata{})
	require.Error(t, s.EnsureSchema(context.Background()))
}

type failingMetadata struct {
	fakeTable
}

func (*failingMetadata) Metadata(context.Context, ...bq.TableMetadataOption) (*bq.TableMetadata, error) {
	return nil, &googleapi.Error{Code: http.StatusForbidden}
}

func TestMergeSchema(t *testing.T) {
	want := Schema()

	merged, added := MergeSchema(nil, want)
	assert.Equal(t, want, merged)
	assert.Equal(t, sink.ColumnNames(sink.Columns), added)

	merged, added = MergeSchema(want, want)
	assert.Equal(t, want, merged)
	assert.Empty(t, added)
}

func TestSchemaFieldTypes(t *testing.T) {
	byName := make(map[string]*bq.FieldSchema)
	for _, f := range Schema() {
		byName[f.Name] = f
	}
	assert.Equal(t, bq.DateTimeFieldType, byName[sink.ColStartTime].Type)
	assert.Equal(t, bq.IntegerFieldType, byName[sink.ColDuration].Type)
	assert.Equal(t, bq.BooleanFieldType, byName[sink.ColSuccess].Type)
	assert.Equal(t, bq.StringFieldType, byName[sink.ColStdout].Type)
	assert.True(t, byName[sink.ColTags].Repeated)
	assert.False(t, byName[sink.ColMethodName].Repeated)
}

func testRecord(method string, tags ...string) types.Record {
	start := time.Date(2024, 5, 1, 12, 0, 0, 123_000_000, time.UTC)
	return types.NewRecord(types.RecordParams{
		Identity:     types.NewIdentity("main", "1a2b3c", "ci-1", "reporter"),
		Class:        "TestSuite",
		Method:       method,
		Start:        start,
		End:          start.Add(2 * time.Second),
		Success:      true,
		DeclaredTags: tags,
	})
}

func TestRowSave(t *testing.T) {
	row := &Row{Record: testRecord("TestA", "x"), InsertID: "id-1"}

	vals, insertID, err := row.Save()
	require.NoError(t, err)
	assert.Equal(t, "id-1", insertID)
	assert.Len(t, vals, len(sink.Columns))
	assert.Equal(t, "TestA", vals[sink.ColMethodName])
	assert.Equal(t, civil.DateTime{Date: civil.Date{Year: 2024, Month: time.May, Day: 1}, Time: civil.Time{Hour: 12, Nanosecond: 123_000_000}}, vals[sink.ColStartTime])
	assert.Equal(t, int64(2000), vals[sink.ColDuration])
	assert.Equal(t, []string{"X"}, vals[sink.ColTags])

	vals, _, err = (&Row{Record: testRecord("TestB")}).Save()
	require.NoError(t, err)
	assert.Equal(t, []string{}, vals[sink.ColTags], "repeated fields must not be null")
}

func TestInsertBatch(t *testing.T) {
	table := &fakeTable{}
	s := newTestSink(table)

	rowErrs, err := s.InsertBatch(context.Background(), []types.Record{testRecord("TestA"), testRecord("TestB")})
	require.NoError(t, err)
	assert.Empty(t, rowErrs)
	require.Len(t, table.puts, 1)
	require.Len(t, table.puts[0], 2)
	assert.NotEqual(t, table.puts[0][0].InsertID, table.puts[0][1].InsertID)
}

func TestInsertBatchRowErrors(t *testing.T) {
	table := &fakeTable{putErr: bq.PutMultiError{
		{RowIndex: 1, Errors: bq.MultiError{errors.New("no such field: foo")}},
	}}
	s := newTestSink(table)

	rowErrs, err := s.InsertBatch(context.Background(), []types.Record{testRecord("TestA"), testRecord("TestB")})
	require.NoError(t, err)
	require.Len(t, rowErrs, 1)
	assert.Equal(t, 1, rowErrs[0].Index)
	assert.Contains(t, rowErrs[0].Error(), "no such field: foo")
}

func TestInsertBatchFailure(t *testing.T) {
	table := &fakeTable{putErr: &googleapi.Error{Code: http.StatusServiceUnavailable}}
	s := newTestSink(table)

	rowErrs, err := s.InsertBatch(context.Background(), []types.Record{testRecord("TestA")})
	require.Error(t, err)
	assert.Nil(t, rowErrs)
}

func TestCloseWithoutClient(t *testing.T) {
	assert.NoError(t, newTestSink(&fakeTable{}).Close())
}

func TestNewValidatesConfig(t *testing.T) {
	logger := log.NewLogger(log.DiscardHandler())
	_, err := New(context.Background(), Config{Dataset: "d", Table: "t"}, logger)
	require.ErrorContains(t, err, "project id is required")

	_, err = New(context.Background(), Config{ProjectID: "p"}, logger)
	require.ErrorContains(t, err, "dataset and table are required")
}
