// Package bigquery delivers test records to a BigQuery table using the
// streaming insert API.
package bigquery

import (
	"context"
	"net/http"

	bq "cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/impersonate"
	"google.golang.org/api/option"

	"github.com/ethereum-optimism/infra/test-reporter/sink"
	"github.com/ethereum-optimism/infra/test-reporter/types"
)

type Config struct {
	ProjectID string
	Dataset   string
	Table     string
	// ImpersonateServiceAccount, when set, is the service account the
	// ambient credentials act as.
	ImpersonateServiceAccount string
}

// Table is the subset of *bigquery.Table used by the sink.
type Table interface {
	Metadata(ctx context.Context, opts ...bq.TableMetadataOption) (*bq.TableMetadata, error)
	Create(ctx context.Context, md *bq.TableMetadata) error
	Update(ctx context.Context, md bq.TableMetadataToUpdate, etag string, opts ...bq.TableUpdateOption) (*bq.TableMetadata, error)
	Put(ctx context.Context, src any) error
}

type bqTable struct {
	*bq.Table
}

var _ Table = bqTable{}

func (t bqTable) Put(ctx context.Context, src any) error {
	ins := t.Inserter()
	ins.SkipInvalidRows = true
	return ins.Put(ctx, src)
}

type BigQuerySink struct {
	client *bq.Client
	table  Table
	name   string
	log    log.Logger
}

var _ sink.Sink = (*BigQuerySink)(nil)

// New connects with application default credentials.
func New(ctx context.Context, cfg Config, logger log.Logger) (*BigQuerySink, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("project id is required")
	}
	if cfg.Dataset == "" || cfg.Table == "" {
		return nil, errors.New("dataset and table are required")
	}

	var opts []option.ClientOption
	if cfg.ImpersonateServiceAccount != "" {
		ts, err := impersonate.CredentialsTokenSource(ctx, impersonate.CredentialsConfig{
			TargetPrincipal: cfg.ImpersonateServiceAccount,
			Scopes:          []string{bq.Scope},
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to impersonate %s", cfg.ImpersonateServiceAccount)
		}
		opts = append(opts, option.WithTokenSource(ts))
	}

	client, err := bq.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize BigQuery client")
	}
	s := NewWithTable(logger, bqTable{client.Dataset(cfg.Dataset).Table(cfg.Table)})
	s.client = client
	return s, nil
}

func NewWithTable(logger log.Logger, table Table) *BigQuerySink {
	return &BigQuerySink{table: table, name: "bigquery", log: logger.New("component", "bigquery-sink")}
}

func (s *BigQuerySink) Name() string {
	return s.name
}

// EnsureSchema creates the table when it does not exist and otherwise
// appends any missing field.
func (s *BigQuerySink) EnsureSchema(ctx context.Context) error {
	want := Schema()
	md, err := s.table.Metadata(ctx)
	if hasStatus(err, http.StatusNotFound) {
		err = s.table.Create(ctx, &bq.TableMetadata{Schema: want})
		if err == nil {
			s.log.Info("Created table", "fields", len(want))
			return nil
		}
		if !hasStatus(err, http.StatusConflict) {
			return errors.Wrap(err, "failed to create table")
		}
		md, err = s.table.Metadata(ctx)
	}
	if err != nil {
		return errors.Wrap(err, "failed to read table metadata")
	}

	merged, added := MergeSchema(md.Schema, want)
	if len(added) == 0 {
		return nil
	}
	if _, err := s.table.Update(ctx, bq.TableMetadataToUpdate{Schema: merged}, md.ETag); err != nil {
		// a concurrent run may have applied the same change
		if latest, lookupErr := s.table.Metadata(ctx); lookupErr == nil {
			if _, stillMissing := MergeSchema(latest.Schema, want); len(stillMissing) == 0 {
				return nil
			}
		}
		return errors.Wrap(err, "failed to update table schema")
	}
	s.log.Info("Added fields to table", "fields", added)
	return nil
}

func (s *BigQuerySink) InsertBatch(ctx context.Context, records []types.Record) ([]sink.RowError, error) {
	rows := make([]*Row, len(records))
	for i, rec := range records {
		rows[i] = &Row{Record: rec, InsertID: uuid.NewString()}
	}

	err := s.table.Put(ctx, rows)
	if err == nil {
		return nil, nil
	}
	var multi bq.PutMultiError
	if !errors.As(err, &multi) {
		return nil, errors.Wrap(err, "failed to insert rows")
	}
	rowErrs := make([]sink.RowError, 0, len(multi))
	for _, rie := range multi {
		rowErrs = append(rowErrs, sink.RowError{Index: rie.RowIndex, Err: rie.Errors})
	}
	return rowErrs, nil
}

func (s *BigQuerySink) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func hasStatus(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}

// Schema returns the table schema for sink.Columns.
func Schema() bq.Schema {
	schema := make(bq.Schema, 0, len(sink.Columns))
	for _, c := range sink.Columns {
		schema = append(schema, fieldSchema(c))
	}
	return schema
}

func fieldSchema(c sink.Column) *bq.FieldSchema {
	f := &bq.FieldSchema{Name: c.Name}
	switch c.Type {
	case sink.TypeDateTime:
		f.Type = bq.DateTimeFieldType
	case sink.TypeInt64:
		f.Type = bq.IntegerFieldType
	case sink.TypeBool:
		f.Type = bq.BooleanFieldType
	case sink.TypeStringList:
		f.Type = bq.StringFieldType
		f.Repeated = true
	default:
		f.Type = bq.StringFieldType
	}
	return f
}

// MergeSchema appends the fields of want missing from existing. Existing
// fields are kept as they are. It returns the merged schema and the names
// of the added fields.
func MergeSchema(existing, want bq.Schema) (bq.Schema, []string) {
	names := make([]string, len(existing))
	for i, f := range existing {
		names[i] = f.Name
	}
	wantCols := make([]sink.Column, len(want))
	byName := make(map[string]*bq.FieldSchema, len(want))
	for i, f := range want {
		wantCols[i] = sink.Column{Name: f.Name}
		byName[f.Name] = f
	}

	merged := append(bq.Schema{}, existing...)
	var added []string
	for _, c := range sink.MissingColumns(names, wantCols) {
		merged = append(merged, byName[c.Name])
		added = append(added, c.Name)
	}
	return merged, added
}

// Row adapts a Record to bigquery.ValueSaver.
type Row struct {
	Record   types.Record
	InsertID string
}

var _ bq.ValueSaver = (*Row)(nil)

func (r *Row) Save() (map[string]bq.Value, string, error) {
	rec := r.Record
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]bq.Value{
		sink.ColBranchName:   rec.BranchName,
		sink.ColBranchTag:    rec.BranchTag,
		sink.ColShortSHA:     rec.ShortSHA,
		sink.ColComputerName: rec.ComputerName,
		sink.ColModuleName:   rec.ModuleName,
		sink.ColPackageName:  rec.Package,
		sink.ColClassName:    rec.Class,
		sink.ColMethodName:   rec.Method,
		sink.ColMethodDesc:   rec.Description,
		sink.ColStartTime:    civil.DateTimeOf(rec.Start.UTC()),
		sink.ColEndTime:      civil.DateTimeOf(rec.End.UTC()),
		sink.ColDuration:     rec.Duration(),
		sink.ColStdout:       rec.Stdout,
		sink.ColSuccess:      rec.Success,
		sink.ColTags:         tags,
	}, r.InsertID, nil
}
