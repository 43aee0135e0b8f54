// Package postgres delivers test records to a PostgreSQL table through a
// pgx connection pool.
package postgres

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/ethereum-optimism/infra/test-reporter/sink"
	"github.com/ethereum-optimism/infra/test-reporter/types"
)

const (
	colID    = "id"
	colError = "error"
)

type Config struct {
	URL      string // Full connection URL, overrides the fields below
	Host     string
	Port     int
	Database string
	User     string
	Password string
	Table    string
}

// ConnString returns URL, or a postgres:// URL assembled from the parts.
func (c Config) ConnString() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	switch {
	case c.User != "" && c.Password != "":
		u.User = url.UserPassword(c.User, c.Password)
	case c.User != "":
		u.User = url.User(c.User)
	}
	return u.String()
}

type PGXSink struct {
	conn  *pgxpool.Pool
	table string
	log   log.Logger
}

var _ sink.Sink = (*PGXSink)(nil)

func New(ctx context.Context, cfg Config, logger log.Logger) (*PGXSink, error) {
	if cfg.Table == "" {
		return nil, errors.New("table name is required")
	}
	conn, err := pgxpool.New(ctx, cfg.ConnString())
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to db")
	}
	return &PGXSink{conn: conn, table: cfg.Table, log: logger.New("component", "postgres-sink")}, nil
}

func (p *PGXSink) Name() string {
	return "postgres"
}

// EnsureSchema creates the table and adds any missing column. Every
// statement is IF NOT EXISTS, so concurrent runs cannot clobber each other.
func (p *PGXSink) EnsureSchema(ctx context.Context) error {
	stmts := []string{createTableSQL(p.table)}
	for _, col := range columns() {
		stmts = append(stmts, addColumnSQL(p.table, col))
	}
	for i, stmt := range stmts {
		if _, err := p.conn.Exec(ctx, stmt); err != nil {
			return errors.Wrapf(err, "failed to sync schema: statement %d", i)
		}
	}
	return nil
}

// InsertBatch copies the batch in one COPY. If the copy fails the rows are
// inserted one at a time so that only the offending rows are reported.
func (p *PGXSink) InsertBatch(ctx context.Context, records []types.Record) ([]sink.RowError, error) {
	rows := make([][]any, len(records))
	for i, rec := range records {
		rows[i] = rowValues(uuid.New(), rec)
	}

	_, copyErr := p.conn.CopyFrom(ctx, pgx.Identifier{p.table}, columnNames(), pgx.CopyFromRows(rows))
	if copyErr == nil {
		return nil, nil
	}
	if ctx.Err() != nil {
		return nil, errors.Wrap(copyErr, "failed to copy test results")
	}
	p.log.Warn("Bulk copy failed, inserting rows individually", "records", len(records), "err", copyErr)

	query := insertSQL(p.table)
	var rowErrs []sink.RowError
	for i, row := range rows {
		if _, err := p.conn.Exec(ctx, query, row...); err != nil {
			rowErrs = append(rowErrs, sink.RowError{Index: i, Err: errors.Wrap(err, "failed to insert test result")})
		}
	}
	if len(rowErrs) == len(records) {
		return nil, errors.Wrap(copyErr, "failed to insert test results")
	}
	return rowErrs, nil
}

func (p *PGXSink) Close() error {
	p.conn.Close()
	return nil
}

type column struct {
	name    string
	sqlType string
}

// columns maps the logical schema to PostgreSQL, plus the error flag kept
// for compatibility with existing result tables.
func columns() []column {
	out := make([]column, 0, len(sink.Columns)+1)
	for _, c := range sink.Columns {
		out = append(out, column{name: c.Name, sqlType: sqlType(c.Type)})
	}
	return append(out, column{name: colError, sqlType: "BOOLEAN"})
}

func sqlType(t sink.ColumnType) string {
	switch t {
	case sink.TypeDateTime:
		return "TIMESTAMPTZ"
	case sink.TypeInt64:
		return "BIGINT"
	case sink.TypeBool:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

func columnNames() []string {
	names := []string{colID}
	for _, c := range columns() {
		names = append(names, c.name)
	}
	return names
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func createTableSQL(table string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s UUID NOT NULL PRIMARY KEY)", quote(table), colID)
}

func addColumnSQL(table string, col column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", quote(table), quote(col.name), col.sqlType)
}

func insertSQL(table string) string {
	names := columnNames()
	quoted := make([]string, len(names))
	params := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quote(n)
		params[i] = "$" + strconv.Itoa(i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quote(table), strings.Join(quoted, ", "), strings.Join(params, ", "))
}

// rowValues returns the values for columnNames. Tags are stored comma-joined.
func rowValues(id uuid.UUID, rec types.Record) []any {
	vals := sink.Values(rec)
	vals[len(vals)-1] = rec.TagString()
	row := make([]any, 0, len(vals)+2)
	row = append(row, pgtype.UUID{Bytes: id, Valid: true})
	row = append(row, vals...)
	return append(row, !rec.Success)
}
