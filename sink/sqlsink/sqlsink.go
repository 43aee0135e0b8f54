// Package sqlsink delivers test records through database/sql, for SQLite
// and MySQL result tables.
package sqlsink

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	_ "modernc.org/sqlite"

	"github.com/ethereum-optimism/infra/test-reporter/sink"
	"github.com/ethereum-optimism/infra/test-reporter/types"
)

const (
	colID    = "id"
	colError = "error"
)

type Config struct {
	Dialect Dialect
	DSN     string
	Table   string
}

type SQLSink struct {
	db      *sqlx.DB
	dialect Dialect
	table   string
	log     log.Logger
}

var _ sink.Sink = (*SQLSink)(nil)

func New(ctx context.Context, cfg Config, logger log.Logger) (*SQLSink, error) {
	if cfg.Table == "" {
		return nil, errors.New("table name is required")
	}
	if cfg.Dialect.Driver == "" {
		return nil, errors.New("dialect is required")
	}
	db, err := sqlx.Open(cfg.Dialect.Driver, cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if cfg.Dialect.Name == SQLite.Name {
		// one writer, and in-memory databases are per connection
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	return &SQLSink{
		db:      db,
		dialect: cfg.Dialect,
		table:   cfg.Table,
		log:     logger.New("component", cfg.Dialect.Name+"-sink"),
	}, nil
}

func (s *SQLSink) Name() string {
	return s.dialect.Name
}

// DB exposes the underlying handle.
func (s *SQLSink) DB() *sqlx.DB {
	return s.db
}

func (s *SQLSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTableSQL(s.dialect, s.table)); err != nil {
		return errors.Wrap(err, "failed to create table")
	}
	existing, err := s.existingColumns(ctx)
	if err != nil {
		return err
	}
	for _, col := range sink.MissingColumns(existing, columns()) {
		if _, err := s.db.ExecContext(ctx, addColumnSQL(s.dialect, s.table, col)); err != nil {
			// another process may have added it since we looked
			existing, lookupErr := s.existingColumns(ctx)
			if lookupErr != nil || !slices.Contains(existing, col.Name) {
				return errors.Wrapf(err, "failed to add column %s", col.Name)
			}
			continue
		}
		s.log.Info("Added column", "table", s.table, "column", col.Name)
	}
	return nil
}

func (s *SQLSink) existingColumns(ctx context.Context) ([]string, error) {
	var names []string
	if err := s.db.SelectContext(ctx, &names, s.dialect.columns, s.table); err != nil {
		return nil, errors.Wrap(err, "failed to list columns")
	}
	return names, nil
}

// InsertBatch inserts the batch in one transaction. Each row runs under its
// own savepoint so a rejected row does not abort the others.
func (s *SQLSink) InsertBatch(ctx context.Context, records []types.Record) ([]sink.RowError, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PreparexContext(ctx, insertSQL(s.dialect, s.table))
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare insert")
	}
	defer stmt.Close()

	var rowErrs []sink.RowError
	for i, rec := range records {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT test_record"); err != nil {
			return nil, errors.Wrap(err, "failed to create savepoint")
		}
		if _, err := stmt.ExecContext(ctx, rowValues(uuid.New(), rec)...); err != nil {
			rowErrs = append(rowErrs, sink.RowError{Index: i, Err: errors.Wrap(err, "failed to insert test result")})
			if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT test_record"); err != nil {
				return nil, errors.Wrap(err, "failed to roll back savepoint")
			}
		}
		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT test_record"); err != nil {
			return nil, errors.Wrap(err, "failed to release savepoint")
		}
	}

	if len(records) > 0 && len(rowErrs) == len(records) {
		return nil, errors.Wrap(rowErrs[0].Err, "every row in the batch was rejected")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit test results")
	}
	return rowErrs, nil
}

func (s *SQLSink) Close() error {
	return s.db.Close()
}

func columns() []sink.Column {
	return append(slices.Clone(sink.Columns), sink.Column{Name: colError, Type: sink.TypeBool})
}

func createTableSQL(d Dialect, table string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s %s)", d.quote(table), d.quote(colID), d.idType)
}

func addColumnSQL(d Dialect, table string, col sink.Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", d.quote(table), d.quote(col.Name), d.sqlType(col.Type))
}

func insertSQL(d Dialect, table string) string {
	names := append([]string{colID}, sink.ColumnNames(columns())...)
	for i, n := range names {
		names[i] = d.quote(n)
	}
	params := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", d.quote(table), strings.Join(names, ", "), params)
}

func rowValues(id uuid.UUID, rec types.Record) []any {
	vals := sink.Values(rec)
	vals[len(vals)-1] = rec.TagString()
	row := make([]any, 0, len(vals)+2)
	row = append(row, id.String())
	row = append(row, vals...)
	return append(row, !rec.Success)
}
