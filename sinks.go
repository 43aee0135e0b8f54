package reporter

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/test-reporter/config"
	"github.com/ethereum-optimism/infra/test-reporter/sink"
	"github.com/ethereum-optimism/infra/test-reporter/sink/bigquery"
	"github.com/ethereum-optimism/infra/test-reporter/sink/postgres"
	"github.com/ethereum-optimism/infra/test-reporter/sink/sqlsink"
)

// PORT defaults to the postgres port; mysql gets its own.
const defaultMySQLPort = 3306

// NewSink opens every sink named in s. Several sinks are combined into a
// sink.Fanout.
func NewSink(ctx context.Context, s *config.Settings, logger log.Logger) (sink.Sink, error) {
	var opened []sink.Sink
	for _, st := range s.Sinks {
		sk, err := openSink(ctx, st, s, logger)
		if err != nil {
			for _, o := range opened {
				_ = o.Close()
			}
			return nil, fmt.Errorf("failed to open %s sink: %w", st, err)
		}
		opened = append(opened, sk)
	}
	switch len(opened) {
	case 0:
		return nil, errors.New("no sink configured")
	case 1:
		return opened[0], nil
	default:
		return sink.NewFanout(opened...), nil
	}
}

func openSink(ctx context.Context, st config.SinkType, s *config.Settings, logger log.Logger) (sink.Sink, error) {
	switch st {
	case config.SinkBigQuery:
		return bigquery.New(ctx, bigquery.Config{
			ProjectID:                 s.ProjectID,
			Dataset:                   s.DBName,
			Table:                     s.TableName,
			ImpersonateServiceAccount: s.Impersonate,
		}, logger)
	case config.SinkPostgres:
		return postgres.New(ctx, postgres.Config{
			URL:      s.DatabaseURL,
			Host:     s.Host,
			Port:     s.Port,
			Database: s.DBName,
			User:     s.User,
			Password: s.Password,
			Table:    s.TableName,
		}, logger)
	case config.SinkSQLite:
		dsn := s.DatabaseURL
		if dsn == "" {
			dsn = s.DBName + ".db"
		}
		return sqlsink.New(ctx, sqlsink.Config{Dialect: sqlsink.SQLite, DSN: dsn, Table: s.TableName}, logger)
	case config.SinkMySQL:
		dsn := s.DatabaseURL
		if dsn == "" {
			port := s.Port
			if port == config.DefaultPort {
				port = defaultMySQLPort
			}
			dsn = sqlsink.MySQLDSN(s.Host, port, s.User, s.Password, s.DBName)
		}
		return sqlsink.New(ctx, sqlsink.Config{Dialect: sqlsink.MySQL, DSN: dsn, Table: s.TableName}, logger)
	case config.SinkNone:
		return sink.Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown sink type: %s", st)
	}
}
