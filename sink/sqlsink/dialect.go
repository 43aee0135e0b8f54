package sqlsink

import (
	"net"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/ethereum-optimism/infra/test-reporter/sink"
)

// Dialect holds the per-database SQL differences.
type Dialect struct {
	Name   string
	Driver string

	idType  string
	types   map[sink.ColumnType]string
	columns string // query listing the column names of the table bound to ?
	quote   func(string) string
}

var (
	SQLite = Dialect{
		Name:   "sqlite",
		Driver: "sqlite",
		idType: "TEXT NOT NULL PRIMARY KEY",
		types: map[sink.ColumnType]string{
			sink.TypeString:     "TEXT",
			sink.TypeText:       "TEXT",
			sink.TypeDateTime:   "DATETIME",
			sink.TypeInt64:      "INTEGER",
			sink.TypeBool:       "BOOLEAN",
			sink.TypeStringList: "TEXT",
		},
		columns: "SELECT name FROM pragma_table_info(?)",
		quote:   doubleQuote,
	}

	MySQL = Dialect{
		Name:   "mysql",
		Driver: "mysql",
		idType: "CHAR(36) NOT NULL PRIMARY KEY",
		types: map[sink.ColumnType]string{
			sink.TypeString:     "VARCHAR(1024)",
			sink.TypeText:       "LONGTEXT",
			sink.TypeDateTime:   "DATETIME(3)",
			sink.TypeInt64:      "BIGINT",
			sink.TypeBool:       "BOOLEAN",
			sink.TypeStringList: "TEXT",
		},
		columns: "SELECT COLUMN_NAME FROM information_schema.COLUMNS WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?",
		quote:   backQuote,
	}
)

// DialectByName returns the dialect registered under name.
func DialectByName(name string) (Dialect, bool) {
	switch name {
	case SQLite.Name:
		return SQLite, true
	case MySQL.Name:
		return MySQL, true
	}
	return Dialect{}, false
}

func (d Dialect) sqlType(t sink.ColumnType) string {
	if s, ok := d.types[t]; ok {
		return s
	}
	return "TEXT"
}

func doubleQuote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func backQuote(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// MySQLDSN builds a go-sql-driver DSN for a TCP connection.
func MySQLDSN(host string, port int, user, password, database string) string {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	cfg.DBName = database
	cfg.ParseTime = true
	return cfg.FormatDSN()
}
