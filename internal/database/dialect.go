package database

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the per-engine differences the schema fetcher, the query
// executor and the migration runner need. Generated SQL itself is never
// rewritten.
type Dialect struct {
	Name        string
	DriverName  string
	DefaultPort string
	// ReadOnlyTx reports whether BeginTx honours sql.TxOptions.ReadOnly.
	ReadOnlyTx bool
	// QueryOnlyOn and QueryOnlyOff switch a single connection in and out of
	// read-only mode for engines without read-only transactions.
	QueryOnlyOn  string
	QueryOnlyOff string
	FileBased    bool
}

var (
	MySQL     = Dialect{Name: "mysql", DriverName: "mysql", DefaultPort: "3306", ReadOnlyTx: true}
	Postgres  = Dialect{Name: "postgres", DriverName: "pgx", DefaultPort: "5432", ReadOnlyTx: true}
	SQLServer = Dialect{Name: "sqlserver", DriverName: "sqlserver", DefaultPort: "1433"}
	SQLite    = Dialect{
		Name:         "sqlite",
		DriverName:   "sqlite",
		QueryOnlyOn:  "PRAGMA query_only = ON",
		QueryOnlyOff: "PRAGMA query_only = OFF",
		FileBased:    true,
	}
	DuckDB = Dialect{Name: "duckdb", DriverName: "duckdb", FileBased: true}
)

func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "mysql", "mariadb":
		return MySQL, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlserver", "mssql":
		return SQLServer, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "duckdb":
		return DuckDB, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver %q", name)
	}
}

func (d Dialect) QuoteIdent(value string) string {
	switch d.Name {
	case "mysql":
		return "`" + strings.ReplaceAll(value, "`", "``") + "`"
	case "sqlserver":
		return "[" + strings.ReplaceAll(value, "]", "]]") + "]"
	default:
		return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
	}
}

// Placeholder returns the bind marker for the n-th (1-based) argument.
func (d Dialect) Placeholder(n int) string {
	switch d.Name {
	case "postgres":
		return "$" + strconv.Itoa(n)
	case "sqlserver":
		return "@p" + strconv.Itoa(n)
	default:
		return "?"
	}
}

// SampleRowsQuery selects up to limit rows of a table.
func (d Dialect) SampleRowsQuery(table string, limit int) string {
	if d.Name == "sqlserver" {
		return "SELECT TOP " + strconv.Itoa(limit) + " * FROM " + d.QuoteIdent(table)
	}
	return "SELECT * FROM " + d.QuoteIdent(table) + " LIMIT " + strconv.Itoa(limit)
}

// ColumnsQuery lists (table, column, type) for every base table in the
// connection's current schema, ordered by table name then column position.
func (d Dialect) ColumnsQuery() string {
	switch d.Name {
	case "sqlite":
		return `
SELECT m.name, p.name, p.type
FROM sqlite_master AS m
JOIN pragma_table_info(m.name) AS p
WHERE m.type = 'table' AND m.name NOT LIKE 'sqlite_%'
ORDER BY m.name, p.cid`
	case "mysql":
		return `
SELECT c.table_name, c.column_name, c.column_type
FROM information_schema.columns AS c
JOIN information_schema.tables AS t
  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE c.table_schema = DATABASE() AND t.table_type = 'BASE TABLE'
ORDER BY c.table_name, c.ordinal_position`
	case "sqlserver":
		return `
SELECT c.TABLE_NAME, c.COLUMN_NAME, c.DATA_TYPE
FROM INFORMATION_SCHEMA.COLUMNS AS c
JOIN INFORMATION_SCHEMA.TABLES AS t
  ON t.TABLE_SCHEMA = c.TABLE_SCHEMA AND t.TABLE_NAME = c.TABLE_NAME
WHERE c.TABLE_SCHEMA = SCHEMA_NAME() AND t.TABLE_TYPE = 'BASE TABLE'
ORDER BY c.TABLE_NAME, c.ORDINAL_POSITION`
	default:
		return `
SELECT c.table_name, c.column_name, c.data_type
FROM information_schema.columns AS c
JOIN information_schema.tables AS t
  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE c.table_schema = current_schema() AND t.table_type = 'BASE TABLE'
ORDER BY c.table_name, c.ordinal_position`
	}
}
