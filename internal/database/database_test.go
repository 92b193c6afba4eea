package database

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestDialectForAliases(t *testing.T) {
	cases := map[string]string{
		"":           "mysql",
		"MariaDB":    "mysql",
		"postgresql": "postgres",
		"mssql":      "sqlserver",
		"sqlite3":    "sqlite",
		"duckdb":     "duckdb",
	}
	for input, want := range cases {
		dialect, err := DialectFor(input)
		if err != nil {
			t.Fatalf("DialectFor(%q) error = %v", input, err)
		}
		if dialect.Name != want {
			t.Fatalf("DialectFor(%q) = %q, want %q", input, dialect.Name, want)
		}
	}
	if _, err := DialectFor("oracle"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestQuoteIdentPerDialect(t *testing.T) {
	if got := MySQL.QuoteIdent("Betreute Programme"); got != "`Betreute Programme`" {
		t.Fatalf("mysql quote = %s", got)
	}
	if got := Postgres.QuoteIdent(`we"ird`); got != `"we""ird"` {
		t.Fatalf("postgres quote = %s", got)
	}
	if got := SQLServer.QuoteIdent("a]b"); got != "[a]]b]" {
		t.Fatalf("sqlserver quote = %s", got)
	}
}

func TestSampleRowsQuery(t *testing.T) {
	if got := SQLServer.SampleRowsQuery("contacts", 3); got != "SELECT TOP 3 * FROM [contacts]" {
		t.Fatalf("sqlserver sample = %s", got)
	}
	if got := MySQL.SampleRowsQuery("contacts", 3); got != "SELECT * FROM `contacts` LIMIT 3" {
		t.Fatalf("mysql sample = %s", got)
	}
}

func TestPlaceholder(t *testing.T) {
	if MySQL.Placeholder(1) != "?" || Postgres.Placeholder(2) != "$2" || SQLServer.Placeholder(1) != "@p1" {
		t.Fatal("unexpected placeholder")
	}
}

func TestBuildDSNMySQL(t *testing.T) {
	dsn, err := BuildDSN(MySQL, Config{
		Host:            "localhost",
		User:            "rossa_user",
		Password:        "rossa",
		Name:            "rossa_db",
		MultiStatements: true,
	})
	if err != nil {
		t.Fatalf("BuildDSN() error = %v", err)
	}
	if !strings.HasPrefix(dsn, "rossa_user:rossa@tcp(localhost:3306)/rossa_db?") {
		t.Fatalf("dsn = %s", dsn)
	}
	if !strings.Contains(dsn, "parseTime=true") || !strings.Contains(dsn, "multiStatements=true") {
		t.Fatalf("dsn params = %s", dsn)
	}
}

func TestBuildDSNPostgresAndSQLServer(t *testing.T) {
	dsn, err := BuildDSN(Postgres, Config{Host: "db", User: "u", Password: "p@ss", Name: "shop"})
	if err != nil {
		t.Fatalf("BuildDSN(postgres) error = %v", err)
	}
	if dsn != "postgres://u:p%40ss@db:5432/shop" {
		t.Fatalf("postgres dsn = %s", dsn)
	}

	dsn, err = BuildDSN(SQLServer, Config{Host: "sql", Port: "14330", User: "sa", Password: "pw", Name: "team"})
	if err != nil {
		t.Fatalf("BuildDSN(sqlserver) error = %v", err)
	}
	if dsn != "sqlserver://sa:pw@sql:14330?database=team" {
		t.Fatalf("sqlserver dsn = %s", dsn)
	}
}

func TestBuildDSNRequiresHostAndName(t *testing.T) {
	if _, err := BuildDSN(MySQL, Config{Name: "x"}); err == nil {
		t.Fatal("expected missing host error")
	}
	if _, err := BuildDSN(MySQL, Config{Host: "x"}); err == nil {
		t.Fatal("expected missing name error")
	}
	dsn, err := BuildDSN(SQLite, Config{})
	if err != nil || dsn != ":memory:" {
		t.Fatalf("sqlite dsn = %q err = %v", dsn, err)
	}
}

func TestOpenInMemorySQLite(t *testing.T) {
	handle, err := Open(context.Background(), Config{Driver: "sqlite"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = handle.Close() }()

	if _, err := handle.DB.Exec(`CREATE TABLE t (id INTEGER)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	var count int
	if err := handle.DB.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&count); err != nil {
		t.Fatalf("query on second use of pool: %v", err)
	}
	if handle.Target() != "sqlite::memory:" {
		t.Fatalf("Target() = %q", handle.Target())
	}
}

func TestOpenFailsWhenServerUnreachable(t *testing.T) {
	_, err := Open(context.Background(), Config{
		Driver:      "mysql",
		Host:        "127.0.0.1",
		Port:        "1",
		User:        "rossa_user",
		Password:    "wrong",
		Name:        "rossa_db",
		PingTimeout: 2 * time.Second,
	})
	if err == nil {
		t.Fatal("expected ping error")
	}
	if !strings.Contains(err.Error(), "ping mysql database") {
		t.Fatalf("error = %v", err)
	}
	if strings.Contains(err.Error(), "wrong") {
		t.Fatalf("error leaks password: %v", err)
	}
}
