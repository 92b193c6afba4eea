package migrations

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/sqlchat/sqlchat/internal/database"
)

func TestLoadMigrationsSortsAndPairsUpDown(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/000002_two.up.sql":   {Data: []byte("SELECT 2;")},
		"sql/000002_two.down.sql": {Data: []byte("SELECT -2;")},
		"sql/000001_one.up.sql":   {Data: []byte("SELECT 1;")},
		"sql/000001_one.down.sql": {Data: []byte("SELECT -1;")},
	}

	items, err := loadMigrations(fsys)
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d", len(items))
	}
	if items[0].Version != 1 || items[1].Version != 2 {
		t.Fatalf("unexpected migration order: %+v", items)
	}
}

func TestLoadMigrationsErrorsWhenDownMissing(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/000001_one.up.sql": {Data: []byte("SELECT 1;")},
	}
	_, err := loadMigrations(fsys)
	if err == nil {
		t.Fatal("expected error for missing down migration")
	}
	if !strings.Contains(err.Error(), "missing down SQL") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSplitStatementsSkipsCommentsAndBlankLines(t *testing.T) {
	script := `-- people
CREATE TABLE a (
	id INT
);

INSERT INTO a (id) VALUES
	(1),
	(2);
SELECT 1`
	statements := splitStatements(script)
	if len(statements) != 3 {
		t.Fatalf("len(statements) = %d: %q", len(statements), statements)
	}
	if statements[0] != "CREATE TABLE a (\n\tid INT\n)" {
		t.Fatalf("statements[0] = %q", statements[0])
	}
	if statements[2] != "SELECT 1" {
		t.Fatalf("statements[2] = %q", statements[2])
	}
}

func TestEmbeddedMigrationsApplyAndRollBackOnSQLite(t *testing.T) {
	ctx := context.Background()
	handle, err := database.Open(ctx, database.Config{Driver: "sqlite"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer func() { _ = handle.Close() }()

	runner := NewRunner()
	applied, err := runner.Up(ctx, handle, 0)
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if applied != 2 {
		t.Fatalf("applied = %d, want 2", applied)
	}

	var name string
	if err := handle.DB.QueryRowContext(ctx, "SELECT Name FROM contacts WHERE Abteilung = 'Personal'").Scan(&name); err != nil {
		t.Fatalf("query contacts: %v", err)
	}
	if name != "Mara Yilmaz" {
		t.Fatalf("name = %q", name)
	}

	var programs int
	if err := handle.DB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM employee_programs ep
JOIN employees e ON e.EmployeeID = ep.EmployeeID
WHERE e.Name = 'Anna Keller'`).Scan(&programs); err != nil {
		t.Fatalf("query programs: %v", err)
	}
	if programs != 2 {
		t.Fatalf("programs = %d", programs)
	}

	again, err := runner.Up(ctx, handle, 0)
	if err != nil || again != 0 {
		t.Fatalf("second Up() = %d, %v", again, err)
	}

	rolledBack, err := runner.Down(ctx, handle, 1)
	if err != nil || rolledBack != 1 {
		t.Fatalf("Down() = %d, %v", rolledBack, err)
	}
	if _, err := handle.DB.ExecContext(ctx, "SELECT 1 FROM employees"); err == nil {
		t.Fatal("expected employees table to be dropped")
	}

	pending, err := runner.Pending(ctx, handle)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 1 || pending[0] != 2 {
		t.Fatalf("pending = %v", pending)
	}
}

func TestUpUsesDialectPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	fsys := fstest.MapFS{
		"sql/000001_one.up.sql":   {Data: []byte("CREATE TABLE one (id INT);")},
		"sql/000001_one.down.sql": {Data: []byte("DROP TABLE one;")},
	}

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS " + TableName)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM " + TableName + " ORDER BY version ASC")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE one (id INT)")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO "+TableName+" (version, applied_at) VALUES ($1, $2)")).
		WithArgs(int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	applied, err := NewRunnerFS(fsys).Up(context.Background(), database.NewHandle(db, database.Postgres), 0)
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
