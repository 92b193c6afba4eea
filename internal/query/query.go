package query

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/sqlchat/sqlchat/internal/database"
	"github.com/sqlchat/sqlchat/internal/sqlguard"
)

var ErrNotReadOnly = errors.New("only read-only statements are allowed")

type Result struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
	Duration  time.Duration
}

// Text renders the result for the answer prompt. A single value is returned
// bare so that "SELECT Name ..." yields just the name.
func (r Result) Text() string {
	if len(r.Rows) == 0 {
		return "(no rows)"
	}
	if len(r.Rows) == 1 && len(r.Columns) == 1 && !r.Truncated {
		return FormatValue(r.Rows[0][0])
	}

	tw := table.NewWriter()
	header := make(table.Row, 0, len(r.Columns))
	for _, column := range r.Columns {
		header = append(header, column)
	}
	tw.AppendHeader(header)
	for _, row := range r.Rows {
		cells := make(table.Row, 0, len(row))
		for _, value := range row {
			cells = append(cells, FormatValue(value))
		}
		tw.AppendRow(cells)
	}
	out := tw.RenderMarkdown()
	if r.Truncated {
		out += "\n(truncated to " + strconv.Itoa(len(r.Rows)) + " rows)"
	}
	return out
}

// Executor runs generated SQL verbatim. MaxRows <= 0 collects every row.
type Executor struct {
	MaxRows  int
	ReadOnly bool
}

func (e Executor) Execute(ctx context.Context, handle *database.Handle, sqlText string) (Result, error) {
	if handle == nil || handle.DB == nil {
		return Result{}, fmt.Errorf("database connection is required")
	}
	statement := sqlguard.StripTrailingSemicolons(sqlText)
	if statement == "" {
		return Result{}, fmt.Errorf("sql is required")
	}
	if e.ReadOnly && !sqlguard.IsReadOnly(statement) {
		return Result{}, ErrNotReadOnly
	}

	start := time.Now()
	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case e.ReadOnly && handle.Dialect.ReadOnlyTx:
		tx, beginErr := handle.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
		if beginErr != nil {
			return Result{}, fmt.Errorf("begin read-only transaction: %w", beginErr)
		}
		defer func() { _ = tx.Rollback() }()
		rows, err = tx.QueryContext(ctx, statement)
	case e.ReadOnly && handle.Dialect.QueryOnlyOn != "":
		conn, connErr := queryOnlyConn(ctx, handle)
		if connErr != nil {
			return Result{}, connErr
		}
		defer releaseQueryOnlyConn(conn, handle.Dialect)
		rows, err = conn.QueryContext(ctx, statement)
	default:
		rows, err = handle.DB.QueryContext(ctx, statement)
	}
	if err != nil {
		return Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Result{}, fmt.Errorf("query columns: %w", err)
	}

	result := Result{Columns: columns, Rows: make([][]any, 0)}
	for rows.Next() {
		if e.MaxRows > 0 && len(result.Rows) >= e.MaxRows {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return Result{}, fmt.Errorf("scan row: %w", err)
		}
		result.Rows = append(result.Rows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("iterate rows: %w", err)
	}
	result.Duration = time.Since(start)
	return result, nil
}

// queryOnlyConn pins a pooled connection and switches it to read-only mode.
func queryOnlyConn(ctx context.Context, handle *database.Handle) (*sql.Conn, error) {
	conn, err := handle.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, handle.Dialect.QueryOnlyOn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable read-only mode: %w", err)
	}
	return conn, nil
}

// releaseQueryOnlyConn returns the connection to the pool writable again. A
// connection that cannot be reset is discarded instead.
func releaseQueryOnlyConn(conn *sql.Conn, dialect database.Dialect) {
	if _, err := conn.ExecContext(context.Background(), dialect.QueryOnlyOff); err != nil {
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	_ = conn.Close()
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

// FormatValue renders a scanned column value as prompt text.
func FormatValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return "NULL"
	case string:
		return typed
	case time.Time:
		if typed.Hour() == 0 && typed.Minute() == 0 && typed.Second() == 0 && typed.Nanosecond() == 0 {
			return typed.Format(time.DateOnly)
		}
		return typed.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}
