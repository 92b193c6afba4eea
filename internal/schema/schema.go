// Package schema renders a database's tables as prompt text.
package schema

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sqlchat/sqlchat/internal/database"
	"github.com/sqlchat/sqlchat/internal/migrations"
	"github.com/sqlchat/sqlchat/internal/query"
)

const maxSampleValueLength = 100

type Column struct {
	Name string
	Type string
}

type Table struct {
	Name    string
	Columns []Column
}

// Fetcher describes the current schema of a connection. SampleRows <= 0
// leaves sample rows out.
type Fetcher struct {
	SampleRows int
	Exclude    []string
}

func NewFetcher(sampleRows int) Fetcher {
	return Fetcher{SampleRows: sampleRows, Exclude: []string{migrations.TableName}}
}

// Fetch returns one CREATE TABLE block per table, sorted by table name, each
// followed by a comment holding sample rows.
func (f Fetcher) Fetch(ctx context.Context, handle *database.Handle) (string, error) {
	tables, err := f.Tables(ctx, handle)
	if err != nil {
		return "", err
	}

	blocks := make([]string, 0, len(tables))
	for _, table := range tables {
		block := createStatement(handle.Dialect, table)
		if f.SampleRows > 0 {
			samples, err := f.sampleRows(ctx, handle, table)
			if err != nil {
				return "", err
			}
			block += "\n\n" + samples
		}
		blocks = append(blocks, block)
	}
	return strings.Join(blocks, "\n\n"), nil
}

func (f Fetcher) Tables(ctx context.Context, handle *database.Handle) ([]Table, error) {
	if handle == nil || handle.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	rows, err := handle.DB.QueryContext(ctx, handle.Dialect.ColumnsQuery())
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	excluded := make(map[string]struct{}, len(f.Exclude))
	for _, name := range f.Exclude {
		excluded[strings.ToLower(name)] = struct{}{}
	}

	byName := map[string]*Table{}
	for rows.Next() {
		var tableName, columnName, dataType string
		if err := rows.Scan(&tableName, &columnName, &dataType); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		if _, skip := excluded[strings.ToLower(tableName)]; skip {
			continue
		}
		table, ok := byName[tableName]
		if !ok {
			table = &Table{Name: tableName}
			byName[tableName] = table
		}
		table.Columns = append(table.Columns, Column{Name: columnName, Type: strings.ToUpper(strings.TrimSpace(dataType))})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		tables = append(tables, *byName[name])
	}
	return tables, nil
}

func (f Fetcher) sampleRows(ctx context.Context, handle *database.Handle, table Table) (string, error) {
	executor := query.Executor{MaxRows: f.SampleRows}
	result, err := executor.Execute(ctx, handle, handle.Dialect.SampleRowsQuery(table.Name, f.SampleRows))
	if err != nil {
		return "", fmt.Errorf("sample rows from %s: %w", table.Name, err)
	}

	var b strings.Builder
	b.WriteString("/*\n")
	b.WriteString(strconv.Itoa(f.SampleRows) + " rows from " + table.Name + " table:\n")
	b.WriteString(strings.Join(result.Columns, "\t"))
	for _, row := range result.Rows {
		cells := make([]string, 0, len(row))
		for _, value := range row {
			cells = append(cells, truncate(query.FormatValue(value)))
		}
		b.WriteString("\n" + strings.Join(cells, "\t"))
	}
	b.WriteString("\n*/")
	return b.String(), nil
}

func createStatement(dialect database.Dialect, table Table) string {
	lines := make([]string, 0, len(table.Columns))
	for _, column := range table.Columns {
		lines = append(lines, "\t"+identifier(dialect, column.Name)+" "+column.Type)
	}
	return "CREATE TABLE " + identifier(dialect, table.Name) + " (\n" + strings.Join(lines, ",\n") + "\n)"
}

// identifier quotes names the model would otherwise get wrong, such as
// "Betreute Programme".
func identifier(dialect database.Dialect, name string) string {
	for _, r := range name {
		if !(r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return dialect.QuoteIdent(name)
		}
	}
	return name
}

func truncate(value string) string {
	value = strings.ReplaceAll(value, "\n", " ")
	runes := []rune(value)
	if len(runes) <= maxSampleValueLength {
		return value
	}
	return string(runes[:maxSampleValueLength]) + "..."
}
