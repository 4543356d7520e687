package crawldb

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

// Table is a live table layout as observed in a crawl database.
type Table struct {
	Name    string
	Columns []Column
}

// ColumnNames returns the ordered column names.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Has reports whether the table has a column named name.
func (t Table) Has(name string) bool {
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Schema is the ordered list of tables in a crawl database.
type Schema struct {
	Tables []Table
}

// Table returns the named table or ErrTableNotFound.
func (s Schema) Table(name string) (Table, error) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, nil
		}
	}
	return Table{}, fmt.Errorf("%s: %w", name, ErrTableNotFound)
}

// HasTable reports whether the schema contains name.
func (s Schema) HasTable(name string) bool {
	_, err := s.Table(name)
	return err == nil
}

// Dump renders one "table col1 col2 ..." line per table.
func (s Schema) Dump() string {
	var b strings.Builder
	for _, t := range s.Tables {
		b.WriteString(t.Name)
		for _, c := range t.Columns {
			b.WriteByte(' ')
			b.WriteString(c.Name)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Fingerprint is the xxh3-128 of Dump as 32 hex characters. Crawls with the
// same table/column layout share a fingerprint.
func (s Schema) Fingerprint() string {
	h128 := xxh3.HashString128(s.Dump())
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], h128.Lo)
	binary.LittleEndian.PutUint64(buf[8:], h128.Hi)
	return hex.EncodeToString(buf[:])
}

// Describe lists every table in the catalog with its ordered columns. Column
// metadata comes from table_info, so empty tables describe correctly.
func Describe(ctx context.Context, q Querier) (Schema, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' ORDER BY rowid`)
	if err != nil {
		return Schema{}, fmt.Errorf("list tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return Schema{}, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return Schema{}, fmt.Errorf("iterate tables: %w", err)
	}
	rows.Close()

	var s Schema
	for _, name := range names {
		cols, err := tableColumns(ctx, q, name)
		if err != nil {
			return Schema{}, err
		}
		s.Tables = append(s.Tables, Table{Name: name, Columns: cols})
	}
	return s, nil
}

// DescribeTable returns the live layout of one table, or ErrTableNotFound.
func DescribeTable(ctx context.Context, q Querier, name string) (Table, error) {
	ok, err := HasTable(ctx, q, name)
	if err != nil {
		return Table{}, err
	}
	if !ok {
		return Table{}, fmt.Errorf("%s: %w", name, ErrTableNotFound)
	}
	cols, err := tableColumns(ctx, q, name)
	if err != nil {
		return Table{}, err
	}
	return Table{Name: name, Columns: cols}, nil
}
