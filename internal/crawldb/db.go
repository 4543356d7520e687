// Package crawldb opens OpenWPM crawl databases and describes their tables:
// canonical DDL, live introspection, structural schema diffs and the small
// additive-migration helpers the preprocessing stages are built from.
package crawldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// OpenDB opens an existing crawl database at path with the pragmas used for
// bulk rewriting: WAL journal, synchronous=NORMAL, busy_timeout=5000.
//
// Foreign keys stay off. The canonical DDL references crawl(id) and
// site_visits(id), which legacy crawl files either lack or define differently,
// and enforcing them would reject rows the migration must preserve.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// One process owns one crawl file; a single connection keeps cursors and
	// writes on the same handle.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}
	return db, nil
}

// OpenReadOnly opens a crawl database for inspection. The file's journal
// mode is left as committed.
func OpenReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}
	return db, nil
}

// Ident quotes an SQL identifier.
func Ident(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Querier is the subset of *sql.DB / *sql.Tx used by the helpers below.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// HasTable reports whether table exists in the catalog.
func HasTable(ctx context.Context, q Querier, table string) (bool, error) {
	var name string
	err := q.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup table %s: %w", table, err)
	}
	return true, nil
}

// HasColumn reports whether table has a column named column. A missing table
// yields false.
func HasColumn(ctx context.Context, q Querier, table, column string) (bool, error) {
	cols, err := columnNames(ctx, q, table)
	if err != nil {
		return false, err
	}
	for _, c := range cols {
		if c == column {
			return true, nil
		}
	}
	return false, nil
}

// EnsureColumn adds column to table using columnDDL unless it already exists.
// It reports whether the column was added.
func EnsureColumn(ctx context.Context, q Querier, table, column, columnDDL string) (bool, error) {
	exists, err := HasColumn(ctx, q, table, column)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", Ident(table), columnDDL)
	if _, err := q.ExecContext(ctx, stmt); err != nil {
		return false, fmt.Errorf("migrate %s.%s: %w", table, column, err)
	}
	return true, nil
}

// RenameTable renames from to to.
func RenameTable(ctx context.Context, q Querier, from, to string) error {
	stmt := fmt.Sprintf("ALTER TABLE %s RENAME TO %s", Ident(from), Ident(to))
	if _, err := q.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("rename table %s to %s: %w", from, to, err)
	}
	return nil
}

// RenameColumn renames a column in place (SQLite >= 3.25).
func RenameColumn(ctx context.Context, q Querier, table, from, to string) error {
	stmt := fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", Ident(table), Ident(from), Ident(to))
	if _, err := q.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("rename column %s.%s to %s: %w", table, from, to, err)
	}
	return nil
}

// DropTable drops table if it exists.
func DropTable(ctx context.Context, q Querier, table string) error {
	if _, err := q.ExecContext(ctx, "DROP TABLE IF EXISTS "+Ident(table)); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	return nil
}

// RowCount estimates the number of rows in table. OpenWPM tables use an
// INTEGER PRIMARY KEY id, so MAX(id) is read first; tables without an id
// column fall back to COUNT(*). Empty tables yield 0.
func RowCount(ctx context.Context, q Querier, table string) (int64, error) {
	hasID, err := HasColumn(ctx, q, table, "id")
	if err != nil {
		return 0, err
	}
	query := "SELECT COUNT(*) FROM " + Ident(table)
	if hasID {
		query = "SELECT MAX(id) FROM " + Ident(table)
	}
	var n sql.NullInt64
	if err := q.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows in %s: %w", table, err)
	}
	return n.Int64, nil
}

func columnNames(ctx context.Context, q Querier, table string) ([]string, error) {
	cols, err := tableColumns(ctx, q, table)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names, nil
}

func tableColumns(ctx context.Context, q Querier, table string) ([]Column, error) {
	rows, err := q.QueryContext(ctx, `SELECT name, type FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, fmt.Errorf("inspect table %s: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, fmt.Errorf("scan table_info(%s): %w", table, err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table_info(%s): %w", table, err)
	}
	return cols, nil
}
