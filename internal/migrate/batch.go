package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/citp/openwpm-data-release/internal/crawldb"
)

// batchInserter buffers rows and writes them through one prepared INSERT in
// chunks of size rows. Unlike row-level data problems, an insert failure here
// is a storage error and aborts the copy.
type batchInserter struct {
	table    string
	stmt     *sql.Stmt
	size     int
	rows     [][]any
	inserted int64
}

func newBatchInserter(ctx context.Context, tx *sql.Tx, table string, columns []string, size int) (*batchInserter, error) {
	if size <= 0 {
		size = DefaultBatchSize
	}
	stmt, err := tx.PrepareContext(ctx, insertSQL(table, columns))
	if err != nil {
		return nil, fmt.Errorf("prepare insert into %s: %w", table, err)
	}
	return &batchInserter{
		table: table,
		stmt:  stmt,
		size:  size,
		rows:  make([][]any, 0, size),
	}, nil
}

// add queues row, flushing when the buffer is full. The caller must not reuse
// row after the call.
func (b *batchInserter) add(ctx context.Context, row []any) error {
	b.rows = append(b.rows, row)
	if len(b.rows) < b.size {
		return nil
	}
	return b.flush(ctx)
}

func (b *batchInserter) flush(ctx context.Context) error {
	for _, row := range b.rows {
		if _, err := b.stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("insert into %s: %w", b.table, err)
		}
		b.inserted++
	}
	clear(b.rows)
	b.rows = b.rows[:0]
	return nil
}

func (b *batchInserter) close() error {
	if err := b.stmt.Close(); err != nil {
		return fmt.Errorf("close insert into %s: %w", b.table, err)
	}
	return nil
}

func insertSQL(table string, columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = crawldb.Ident(c)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		crawldb.Ident(table), strings.Join(quoted, ", "), placeholders)
}
