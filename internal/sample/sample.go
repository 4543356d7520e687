// Package sample cuts small sample databases out of full crawl databases.
package sample

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/citp/openwpm-data-release/internal/crawldb"
)

// DefaultMaxVisits bounds the visits copied into a sample.
const DefaultMaxVisits = 1000

const sourceSchema = "src"

// Result reports what a sample contains.
type Result struct {
	// Rows copied per table.
	Rows     map[string]int64
	InBytes  int64
	OutBytes int64
}

// Create writes a sample of the crawl at inPath to outPath: the same schema,
// rows with visit_id <= maxVisits, and every row of tables that have no
// visit_id. outPath must not exist yet.
func Create(ctx context.Context, inPath, outPath string, maxVisits int64) (Result, error) {
	res := Result{Rows: make(map[string]int64)}
	if _, err := os.Stat(inPath); err != nil {
		return res, fmt.Errorf("sample source: %w", err)
	}
	if _, err := os.Stat(outPath); err == nil {
		return res, fmt.Errorf("sample %s already exists", outPath)
	}

	db, err := crawldb.OpenDB(outPath)
	if err != nil {
		return res, err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `ATTACH DATABASE ? AS `+sourceSchema, inPath); err != nil {
		return res, fmt.Errorf("attach %s: %w", inPath, err)
	}
	defer db.ExecContext(context.Background(), `DETACH DATABASE `+sourceSchema) //nolint:errcheck

	tables, err := copySchema(ctx, db)
	if err != nil {
		return res, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin sample copy: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range tables {
		live, err := crawldb.DescribeTable(ctx, tx, table)
		if err != nil {
			return res, err
		}
		query := fmt.Sprintf(`INSERT INTO main.%s SELECT * FROM %s.%s`,
			crawldb.Ident(table), sourceSchema, crawldb.Ident(table))
		var args []any
		if live.Has(crawldb.VisitIDColumn) {
			query += ` WHERE visit_id <= ?`
			args = append(args, maxVisits)
		}
		r, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return res, fmt.Errorf("copy %s: %w", table, err)
		}
		n, _ := r.RowsAffected()
		res.Rows[table] = n
		log.Printf("[sample] %s: %d rows", table, n)
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit sample: %w", err)
	}

	if _, err := db.ExecContext(ctx, `PRAGMA main.journal_mode=DELETE`); err != nil {
		return res, fmt.Errorf("finalize sample: %w", err)
	}
	if info, err := os.Stat(inPath); err == nil {
		res.InBytes = info.Size()
	}
	if info, err := os.Stat(outPath); err == nil {
		res.OutBytes = info.Size()
	}
	log.Printf("[sample] in, out DB sizes %d %d", res.InBytes, res.OutBytes)
	return res, nil
}

// copySchema replays the source DDL into the sample and returns the source
// table names. Internal sqlite_* tables are left to SQLite.
func copySchema(ctx context.Context, q crawldb.Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT type, name, sql FROM `+sourceSchema+`.sqlite_master
		WHERE sql IS NOT NULL AND name NOT LIKE 'sqlite\_%' ESCAPE '\'
		ORDER BY CASE type WHEN 'table' THEN 0 ELSE 1 END, rowid`)
	if err != nil {
		return nil, fmt.Errorf("read source schema: %w", err)
	}
	var (
		tables []string
		ddl    []string
	)
	for rows.Next() {
		var typ, name, stmt string
		if err := rows.Scan(&typ, &name, &stmt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan source schema: %w", err)
		}
		if typ == "table" {
			tables = append(tables, name)
		}
		ddl = append(ddl, stmt)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("read source schema: %w", err)
	}
	rows.Close()

	for _, stmt := range ddl {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create sample schema: %w", err)
		}
	}
	return tables, nil
}
