// Package migrate rewrites crawl tables in place to their canonical schema.
//
// A table whose live columns differ from the canonical definition is renamed
// to _<table>_old, recreated from the canonical DDL and refilled from the old
// copy. Columns shared by both layouts are copied as-is; a legacy top_url or
// page_url key is replaced by the visit_id it resolves to in site_visits.
// Rows whose key has no site visit are logged and dropped.
//
// The rewrite commits in two steps: rename+create, then copy+drop. A crash
// between them leaves _<table>_old behind, and the next run resumes from it.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/citp/openwpm-data-release/internal/crawldb"
)

const (
	DefaultBatchSize        = 10000
	DefaultProgressInterval = 10 * time.Second
)

// Strategy selects how rows are moved from the old table.
type Strategy string

const (
	// StrategyStream reads rows into the process and resolves legacy keys
	// against an in-memory site_url -> visit_id index, logging every skip.
	StrategyStream Strategy = "stream"
	// StrategyJoin issues one INSERT .. SELECT .. JOIN site_visits and
	// reports only the number of skipped rows.
	StrategyJoin Strategy = "join"
)

// ErrNoVisitIndex is returned when a URL-keyed table is stream-migrated
// without a site visit index.
var ErrNoVisitIndex = errors.New("no site visit index for url-keyed table")

// Options configures a Migrator. Zero values fall back to defaults.
type Options struct {
	BatchSize        int
	ProgressInterval time.Duration
	Strategy         Strategy
	Now              func() time.Time
}

// Result summarizes one table migration.
type Result struct {
	Table string
	// Migrated is false when the table already matched its canonical schema.
	Migrated bool
	// Resumed is true when an interrupted migration was picked up.
	Resumed    bool
	LegacyKey  string
	SourceRows int64
	Inserted   int64
	Skipped    int64
}

// Migrator migrates tables of one crawl database. It is not safe for
// concurrent use.
type Migrator struct {
	db   *sql.DB
	opts Options
}

// New creates a Migrator for db.
func New(db *sql.DB, opts Options) *Migrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyStream
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Migrator{db: db, opts: opts}
}

// TempTableName is the name a table is parked under while it is rewritten.
func TempTableName(table string) string {
	return "_" + table + "_old"
}

// Needed reports whether def's table still has work pending: an interrupted
// rewrite, or live columns that differ from the canonical ones. A table that
// does not exist needs nothing.
func Needed(ctx context.Context, q crawldb.Querier, def crawldb.TableDef) (bool, error) {
	parked, err := crawldb.HasTable(ctx, q, TempTableName(def.Name))
	if err != nil {
		return false, err
	}
	if parked {
		return true, nil
	}
	live, err := crawldb.DescribeTable(ctx, q, def.Name)
	if errors.Is(err, crawldb.ErrTableNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return crawldb.Diff(live, def).NeedsMigration(), nil
}

// MigrateAll migrates every canonical table present in the database, in
// catalog order, and stops at the first fatal error.
func (m *Migrator) MigrateAll(ctx context.Context, visits map[string]int64) ([]Result, error) {
	var results []Result
	for _, def := range crawldb.CanonicalTables() {
		needed, err := Needed(ctx, m.db, def)
		if err != nil {
			return results, err
		}
		if !needed {
			log.Printf("[migrate] %s: nothing to migrate", def.Name)
			continue
		}
		t0 := m.opts.Now()
		res, err := m.Migrate(ctx, def, visits)
		if err != nil {
			return results, fmt.Errorf("migrate %s: %w", def.Name, err)
		}
		log.Printf("[migrate] %s: took %s", def.Name, m.opts.Now().Sub(t0).Round(time.Millisecond))
		results = append(results, res)
	}
	return results, nil
}

// Migrate rewrites def's table to the canonical schema. visits maps site_url
// to visit_id and is required only by the stream strategy when the table is
// keyed by a legacy URL column.
func (m *Migrator) Migrate(ctx context.Context, def crawldb.TableDef, visits map[string]int64) (Result, error) {
	res := Result{Table: def.Name}
	temp := TempTableName(def.Name)

	resume, err := crawldb.HasTable(ctx, m.db, temp)
	if err != nil {
		return res, err
	}
	source := def.Name
	if resume {
		source = temp
	}
	observed, err := crawldb.DescribeTable(ctx, m.db, source)
	if err != nil {
		return res, err
	}
	diff := crawldb.Diff(observed, def)
	if !resume && !diff.NeedsMigration() {
		log.Printf("[migrate] %s: no missing columns", def.Name)
		return res, nil
	}
	if err := m.checkCopy(ctx, def, diff, visits); err != nil {
		return res, err
	}

	if resume {
		log.Printf("[migrate] %s: found %s from an interrupted run, resuming", def.Name, temp)
		if err := m.recreate(ctx, def); err != nil {
			return res, err
		}
	} else {
		log.Printf("[migrate] %s: will add %v, drop %v", def.Name, diff.Added, diff.Dropped)
		if err := m.park(ctx, def); err != nil {
			return res, err
		}
	}
	if diff.LegacyKey != "" {
		log.Printf("[migrate] %s: will replace %s with %s", def.Name, diff.LegacyKey, crawldb.VisitIDColumn)
	}

	res.Migrated = true
	res.Resumed = resume
	res.LegacyKey = diff.LegacyKey
	if err := m.copyAndDrop(ctx, diff, temp, visits, &res); err != nil {
		return res, err
	}
	log.Printf("[migrate] %s: %d rows in, %d rows out, %d skipped",
		def.Name, res.SourceRows, res.Inserted, res.Skipped)
	return res, nil
}

func (m *Migrator) checkCopy(ctx context.Context, def crawldb.TableDef, diff crawldb.TableDiff, visits map[string]int64) error {
	if diff.LegacyKey == "" {
		if len(diff.Common) == 0 {
			return fmt.Errorf("%s shares no columns with its canonical schema", def.Name)
		}
		return nil
	}
	if !slices.Contains(def.ColumnNames(), crawldb.VisitIDColumn) {
		return fmt.Errorf("canonical %s has no %s column", def.Name, crawldb.VisitIDColumn)
	}
	switch m.opts.Strategy {
	case StrategyJoin:
		ok, err := crawldb.HasTable(ctx, m.db, crawldb.SiteVisitsTable)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("join %s: %w: %s", def.Name, crawldb.ErrTableNotFound, crawldb.SiteVisitsTable)
		}
	default:
		if visits == nil {
			return fmt.Errorf("migrate %s: %w", def.Name, ErrNoVisitIndex)
		}
	}
	return nil
}

// park renames the live table away and creates the canonical one in a
// single transaction.
func (m *Migrator) park(ctx context.Context, def crawldb.TableDef) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin park %s: %w", def.Name, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := crawldb.RenameTable(ctx, tx, def.Name, TempTableName(def.Name)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, def.DDL); err != nil {
		return fmt.Errorf("create canonical %s: %w", def.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit park %s: %w", def.Name, err)
	}
	return nil
}

// recreate discards a partially filled canonical table left by an
// interrupted copy.
func (m *Migrator) recreate(ctx context.Context, def crawldb.TableDef) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin recreate %s: %w", def.Name, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := crawldb.DropTable(ctx, tx, def.Name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, def.DDL); err != nil {
		return fmt.Errorf("create canonical %s: %w", def.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit recreate %s: %w", def.Name, err)
	}
	return nil
}

func (m *Migrator) copyAndDrop(ctx context.Context, diff crawldb.TableDiff, temp string, visits map[string]int64, res *Result) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin copy %s: %w", diff.Table, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+crawldb.Ident(temp)).Scan(&res.SourceRows); err != nil {
		return fmt.Errorf("count rows in %s: %w", temp, err)
	}

	switch m.opts.Strategy {
	case StrategyJoin:
		n, err := joinCopy(ctx, tx, diff, temp)
		if err != nil {
			return err
		}
		res.Inserted = n
		res.Skipped = res.SourceRows - n
		if res.Skipped > 0 {
			log.Printf("[migrate] warning: %s: %d rows have no site visit for %s, skipped",
				diff.Table, res.Skipped, diff.LegacyKey)
		}
	default:
		if err := m.streamCopy(ctx, tx, diff, temp, visits, res); err != nil {
			return err
		}
	}

	if err := crawldb.DropTable(ctx, tx, temp); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit copy %s: %w", diff.Table, err)
	}
	return nil
}

func joinCopy(ctx context.Context, tx *sql.Tx, diff crawldb.TableDiff, temp string) (int64, error) {
	insertCols := quoteAll(diff.Common, "")
	selectCols := quoteAll(diff.Common, "o.")
	from := crawldb.Ident(temp) + " AS o"
	if diff.LegacyKey != "" {
		insertCols = append(insertCols, crawldb.Ident(crawldb.VisitIDColumn))
		selectCols = append(selectCols, "sv.visit_id")
		// MIN keeps the join one-to-one if a site_url was ever registered twice.
		from += fmt.Sprintf(
			" JOIN (SELECT site_url, MIN(visit_id) AS visit_id FROM %s GROUP BY site_url) AS sv ON sv.site_url = COALESCE(o.%s, '')",
			crawldb.Ident(crawldb.SiteVisitsTable), crawldb.Ident(diff.LegacyKey))
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		crawldb.Ident(diff.Table), strings.Join(insertCols, ", "), strings.Join(selectCols, ", "), from)

	r, err := tx.ExecContext(ctx, stmt)
	if err != nil {
		return 0, fmt.Errorf("copy %s: %w", diff.Table, err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("copy %s rows affected: %w", diff.Table, err)
	}
	return n, nil
}

func (m *Migrator) streamCopy(ctx context.Context, tx *sql.Tx, diff crawldb.TableDiff, temp string, visits map[string]int64, res *Result) (err error) {
	selectCols := slices.Clone(diff.Common)
	insertCols := slices.Clone(diff.Common)
	if diff.LegacyKey != "" {
		selectCols = append(selectCols, diff.LegacyKey)
		insertCols = append(insertCols, crawldb.VisitIDColumn)
	}

	// Unary + drops the declared column type, so the driver returns stored
	// values unconverted (DATETIME text stays text).
	exprs := make([]string, len(selectCols))
	for i, c := range selectCols {
		exprs[i] = "+" + crawldb.Ident(c)
	}
	query := fmt.Sprintf("SELECT rowid, %s FROM %s", strings.Join(exprs, ", "), crawldb.Ident(temp))

	ins, err := newBatchInserter(ctx, tx, diff.Table, insertCols, m.opts.BatchSize)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := ins.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("stream %s: %w", temp, err)
	}
	defer rows.Close()

	prog := newProgress(diff.Table, res.SourceRows, m.opts.ProgressInterval, m.opts.Now)
	keyIdx := len(selectCols) - 1
	var processed int64
	for rows.Next() {
		var rowid int64
		vals := make([]any, len(selectCols))
		dest := make([]any, len(vals)+1)
		dest[0] = &rowid
		for i := range vals {
			dest[i+1] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("scan %s: %w", temp, err)
		}
		processed++

		if diff.LegacyKey != "" {
			visitID, ok := lookupVisit(visits, vals[keyIdx])
			if !ok {
				res.Skipped++
				log.Printf("[migrate] warning: %s rowid=%d: missing visit id for %s=%s, skipped",
					diff.Table, rowid, diff.LegacyKey, describeKey(vals[keyIdx]))
				continue
			}
			vals[keyIdx] = visitID
		}
		if err := ins.add(ctx, vals); err != nil {
			return err
		}
		prog.tick(processed)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("stream %s: %w", temp, err)
	}
	if err := ins.flush(ctx); err != nil {
		return err
	}
	res.Inserted = ins.inserted
	prog.finish(processed)
	return nil
}

func lookupVisit(visits map[string]int64, key any) (int64, bool) {
	var s string
	switch v := key.(type) {
	case nil:
		// NULL keys share the "" visit, as in sitevisit.Derive.
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		s = fmt.Sprint(v)
	}
	id, ok := visits[s]
	return id, ok
}

func describeKey(key any) string {
	switch v := key.(type) {
	case nil:
		return "NULL"
	case []byte:
		return fmt.Sprintf("%q", string(v))
	default:
		return fmt.Sprintf("%q", fmt.Sprint(v))
	}
}

func quoteAll(cols []string, prefix string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = prefix + crawldb.Ident(c)
	}
	return out
}
