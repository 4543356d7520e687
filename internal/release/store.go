// Package release keeps the summary database of a data release: which crawls
// were preprocessed, how each preprocessing stage ended, and the per-site
// aggregates of every analysis run.
package release

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/citp/openwpm-data-release/internal/crawldb"
)

// Stage outcomes.
const (
	OutcomeApplied = "applied"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Crawl describes one preprocessed crawl.
type Crawl struct {
	Name              string
	DBPath            string
	SchemaFingerprint string
	HasJSSource       bool
}

// StageRecord is the last recorded outcome of a preprocessing stage.
type StageRecord struct {
	Crawl     string
	Stage     string
	Outcome   string
	Detail    string
	UpdatedAt time.Time
}

// SiteStat holds the per-site counters of an analysis run.
type SiteStat struct {
	SiteURL      string
	Requests     int64
	Responses    int64
	Javascript   int64
	ThirdParties int64
}

// CommandRate holds crawl_history outcome rates for one command type.
type CommandRate struct {
	Command     string
	Total       int64
	Failed      int64
	TimedOut    int64
	FailRate    float64
	TimeoutRate float64
}

// Analysis is one finished analysis run.
type Analysis struct {
	ID                 string
	Crawl              string
	StartedAt          time.Time
	FinishedAt         time.Time
	RowsWithoutVisitID int64
	UnknownVisitRows   int64
	OutOfOrderRows     int64
	TableRows          map[string]int64
	Sites              []SiteStat
	Commands           []CommandRate
}

// Store is the release summary database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the summary database at path and migrates it.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create summary dir: %w", err)
	}
	db, err := crawldb.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("open summary db: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordCrawl inserts or updates a crawl.
func (s *Store) RecordCrawl(ctx context.Context, c Crawl) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO crawls (name, db_path, schema_fingerprint, has_js_source, updated_at_ns)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			db_path = excluded.db_path,
			schema_fingerprint = excluded.schema_fingerprint,
			has_js_source = excluded.has_js_source,
			updated_at_ns = excluded.updated_at_ns`,
		c.Name, c.DBPath, c.SchemaFingerprint, boolToInt(c.HasJSSource), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("record crawl %s: %w", c.Name, err)
	}
	return nil
}

// GetCrawl reads a crawl by name. It returns sql.ErrNoRows when unknown.
func (s *Store) GetCrawl(ctx context.Context, name string) (Crawl, error) {
	var (
		c  Crawl
		js int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, db_path, schema_fingerprint, has_js_source FROM crawls WHERE name = ?`, name).
		Scan(&c.Name, &c.DBPath, &c.SchemaFingerprint, &js)
	if err != nil {
		return Crawl{}, fmt.Errorf("get crawl %s: %w", name, err)
	}
	c.HasJSSource = js != 0
	return c, nil
}

// RecordStage stores the latest outcome of a stage for a crawl.
func (s *Store) RecordStage(ctx context.Context, crawl, stage, outcome, detail string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO preprocess_stages (crawl, stage, outcome, detail, updated_at_ns)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(crawl, stage) DO UPDATE SET
			outcome = excluded.outcome,
			detail = excluded.detail,
			updated_at_ns = excluded.updated_at_ns`,
		crawl, stage, outcome, detail, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("record stage %s/%s: %w", crawl, stage, err)
	}
	return nil
}

// Stages lists the recorded stages of a crawl, oldest first.
func (s *Store) Stages(ctx context.Context, crawl string) ([]StageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT crawl, stage, outcome, detail, updated_at_ns
		FROM preprocess_stages WHERE crawl = ? ORDER BY updated_at_ns, rowid`, crawl)
	if err != nil {
		return nil, fmt.Errorf("list stages of %s: %w", crawl, err)
	}
	defer rows.Close()

	var out []StageRecord
	for rows.Next() {
		var (
			r  StageRecord
			ns int64
		)
		if err := rows.Scan(&r.Crawl, &r.Stage, &r.Outcome, &r.Detail, &ns); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		r.UpdatedAt = time.Unix(0, ns)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordAnalysis stores a finished analysis run with all its rows in one
// transaction.
func (s *Store) RecordAnalysis(ctx context.Context, a Analysis) error {
	if a.ID == "" {
		return errors.New("record analysis: empty run id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record analysis: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `INSERT INTO analysis_runs
		(id, crawl, started_at_ns, finished_at_ns, rows_without_visit_id, unknown_visit_rows, out_of_order_rows)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Crawl, a.StartedAt.UnixNano(), a.FinishedAt.UnixNano(),
		a.RowsWithoutVisitID, a.UnknownVisitRows, a.OutOfOrderRows); err != nil {
		return fmt.Errorf("insert analysis run %s: %w", a.ID, err)
	}

	siteStmt, err := tx.PrepareContext(ctx, `INSERT INTO site_stats
		(run_id, site_url, requests, responses, javascript, third_parties) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare site stats: %w", err)
	}
	defer siteStmt.Close()
	for _, st := range a.Sites {
		if _, err := siteStmt.ExecContext(ctx, a.ID, st.SiteURL, st.Requests, st.Responses, st.Javascript, st.ThirdParties); err != nil {
			return fmt.Errorf("insert site stat %q: %w", st.SiteURL, err)
		}
	}

	cmdStmt, err := tx.PrepareContext(ctx, `INSERT INTO command_rates
		(run_id, command, total, failed, timed_out, fail_rate, timeout_rate) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare command rates: %w", err)
	}
	defer cmdStmt.Close()
	for _, c := range a.Commands {
		if _, err := cmdStmt.ExecContext(ctx, a.ID, c.Command, c.Total, c.Failed, c.TimedOut, c.FailRate, c.TimeoutRate); err != nil {
			return fmt.Errorf("insert command rate %q: %w", c.Command, err)
		}
	}

	for table, n := range a.TableRows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO table_rows (run_id, table_name, row_count) VALUES (?, ?, ?)`, a.ID, table, n); err != nil {
			return fmt.Errorf("insert row count %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit analysis %s: %w", a.ID, err)
	}
	return nil
}

// LatestAnalysisID returns the id of the most recent analysis run of crawl,
// or "" if there is none.
func (s *Store) LatestAnalysisID(ctx context.Context, crawl string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM analysis_runs WHERE crawl = ? ORDER BY finished_at_ns DESC LIMIT 1`, crawl).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest analysis of %s: %w", crawl, err)
	}
	return id, nil
}

// SiteStats returns the per-site rows of an analysis run ordered by site.
func (s *Store) SiteStats(ctx context.Context, runID string) ([]SiteStat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT site_url, requests, responses, javascript, third_parties
		FROM site_stats WHERE run_id = ? ORDER BY site_url`, runID)
	if err != nil {
		return nil, fmt.Errorf("site stats of %s: %w", runID, err)
	}
	defer rows.Close()

	var out []SiteStat
	for rows.Next() {
		var st SiteStat
		if err := rows.Scan(&st.SiteURL, &st.Requests, &st.Responses, &st.Javascript, &st.ThirdParties); err != nil {
			return nil, fmt.Errorf("scan site stat: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
