// Package testutil builds crawl database fixtures for tests.
package testutil

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/citp/openwpm-data-release/internal/crawldb"
)

// Legacy table layouts as written by older OpenWPM releases: pages are keyed
// by top_url or page_url and no table has visit_id yet.
const (
	LegacyHTTPRequestsDDL = `CREATE TABLE http_requests (
		id INTEGER PRIMARY KEY, crawl_id INTEGER NOT NULL, url TEXT NOT NULL,
		method TEXT NOT NULL, referrer TEXT NOT NULL, headers TEXT NOT NULL,
		top_url TEXT, time_stamp TEXT NOT NULL)`
	LegacyHTTPResponsesDDL = `CREATE TABLE http_responses (
		id INTEGER PRIMARY KEY, crawl_id INTEGER NOT NULL, url TEXT NOT NULL,
		method TEXT NOT NULL, referrer TEXT NOT NULL, response_status INTEGER NOT NULL,
		response_status_text TEXT NOT NULL, headers TEXT NOT NULL, location TEXT NOT NULL,
		top_url TEXT, time_stamp TEXT NOT NULL)`
	LegacyJavascriptDDL = `CREATE TABLE javascript (
		id INTEGER PRIMARY KEY, crawl_id INTEGER, script_url TEXT, symbol TEXT,
		operation TEXT, value TEXT, page_url TEXT, time_stamp TEXT)`
	LegacyCrawlHistoryDDL = `CREATE TABLE CrawlHistory (
		crawl_id INTEGER, command TEXT, arguments TEXT, bool_success INTEGER, dtg DATETIME)`
)

// NewCrawlDB opens a fresh crawl database under t.TempDir() and runs stmts.
// The handle is closed when the test ends.
func NewCrawlDB(t testing.TB, stmts ...string) *sql.DB {
	t.Helper()
	db, _ := NewCrawlDBAt(t, filepath.Join(t.TempDir(), "crawl.sqlite"), stmts...)
	return db
}

// NewCrawlDBAt is NewCrawlDB at an explicit path. It returns the path too.
func NewCrawlDBAt(t testing.TB, path string, stmts ...string) (*sql.DB, string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	db, err := crawldb.OpenDB(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	Exec(t, db, stmts...)
	return db, path
}

// Exec runs stmts and fails the test on the first error.
func Exec(t testing.TB, db *sql.DB, stmts ...string) {
	t.Helper()
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("exec %q: %v", s, err)
		}
	}
}

// LegacyRequest inserts one legacy http_requests row.
func LegacyRequest(t testing.TB, db *sql.DB, crawlID int64, url, topURL string) {
	t.Helper()
	var top any = topURL
	if topURL == "" {
		top = nil
	}
	_, err := db.Exec(`INSERT INTO http_requests (crawl_id, url, method, referrer, headers, top_url, time_stamp)
		VALUES (?, ?, 'GET', '', '', ?, '2016-01-01 00:00:00')`, crawlID, url, top)
	if err != nil {
		t.Fatalf("insert legacy request: %v", err)
	}
}

// QueryInt64s returns the first column of every row of query.
func QueryInt64s(t testing.TB, db *sql.DB, query string, args ...any) []int64 {
	t.Helper()
	rows, err := db.Query(query, args...)
	if err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			t.Fatalf("scan %q: %v", query, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate %q: %v", query, err)
	}
	return out
}

// WriteFile writes content to dir/name, creating dir.
func WriteFile(t testing.TB, dir, name, content string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
