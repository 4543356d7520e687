// Package sitevisit derives the site_visits dimension: one row per distinct
// top-level URL of a crawl, keyed by a dense visit_id.
package sitevisit

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/citp/openwpm-data-release/internal/crawldb"
)

// TopLevelURLColumn is the request column current OpenWPM writes the page
// URL to.
const TopLevelURLColumn = "top_level_url"

// RequestKeyColumn returns the http_requests column that identifies the
// visited page: the legacy top_url when present, else top_level_url.
func RequestKeyColumn(ctx context.Context, q crawldb.Querier) (string, error) {
	for _, col := range []string{crawldb.TopURLColumn, TopLevelURLColumn} {
		ok, err := crawldb.HasColumn(ctx, q, crawldb.HTTPRequestsTable, col)
		if err != nil {
			return "", err
		}
		if ok {
			return col, nil
		}
	}
	return "", fmt.Errorf("%s: %w", crawldb.HTTPRequestsTable, crawldb.ErrNoRequestKey)
}

// Derive creates site_visits if absent and fills it from http_requests:
// each distinct top-level URL, paired with the highest crawl_id it was seen
// in, gets visit_id 0, 1, 2, ... in order of first appearance. NULL and
// empty URLs collapse into one "" visit, which is logged. It returns the
// number of visits inserted.
//
// Derive does not check for an existing site_visits table; use
// EnsureSiteVisits for the guarded form.
func Derive(ctx context.Context, db *sql.DB) (int, error) {
	ok, err := crawldb.HasTable(ctx, db, crawldb.HTTPRequestsTable)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("derive site visits: %w: %s", crawldb.ErrTableNotFound, crawldb.HTTPRequestsTable)
	}
	key, err := RequestKeyColumn(ctx, db)
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin derive site visits: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, crawldb.CreateSiteVisitsDDL); err != nil {
		return 0, fmt.Errorf("create %s: %w", crawldb.SiteVisitsTable, err)
	}
	insert, err := tx.PrepareContext(ctx,
		`INSERT INTO site_visits (visit_id, crawl_id, site_url) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare site visit insert: %w", err)
	}
	defer insert.Close()

	// A crawl restarted mid-list visits some URLs twice; the later crawl wins.
	query := fmt.Sprintf(`SELECT COALESCE(%[1]s, '') AS site, MAX(crawl_id), MIN(rowid) AS first_seen
		FROM %[2]s GROUP BY site ORDER BY first_seen`,
		crawldb.Ident(key), crawldb.Ident(crawldb.HTTPRequestsTable))
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("group %s by %s: %w", crawldb.HTTPRequestsTable, key, err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var (
			site    string
			crawlID sql.NullInt64
			first   int64
		)
		if err := rows.Scan(&site, &crawlID, &first); err != nil {
			return 0, fmt.Errorf("scan site visit: %w", err)
		}
		if site == "" {
			log.Printf("[sitevisit] warning: empty %s (crawl_id=%d, first rowid=%d), inserting sentinel visit %d",
				key, crawlID.Int64, first, n)
		}
		if _, err := insert.ExecContext(ctx, n, crawlID.Int64, site); err != nil {
			return 0, fmt.Errorf("insert site visit %q: %w", site, err)
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate site visits: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit site visits: %w", err)
	}
	log.Printf("[sitevisit] derived %d site visits from %s.%s", n, crawldb.HTTPRequestsTable, key)
	return n, nil
}

// Exists reports whether the site_visits table is present.
func Exists(ctx context.Context, q crawldb.Querier) (bool, error) {
	return crawldb.HasTable(ctx, q, crawldb.SiteVisitsTable)
}

// EnsureSiteVisits derives site_visits unless it already exists. It reports
// whether a derivation ran and how many visits it inserted.
func EnsureSiteVisits(ctx context.Context, db *sql.DB) (bool, int, error) {
	ok, err := Exists(ctx, db)
	if err != nil {
		return false, 0, err
	}
	if ok {
		log.Printf("[sitevisit] %s already present, skipping derivation", crawldb.SiteVisitsTable)
		return false, 0, nil
	}
	n, err := Derive(ctx, db)
	if err != nil {
		return false, 0, err
	}
	return true, n, nil
}

// LoadIndex reads site_url -> visit_id. When a URL was registered more than
// once, the lowest visit_id wins.
func LoadIndex(ctx context.Context, q crawldb.Querier) (map[string]int64, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT site_url, MIN(visit_id) FROM site_visits GROUP BY site_url`)
	if err != nil {
		return nil, fmt.Errorf("load site visit index: %w", err)
	}
	defer rows.Close()

	index := make(map[string]int64)
	for rows.Next() {
		var (
			site string
			id   int64
		)
		if err := rows.Scan(&site, &id); err != nil {
			return nil, fmt.Errorf("scan site visit index: %w", err)
		}
		index[site] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate site visit index: %w", err)
	}
	log.Printf("[sitevisit] loaded %d site_url mappings", len(index))
	return index, nil
}

// LoadSites reads visit_id -> site_url.
func LoadSites(ctx context.Context, q crawldb.Querier) (map[int64]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT visit_id, site_url FROM site_visits`)
	if err != nil {
		return nil, fmt.Errorf("load site visits: %w", err)
	}
	defer rows.Close()

	sites := make(map[int64]string)
	distinct := make(map[string]struct{})
	for rows.Next() {
		var (
			id   int64
			site sql.NullString
		)
		if err := rows.Scan(&id, &site); err != nil {
			return nil, fmt.Errorf("scan site visit: %w", err)
		}
		sites[id] = site.String
		distinct[site.String] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate site visits: %w", err)
	}
	log.Printf("[sitevisit] loaded %d visits, %d distinct site urls", len(sites), len(distinct))
	return sites, nil
}
