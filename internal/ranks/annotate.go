package ranks

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"maps"
	"slices"

	"github.com/citp/openwpm-data-release/internal/crawldb"
	"github.com/citp/openwpm-data-release/internal/sitevisit"
)

// Rank columns on site_visits.
const (
	// SiteRankColumn holds the rank from the list the crawl itself used.
	SiteRankColumn = "site_rank"
	// CrawledRankColumn is SiteRankColumn after rank repair renamed it.
	CrawledRankColumn = "crawled_alexa_rank"
	// AlexaRankColumn holds the rank from the archived list for the crawl date.
	AlexaRankColumn = "alexa_rank"
)

// AnnotateResult counts site visits with and without a rank.
type AnnotateResult struct {
	Ranked   int
	Unranked int
}

// Annotated reports whether the crawl's own ranks were already attached,
// either as site_rank or renamed to crawled_alexa_rank.
func Annotated(ctx context.Context, q crawldb.Querier) (bool, error) {
	for _, col := range []string{SiteRankColumn, CrawledRankColumn} {
		ok, err := crawldb.HasColumn(ctx, q, crawldb.SiteVisitsTable, col)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// Annotate writes each site visit's rank into column, adding the column if
// needed. Sites missing from table are logged and set to NULL.
func Annotate(ctx context.Context, db *sql.DB, column string, table Table) (AnnotateResult, error) {
	var res AnnotateResult
	if _, err := crawldb.EnsureColumn(ctx, db, crawldb.SiteVisitsTable, column, crawldb.Ident(column)+" INTEGER"); err != nil {
		return res, err
	}
	sites, err := sitevisit.LoadSites(ctx, db)
	if err != nil {
		return res, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin annotate %s: %w", column, err)
	}
	defer tx.Rollback() //nolint:errcheck

	update, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"UPDATE %s SET %s = ? WHERE visit_id = ?", crawldb.Ident(crawldb.SiteVisitsTable), crawldb.Ident(column)))
	if err != nil {
		return res, fmt.Errorf("prepare annotate %s: %w", column, err)
	}
	defer update.Close()

	for _, id := range slices.Sorted(maps.Keys(sites)) {
		address := NormalizeSite(sites[id])
		var rank any
		if r, ok := table[address]; ok {
			rank = r
			res.Ranked++
		} else {
			log.Printf("[ranks] warning: no rank for %q (visit_id=%d)", address, id)
			res.Unranked++
		}
		if _, err := update.ExecContext(ctx, rank, id); err != nil {
			return res, fmt.Errorf("set %s for visit %d: %w", column, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit annotate %s: %w", column, err)
	}
	log.Printf("[ranks] %s: %d sites ranked, %d unranked", column, res.Ranked, res.Unranked)
	return res, nil
}
