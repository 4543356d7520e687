package ranks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/citp/openwpm-data-release/internal/crawldb"
)

// ArchiveFirstYear is the first crawl year covered by the rank archive.
// Older crawls keep the ranks they were crawled with.
const ArchiveFirstYear = 2017

// ErrNoCrawlStart is returned when the crawl table has no start_time.
var ErrNoCrawlStart = errors.New("crawl has no start_time")

// FixResult describes a rank repair.
type FixResult struct {
	CrawlDate time.Time
	// FromArchive is true when alexa_rank came from the archived list,
	// false when it was copied from the crawl's own ranks.
	FromArchive bool
	Annotate    AnnotateResult
}

// CrawlStartDate returns the day of the earliest crawl start_time.
func CrawlStartDate(ctx context.Context, q crawldb.Querier) (time.Time, error) {
	var start sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT +start_time FROM crawl WHERE start_time IS NOT NULL ORDER BY start_time ASC LIMIT 1`).Scan(&start)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !start.Valid) {
		return time.Time{}, ErrNoCrawlStart
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read crawl start: %w", err)
	}
	day, _, _ := strings.Cut(strings.TrimSpace(start.String), " ")
	day, _, _ = strings.Cut(day, "T")
	t, err := time.Parse(time.DateOnly, day)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse crawl start %q: %w", start.String, err)
	}
	return t, nil
}

// Fixed reports whether rank repair already ran: the crawl's ranks live in
// crawled_alexa_rank and alexa_rank holds at least one rank.
func Fixed(ctx context.Context, q crawldb.Querier) (bool, error) {
	for _, col := range []string{CrawledRankColumn, AlexaRankColumn} {
		ok, err := crawldb.HasColumn(ctx, q, crawldb.SiteVisitsTable, col)
		if err != nil || !ok {
			return false, err
		}
	}
	var n int64
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM site_visits WHERE alexa_rank IS NOT NULL`).Scan(&n); err != nil {
		return false, fmt.Errorf("count alexa ranks: %w", err)
	}
	return n > 0, nil
}

// Fix repairs site ranks. The crawl's own site_rank column is renamed to
// crawled_alexa_rank and a new alexa_rank column is filled: from src for
// crawls starting in ArchiveFirstYear or later, otherwise by copying
// crawled_alexa_rank. Every step is skipped when already done.
func Fix(ctx context.Context, db *sql.DB, src Source) (FixResult, error) {
	var res FixResult
	ok, err := crawldb.HasTable(ctx, db, crawldb.SiteVisitsTable)
	if err != nil {
		return res, err
	}
	if !ok {
		return res, fmt.Errorf("fix ranks: %w: %s", crawldb.ErrTableNotFound, crawldb.SiteVisitsTable)
	}

	day, err := CrawlStartDate(ctx, db)
	if err != nil {
		return res, fmt.Errorf("fix ranks: %w", err)
	}
	res.CrawlDate = day

	if err := renameCrawledRank(ctx, db); err != nil {
		return res, err
	}
	if _, err := crawldb.EnsureColumn(ctx, db, crawldb.SiteVisitsTable, AlexaRankColumn, AlexaRankColumn+" INTEGER"); err != nil {
		return res, err
	}

	if day.Year() >= ArchiveFirstYear {
		if src == nil {
			return res, fmt.Errorf("fix ranks: crawl of %s needs a rank source", day.Format(time.DateOnly))
		}
		table, err := src.Ranks(ctx, day)
		if err != nil {
			return res, fmt.Errorf("fix ranks: %w", err)
		}
		res.FromArchive = true
		res.Annotate, err = Annotate(ctx, db, AlexaRankColumn, table)
		return res, err
	}

	r, err := db.ExecContext(ctx, `UPDATE site_visits SET alexa_rank = crawled_alexa_rank`)
	if err != nil {
		return res, fmt.Errorf("copy crawled ranks: %w", err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return res, fmt.Errorf("copy crawled ranks rows affected: %w", err)
	}
	log.Printf("[ranks] crawl of %s predates the archive, copied %d crawled ranks", day.Format(time.DateOnly), n)
	return res, nil
}

func renameCrawledRank(ctx context.Context, db *sql.DB) error {
	hasOld, err := crawldb.HasColumn(ctx, db, crawldb.SiteVisitsTable, SiteRankColumn)
	if err != nil {
		return err
	}
	hasNew, err := crawldb.HasColumn(ctx, db, crawldb.SiteVisitsTable, CrawledRankColumn)
	if err != nil {
		return err
	}
	switch {
	case hasOld && !hasNew:
		return crawldb.RenameColumn(ctx, db, crawldb.SiteVisitsTable, SiteRankColumn, CrawledRankColumn)
	case !hasOld && !hasNew:
		log.Printf("[ranks] warning: %s has no %s, adding empty %s",
			crawldb.SiteVisitsTable, SiteRankColumn, CrawledRankColumn)
		_, err := crawldb.EnsureColumn(ctx, db, crawldb.SiteVisitsTable, CrawledRankColumn, CrawledRankColumn+" INTEGER")
		return err
	}
	return nil
}
