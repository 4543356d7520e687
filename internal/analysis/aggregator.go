// Package analysis computes per-site aggregates of a preprocessed crawl in a
// single forward scan per fact table.
package analysis

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/citp/openwpm-data-release/internal/crawldb"
	"github.com/citp/openwpm-data-release/internal/netutil"
	"github.com/citp/openwpm-data-release/internal/release"
	"github.com/citp/openwpm-data-release/internal/sitevisit"
)

const scanLogEvery = 1_000_000

// Options configures an Aggregator.
type Options struct {
	// CrawlName prefixes export file names.
	CrawlName string
	// OutDir receives the JSON exports. Empty disables exporting.
	OutDir          string
	DomainCacheSize int
	Now             func() time.Time
}

// ScanStats summarizes one table scan.
type ScanStats struct {
	Table              string
	Rows               int64
	RowsWithoutVisitID int64
	UnknownVisitRows   int64
	OutOfOrderRows     int64
	MissingTopURL      int64
}

// Aggregator accumulates per-site statistics for one crawl. It owns its maps
// and is used for a single run.
type Aggregator struct {
	db         *sql.DB
	opts       Options
	classifier *netutil.Classifier

	sites map[int64]string
	index map[string]int64

	requests     map[string]int64
	responses    map[string]int64
	javascript   map[string]int64
	thirdParties map[string]map[string]struct{}
	publishers   map[string]map[string]struct{}

	tableRows map[string]int64
	commands  []release.CommandRate

	rowsWithoutVisitID int64
	unknownVisitRows   int64
	outOfOrderRows     int64
}

// New creates an Aggregator over a crawl database.
func New(db *sql.DB, opts Options) *Aggregator {
	if opts.CrawlName == "" {
		opts.CrawlName = "unknown"
	}
	if opts.DomainCacheSize <= 0 {
		opts.DomainCacheSize = 100000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Aggregator{
		db:           db,
		opts:         opts,
		classifier:   netutil.NewClassifier(opts.DomainCacheSize),
		requests:     make(map[string]int64),
		responses:    make(map[string]int64),
		javascript:   make(map[string]int64),
		thirdParties: make(map[string]map[string]struct{}),
		publishers:   make(map[string]map[string]struct{}),
		tableRows:    make(map[string]int64),
	}
}

// Close releases the domain cache.
func (a *Aggregator) Close() {
	a.classifier.Close()
}

// Run performs the whole analysis: row counts, command-history rates and the
// request, response and javascript scans. Exports are written after each
// step when OutDir is set.
func (a *Aggregator) Run(ctx context.Context) (release.Analysis, error) {
	started := a.opts.Now()

	if err := a.loadSites(ctx); err != nil {
		return release.Analysis{}, err
	}
	if _, err := a.CountRows(ctx); err != nil {
		return release.Analysis{}, err
	}
	if err := a.checkCrawlHistory(ctx); err != nil {
		return release.Analysis{}, err
	}
	for _, table := range scanTables {
		ok, err := crawldb.HasTable(ctx, a.db, table)
		if err != nil {
			return release.Analysis{}, err
		}
		if !ok {
			log.Printf("[analysis] %s not present, skipping", table)
			continue
		}
		if _, err := a.ScanTable(ctx, table); err != nil {
			return release.Analysis{}, err
		}
		if err := a.exportTable(table); err != nil {
			return release.Analysis{}, err
		}
	}

	return release.Analysis{
		ID:                 uuid.NewString(),
		Crawl:              a.opts.CrawlName,
		StartedAt:          started,
		FinishedAt:         a.opts.Now(),
		RowsWithoutVisitID: a.rowsWithoutVisitID,
		UnknownVisitRows:   a.unknownVisitRows,
		OutOfOrderRows:     a.outOfOrderRows,
		TableRows:          maps.Clone(a.tableRows),
		Sites:              a.SiteStats(),
		Commands:           slices.Clone(a.commands),
	}, nil
}

func (a *Aggregator) loadSites(ctx context.Context) error {
	if a.sites != nil {
		return nil
	}
	ok, err := sitevisit.Exists(ctx, a.db)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("analyze: %w: %s", crawldb.ErrTableNotFound, crawldb.SiteVisitsTable)
	}
	sites, err := sitevisit.LoadSites(ctx, a.db)
	if err != nil {
		return err
	}
	a.sites = sites
	return nil
}

// CountRows records the row count of every known OpenWPM table present.
func (a *Aggregator) CountRows(ctx context.Context) (map[string]int64, error) {
	for _, table := range crawldb.KnownTables {
		ok, err := crawldb.HasTable(ctx, a.db, table)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		n, err := crawldb.RowCount(ctx, a.db, table)
		if err != nil {
			return nil, err
		}
		a.tableRows[table] = n
		log.Printf("[analysis] total rows %s %d", table, n)
	}
	return maps.Clone(a.tableRows), nil
}

func (a *Aggregator) checkCrawlHistory(ctx context.Context) error {
	table := crawldb.CrawlHistoryTable
	ok, err := crawldb.HasTable(ctx, a.db, table)
	if err != nil {
		return err
	}
	if !ok {
		legacy, err := crawldb.HasTable(ctx, a.db, crawldb.LegacyCrawlHistoryTable)
		if err != nil {
			return err
		}
		if !legacy {
			log.Printf("[analysis] no %s table, skipping command rates", crawldb.CrawlHistoryTable)
			return nil
		}
		table = crawldb.LegacyCrawlHistoryTable
	}
	rates, err := CommandRates(ctx, a.db, table)
	if err != nil {
		return err
	}
	a.commands = rates
	return a.exportCommandRates()
}

// ScanTable makes one pass over a fact table and updates the per-site
// counters that belong to it.
func (a *Aggregator) ScanTable(ctx context.Context, table string) (ScanStats, error) {
	stats := ScanStats{Table: table}
	if !slices.Contains(scanTables, table) {
		return stats, fmt.Errorf("analyze: no scan defined for %s", table)
	}
	if err := a.loadSites(ctx); err != nil {
		return stats, err
	}

	src, err := a.scanSource(ctx, table)
	if err != nil {
		return stats, err
	}
	rows, err := a.db.QueryContext(ctx, src.query)
	if err != nil {
		return stats, fmt.Errorf("scan %s: %w", table, err)
	}
	defer rows.Close()

	// Highest visit_id seen so far per crawl_id.
	highWater := make(map[int64]int64)
	t0 := a.opts.Now()
	for rows.Next() {
		var (
			visit   sql.NullInt64
			key     sql.NullString
			crawlID sql.NullInt64
			reqURL  sql.NullString
			topURL  sql.NullString
		)
		dest := []any{&visit, &crawlID}
		if src.legacyKey != "" {
			dest[0] = &key
		}
		if table == crawldb.HTTPRequestsTable {
			dest = append(dest, &reqURL)
			if src.hasTopLevelURL {
				dest = append(dest, &topURL)
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return stats, fmt.Errorf("scan %s row: %w", table, err)
		}
		stats.Rows++
		if stats.Rows%scanLogEvery == 0 {
			log.Printf("[analysis] %s: %d rows scanned", table, stats.Rows)
		}

		if src.legacyKey != "" {
			// NULL keys resolve like "", matching site visit derivation.
			id, ok := a.index[key.String]
			if !ok {
				stats.RowsWithoutVisitID++
				log.Printf("[analysis] warning: %s row %d: no site visit for %s=%q",
					table, stats.Rows, src.legacyKey, key.String)
				continue
			}
			visit = sql.NullInt64{Int64: id, Valid: true}
		}
		if !visit.Valid || visit.Int64 == -1 {
			stats.RowsWithoutVisitID++
			continue
		}
		visitID := visit.Int64
		site, ok := a.sites[visitID]
		if !ok {
			stats.UnknownVisitRows++
			log.Printf("[analysis] warning: %s row %d: visit_id %d not in %s",
				table, stats.Rows, visitID, crawldb.SiteVisitsTable)
			continue
		}

		switch table {
		case crawldb.HTTPRequestsTable:
			a.requests[site]++
			top := site
			if topURL.Valid {
				top = topURL.String
			}
			if top == "" {
				stats.MissingTopURL++
				log.Printf("[analysis] warning: %s row %d: missing top url (visit_id=%d)", table, stats.Rows, visitID)
				break
			}
			if rel, reqSuffix, _ := a.classifier.Classify(reqURL.String, top); rel == netutil.ThirdParty {
				a.addThirdParty(site, reqSuffix)
			}
		case crawldb.HTTPResponsesTable:
			a.responses[site]++
		case crawldb.JavascriptTable:
			a.javascript[site]++
		}

		// Out-of-order detection is diagnostic only.
		crawl := crawlID.Int64
		if hw, seen := highWater[crawl]; !seen || visitID > hw {
			highWater[crawl] = visitID
		} else if visitID < hw && visitID > 0 {
			stats.OutOfOrderRows++
			log.Printf("[analysis] warning: out of order row in %s: current visit %d, row visit %d, crawl_id %d",
				table, hw, visitID, crawl)
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("scan %s: %w", table, err)
	}

	a.rowsWithoutVisitID += stats.RowsWithoutVisitID
	a.unknownVisitRows += stats.UnknownVisitRows
	a.outOfOrderRows += stats.OutOfOrderRows
	log.Printf("[analysis] %s: %d rows in %s (%d without visit id, %d unknown visits, %d out of order)",
		table, stats.Rows, a.opts.Now().Sub(t0).Round(time.Millisecond),
		stats.RowsWithoutVisitID, stats.UnknownVisitRows, stats.OutOfOrderRows)
	return stats, nil
}

func (a *Aggregator) addThirdParty(site, thirdParty string) {
	set, ok := a.thirdParties[site]
	if !ok {
		set = make(map[string]struct{})
		a.thirdParties[site] = set
	}
	set[thirdParty] = struct{}{}

	pubs, ok := a.publishers[thirdParty]
	if !ok {
		pubs = make(map[string]struct{})
		a.publishers[thirdParty] = pubs
	}
	pubs[site] = struct{}{}
}

var scanTables = []string{
	crawldb.HTTPRequestsTable,
	crawldb.HTTPResponsesTable,
	crawldb.JavascriptTable,
}

type scanSource struct {
	query          string
	legacyKey      string
	hasTopLevelURL bool
}

// scanSource picks the columns to read: visit_id when the table has been
// migrated, otherwise its legacy URL key resolved through site_visits.
func (a *Aggregator) scanSource(ctx context.Context, table string) (scanSource, error) {
	live, err := crawldb.DescribeTable(ctx, a.db, table)
	if err != nil {
		return scanSource{}, err
	}
	var src scanSource
	first := crawldb.VisitIDColumn
	if !live.Has(crawldb.VisitIDColumn) {
		for _, key := range []string{crawldb.TopURLColumn, crawldb.PageURLColumn} {
			if live.Has(key) {
				src.legacyKey = key
				break
			}
		}
		if src.legacyKey == "" {
			return scanSource{}, fmt.Errorf("analyze %s: no %s or legacy url column", table, crawldb.VisitIDColumn)
		}
		if a.index == nil {
			index, err := sitevisit.LoadIndex(ctx, a.db)
			if err != nil {
				return scanSource{}, err
			}
			a.index = index
		}
		first = src.legacyKey
		log.Printf("[analysis] %s has no %s, resolving visits by %s", table, crawldb.VisitIDColumn, src.legacyKey)
	}

	cols := []string{crawldb.Ident(first), "crawl_id"}
	if table == crawldb.HTTPRequestsTable {
		cols = append(cols, "url")
		// Legacy tables keyed by top_url have no top_level_url; the site
		// URL stands in for it.
		if live.Has(sitevisit.TopLevelURLColumn) {
			src.hasTopLevelURL = true
			cols = append(cols, sitevisit.TopLevelURLColumn)
		}
	}
	src.query = fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), crawldb.Ident(table))
	return src, nil
}

// SiteStats returns the per-site counters of every site seen, ordered by site.
func (a *Aggregator) SiteStats() []release.SiteStat {
	seen := make(map[string]struct{})
	for _, m := range []map[string]int64{a.requests, a.responses, a.javascript} {
		for site := range m {
			seen[site] = struct{}{}
		}
	}
	for site := range a.thirdParties {
		seen[site] = struct{}{}
	}
	out := make([]release.SiteStat, 0, len(seen))
	for _, site := range slices.Sorted(maps.Keys(seen)) {
		out = append(out, release.SiteStat{
			SiteURL:      site,
			Requests:     a.requests[site],
			Responses:    a.responses[site],
			Javascript:   a.javascript[site],
			ThirdParties: int64(len(a.thirdParties[site])),
		})
	}
	return out
}

// ThirdParties returns the sorted third-party domains loaded by site.
func (a *Aggregator) ThirdParties(site string) []string {
	return slices.Sorted(maps.Keys(a.thirdParties[site]))
}

// Publishers returns the sorted sites that loaded thirdParty.
func (a *Aggregator) Publishers(thirdParty string) []string {
	return slices.Sorted(maps.Keys(a.publishers[thirdParty]))
}

// Commands returns the command-history rates computed by Run.
func (a *Aggregator) Commands() []release.CommandRate {
	return slices.Clone(a.commands)
}
