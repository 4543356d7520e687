package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/citp/openwpm-data-release/internal/crawldb"
	"github.com/citp/openwpm-data-release/internal/sitevisit"
	"github.com/citp/openwpm-data-release/internal/testutil"
)

func canonical(t *testing.T, table string) crawldb.TableDef {
	t.Helper()
	def, ok := crawldb.Canonical(table)
	if !ok {
		t.Fatalf("%s has no canonical definition", table)
	}
	return def
}

func liveColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	tbl, err := crawldb.DescribeTable(context.Background(), db, table)
	if err != nil {
		t.Fatal(err)
	}
	return tbl.ColumnNames()
}

// dumpRows renders every row of query as strings so two tables can be compared.
func dumpRows(t *testing.T, db *sql.DB, query string) [][]string {
	t.Helper()
	rows, err := db.Query(query)
	if err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		t.Fatal(err)
	}
	var out [][]string
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			t.Fatal(err)
		}
		row := make([]string, len(vals))
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[i] = fmt.Sprint(v)
		}
		out = append(out, row)
	}
	return out
}

func hasTable(t *testing.T, db *sql.DB, table string) bool {
	t.Helper()
	ok, err := crawldb.HasTable(context.Background(), db, table)
	if err != nil {
		t.Fatal(err)
	}
	return ok
}

// pageURLFixture is a legacy javascript table keyed by page_url with one
// resolvable and one unresolvable row.
func pageURLFixture(t *testing.T) *sql.DB {
	t.Helper()
	return testutil.NewCrawlDB(t,
		testutil.LegacyJavascriptDDL,
		crawldb.CreateSiteVisitsDDL,
		`INSERT INTO site_visits VALUES (0, 1, 'http://a.com/')`,
		`INSERT INTO javascript (crawl_id, script_url, symbol, page_url, time_stamp) VALUES
			(1, 'http://a.com/s.js', 'window.navigator', 'http://a.com/', '2016-01-01'),
			(1, 'http://m.com/s.js', 'document.cookie', 'http://missing.com/', '2016-01-01')`,
	)
}

func TestMigrate_PageURLSkipsUnmatchedRows(t *testing.T) {
	for _, strategy := range []Strategy{StrategyStream, StrategyJoin} {
		t.Run(string(strategy), func(t *testing.T) {
			ctx := context.Background()
			db := pageURLFixture(t)
			def := canonical(t, crawldb.JavascriptTable)

			m := New(db, Options{Strategy: strategy})
			res, err := m.Migrate(ctx, def, map[string]int64{"http://a.com/": 0})
			if err != nil {
				t.Fatalf("Migrate: %v", err)
			}
			if !res.Migrated || res.LegacyKey != crawldb.PageURLColumn {
				t.Fatalf("result = %+v", res)
			}
			if res.SourceRows != 2 || res.Inserted != 1 || res.Skipped != 1 {
				t.Fatalf("rows in/out/skipped = %d/%d/%d, want 2/1/1", res.SourceRows, res.Inserted, res.Skipped)
			}

			got := dumpRows(t, db, `SELECT id, visit_id, script_url FROM javascript`)
			want := [][]string{{"1", "0", "http://a.com/s.js"}}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("rows = %v, want %v", got, want)
			}
			if !reflect.DeepEqual(liveColumns(t, db, crawldb.JavascriptTable), def.ColumnNames()) {
				t.Fatalf("columns = %v, want canonical", liveColumns(t, db, crawldb.JavascriptTable))
			}
			if hasTable(t, db, TempTableName(crawldb.JavascriptTable)) {
				t.Fatal("temp table left behind")
			}
		})
	}
}

func TestMigrate_TopURLRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewCrawlDB(t, testutil.LegacyHTTPRequestsDDL, crawldb.CreateSiteVisitsDDL,
		`INSERT INTO site_visits VALUES (0, 1, 'http://a.com/'), (1, 2, 'http://b.com/')`)
	sites := []string{"http://a.com/", "http://b.com/", "http://a.com/", "http://b.com/", "http://b.com/"}
	for i, s := range sites {
		testutil.LegacyRequest(t, db, 1, fmt.Sprintf("http://cdn.net/%d", i), s)
	}
	visits := map[string]int64{"http://a.com/": 0, "http://b.com/": 1}
	def := canonical(t, crawldb.HTTPRequestsTable)

	// A batch size smaller than the table exercises intermediate flushes.
	res, err := New(db, Options{BatchSize: 2}).Migrate(ctx, def, visits)
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != int64(len(sites)) || res.Skipped != 0 {
		t.Fatalf("result = %+v", res)
	}
	got := testutil.QueryInt64s(t, db, `SELECT visit_id FROM http_requests ORDER BY id`)
	want := []int64{0, 1, 0, 1, 1}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("visit ids = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(liveColumns(t, db, crawldb.HTTPRequestsTable), def.ColumnNames()) {
		t.Fatal("columns differ from canonical after migration")
	}
	urls := dumpRows(t, db, `SELECT url, method, time_stamp FROM http_requests WHERE id = 3`)
	if !reflect.DeepEqual(urls, [][]string{{"http://cdn.net/2", "GET", "2016-01-01 00:00:00"}}) {
		t.Fatalf("copied values = %v", urls)
	}
}

func TestMigrate_AdditiveColumnsOnly(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewCrawlDB(t,
		`CREATE TABLE profile_cookies (id INTEGER PRIMARY KEY, crawl_id INTEGER NOT NULL, visit_id INTEGER NOT NULL,
			name TEXT, legacy_flag INTEGER, host TEXT)`,
		`INSERT INTO profile_cookies (crawl_id, visit_id, name, legacy_flag, host) VALUES (1, 7, 'sid', 1, '.a.com')`,
	)
	def := canonical(t, crawldb.ProfileCookiesTable)

	res, err := New(db, Options{}).Migrate(ctx, def, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.LegacyKey != "" || res.Inserted != 1 {
		t.Fatalf("result = %+v", res)
	}
	got := dumpRows(t, db, `SELECT visit_id, name, host, baseDomain FROM profile_cookies`)
	if !reflect.DeepEqual(got, [][]string{{"7", "sid", ".a.com", "<nil>"}}) {
		t.Fatalf("rows = %v", got)
	}
	if !reflect.DeepEqual(liveColumns(t, db, crawldb.ProfileCookiesTable), def.ColumnNames()) {
		t.Fatal("columns differ from canonical")
	}
}

func TestMigrate_CanonicalTableIsNoOp(t *testing.T) {
	def := canonical(t, crawldb.FlashCookiesTable)
	db := testutil.NewCrawlDB(t, def.DDL, `INSERT INTO flash_cookies (crawl_id, visit_id, domain) VALUES (1, 1, 'a.com')`)

	needed, err := Needed(context.Background(), db, def)
	if err != nil || needed {
		t.Fatalf("Needed = %v, %v", needed, err)
	}
	res, err := New(db, Options{}).Migrate(context.Background(), def, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Migrated {
		t.Fatal("canonical table should not be rewritten")
	}
}

func TestMigrate_StreamWithoutIndexLeavesTableUntouched(t *testing.T) {
	db := pageURLFixture(t)
	def := canonical(t, crawldb.JavascriptTable)

	_, err := New(db, Options{}).Migrate(context.Background(), def, nil)
	if !errors.Is(err, ErrNoVisitIndex) {
		t.Fatalf("err = %v, want ErrNoVisitIndex", err)
	}
	if hasTable(t, db, TempTableName(crawldb.JavascriptTable)) {
		t.Fatal("table was parked despite precondition failure")
	}
	if cols := liveColumns(t, db, crawldb.JavascriptTable); cols[len(cols)-2] != crawldb.PageURLColumn {
		t.Fatalf("columns changed: %v", cols)
	}
}

func TestMigrate_JoinRequiresSiteVisits(t *testing.T) {
	db := testutil.NewCrawlDB(t, testutil.LegacyJavascriptDDL)
	_, err := New(db, Options{Strategy: StrategyJoin}).Migrate(context.Background(), canonical(t, crawldb.JavascriptTable), nil)
	if !errors.Is(err, crawldb.ErrTableNotFound) {
		t.Fatalf("err = %v, want ErrTableNotFound", err)
	}
}

func TestMigrate_ResumesFromParkedTable(t *testing.T) {
	ctx := context.Background()
	def := canonical(t, crawldb.HTTPResponsesTable)
	parked := TempTableName(crawldb.HTTPResponsesTable)

	// State after a crash mid-copy: the old table is parked and the canonical
	// table holds a partial copy.
	db := testutil.NewCrawlDB(t,
		testutil.LegacyHTTPResponsesDDL,
		`INSERT INTO http_responses (crawl_id, url, method, referrer, response_status, response_status_text,
			headers, location, top_url, time_stamp) VALUES
			(1, 'http://a.com/1', 'GET', '', 200, 'OK', '', '', 'http://a.com/', 't1'),
			(1, 'http://a.com/2', 'GET', '', 200, 'OK', '', '', 'http://a.com/', 't2'),
			(1, 'http://b.com/1', 'GET', '', 404, 'Not Found', '', '', 'http://b.com/', 't3')`,
		fmt.Sprintf(`ALTER TABLE http_responses RENAME TO %s`, parked),
		def.DDL,
		`INSERT INTO http_responses (id, crawl_id, visit_id, url, method, referrer, response_status,
			response_status_text, headers, location, time_stamp) VALUES (1, 1, 0, 'http://a.com/1', 'GET', '', 200, 'OK', '', '', 't1')`,
	)

	needed, err := Needed(ctx, db, def)
	if err != nil || !needed {
		t.Fatalf("Needed = %v, %v; want true while parked", needed, err)
	}

	res, err := New(db, Options{}).Migrate(ctx, def, map[string]int64{"http://a.com/": 0, "http://b.com/": 1})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !res.Resumed || res.Inserted != 3 {
		t.Fatalf("result = %+v", res)
	}
	got := testutil.QueryInt64s(t, db, `SELECT visit_id FROM http_responses ORDER BY id`)
	if !reflect.DeepEqual(got, []int64{0, 0, 1}) {
		t.Fatalf("visit ids = %v", got)
	}
	if hasTable(t, db, parked) {
		t.Fatal("parked table not dropped")
	}
	needed, err = Needed(ctx, db, def)
	if err != nil || needed {
		t.Fatalf("Needed after resume = %v, %v", needed, err)
	}
}

func TestMigrate_JoinMatchesStream(t *testing.T) {
	build := func() *sql.DB {
		db := testutil.NewCrawlDB(t, testutil.LegacyHTTPRequestsDDL, crawldb.CreateSiteVisitsDDL,
			`INSERT INTO site_visits VALUES (0, 1, 'http://a.com/'), (1, 1, 'http://b.com/')`)
		for i, top := range []string{"http://a.com/", "http://gone.com/", "http://b.com/", "", "http://a.com/"} {
			testutil.LegacyRequest(t, db, 1, fmt.Sprintf("http://t.net/%d", i), top)
		}
		return db
	}
	visits := map[string]int64{"http://a.com/": 0, "http://b.com/": 1}
	def := canonical(t, crawldb.HTTPRequestsTable)
	query := `SELECT * FROM http_requests ORDER BY id`

	streamDB := build()
	streamRes, err := New(streamDB, Options{Strategy: StrategyStream}).Migrate(context.Background(), def, visits)
	if err != nil {
		t.Fatal(err)
	}
	joinDB := build()
	joinRes, err := New(joinDB, Options{Strategy: StrategyJoin}).Migrate(context.Background(), def, nil)
	if err != nil {
		t.Fatal(err)
	}

	if streamRes.Inserted != joinRes.Inserted || streamRes.Skipped != joinRes.Skipped {
		t.Fatalf("stream %+v vs join %+v", streamRes, joinRes)
	}
	if streamRes.Skipped != 2 {
		t.Fatalf("skipped = %d, want 2 (unknown site and NULL key without a sentinel visit)", streamRes.Skipped)
	}
	if s, j := dumpRows(t, streamDB, query), dumpRows(t, joinDB, query); !reflect.DeepEqual(s, j) {
		t.Fatalf("stream rows %v\njoin rows %v", s, j)
	}
}

func TestMigrate_NullKeyUsesSentinelVisit(t *testing.T) {
	for _, strategy := range []Strategy{StrategyStream, StrategyJoin} {
		t.Run(string(strategy), func(t *testing.T) {
			ctx := context.Background()
			db := testutil.NewCrawlDB(t, testutil.LegacyHTTPRequestsDDL)
			testutil.LegacyRequest(t, db, 1, "http://t.net/0", "http://a.com/")
			testutil.LegacyRequest(t, db, 1, "http://t.net/1", "")
			if _, err := sitevisit.Derive(ctx, db); err != nil {
				t.Fatal(err)
			}
			visits, err := sitevisit.LoadIndex(ctx, db)
			if err != nil {
				t.Fatal(err)
			}
			if _, ok := visits[""]; !ok {
				t.Fatalf("index %v has no sentinel visit", visits)
			}

			res, err := New(db, Options{Strategy: strategy}).Migrate(ctx, canonical(t, crawldb.HTTPRequestsTable), visits)
			if err != nil {
				t.Fatal(err)
			}
			if res.SourceRows != 2 || res.Inserted != 2 || res.Skipped != 0 {
				t.Fatalf("rows in/out/skipped = %d/%d/%d, want 2/2/0", res.SourceRows, res.Inserted, res.Skipped)
			}
			got := testutil.QueryInt64s(t, db, `SELECT visit_id FROM http_requests ORDER BY id`)
			want := []int64{visits["http://a.com/"], visits[""]}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("visit ids = %v, want %v", got, want)
			}
		})
	}
}

func TestMigrate_KeepsDatetimeText(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewCrawlDB(t,
		`CREATE TABLE javascript_cookies (id INTEGER PRIMARY KEY, crawl_id INTEGER, change TEXT,
			creationTime DATETIME, expiry DATETIME, name TEXT, top_url TEXT)`,
		`INSERT INTO javascript_cookies (crawl_id, change, creationTime, expiry, name, top_url)
			VALUES (1, 'added', '2016-03-01 10:00:00', '2017-03-01T10:00:00.000Z', 'sid', 'http://a.com/')`,
	)
	_, err := New(db, Options{}).Migrate(ctx, canonical(t, crawldb.JavascriptCookiesTable), map[string]int64{"http://a.com/": 3})
	if err != nil {
		t.Fatal(err)
	}
	got := dumpRows(t, db, `SELECT typeof(creationTime), +creationTime, +expiry, visit_id FROM javascript_cookies`)
	want := [][]string{{"text", "2016-03-01 10:00:00", "2017-03-01T10:00:00.000Z", "3"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("rows = %v, want %v", got, want)
	}
}

func TestMigrateAll(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewCrawlDB(t,
		testutil.LegacyHTTPRequestsDDL,
		testutil.LegacyJavascriptDDL,
		crawldb.CreateSiteVisitsDDL,
		`INSERT INTO site_visits VALUES (0, 1, 'http://a.com/')`,
		`INSERT INTO javascript (crawl_id, symbol, page_url) VALUES (1, 'x', 'http://a.com/')`,
	)
	testutil.LegacyRequest(t, db, 1, "http://a.com/", "http://a.com/")

	results, err := New(db, Options{}).MigrateAll(ctx, map[string]int64{"http://a.com/": 0})
	if err != nil {
		t.Fatal(err)
	}
	var tables []string
	for _, r := range results {
		tables = append(tables, r.Table)
	}
	if !reflect.DeepEqual(tables, []string{crawldb.HTTPRequestsTable, crawldb.JavascriptTable}) {
		t.Fatalf("migrated tables = %v", tables)
	}

	again, err := New(db, Options{}).MigrateAll(ctx, map[string]int64{"http://a.com/": 0})
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("second run migrated %d tables, want 0", len(again))
	}
}

func TestProgressEstimate(t *testing.T) {
	base := time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	p := newProgress("http_requests", 1000, 10*time.Second, func() time.Time { return now })

	now = base.Add(5 * time.Second)
	if p.tick(100) {
		t.Fatal("tick before interval should not report")
	}
	now = base.Add(10 * time.Second)
	if !p.tick(200) {
		t.Fatal("tick at interval should report")
	}
	rate, eta := p.estimate(200, now)
	if rate != 20 {
		t.Fatalf("rate = %v, want 20", rate)
	}
	if eta != 40*time.Second {
		t.Fatalf("eta = %v, want 40s", eta)
	}
	if _, eta := p.estimate(0, now); eta != 0 {
		t.Fatalf("eta with no progress = %v, want 0", eta)
	}
}
