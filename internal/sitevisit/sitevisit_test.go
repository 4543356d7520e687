package sitevisit

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/citp/openwpm-data-release/internal/crawldb"
	"github.com/citp/openwpm-data-release/internal/testutil"
)

type visitRow struct {
	VisitID int64
	CrawlID int64
	SiteURL string
}

func readVisits(t *testing.T, q crawldb.Querier) []visitRow {
	t.Helper()
	rows, err := q.QueryContext(context.Background(),
		`SELECT visit_id, crawl_id, site_url FROM site_visits ORDER BY visit_id`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var out []visitRow
	for rows.Next() {
		var r visitRow
		if err := rows.Scan(&r.VisitID, &r.CrawlID, &r.SiteURL); err != nil {
			t.Fatal(err)
		}
		out = append(out, r)
	}
	return out
}

func TestDerive_MaxCrawlPerURL(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewCrawlDB(t, testutil.LegacyHTTPRequestsDDL)
	testutil.LegacyRequest(t, db, 1, "http://a.com/x.js", "http://a.com/")
	testutil.LegacyRequest(t, db, 2, "http://a.com/y.js", "http://a.com/")
	testutil.LegacyRequest(t, db, 1, "http://b.com/", "http://b.com/")

	n, err := Derive(ctx, db)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if n != 2 {
		t.Fatalf("derived %d visits, want 2", n)
	}
	want := []visitRow{
		{VisitID: 0, CrawlID: 2, SiteURL: "http://a.com/"},
		{VisitID: 1, CrawlID: 1, SiteURL: "http://b.com/"},
	}
	if got := readVisits(t, db); !reflect.DeepEqual(got, want) {
		t.Fatalf("visits = %+v, want %+v", got, want)
	}
}

func TestDerive_FirstAppearanceOrder(t *testing.T) {
	db := testutil.NewCrawlDB(t, testutil.LegacyHTTPRequestsDDL)
	testutil.LegacyRequest(t, db, 1, "http://z.com/", "http://z.com/")
	testutil.LegacyRequest(t, db, 1, "http://a.com/", "http://a.com/")
	testutil.LegacyRequest(t, db, 1, "http://z.com/1", "http://z.com/")

	if _, err := Derive(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	got := readVisits(t, db)
	if len(got) != 2 || got[0].SiteURL != "http://z.com/" || got[1].SiteURL != "http://a.com/" {
		t.Fatalf("visits = %+v, want z.com before a.com", got)
	}
}

func TestDerive_EmptyTopURLIsSentinel(t *testing.T) {
	db := testutil.NewCrawlDB(t, testutil.LegacyHTTPRequestsDDL)
	testutil.LegacyRequest(t, db, 1, "http://a.com/", "http://a.com/")
	testutil.LegacyRequest(t, db, 3, "http://x.com/", "")
	testutil.Exec(t, db, `INSERT INTO http_requests (crawl_id, url, method, referrer, headers, top_url, time_stamp)
		VALUES (2, 'http://y.com/', 'GET', '', '', '', 't')`)

	n, err := Derive(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("derived %d visits, want 2 (NULL and empty share one sentinel)", n)
	}
	got := readVisits(t, db)
	if got[1].SiteURL != "" || got[1].CrawlID != 3 {
		t.Fatalf("sentinel visit = %+v", got[1])
	}
}

func TestDerive_TopLevelURLColumn(t *testing.T) {
	db := testutil.NewCrawlDB(t, `CREATE TABLE http_requests (id INTEGER PRIMARY KEY, crawl_id INTEGER, url TEXT, top_level_url TEXT)`,
		`INSERT INTO http_requests (crawl_id, url, top_level_url) VALUES (4, 'http://a.com/', 'http://a.com/')`)

	key, err := RequestKeyColumn(context.Background(), db)
	if err != nil || key != TopLevelURLColumn {
		t.Fatalf("RequestKeyColumn = %q, %v", key, err)
	}
	if _, err := Derive(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	if got := readVisits(t, db); len(got) != 1 || got[0].CrawlID != 4 {
		t.Fatalf("visits = %+v", got)
	}
}

func TestDerive_Preconditions(t *testing.T) {
	ctx := context.Background()

	db := testutil.NewCrawlDB(t)
	if _, err := Derive(ctx, db); !errors.Is(err, crawldb.ErrTableNotFound) {
		t.Fatalf("missing requests table: err = %v", err)
	}

	db = testutil.NewCrawlDB(t, `CREATE TABLE http_requests (id INTEGER PRIMARY KEY, crawl_id INTEGER, url TEXT)`)
	if _, err := Derive(ctx, db); !errors.Is(err, crawldb.ErrNoRequestKey) {
		t.Fatalf("no key column: err = %v", err)
	}
}

func TestEnsureSiteVisits_Idempotent(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewCrawlDB(t, testutil.LegacyHTTPRequestsDDL)
	testutil.LegacyRequest(t, db, 1, "http://a.com/", "http://a.com/")
	testutil.LegacyRequest(t, db, 1, "http://b.com/", "http://b.com/")

	ran, n, err := EnsureSiteVisits(ctx, db)
	if err != nil || !ran || n != 2 {
		t.Fatalf("first EnsureSiteVisits = (%v, %d, %v)", ran, n, err)
	}
	first, err := LoadIndex(ctx, db)
	if err != nil {
		t.Fatal(err)
	}

	testutil.LegacyRequest(t, db, 2, "http://c.com/", "http://c.com/")
	ran, n, err = EnsureSiteVisits(ctx, db)
	if err != nil || ran || n != 0 {
		t.Fatalf("second EnsureSiteVisits = (%v, %d, %v), want no-op", ran, n, err)
	}
	second, err := LoadIndex(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("index changed: %v -> %v", first, second)
	}
}

func TestLoadIndexAndSites(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewCrawlDB(t, crawldb.CreateSiteVisitsDDL,
		`INSERT INTO site_visits VALUES (0, 1, 'http://a.com/'), (1, 1, 'http://b.com/'), (2, 2, 'http://a.com/')`)

	index, err := LoadIndex(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	wantIndex := map[string]int64{"http://a.com/": 0, "http://b.com/": 1}
	if !reflect.DeepEqual(index, wantIndex) {
		t.Fatalf("index = %v, want %v", index, wantIndex)
	}

	sites, err := LoadSites(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	wantSites := map[int64]string{0: "http://a.com/", 1: "http://b.com/", 2: "http://a.com/"}
	if !reflect.DeepEqual(sites, wantSites) {
		t.Fatalf("sites = %v, want %v", sites, wantSites)
	}
}
