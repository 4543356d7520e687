package release

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "census.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestOpen_MigratesOnceAndReopens(t *testing.T) {
	s, path := openTestStore(t)
	v, err := SchemaVersion(s.db)
	if err != nil {
		t.Fatal(err)
	}
	if v != schemaVersion {
		t.Fatalf("schema version = %d, want %d", v, schemaVersion)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	again, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	if v, _ := SchemaVersion(again.db); v != schemaVersion {
		t.Fatalf("schema version after reopen = %d", v)
	}
}

func TestRecordCrawl_Upserts(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	if err := s.RecordCrawl(ctx, Crawl{Name: "2016-01_spider", DBPath: "/a.sqlite"}); err != nil {
		t.Fatal(err)
	}
	want := Crawl{Name: "2016-01_spider", DBPath: "/b.sqlite", SchemaFingerprint: "abc", HasJSSource: true}
	if err := s.RecordCrawl(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetCrawl(ctx, "2016-01_spider")
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("crawl = %+v, want %+v", got, want)
	}
}

func TestRecordStage_KeepsLatestOutcome(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	tick := time.Unix(1000, 0)
	s.now = func() time.Time { tick = tick.Add(time.Second); return tick }

	steps := []struct{ stage, outcome, detail string }{
		{"BackupLogs", OutcomeApplied, ""},
		{"EnsureSiteVisits", OutcomeFailed, "disk full"},
		{"EnsureSiteVisits", OutcomeApplied, "42 visits"},
	}
	for _, st := range steps {
		if err := s.RecordStage(ctx, "c1", st.stage, st.outcome, st.detail); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RecordStage(ctx, "other", "BackupLogs", OutcomeSkipped, ""); err != nil {
		t.Fatal(err)
	}

	got, err := s.Stages(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("stages = %+v", got)
	}
	if got[1].Stage != "EnsureSiteVisits" || got[1].Outcome != OutcomeApplied || got[1].Detail != "42 visits" {
		t.Fatalf("latest stage = %+v", got[1])
	}
}

func TestRecordAnalysis(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	first := Analysis{
		ID:         uuid.NewString(),
		Crawl:      "c1",
		StartedAt:  time.Unix(100, 0),
		FinishedAt: time.Unix(200, 0),
	}
	second := Analysis{
		ID:             uuid.NewString(),
		Crawl:          "c1",
		StartedAt:      time.Unix(300, 0),
		FinishedAt:     time.Unix(400, 0),
		OutOfOrderRows: 2,
		TableRows:      map[string]int64{"http_requests": 10},
		Sites: []SiteStat{
			{SiteURL: "http://b.com/", Requests: 3},
			{SiteURL: "http://a.com/", Requests: 7, Responses: 6, Javascript: 1, ThirdParties: 2},
		},
		Commands: []CommandRate{{Command: "GET", Total: 4, Failed: 1, FailRate: 0.25}},
	}
	for _, a := range []Analysis{first, second} {
		if err := s.RecordAnalysis(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	id, err := s.LatestAnalysisID(ctx, "c1")
	if err != nil || id != second.ID {
		t.Fatalf("LatestAnalysisID = %q, %v; want %q", id, err, second.ID)
	}
	if id, _ := s.LatestAnalysisID(ctx, "unknown"); id != "" {
		t.Fatalf("unknown crawl has analysis %q", id)
	}

	stats, err := s.SiteStats(ctx, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := []SiteStat{second.Sites[1], second.Sites[0]}
	if !reflect.DeepEqual(stats, want) {
		t.Fatalf("site stats = %+v, want %+v", stats, want)
	}

	if err := s.RecordAnalysis(ctx, Analysis{Crawl: "c1"}); err == nil {
		t.Fatal("empty run id should be rejected")
	}
	if err := s.RecordAnalysis(ctx, first); err == nil {
		t.Fatal("duplicate run id should be rejected")
	}
}
