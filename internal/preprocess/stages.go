package preprocess

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/citp/openwpm-data-release/internal/crawldb"
	"github.com/citp/openwpm-data-release/internal/fsutil"
	"github.com/citp/openwpm-data-release/internal/migrate"
	"github.com/citp/openwpm-data-release/internal/ranks"
	"github.com/citp/openwpm-data-release/internal/release"
	"github.com/citp/openwpm-data-release/internal/sitevisit"
)

// Stage names.
const (
	StageBackupLogs          = "BackupLogs"
	StageDumpSchema          = "DumpSchema"
	StageEnsureSiteVisits    = "EnsureSiteVisits"
	StageRenameLegacyHistory = "RenameLegacyHistoryTable"
	StageAnnotateRanks       = "AnnotateRanks"
	StageMigrateColumns      = "MigrateColumns"
	StageCommit              = "Commit"
)

// backupLogs copies the crawl's logs and ranking list into the release tree.
type backupLogs struct{}

func (backupLogs) Name() string { return StageBackupLogs }

func (backupLogs) Applied(_ context.Context, r *Run) (bool, error) {
	for _, b := range r.Layout.Backups(r.Crawl) {
		same, err := fsutil.SameContent(b[0], b[1])
		if err != nil || !same {
			return false, err
		}
	}
	return true, nil
}

func (backupLogs) Apply(_ context.Context, r *Run) (string, error) {
	backups := r.Layout.Backups(r.Crawl)
	for _, b := range backups {
		log.Printf("[preprocess] copying %s to %s", b[0], b[1])
		if _, err := fsutil.CopyFile(b[0], b[1]); err != nil {
			return "", fmt.Errorf("backup %s: %w", b[0], err)
		}
	}
	return fmt.Sprintf("copied %d files", len(backups)), nil
}

// dumpSchema writes the table layout of the crawl as found, before any stage
// changes it.
type dumpSchema struct{}

func (dumpSchema) Name() string { return StageDumpSchema }

func (dumpSchema) Applied(_ context.Context, r *Run) (bool, error) {
	return fsutil.Exists(r.Layout.SchemaPath(r.Crawl.Name)), nil
}

func (dumpSchema) Apply(ctx context.Context, r *Run) (string, error) {
	schema, err := crawldb.Describe(ctx, r.DB)
	if err != nil {
		return "", err
	}
	path := r.Layout.SchemaPath(r.Crawl.Name)
	log.Printf("[preprocess] writing DB schema to %s", path)
	if err := fsutil.WriteFileAtomic(path, []byte(SchemaText(schema, r.Crawl.HasJSSource))); err != nil {
		return "", fmt.Errorf("write schema: %w", err)
	}
	return fmt.Sprintf("%d tables", len(schema.Tables)), nil
}

// SchemaText renders a schema dump followed by the javascript-source marker.
func SchemaText(schema crawldb.Schema, hasJSSource bool) string {
	js := 0
	if hasJSSource {
		js = 1
	}
	return schema.Dump() + fmt.Sprintf("\nJavascript-source %d\n", js)
}

type ensureSiteVisits struct{}

func (ensureSiteVisits) Name() string { return StageEnsureSiteVisits }

func (ensureSiteVisits) Applied(ctx context.Context, r *Run) (bool, error) {
	return sitevisit.Exists(ctx, r.DB)
}

func (ensureSiteVisits) Apply(ctx context.Context, r *Run) (string, error) {
	n, err := sitevisit.Derive(ctx, r.DB)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d site visits", n), nil
}

// renameLegacyHistory renames CrawlHistory to crawl_history.
type renameLegacyHistory struct{}

func (renameLegacyHistory) Name() string { return StageRenameLegacyHistory }

func (renameLegacyHistory) Applied(ctx context.Context, r *Run) (bool, error) {
	legacy, err := crawldb.HasTable(ctx, r.DB, crawldb.LegacyCrawlHistoryTable)
	if err != nil || !legacy {
		return !legacy, err
	}
	current, err := crawldb.HasTable(ctx, r.DB, crawldb.CrawlHistoryTable)
	if err != nil {
		return false, err
	}
	if current {
		log.Printf("[preprocess] warning: both %s and %s exist, leaving both",
			crawldb.LegacyCrawlHistoryTable, crawldb.CrawlHistoryTable)
	}
	return current, nil
}

func (renameLegacyHistory) Apply(ctx context.Context, r *Run) (string, error) {
	if err := crawldb.RenameTable(ctx, r.DB, crawldb.LegacyCrawlHistoryTable, crawldb.CrawlHistoryTable); err != nil {
		return "", err
	}
	return fmt.Sprintf("renamed %s to %s", crawldb.LegacyCrawlHistoryTable, crawldb.CrawlHistoryTable), nil
}

// annotateRanks attaches the crawl's own top-1m ranks as site_rank.
type annotateRanks struct{}

func (annotateRanks) Name() string { return StageAnnotateRanks }

func (annotateRanks) Applied(ctx context.Context, r *Run) (bool, error) {
	if r.Crawl.RankCSV == "" {
		log.Printf("[preprocess] no %s in %s", RankCSVFilename, r.Crawl.Dir)
		return true, nil
	}
	return ranks.Annotated(ctx, r.DB)
}

func (annotateRanks) Apply(ctx context.Context, r *Run) (string, error) {
	table, err := ranks.LoadCSVFile(r.Crawl.RankCSV)
	if err != nil {
		return "", err
	}
	res, err := ranks.Annotate(ctx, r.DB, ranks.SiteRankColumn, table)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d ranked, %d unranked", res.Ranked, res.Unranked), nil
}

// migrateColumns rewrites fact tables to the canonical schema. It only runs
// when enabled.
type migrateColumns struct{}

func (migrateColumns) Name() string { return StageMigrateColumns }

func (migrateColumns) Applied(ctx context.Context, r *Run) (bool, error) {
	if !r.Options.MigrateColumns {
		return true, nil
	}
	for _, def := range crawldb.CanonicalTables() {
		needed, err := migrate.Needed(ctx, r.DB, def)
		if err != nil || needed {
			return false, err
		}
	}
	return true, nil
}

func (migrateColumns) Apply(ctx context.Context, r *Run) (string, error) {
	var visits map[string]int64
	if r.Options.Migrate.Strategy != migrate.StrategyJoin {
		index, err := sitevisit.LoadIndex(ctx, r.DB)
		if err != nil {
			return "", err
		}
		visits = index
	}
	results, err := migrate.New(r.DB, r.Options.Migrate).MigrateAll(ctx, visits)
	if err != nil {
		return "", err
	}
	var skipped int64
	for _, res := range results {
		skipped += res.Skipped
	}
	return fmt.Sprintf("%d tables migrated, %d rows skipped", len(results), skipped), nil
}

// commit folds the WAL back into the crawl file, writes the manifest and
// records the crawl. It runs on every pass.
type commit struct{}

func (commit) Name() string { return StageCommit }

func (commit) Applied(context.Context, *Run) (bool, error) { return false, nil }

func (commit) Apply(ctx context.Context, r *Run) (string, error) {
	for _, pragma := range []string{"PRAGMA wal_checkpoint(TRUNCATE)", "PRAGMA journal_mode=DELETE"} {
		if _, err := r.DB.ExecContext(ctx, pragma); err != nil {
			return "", fmt.Errorf("exec %q: %w", pragma, err)
		}
	}
	schema, err := crawldb.Describe(ctx, r.DB)
	if err != nil {
		return "", err
	}
	fingerprint := schema.Fingerprint()

	outcomes := append(r.Outcomes, StageOutcome{Stage: StageCommit, Outcome: release.OutcomeApplied, Detail: fingerprint})
	m := &Manifest{
		Crawl:             r.Crawl.Name,
		DBPath:            r.Crawl.DBPath,
		SchemaFingerprint: fingerprint,
		HasJSSource:       r.Crawl.HasJSSource,
		Stages:            outcomes,
		CommittedAt:       r.Options.Now().UTC().Truncate(time.Second),
	}
	for _, b := range r.Layout.Backups(r.Crawl) {
		m.Backups = append(m.Backups, b[1])
	}
	path := r.Layout.ManifestPath(r.Crawl.Name)
	if err := WriteManifest(path, m); err != nil {
		return "", err
	}
	r.Outcomes = outcomes
	r.Manifest = m

	if r.Options.Store != nil {
		err := r.Options.Store.RecordCrawl(ctx, release.Crawl{
			Name:              r.Crawl.Name,
			DBPath:            r.Crawl.DBPath,
			SchemaFingerprint: fingerprint,
			HasJSSource:       r.Crawl.HasJSSource,
		})
		if err != nil {
			return "", err
		}
	}
	return fingerprint, nil
}
