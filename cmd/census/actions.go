package main

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/citp/openwpm-data-release/internal/analysis"
	"github.com/citp/openwpm-data-release/internal/batch"
	"github.com/citp/openwpm-data-release/internal/config"
	"github.com/citp/openwpm-data-release/internal/crawldb"
	"github.com/citp/openwpm-data-release/internal/migrate"
	"github.com/citp/openwpm-data-release/internal/netutil"
	"github.com/citp/openwpm-data-release/internal/preprocess"
	"github.com/citp/openwpm-data-release/internal/ranks"
	"github.com/citp/openwpm-data-release/internal/release"
	"github.com/citp/openwpm-data-release/internal/sample"
)

type actions struct {
	cfg *config.EnvConfig
}

// positional checks the argument count and returns the arguments.
func positional(c *cli.Context, lo, hi int) ([]string, error) {
	n := c.NArg()
	if n < lo || n > hi {
		return nil, fmt.Errorf("usage: %s %s %s", c.App.Name, c.Command.Name, c.Command.ArgsUsage)
	}
	return c.Args().Slice(), nil
}

func (a *actions) migrateOptions() migrate.Options {
	return migrate.Options{
		BatchSize:        a.cfg.BatchSize,
		ProgressInterval: a.cfg.ProgressInterval,
		Strategy:         migrate.Strategy(a.cfg.MigrateStrategy),
	}
}

func (a *actions) pipeline(store *release.Store) *preprocess.Pipeline {
	return preprocess.New(preprocess.Options{
		OutputDir:      a.cfg.OutputDir,
		MigrateColumns: a.cfg.MigrateColumns,
		Migrate:        a.migrateOptions(),
		Store:          store,
	})
}

func (a *actions) preprocess(c *cli.Context) error {
	args, err := positional(c, 1, 1)
	if err != nil {
		return err
	}
	store, err := release.Open(a.cfg.SummaryDB)
	if err != nil {
		return err
	}
	defer store.Close()

	m, err := a.pipeline(store).Run(c.Context, args[0])
	if err != nil {
		return err
	}
	log.Printf("[census] %s committed, schema %s", m.Crawl, m.SchemaFingerprint)
	return nil
}

func (a *actions) analyze(c *cli.Context) error {
	args, err := positional(c, 1, 2)
	if err != nil {
		return err
	}
	dbPath := args[0]
	outDir := a.cfg.OutputDir
	if len(args) == 2 {
		outDir = args[1]
	}
	crawl := filepath.Base(filepath.Dir(dbPath))

	db, err := crawldb.OpenReadOnly(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	agg := analysis.New(db, analysis.Options{
		CrawlName:       crawl,
		OutDir:          outDir,
		DomainCacheSize: a.cfg.DomainCacheSize,
	})
	defer agg.Close()
	res, err := agg.Run(c.Context)
	if err != nil {
		return err
	}

	store, err := release.Open(a.cfg.SummaryDB)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.RecordAnalysis(c.Context, res); err != nil {
		return err
	}
	log.Printf("[census] analysis %s of %s: %d sites, %d out-of-order rows",
		res.ID, crawl, len(res.Sites), res.OutOfOrderRows)
	return nil
}

func (a *actions) fixRanks(c *cli.Context) error {
	args, err := positional(c, 1, 1)
	if err != nil {
		return err
	}
	crawl, err := preprocess.DiscoverCrawl(args[0])
	if err != nil {
		return err
	}
	db, err := crawldb.OpenDB(crawl.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	fixed, err := ranks.Fixed(c.Context, db)
	if err != nil {
		return err
	}
	if fixed {
		log.Printf("[census] %s: ranks already fixed", crawl.Name)
		return nil
	}
	src := &ranks.ArchiveSource{
		BaseURL:    a.cfg.RankArchiveBaseURL,
		Downloader: netutil.NewDirectDownloader(a.cfg.DownloadTimeout, a.cfg.UserAgent),
		CacheDir:   preprocess.Layout{Root: a.cfg.OutputDir}.RanksDir(),
	}
	res, err := ranks.Fix(c.Context, db, src)
	if err != nil {
		return err
	}
	log.Printf("[census] %s: crawl date %s, archive=%v, %d ranked, %d unranked",
		crawl.Name, res.CrawlDate.Format("2006-01-02"), res.FromArchive, res.Annotate.Ranked, res.Annotate.Unranked)
	return nil
}

func (a *actions) sample(c *cli.Context) error {
	args, err := positional(c, 2, 2)
	if err != nil {
		return err
	}
	_, err = sample.Create(c.Context, args[0], args[1], int64(a.cfg.SampleMaxVisits))
	return err
}

func (a *actions) batch(c *cli.Context) error {
	args, err := positional(c, 1, 1)
	if err != nil {
		return err
	}
	store, err := release.Open(a.cfg.SummaryDB)
	if err != nil {
		return err
	}
	defer store.Close()

	runner := batch.New(batch.Options{
		Root:        args[0],
		Concurrency: a.cfg.BatchConcurrency,
		Run:         a.pipeline(store).Run,
	})
	if a.cfg.WatchSchedule != "" {
		return runner.Watch(c.Context, a.cfg.WatchSchedule)
	}
	_, err = runner.RunOnce(c.Context)
	return err
}

func (a *actions) schema(c *cli.Context) error {
	args, err := positional(c, 1, 1)
	if err != nil {
		return err
	}
	db, err := crawldb.OpenReadOnly(args[0])
	if err != nil {
		return err
	}
	defer db.Close()

	s, err := crawldb.Describe(c.Context, db)
	if err != nil {
		return err
	}
	fmt.Fprint(c.App.Writer, s.Dump())
	fmt.Fprintf(c.App.Writer, "fingerprint %s\n", s.Fingerprint())
	return nil
}
