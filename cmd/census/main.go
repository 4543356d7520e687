package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/citp/openwpm-data-release/internal/buildinfo"
	"github.com/citp/openwpm-data-release/internal/config"
)

func main() {
	// Progress and warnings go to standard output.
	log.SetOutput(os.Stdout)

	cfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp(cfg).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newApp(cfg *config.EnvConfig) *cli.App {
	a := &actions{cfg: cfg}
	return &cli.App{
		Name:    "census",
		Usage:   "prepare OpenWPM crawl databases for a data release",
		Version: fmt.Sprintf("%s (%s, built %s)", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime),
		Description: "All settings come from OWPM_* environment variables; " +
			"commands take positional paths only.",
		Commands: []*cli.Command{
			{
				Name:      "preprocess",
				Usage:     "back up logs, dump the schema, derive site visits, attach ranks and commit one crawl",
				ArgsUsage: "<crawl_dir>",
				Action:    a.preprocess,
			},
			{
				Name:      "analyze",
				Usage:     "aggregate per-site statistics of a preprocessed crawl",
				ArgsUsage: "<crawl_db> [out_dir]",
				Action:    a.analyze,
			},
			{
				Name:      "fix-ranks",
				Usage:     "replace crawl-time ranks with the archived list of the crawl date",
				ArgsUsage: "<crawl_dir>",
				Action:    a.fixRanks,
			},
			{
				Name:      "sample",
				Usage:     "write a small sample database with the first visits of a crawl",
				ArgsUsage: "<in_db> <out_db>",
				Action:    a.sample,
			},
			{
				Name:      "batch",
				Usage:     "preprocess every crawl directory under a root",
				ArgsUsage: "<root_dir>",
				Action:    a.batch,
			},
			{
				Name:      "schema",
				Usage:     "print the table layout and fingerprint of a crawl database",
				ArgsUsage: "<crawl_db>",
				Action:    a.schema,
			},
		},
	}
}
