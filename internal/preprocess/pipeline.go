// Package preprocess prepares one crawl directory for release: it backs up
// the crawl's side files, records the original schema, derives site visits,
// attaches ranks, optionally rewrites fact tables to the canonical schema and
// finally commits the database and a manifest.
//
// Every stage checks whether its output already exists, so a failed run can
// simply be started again.
package preprocess

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/citp/openwpm-data-release/internal/crawldb"
	"github.com/citp/openwpm-data-release/internal/migrate"
	"github.com/citp/openwpm-data-release/internal/release"
)

// Options configures a Pipeline.
type Options struct {
	OutputDir      string
	MigrateColumns bool
	Migrate        migrate.Options
	// Store receives crawl and stage records. Nil disables recording.
	Store *release.Store
	Now   func() time.Time
}

// Stage is one idempotent preprocessing step.
type Stage interface {
	Name() string
	// Applied reports whether the stage has nothing left to do.
	Applied(ctx context.Context, r *Run) (bool, error)
	// Apply runs the stage and returns a short description of what it did.
	Apply(ctx context.Context, r *Run) (string, error)
}

// StageError identifies the stage a pipeline run failed in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOutcome is the result of one stage in a run.
type StageOutcome struct {
	Stage   string `yaml:"stage"`
	Outcome string `yaml:"outcome"`
	Detail  string `yaml:"detail,omitempty"`
}

// Run is the state shared by the stages of one pipeline run.
type Run struct {
	Crawl    *CrawlDir
	DB       *sql.DB
	Layout   Layout
	Options  Options
	Outcomes []StageOutcome
	Manifest *Manifest
}

// DefaultStages returns the stages in execution order.
func DefaultStages() []Stage {
	return []Stage{
		backupLogs{},
		dumpSchema{},
		ensureSiteVisits{},
		renameLegacyHistory{},
		annotateRanks{},
		migrateColumns{},
		commit{},
	}
}

// Pipeline runs the stages over crawl directories.
type Pipeline struct {
	opts   Options
	stages []Stage
}

// New creates a Pipeline with the default stages.
func New(opts Options) *Pipeline {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{opts: opts, stages: DefaultStages()}
}

// Run preprocesses the crawl in dir. Precondition errors are returned as is;
// failures inside a stage are returned as *StageError.
func (p *Pipeline) Run(ctx context.Context, dir string) (*Manifest, error) {
	crawl, err := DiscoverCrawl(dir)
	if err != nil {
		return nil, err
	}
	log.Printf("[preprocess] will process %s", crawl.Dir)

	db, err := crawldb.OpenDB(crawl.DBPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	r := &Run{
		Crawl:   crawl,
		DB:      db,
		Layout:  Layout{Root: p.opts.OutputDir},
		Options: p.opts,
	}
	t0 := p.opts.Now()
	for _, st := range p.stages {
		if err := p.runStage(ctx, r, st); err != nil {
			return nil, err
		}
	}
	log.Printf("[preprocess] %s done in %s", crawl.Name, p.opts.Now().Sub(t0).Round(time.Millisecond))
	return r.Manifest, nil
}

func (p *Pipeline) runStage(ctx context.Context, r *Run, st Stage) error {
	name := st.Name()
	applied, err := st.Applied(ctx, r)
	if err != nil {
		p.record(ctx, r, name, release.OutcomeFailed, err.Error())
		return &StageError{Stage: name, Err: err}
	}
	if applied {
		log.Printf("[preprocess] %s: already applied, skipping", name)
		return p.record(ctx, r, name, release.OutcomeSkipped, "")
	}

	log.Printf("[preprocess] %s: running", name)
	detail, err := st.Apply(ctx, r)
	if err != nil {
		p.record(ctx, r, name, release.OutcomeFailed, err.Error())
		return &StageError{Stage: name, Err: err}
	}
	if detail != "" {
		log.Printf("[preprocess] %s: %s", name, detail)
	}
	return p.record(ctx, r, name, release.OutcomeApplied, detail)
}

func (p *Pipeline) record(ctx context.Context, r *Run, stage, outcome, detail string) error {
	// Commit writes the manifest including its own outcome.
	if n := len(r.Outcomes); n == 0 || r.Outcomes[n-1].Stage != stage {
		r.Outcomes = append(r.Outcomes, StageOutcome{Stage: stage, Outcome: outcome, Detail: detail})
	}
	if p.opts.Store == nil {
		return nil
	}
	if err := p.opts.Store.RecordStage(ctx, r.Crawl.Name, stage, outcome, detail); err != nil {
		if outcome == release.OutcomeFailed {
			log.Printf("[preprocess] warning: %v", err)
			return nil
		}
		return &StageError{Stage: stage, Err: err}
	}
	return nil
}
