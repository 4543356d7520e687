// Package batch preprocesses every crawl directory under a root, several at a
// time, and can rescan the root on a cron schedule.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/citp/openwpm-data-release/internal/preprocess"
)

// Crawl states.
const (
	StateRunning = "running"
	StateDone    = "done"
	StateFailed  = "failed"
)

// Status is the last known state of one crawl directory.
type Status struct {
	State       string
	Err         string
	Fingerprint string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// RunFunc processes one crawl directory.
type RunFunc func(ctx context.Context, dir string) (*preprocess.Manifest, error)

// Options configures a Runner.
type Options struct {
	Root        string
	Concurrency int
	Run         RunFunc
	Now         func() time.Time
}

// Summary reports one pass over the root.
type Summary struct {
	Found     int
	Processed int
	Failed    int
	Skipped   int
}

// Runner owns the per-crawl status map. Each crawl still runs its own
// single-threaded pipeline; the Runner only fans out across crawls.
type Runner struct {
	opts   Options
	status *xsync.Map[string, Status]
	passMu sync.Mutex
}

// New creates a Runner.
func New(opts Options) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{opts: opts, status: xsync.NewMap[string, Status]()}
}

// Discover lists the immediate subdirectories of root holding a crawl
// database, sorted by name.
func Discover(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read batch root: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		matches, err := filepath.Glob(filepath.Join(dir, "*"+preprocess.CrawlDBExt))
		if err != nil {
			return nil, err
		}
		if len(matches) > 0 {
			dirs = append(dirs, dir)
		}
	}
	slices.Sort(dirs)
	return dirs, nil
}

// RunOnce processes every crawl under the root that has not completed yet.
// A failing crawl does not stop the others; all failures are returned
// joined.
func (r *Runner) RunOnce(ctx context.Context) (Summary, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	var sum Summary
	dirs, err := Discover(r.opts.Root)
	if err != nil {
		return sum, err
	}
	sum.Found = len(dirs)

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(r.opts.Concurrency)
	for _, dir := range dirs {
		name := filepath.Base(dir)
		if st, ok := r.status.Load(name); ok && st.State == StateDone {
			sum.Skipped++
			continue
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			err := r.runOne(ctx, name, dir)
			mu.Lock()
			defer mu.Unlock()
			sum.Processed++
			if err != nil {
				sum.Failed++
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Printf("[batch] pass over %s: %d found, %d processed, %d failed, %d skipped",
		r.opts.Root, sum.Found, sum.Processed, sum.Failed, sum.Skipped)
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return sum, errors.Join(errs...)
}

func (r *Runner) runOne(ctx context.Context, name, dir string) error {
	started := r.opts.Now()
	r.status.Store(name, Status{State: StateRunning, StartedAt: started})
	log.Printf("[batch] %s: started", name)

	m, err := r.opts.Run(ctx, dir)
	st := Status{State: StateDone, StartedAt: started, FinishedAt: r.opts.Now()}
	if err != nil {
		st.State = StateFailed
		st.Err = err.Error()
		log.Printf("[batch] %s: failed: %v", name, err)
	} else {
		if m != nil {
			st.Fingerprint = m.SchemaFingerprint
		}
		log.Printf("[batch] %s: done in %s", name, st.FinishedAt.Sub(started).Round(time.Millisecond))
	}
	r.status.Store(name, st)
	return err
}

// Status returns the status of a crawl by directory name.
func (r *Runner) Status(name string) (Status, bool) {
	return r.status.Load(name)
}

// Snapshot copies the whole status map.
func (r *Runner) Snapshot() map[string]Status {
	out := make(map[string]Status, r.status.Size())
	r.status.Range(func(name string, st Status) bool {
		out[name] = st
		return true
	})
	return out
}

// Watch runs a pass immediately and then on every tick of schedule until ctx
// is cancelled.
func (r *Runner) Watch(ctx context.Context, schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if _, err := r.RunOnce(ctx); err != nil {
			log.Printf("[batch] scheduled pass: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid watch schedule %q: %w", schedule, err)
	}

	if _, err := r.RunOnce(ctx); err != nil {
		log.Printf("[batch] initial pass: %v", err)
	}
	c.Start()
	log.Printf("[batch] watching %s on %q", r.opts.Root, schedule)
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
