package preprocess

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"

	"github.com/citp/openwpm-data-release/internal/fsutil"
)

// Files found in a crawl directory.
const (
	CrawlDBExt         = ".sqlite"
	OpenWPMLogFilename = "openwpm.log"
	CrontabLogFilename = "crontab.log"
	RankCSVFilename    = "top-1m.csv"
	JSSourceDirname    = "content.ldb"
)

var (
	ErrCrawlDBNotFound  = errors.New("no crawl database found")
	ErrMultipleCrawlDBs = errors.New("more than one crawl database found")
)

// CrawlDir is a crawl output directory. The optional paths are empty when the
// file is absent.
type CrawlDir struct {
	Dir         string
	Name        string
	DBPath      string
	OpenWPMLog  string
	CrontabLog  string
	RankCSV     string
	HasJSSource bool
}

// DiscoverCrawl inspects dir. It requires exactly one *.sqlite file.
func DiscoverCrawl(dir string) (*CrawlDir, error) {
	if !fsutil.IsDir(dir) {
		return nil, fmt.Errorf("crawl dir %s: not a directory", dir)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*"+CrawlDBExt))
	if err != nil {
		return nil, fmt.Errorf("glob crawl db: %w", err)
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%s: %w", dir, ErrCrawlDBNotFound)
	case 1:
	default:
		return nil, fmt.Errorf("%s: %w: %v", dir, ErrMultipleCrawlDBs, matches)
	}

	c := &CrawlDir{
		Dir:         dir,
		Name:        filepath.Base(filepath.Clean(dir)),
		DBPath:      matches[0],
		HasJSSource: fsutil.IsDir(filepath.Join(dir, JSSourceDirname)),
	}
	optional := func(name string) string {
		p := filepath.Join(dir, name)
		if fsutil.Exists(p) && !fsutil.IsDir(p) {
			return p
		}
		return ""
	}
	c.OpenWPMLog = optional(OpenWPMLogFilename)
	c.CrontabLog = optional(CrontabLogFilename)
	c.RankCSV = optional(RankCSVFilename)

	log.Printf("[preprocess] crawl db %s", c.DBPath)
	log.Printf("[preprocess] log paths openwpm=%q crontab=%q, rank csv=%q, js source=%v",
		c.OpenWPMLog, c.CrontabLog, c.RankCSV, c.HasJSSource)
	return c, nil
}

// Layout is the release output directory tree.
type Layout struct {
	Root string
}

func (l Layout) SchemaDir() string   { return filepath.Join(l.Root, "db-schemas") }
func (l Layout) LogDir() string      { return filepath.Join(l.Root, "log-files") }
func (l Layout) RanksDir() string    { return filepath.Join(l.Root, "alexa-ranks") }
func (l Layout) ManifestDir() string { return filepath.Join(l.Root, "manifests") }

// SchemaPath is where the schema dump of crawl is written.
func (l Layout) SchemaPath(crawl string) string {
	return filepath.Join(l.SchemaDir(), crawl+"-db_schema.txt")
}

// ManifestPath is where the manifest of crawl is written.
func (l Layout) ManifestPath(crawl string) string {
	return filepath.Join(l.ManifestDir(), crawl+".yaml")
}

// Backups lists the source -> destination copies for the optional files of c.
func (l Layout) Backups(c *CrawlDir) [][2]string {
	prefix := c.Name + "-"
	var out [][2]string
	if c.OpenWPMLog != "" {
		out = append(out, [2]string{c.OpenWPMLog, filepath.Join(l.LogDir(), prefix+OpenWPMLogFilename)})
	}
	if c.CrontabLog != "" {
		out = append(out, [2]string{c.CrontabLog, filepath.Join(l.LogDir(), prefix+CrontabLogFilename)})
	}
	if c.RankCSV != "" {
		out = append(out, [2]string{c.RankCSV, filepath.Join(l.RanksDir(), prefix+RankCSVFilename)})
	}
	return out
}
