package analysis

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/citp/openwpm-data-release/internal/crawldb"
	"github.com/citp/openwpm-data-release/internal/fsutil"
)

// Export file suffixes, prefixed by "<crawl>_".
const (
	ExportNumRequests        = "sv_num_requests.json"
	ExportNumThirdParties    = "sv_num_third_parties.json"
	ExportTPToPublishers     = "tp_to_publishers.json"
	ExportNumResponses       = "sv_num_responses.json"
	ExportNumJavascript      = "sv_num_javascript.json"
	ExportCommandFailRate    = "command_fail_rate.json"
	ExportCommandTimeoutRate = "command_timeout_rate.json"
)

// ExportPath returns the path of one export of crawl under dir.
func ExportPath(dir, crawl, name string) string {
	return filepath.Join(dir, crawl+"_"+name)
}

func (a *Aggregator) exportTable(table string) error {
	switch table {
	case crawldb.HTTPRequestsTable:
		numTP := make(map[string]int, len(a.thirdParties))
		for site, set := range a.thirdParties {
			numTP[site] = len(set)
		}
		tpToPublishers := make(map[string]string, len(a.publishers))
		for tp := range a.publishers {
			tpToPublishers[tp] = strings.Join(a.Publishers(tp), "\t")
		}
		if err := a.writeJSON(ExportNumRequests, a.requests); err != nil {
			return err
		}
		if err := a.writeJSON(ExportNumThirdParties, numTP); err != nil {
			return err
		}
		return a.writeJSON(ExportTPToPublishers, tpToPublishers)
	case crawldb.HTTPResponsesTable:
		return a.writeJSON(ExportNumResponses, a.responses)
	case crawldb.JavascriptTable:
		return a.writeJSON(ExportNumJavascript, a.javascript)
	}
	return nil
}

func (a *Aggregator) exportCommandRates() error {
	fail := make(map[string]float64, len(a.commands))
	timeout := make(map[string]float64, len(a.commands))
	for _, c := range a.commands {
		fail[c.Command] = c.FailRate
		timeout[c.Command] = c.TimeoutRate
	}
	if err := a.writeJSON(ExportCommandFailRate, fail); err != nil {
		return err
	}
	return a.writeJSON(ExportCommandTimeoutRate, timeout)
}

func (a *Aggregator) writeJSON(name string, v any) error {
	if a.opts.OutDir == "" {
		return nil
	}
	if err := os.MkdirAll(a.opts.OutDir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	path := ExportPath(a.opts.OutDir, a.opts.CrawlName, name)
	if err := fsutil.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	log.Printf("[analysis] wrote %s", path)
	return nil
}
