// Package ranks attaches site popularity ranks to the site_visits dimension.
package ranks

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
)

// Table maps a normalized site address to its rank.
type Table map[string]int64

// LoadCSV parses "rank,domain" lines without a header. Malformed lines are
// logged and skipped. A domain listed twice keeps its best rank.
func LoadCSV(r io.Reader) (Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	table := make(Table)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read rank csv: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if len(rec) != 2 {
			log.Printf("[ranks] warning: line %d: want rank,domain, got %d fields", line, len(rec))
			continue
		}
		rank, err := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 64)
		domain := strings.TrimSpace(rec[1])
		if err != nil || rank <= 0 || domain == "" {
			log.Printf("[ranks] warning: line %d: bad entry %q,%q", line, rec[0], rec[1])
			continue
		}
		if prev, ok := table[domain]; ok && prev <= rank {
			continue
		}
		table[domain] = rank
	}
	return table, nil
}

// LoadCSVFile is LoadCSV over the file at path.
func LoadCSVFile(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rank csv: %w", err)
	}
	defer f.Close()
	table, err := LoadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Printf("[ranks] loaded %d ranks from %s", len(table), path)
	return table, nil
}

// NormalizeSite turns a site_url into the address form used by ranking
// lists: the http:// prefix and one trailing slash are removed.
//
//	"http://a.com/"  -> "a.com"
//	"http://a.com"   -> "a.com"
//	"https://a.com/" -> "https://a.com"
func NormalizeSite(siteURL string) string {
	s := strings.TrimPrefix(siteURL, "http://")
	return strings.TrimSuffix(s, "/")
}
