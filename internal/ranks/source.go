package ranks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/citp/openwpm-data-release/internal/fsutil"
	"github.com/citp/openwpm-data-release/internal/netutil"
)

// Source provides the ranking list that was current on a given day.
type Source interface {
	Ranks(ctx context.Context, day time.Time) (Table, error)
}

// ArchiveName is the file name of the archived top-1m list for day, before
// compression.
func ArchiveName(day time.Time) string {
	return "alexa-top1m-" + day.Format(time.DateOnly) + ".csv"
}

// ArchiveSource fetches xz-compressed daily lists from a web archive.
type ArchiveSource struct {
	BaseURL    string
	Downloader netutil.Downloader
	// CacheDir keeps decoded lists so a re-run does not download again.
	// Empty disables caching.
	CacheDir string
}

// Ranks returns the archived list for day.
func (s *ArchiveSource) Ranks(ctx context.Context, day time.Time) (Table, error) {
	name := ArchiveName(day)
	if s.CacheDir != "" {
		cached := filepath.Join(s.CacheDir, name)
		if _, err := os.Stat(cached); err == nil {
			log.Printf("[ranks] using cached %s", cached)
			return LoadCSVFile(cached)
		}
	}
	if s.Downloader == nil {
		return nil, fmt.Errorf("ranks: no downloader configured")
	}

	url := strings.TrimSuffix(s.BaseURL, "/") + "/" + name + ".xz"
	log.Printf("[ranks] downloading %s", url)
	body, err := s.Downloader.Download(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("ranks: download %s: %w", url, err)
	}
	data, err := decodeXZ(body)
	if err != nil {
		return nil, fmt.Errorf("ranks: decode %s: %w", url, err)
	}
	if s.CacheDir != "" {
		if err := fsutil.WriteFileAtomic(filepath.Join(s.CacheDir, name), data); err != nil {
			log.Printf("[ranks] warning: cache %s: %v", name, err)
		}
	}
	table, err := LoadCSV(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("ranks: %s: %w", name, err)
	}
	log.Printf("[ranks] loaded %d ranks from %s", len(table), url)
	return table, nil
}

func decodeXZ(data []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
