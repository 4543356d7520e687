package netutil

import (
	"github.com/maypok86/otter"
)

type suffixEntry struct {
	suffix string
	ok     bool
}

// Classifier is Classify with a bounded host -> suffix cache. Crawl request
// tables repeat the same few thousand hosts millions of times, so suffix
// lookups are memoized per host, failures included.
//
// Not safe for concurrent Classify calls on the same instance beyond what the
// cache itself guarantees; one Classifier belongs to one aggregation pass.
type Classifier struct {
	cache otter.Cache[string, suffixEntry]
}

// NewClassifier creates a Classifier holding at most maxEntries hosts.
func NewClassifier(maxEntries int) *Classifier {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	cache, err := otter.MustBuilder[string, suffixEntry](maxEntries).
		Cost(func(_ string, _ suffixEntry) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("netutil: failed to create suffix cache: " + err.Error())
	}
	return &Classifier{cache: cache}
}

// Suffix resolves rawURL like RegistrableDomain, memoized by hostname.
func (c *Classifier) Suffix(rawURL string) (string, bool) {
	host, ok := URLHost(rawURL)
	if !ok {
		return "", false
	}
	if e, found := c.cache.Get(host); found {
		return e.suffix, e.ok
	}
	suffix, ok := HostSuffix(host)
	c.cache.Set(host, suffixEntry{suffix: suffix, ok: ok})
	return suffix, ok
}

// Classify behaves like the package-level Classify.
func (c *Classifier) Classify(requestURL, topLevelURL string) (Relation, string, string) {
	return classify(requestURL, topLevelURL, c.Suffix)
}

// Size returns the number of cached hosts.
func (c *Classifier) Size() int {
	return c.cache.Size()
}

// Close releases resources held by the underlying cache.
func (c *Classifier) Close() {
	c.cache.Close()
}
