package testutil

import (
	"context"
	"sync"

	"github.com/citp/openwpm-data-release/internal/netutil"
)

// StubDownloader serves fixed bodies by URL and records every request.
// Unknown URLs answer with a 404 HTTPStatusError.
type StubDownloader struct {
	Bodies map[string][]byte

	mu       sync.Mutex
	requests []string
}

func (s *StubDownloader) Download(_ context.Context, url string) ([]byte, error) {
	s.mu.Lock()
	s.requests = append(s.requests, url)
	s.mu.Unlock()
	body, ok := s.Bodies[url]
	if !ok {
		return nil, &netutil.HTTPStatusError{StatusCode: 404, URL: url}
	}
	return body, nil
}

// Requests returns the URLs requested so far.
func (s *StubDownloader) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}
