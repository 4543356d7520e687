package crawldb

import "errors"

// ErrTableNotFound is returned when a named table does not exist in the catalog.
var ErrTableNotFound = errors.New("table not found")

// ErrNoRequestKey is returned when the request table carries neither the
// legacy top_url column nor top_level_url.
var ErrNoRequestKey = errors.New("request table has no top-level url column")
