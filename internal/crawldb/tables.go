package crawldb

import (
	"fmt"
	"strings"
)

// Table names used by OpenWPM crawl databases.
const (
	HTTPRequestsTable       = "http_requests"
	HTTPResponsesTable      = "http_responses"
	JavascriptTable         = "javascript"
	JavascriptCookiesTable  = "javascript_cookies"
	SiteVisitsTable         = "site_visits"
	CrawlHistoryTable       = "crawl_history"
	LegacyCrawlHistoryTable = "CrawlHistory"
	CrawlTable              = "crawl"
	TaskTable               = "task"
	HTTPRequestsProxyTable  = "http_requests_proxy"
	HTTPResponsesProxyTable = "http_responses_proxy"
	ProfileCookiesTable     = "profile_cookies"
	FlashCookiesTable       = "flash_cookies"
	LocalStorageTable       = "localStorage"
)

// Legacy natural-key columns superseded by visit_id.
const (
	TopURLColumn  = "top_url"
	PageURLColumn = "page_url"
	VisitIDColumn = "visit_id"
)

// KnownTables lists every table an OpenWPM crawl may contain, in report order.
var KnownTables = []string{
	HTTPRequestsTable,
	HTTPResponsesTable,
	JavascriptTable,
	JavascriptCookiesTable,
	SiteVisitsTable,
	CrawlHistoryTable,
	CrawlTable,
	TaskTable,
	HTTPRequestsProxyTable,
	HTTPResponsesProxyTable,
	ProfileCookiesTable,
	FlashCookiesTable,
	LocalStorageTable,
}

// CreateSiteVisitsDDL defines the site-visit dimension.
const CreateSiteVisitsDDL = `
CREATE TABLE IF NOT EXISTS site_visits (
	visit_id INTEGER PRIMARY KEY,
	crawl_id INTEGER NOT NULL,
	site_url VARCHAR(500) NOT NULL,
	FOREIGN KEY(crawl_id) REFERENCES crawl(id)
);
`

const createHTTPRequestsDDL = `
CREATE TABLE IF NOT EXISTS http_requests(
	id INTEGER PRIMARY KEY,
	crawl_id INTEGER NOT NULL,
	visit_id INTEGER NOT NULL,
	url TEXT NOT NULL,
	top_level_url TEXT,
	method TEXT NOT NULL,
	referrer TEXT NOT NULL,
	headers TEXT NOT NULL,
	channel_id TEXT,
	is_XHR BOOLEAN,
	is_frame_load BOOLEAN,
	is_full_page BOOLEAN,
	is_third_party_channel BOOLEAN,
	is_third_party_window BOOLEAN,
	triggering_origin TEXT,
	loading_origin TEXT,
	loading_href TEXT,
	req_call_stack TEXT,
	content_policy_type INTEGER,
	post_body TEXT,
	time_stamp TEXT NOT NULL
);
`

const createHTTPResponsesDDL = `
CREATE TABLE IF NOT EXISTS http_responses(
	id INTEGER PRIMARY KEY,
	crawl_id INTEGER NOT NULL,
	visit_id INTEGER NOT NULL,
	url TEXT NOT NULL,
	method TEXT NOT NULL,
	referrer TEXT NOT NULL,
	response_status INTEGER NOT NULL,
	response_status_text TEXT NOT NULL,
	is_cached BOOLEAN,
	headers TEXT NOT NULL,
	channel_id TEXT,
	location TEXT NOT NULL,
	time_stamp TEXT NOT NULL,
	content_hash TEXT
);
`

const createJavascriptDDL = `
CREATE TABLE IF NOT EXISTS javascript(
	id INTEGER PRIMARY KEY,
	crawl_id INTEGER,
	visit_id INTEGER,
	script_url TEXT,
	script_line TEXT,
	script_col TEXT,
	func_name TEXT,
	script_loc_eval TEXT,
	document_url TEXT,
	top_level_url TEXT,
	call_stack TEXT,
	symbol TEXT,
	operation TEXT,
	value TEXT,
	arguments TEXT,
	time_stamp TEXT
);
`

const createJavascriptCookiesDDL = `
CREATE TABLE IF NOT EXISTS javascript_cookies(
	id INTEGER PRIMARY KEY,
	crawl_id INTEGER,
	visit_id INTEGER,
	change TEXT,
	creationTime DATETIME,
	expiry DATETIME,
	is_http_only INTEGER,
	is_session INTEGER,
	last_accessed DATETIME,
	raw_host TEXT,
	expires INTEGER,
	host TEXT,
	is_domain INTEGER,
	is_secure INTEGER,
	name TEXT,
	path TEXT,
	policy INTEGER,
	status INTEGER,
	value TEXT
);
`

const createFlashCookiesDDL = `
CREATE TABLE IF NOT EXISTS flash_cookies (
	id INTEGER PRIMARY KEY,
	crawl_id INTEGER NOT NULL,
	visit_id INTEGER NOT NULL,
	domain VARCHAR(500),
	filename VARCHAR(500),
	local_path VARCHAR(1000),
	key TEXT,
	content TEXT,
	FOREIGN KEY(crawl_id) REFERENCES crawl(id),
	FOREIGN KEY(visit_id) REFERENCES site_visits(id)
);
`

const createProfileCookiesDDL = `
CREATE TABLE IF NOT EXISTS profile_cookies (
	id INTEGER PRIMARY KEY,
	crawl_id INTEGER NOT NULL,
	visit_id INTEGER NOT NULL,
	baseDomain TEXT,
	name TEXT,
	value TEXT,
	host TEXT,
	path TEXT,
	expiry INTEGER,
	accessed INTEGER,
	creationTime INTEGER,
	isSecure INTEGER,
	isHttpOnly INTEGER,
	FOREIGN KEY(crawl_id) REFERENCES crawl(id),
	FOREIGN KEY(visit_id) REFERENCES site_visits(id)
);
`

// Column is one column descriptor: name plus declared type.
type Column struct {
	Name string
	Type string
}

// TableDef is a canonical table: its DDL and the ordered columns parsed from it.
type TableDef struct {
	Name    string
	DDL     string
	Columns []Column
}

// ColumnNames returns the ordered column names.
func (t TableDef) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// canonical is keyed by table name; canonicalOrder fixes iteration order.
var (
	canonical      = map[string]TableDef{}
	canonicalOrder []string
)

func init() {
	for _, ddl := range []string{
		createHTTPRequestsDDL,
		createHTTPResponsesDDL,
		createJavascriptDDL,
		createJavascriptCookiesDDL,
		createFlashCookiesDDL,
		createProfileCookiesDDL,
	} {
		def, err := ParseCreateTable(ddl)
		if err != nil {
			panic("crawldb: bad canonical DDL: " + err.Error())
		}
		canonical[def.Name] = def
		canonicalOrder = append(canonicalOrder, def.Name)
	}
}

// Canonical returns the canonical definition of a fact table.
func Canonical(table string) (TableDef, bool) {
	def, ok := canonical[table]
	return def, ok
}

// CanonicalTables returns every canonical fact-table definition in a fixed order.
func CanonicalTables() []TableDef {
	out := make([]TableDef, 0, len(canonicalOrder))
	for _, name := range canonicalOrder {
		out = append(out, canonical[name])
	}
	return out
}

// ParseCreateTable extracts the table name and ordered column descriptors from
// a one-column-per-line CREATE TABLE statement. CREATE, FOREIGN KEY, closing
// and blank lines carry no columns.
func ParseCreateTable(ddl string) (TableDef, error) {
	def := TableDef{DDL: ddl}
	for _, line := range strings.Split(ddl, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "", strings.HasPrefix(line, ")"), strings.HasPrefix(line, "FOREIGN"):
			continue
		case strings.HasPrefix(line, "CREATE"):
			def.Name = tableNameFromCreate(line)
			continue
		}
		fields := strings.Fields(strings.TrimSuffix(line, ","))
		col := Column{Name: fields[0]}
		if len(fields) > 1 {
			col.Type = fields[1]
		}
		def.Columns = append(def.Columns, col)
	}
	if def.Name == "" {
		return TableDef{}, fmt.Errorf("parse create table: no CREATE line")
	}
	if len(def.Columns) == 0 {
		return TableDef{}, fmt.Errorf("parse create table %s: no columns", def.Name)
	}
	return def, nil
}

// tableNameFromCreate reads the name from "CREATE TABLE [IF NOT EXISTS] name(".
func tableNameFromCreate(line string) string {
	rest := strings.TrimPrefix(line, "CREATE TABLE")
	rest = strings.TrimSpace(rest)
	rest = strings.TrimPrefix(rest, "IF NOT EXISTS")
	rest = strings.TrimSpace(rest)
	if i := strings.IndexAny(rest, " ("); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
