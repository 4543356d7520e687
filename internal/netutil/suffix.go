// Package netutil resolves registrable domains for first/third-party
// classification and downloads remote resources such as ranking archives.
package netutil

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Relation is the party relationship between a request and the page that
// issued it.
type Relation int

const (
	// Unknown means one side could not be resolved. Such requests still count
	// as requests but never as third-party loads.
	Unknown Relation = iota
	FirstParty
	ThirdParty
)

func (r Relation) String() string {
	switch r {
	case FirstParty:
		return "first_party"
	case ThirdParty:
		return "third_party"
	default:
		return "unknown"
	}
}

// URLHost returns the lowercase hostname of rawURL without port or brackets.
func URLHost(rawURL string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", false
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return "", false
	}
	return host, true
}

// HostSuffix resolves a hostname to its registrable domain (eTLD+1). A literal
// IP address resolves to itself.
//
//	"www.google.co.uk"   -> "google.co.uk"
//	"192.168.1.1"        -> "192.168.1.1"
//	"::1"                -> "::1"
//	"localhost"          -> unresolved
//	"co.uk"              -> unresolved
//	"cdn.intranet.local" -> unresolved
func HostSuffix(host string) (string, bool) {
	if host == "" {
		return "", false
	}
	// IPs first: the list's default "*" rule would otherwise cut them to the
	// last two octets.
	if ip := net.ParseIP(host); ip != nil {
		return host, true
	}
	// Only the implicit "*" rule matched: the TLD is not on the list.
	if suffix, icann := publicsuffix.PublicSuffix(host); !icann && !strings.Contains(suffix, ".") {
		return "", false
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", false
	}
	return domain, true
}

// RegistrableDomain resolves rawURL to its registrable domain or literal IP host.
func RegistrableDomain(rawURL string) (string, bool) {
	host, ok := URLHost(rawURL)
	if !ok {
		return "", false
	}
	return HostSuffix(host)
}

// Classify compares requestURL against topLevelURL. It never fails: an empty
// top-level URL or an unresolvable side yields Unknown. When only the request
// side fails, the site suffix is still returned.
func Classify(requestURL, topLevelURL string) (Relation, string, string) {
	return classify(requestURL, topLevelURL, RegistrableDomain)
}

func classify(requestURL, topLevelURL string, resolve func(string) (string, bool)) (Relation, string, string) {
	if topLevelURL == "" {
		return Unknown, "", ""
	}
	siteSuffix, ok := resolve(topLevelURL)
	if !ok {
		return Unknown, "", ""
	}
	reqSuffix, ok := resolve(requestURL)
	if !ok {
		return Unknown, "", siteSuffix
	}
	if reqSuffix == siteSuffix {
		return FirstParty, reqSuffix, siteSuffix
	}
	return ThirdParty, reqSuffix, siteSuffix
}
