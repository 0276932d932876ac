package edgecache

import (
	"net/http"
	"regexp"
	"strings"
)

// Strategy is how a request is served.
type Strategy int

const (
	// NetworkFirst tries upstream, then any cached copy, then an offline
	// fallback.
	NetworkFirst Strategy = iota
	// CacheFirst serves the cached copy and only goes upstream on a miss.
	CacheFirst
	// StaleWhileRevalidate serves the cached copy and refreshes it in the
	// background.
	StaleWhileRevalidate
	// NetworkOnly never touches the cache.
	NetworkOnly
)

// String returns a human-readable representation of the strategy.
func (s Strategy) String() string {
	switch s {
	case NetworkFirst:
		return "network-first"
	case CacheFirst:
		return "cache-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	case NetworkOnly:
		return "network-only"
	default:
		return "unknown"
	}
}

// Route is the classification of one request.
type Route struct {
	Strategy Strategy
	// Cache is the named cache the response is stored in; empty for
	// NetworkOnly.
	Cache string
}

// Rules classifies requests for one generation.
type Rules struct {
	names      CacheNames
	precache   map[string]bool
	dynamic    []*regexp.Regexp
	neverCache []*regexp.Regexp
}

// NewRules compiles the manifest's rule sets. The manifest must already be
// normalized.
func NewRules(m *Manifest) (*Rules, error) {
	dynamic, err := compilePatterns(m.Dynamic)
	if err != nil {
		return nil, err
	}
	never, err := compilePatterns(m.NeverCache)
	if err != nil {
		return nil, err
	}
	precache := make(map[string]bool, len(m.Precache))
	for _, p := range m.Precache {
		precache[p] = true
	}
	return &Rules{names: m.CacheNames(), precache: precache, dynamic: dynamic, neverCache: never}, nil
}

// Classify picks the strategy for r. Never-cache patterns win over
// everything; only GET requests are ever cached.
func (r *Rules) Classify(req *http.Request) Route {
	path := req.URL.Path
	if req.Method != http.MethodGet || matchAny(r.neverCache, path) {
		return Route{Strategy: NetworkOnly}
	}
	if r.precache[path] {
		return Route{Strategy: CacheFirst, Cache: r.names.Static}
	}
	if matchAny(r.dynamic, path) {
		return Route{Strategy: StaleWhileRevalidate, Cache: r.names.Dynamic}
	}
	if isAPI(path) {
		return Route{Strategy: NetworkFirst, Cache: r.names.API}
	}
	return Route{Strategy: NetworkFirst, Cache: r.names.Dynamic}
}

func matchAny(patterns []*regexp.Regexp, path string) bool {
	for _, re := range patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func isAPI(path string) bool {
	return strings.HasPrefix(path, "/api/")
}

// isNavigation reports whether req is a page load.
func isNavigation(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}
