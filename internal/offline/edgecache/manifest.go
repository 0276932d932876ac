// Package edgecache is an HTTP caching proxy that sits between the app and
// its upstream, keeping the app usable while the network is gone.
//
// Every request is classified against the active manifest's rules and served
// with one of three strategies: cache-first for precached static assets,
// stale-while-revalidate for dynamic assets, and network-first for API calls
// and everything else. Caches are versioned: a manifest with a newer version
// installs a new generation of named caches, which takes over on activation
// and deletes the caches of the generation it replaces.
//
// The proxy never syncs data itself. A failed API write arms a background
// sync, and the next successful upstream response posts a BACKGROUND_SYNC
// message on Outbound for the host to act on.
package edgecache

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/mod/semver"
)

// Manifest describes one cache generation. It is loaded from TOML:
//
//	version = "1.4.0"
//	cache_prefix = "cognitrack"
//	app_shell = "/index.html"
//	precache = ["/", "/index.html", "/app.js"]
//	dynamic = ['\.(woff2?|ttf)$', '^/images/']
//	never_cache = ['^/api/auth/']
type Manifest struct {
	Version     string   `toml:"version" json:"version"`
	CachePrefix string   `toml:"cache_prefix" json:"cachePrefix"`
	AppShell    string   `toml:"app_shell" json:"appShell,omitempty"`
	Precache    []string `toml:"precache" json:"precache,omitempty"`
	Dynamic     []string `toml:"dynamic" json:"dynamic,omitempty"`
	NeverCache  []string `toml:"never_cache" json:"neverCache,omitempty"`
	// SkipWaiting activates a newly installed generation right away
	// instead of waiting for a SKIP_WAITING message.
	SkipWaiting bool `toml:"skip_waiting" json:"skipWaiting,omitempty"`
}

// DefaultCachePrefix is used when a manifest does not name one.
const DefaultCachePrefix = "offsync"

// LoadManifest reads and validates a TOML manifest.
func LoadManifest(path string) (*Manifest, error) {
	var m Manifest
	md, err := toml.DecodeFile(path, &m)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("manifest %s: unknown keys %v", path, undecoded)
	}
	if err := m.Normalize(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}

// ParseManifest decodes a TOML manifest from text.
func ParseManifest(text string) (*Manifest, error) {
	var m Manifest
	md, err := toml.Decode(text, &m)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown manifest keys %v", undecoded)
	}
	if err := m.Normalize(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Normalize validates the manifest and fills in defaults. Versions are
// semantic versions with or without a leading "v" and are stored in
// canonical form ("v1.4.0").
func (m *Manifest) Normalize() error {
	v := m.Version
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("invalid version %q: must be a semantic version", m.Version)
	}
	m.Version = semver.Canonical(v)
	if m.CachePrefix == "" {
		m.CachePrefix = DefaultCachePrefix
	}
	if strings.ContainsAny(m.CachePrefix, " /") {
		return fmt.Errorf("invalid cache prefix %q", m.CachePrefix)
	}
	for _, p := range m.Precache {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("precache entry %q must be an absolute path", p)
		}
	}
	if m.AppShell != "" && !strings.HasPrefix(m.AppShell, "/") {
		return fmt.Errorf("app shell %q must be an absolute path", m.AppShell)
	}
	if _, err := compilePatterns(m.Dynamic); err != nil {
		return fmt.Errorf("dynamic: %w", err)
	}
	if _, err := compilePatterns(m.NeverCache); err != nil {
		return fmt.Errorf("never_cache: %w", err)
	}
	return nil
}

// Newer reports whether m carries a higher version than other.
func (m *Manifest) Newer(other *Manifest) bool {
	if other == nil {
		return true
	}
	return semver.Compare(m.Version, other.Version) > 0
}

// CacheNames returns the named caches of this generation.
func (m *Manifest) CacheNames() CacheNames {
	return CacheNames{
		Static:  fmt.Sprintf("%s-static-%s", m.CachePrefix, m.Version),
		Dynamic: fmt.Sprintf("%s-dynamic-%s", m.CachePrefix, m.Version),
		API:     fmt.Sprintf("%s-api-%s", m.CachePrefix, m.Version),
	}
}

// CacheNames are the caches a generation owns.
type CacheNames struct {
	Static  string
	Dynamic string
	API     string
}

// All returns the names in lookup order.
func (n CacheNames) All() []string {
	return []string{n.Static, n.Dynamic, n.API}
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
