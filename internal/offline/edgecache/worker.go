package edgecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a cache generation.
type State string

const (
	StateInstalling State = "installing"
	// StateInstalled means precaching finished and the generation waits
	// for activation.
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	// StateRedundant is a generation that failed to install or was replaced.
	StateRedundant State = "redundant"
)

// CacheHeader reports how a response was produced: "hit", "miss",
// "network", "stale", "fallback", "shell" or "offline".
const CacheHeader = "X-Offsync-Cache"

// Config holds configuration for a Worker.
type Config struct {
	// Upstream is the origin every request is forwarded to
	Upstream string

	// Client for upstream requests (default: a client without redirects)
	Client *http.Client

	// Timeout bounds each upstream request
	Timeout time.Duration

	// Now is the clock (default time.Now)
	Now func() time.Time

	// Logger for cache activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout: 10 * time.Second,
		Now:     time.Now,
		Logger:  log.New(os.Stderr, "[edge] ", log.LstdFlags),
	}
}

type generation struct {
	manifest *Manifest
	rules    *Rules
	names    CacheNames
	state    State
}

// Worker is the caching proxy. It implements http.Handler.
type Worker struct {
	upstream *url.URL
	config   Config
	storage  *Storage

	mu      sync.RWMutex
	pending *generation // created by New, not yet installed
	active  *generation
	waiting *generation

	syncPending atomic.Bool
	outbound    chan Message

	bgMu   sync.Mutex // guards closed and wg.Add
	closed bool
	wg     sync.WaitGroup
}

// New creates a Worker for manifest m. Nothing is cached until Install.
// A nil storage creates a fresh one.
func New(m *Manifest, storage *Storage, config Config) (*Worker, error) {
	defaults := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Client == nil {
		config.Client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	upstream, err := url.Parse(config.Upstream)
	if err != nil || (upstream.Scheme != "http" && upstream.Scheme != "https") || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q", config.Upstream)
	}
	if storage == nil {
		storage = NewStorage()
	}
	gen, err := newGeneration(m)
	if err != nil {
		return nil, err
	}
	return &Worker{
		upstream: upstream,
		config:   config,
		storage:  storage,
		pending:  gen,
		outbound: make(chan Message, 1),
	}, nil
}

func newGeneration(m *Manifest) (*generation, error) {
	if m == nil {
		return nil, fmt.Errorf("manifest is required")
	}
	if err := m.Normalize(); err != nil {
		return nil, err
	}
	rules, err := NewRules(m)
	if err != nil {
		return nil, err
	}
	return &generation{manifest: m, rules: rules, names: m.CacheNames(), state: StateInstalling}, nil
}

// Storage returns the cache storage.
func (w *Worker) Storage() *Storage {
	return w.storage
}

// Outbound delivers messages for the host. At most one BACKGROUND_SYNC is
// buffered; further requests while it is unread collapse into it.
func (w *Worker) Outbound() <-chan Message {
	return w.outbound
}

// Install precaches the initial manifest and activates it. Precaching is
// all or nothing: if any asset cannot be fetched, no cache is written and
// the error is returned.
func (w *Worker) Install(ctx context.Context) error {
	w.mu.Lock()
	gen := w.pending
	w.pending = nil
	w.mu.Unlock()
	if gen == nil {
		return fmt.Errorf("already installed")
	}
	if err := w.install(ctx, gen); err != nil {
		// Left pending so a later Install can retry.
		w.mu.Lock()
		gen.state = StateInstalling
		w.pending = gen
		w.mu.Unlock()
		return err
	}
	w.mu.Lock()
	w.waiting = gen
	w.mu.Unlock()
	return w.Activate()
}

// Update installs m as a new generation if its version is higher than the
// newest one known. The generation then waits for SKIP_WAITING unless the
// manifest sets skip_waiting. It reports whether m was installed.
func (w *Worker) Update(ctx context.Context, m *Manifest) (bool, error) {
	gen, err := newGeneration(m)
	if err != nil {
		return false, err
	}

	w.mu.RLock()
	newest := w.newestLocked()
	w.mu.RUnlock()
	if newest != nil && !m.Newer(newest.manifest) {
		w.config.Logger.Printf("Manifest %s is not newer than %s, ignoring", m.Version, newest.manifest.Version)
		return false, nil
	}

	if err := w.install(ctx, gen); err != nil {
		return false, err
	}

	w.mu.Lock()
	if w.waiting != nil {
		w.waiting.state = StateRedundant
	}
	w.waiting = gen
	w.mu.Unlock()

	if m.SkipWaiting {
		return true, w.Activate()
	}
	w.config.Logger.Printf("Cache generation %s installed, waiting for activation", m.Version)
	return true, nil
}

func (w *Worker) newestLocked() *generation {
	switch {
	case w.waiting != nil:
		return w.waiting
	case w.active != nil:
		return w.active
	default:
		return w.pending
	}
}

func (w *Worker) install(ctx context.Context, gen *generation) error {
	w.config.Logger.Printf("Installing cache generation %s (%d assets)", gen.manifest.Version, len(gen.manifest.Precache))
	entries := make(map[string]*Entry, len(gen.manifest.Precache))
	for _, path := range gen.manifest.Precache {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
		if err != nil {
			return fmt.Errorf("invalid precache path %q: %w", path, err)
		}
		e, err := w.fetch(req)
		if err != nil {
			w.setState(gen, StateRedundant)
			return fmt.Errorf("precache %s failed: %w", path, err)
		}
		if e.Status < 200 || e.Status > 299 {
			w.setState(gen, StateRedundant)
			return fmt.Errorf("precache %s failed: upstream returned %d", path, e.Status)
		}
		entries[cacheKey(req)] = e
	}
	w.storage.PutAll(gen.names.Static, entries)
	w.setState(gen, StateInstalled)
	return nil
}

// Activate makes the waiting generation active and deletes every cache not
// owned by it. Without a waiting generation it does nothing.
func (w *Worker) Activate() error {
	w.mu.Lock()
	gen := w.waiting
	if gen == nil {
		w.mu.Unlock()
		return nil
	}
	gen.state = StateActivating
	if w.active != nil {
		w.active.state = StateRedundant
	}
	w.active = gen
	w.waiting = nil
	w.mu.Unlock()

	keep := make(map[string]bool)
	for _, name := range gen.names.All() {
		keep[name] = true
	}
	for _, name := range w.storage.Names() {
		if !keep[name] {
			w.config.Logger.Printf("Deleting old cache %s", name)
			w.storage.Delete(name)
		}
	}

	w.setState(gen, StateActivated)
	w.config.Logger.Printf("Cache generation %s activated", gen.manifest.Version)
	return nil
}

func (w *Worker) setState(gen *generation, s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	gen.state = s
}

// State returns the state of the active generation, or of the one being
// installed before the first activation.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.active != nil {
		return w.active.state
	}
	if w.pending != nil {
		return w.pending.state
	}
	return StateInstalling
}

// Version returns the active static cache name, or "" before activation.
func (w *Worker) Version() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.active == nil {
		return ""
	}
	return w.active.names.Static
}

// Waiting returns the version of a generation installed but not yet active.
func (w *Worker) Waiting() (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.waiting == nil {
		return "", false
	}
	return w.waiting.manifest.Version, true
}

// Post delivers a message from the host and returns the reply.
func (w *Worker) Post(msg Message) (Message, error) {
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	switch msg.Type {
	case MsgSkipWaiting:
		if err := w.Activate(); err != nil {
			return Message{}, err
		}
		return Message{Type: MsgSkipWaiting}, nil
	case MsgGetVersion:
		return Message{Type: MsgGetVersion, Version: w.Version()}, nil
	default:
		w.signalSync()
		return Message{Type: msg.Type, Action: msg.Action}, nil
	}
}

// Close waits for background revalidations to finish. Requests served after
// Close are answered from the cache without a background refresh.
func (w *Worker) Close() {
	w.bgMu.Lock()
	w.closed = true
	w.bgMu.Unlock()
	w.wg.Wait()
}

func (w *Worker) current() *generation {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.active
}

// ServeHTTP implements http.Handler.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	gen := w.current()
	if gen == nil {
		w.networkOnly(rw, r, nil)
		return
	}
	route := gen.rules.Classify(r)
	switch route.Strategy {
	case CacheFirst:
		w.cacheFirst(rw, r, gen, route)
	case StaleWhileRevalidate:
		w.staleWhileRevalidate(rw, r, gen, route)
	case NetworkFirst:
		w.networkFirst(rw, r, gen, route)
	default:
		w.networkOnly(rw, r, gen)
	}
}

func (w *Worker) cacheFirst(rw http.ResponseWriter, r *http.Request, gen *generation, route Route) {
	key := cacheKey(r)
	if e, ok := w.storage.Get(route.Cache, key); ok {
		respond(rw, e, "hit")
		return
	}
	e, err := w.fetch(r)
	if err != nil {
		w.config.Logger.Printf("Offline, no cached copy of %s: %v", key, err)
		w.offlineFallback(rw, r, gen)
		return
	}
	w.store(route.Cache, key, e)
	respond(rw, e, "miss")
}

func (w *Worker) staleWhileRevalidate(rw http.ResponseWriter, r *http.Request, gen *generation, route Route) {
	key := cacheKey(r)
	if e, ok := w.storage.Get(route.Cache, key); ok {
		respond(rw, e, "stale")
		w.revalidate(r, route.Cache, key)
		return
	}
	e, err := w.fetch(r)
	if err != nil {
		w.offlineFallback(rw, r, gen)
		return
	}
	w.store(route.Cache, key, e)
	respond(rw, e, "miss")
}

func (w *Worker) revalidate(r *http.Request, cache, key string) {
	w.bgMu.Lock()
	if w.closed {
		w.bgMu.Unlock()
		return
	}
	w.wg.Add(1)
	w.bgMu.Unlock()

	req := r.Clone(context.WithoutCancel(r.Context()))
	go func() {
		defer w.wg.Done()
		e, err := w.fetch(req)
		if err != nil {
			return
		}
		w.store(cache, key, e)
	}()
}

func (w *Worker) networkFirst(rw http.ResponseWriter, r *http.Request, gen *generation, route Route) {
	key := cacheKey(r)
	e, err := w.fetch(r)
	if err == nil {
		w.store(route.Cache, key, e)
		respond(rw, e, "network")
		return
	}
	if cached, ok := w.storage.Match(gen.names.All(), key); ok {
		respond(rw, cached, "fallback")
		return
	}
	w.offlineFallback(rw, r, gen)
}

func (w *Worker) networkOnly(rw http.ResponseWriter, r *http.Request, gen *generation) {
	e, err := w.fetch(r)
	if err == nil {
		respond(rw, e, "network")
		return
	}
	if r.Method != http.MethodGet && isAPI(r.URL.Path) {
		if !w.syncPending.Swap(true) {
			w.config.Logger.Printf("Write %s %s failed offline, background sync registered", r.Method, r.URL.Path)
		}
	}
	w.offlineFallback(rw, r, gen)
}

// offlineFallback answers a request that could not reach upstream and has
// no cached copy: page loads get the app shell, API calls the offline JSON
// envelope, everything else a placeholder.
func (w *Worker) offlineFallback(rw http.ResponseWriter, r *http.Request, gen *generation) {
	if gen != nil && isNavigation(r) && gen.manifest.AppShell != "" {
		if shell, ok := w.storage.Get(gen.names.Static, gen.manifest.AppShell); ok {
			respond(rw, shell, "shell")
			return
		}
	}
	rw.Header().Set(CacheHeader, "offline")
	if isAPI(r.URL.Path) || !isNavigation(r) && strings.Contains(r.Header.Get("Accept"), "application/json") {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(rw).Encode(OfflineEnvelope{
			Error:     "Network unavailable",
			Offline:   true,
			Timestamp: w.config.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.WriteHeader(http.StatusServiceUnavailable)
	_, _ = io.WriteString(rw, "Offline: this resource is not available without a network connection.\n")
}

// OfflineEnvelope is the body of a synthetic offline API response.
type OfflineEnvelope struct {
	Error     string `json:"error"`
	Offline   bool   `json:"offline"`
	Timestamp string `json:"timestamp"`
}

// store caches successful GET responses only.
func (w *Worker) store(cache, key string, e *Entry) {
	if e.Status < 200 || e.Status > 299 {
		return
	}
	w.storage.Put(cache, key, e)
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// fetch forwards r upstream and reads the whole response. Any HTTP response
// is a success; only transport failures are errors.
func (w *Worker) fetch(r *http.Request) (*Entry, error) {
	target := *w.upstream
	target.Path = strings.TrimSuffix(w.upstream.Path, "/") + r.URL.Path
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery

	ctx, cancel := context.WithTimeout(r.Context(), w.config.Timeout)
	defer cancel()

	var body io.Reader
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}

	resp, err := w.config.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("upstream timed out: %w", err)
		}
		return nil, err
	}

	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	header.Del("Content-Length")
	w.upstreamReachable()
	return &Entry{Status: resp.StatusCode, Header: header, Body: data, StoredAt: w.config.Now()}, nil
}

// upstreamReachable fires the registered background sync, once.
func (w *Worker) upstreamReachable() {
	if w.syncPending.CompareAndSwap(true, false) {
		w.config.Logger.Println("Upstream reachable again, requesting background sync")
		w.signalSync()
	}
}

func (w *Worker) signalSync() {
	select {
	case w.outbound <- backgroundSyncMessage():
	default:
	}
}

func respond(rw http.ResponseWriter, e *Entry, source string) {
	h := rw.Header()
	for k, v := range e.Header {
		h[k] = append([]string(nil), v...)
	}
	h.Set(CacheHeader, source)
	rw.WriteHeader(e.Status)
	_, _ = rw.Write(e.Body)
}
