// Package connectivity is the single source of truth for network
// reachability.
//
// A Monitor turns raw observations (periodic probes, reports from failed
// requests) into debounced, edge-triggered transitions: observations that
// flap within the debounce window collapse to the last one, and subscribers
// only hear about a state that differs from the last one published.
package connectivity

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cognitrack/offsync/internal/offline/schema"
)

// Config holds configuration for a Monitor.
type Config struct {
	// ProbeInterval is how often Run probes reachability
	ProbeInterval time.Duration

	// Debounce is how long an observation must stand before it is published.
	// Zero publishes immediately.
	Debounce time.Duration

	// Initial is the state assumed before the first observation
	Initial bool

	// Now is the clock (default time.Now)
	Now func() time.Time

	// Logger for connectivity transitions
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ProbeInterval: 15 * time.Second,
		Debounce:      time.Second,
		Now:           time.Now,
		Logger:        log.New(os.Stderr, "[connectivity] ", log.LstdFlags),
	}
}

// Monitor tracks reachability. It is safe for concurrent use.
type Monitor struct {
	prober Prober
	config Config

	mu       sync.Mutex
	state    schema.ConnectivityState
	observed bool
	gen      uint64
	timer    *time.Timer
	nextID   int
	changes  map[int]func(schema.ConnectivityState)
	fg       map[int]func()
	wake     chan struct{}
}

// New creates a Monitor. prober may be nil when observations only come from
// Report.
func New(prober Prober, config Config) *Monitor {
	defaults := DefaultConfig()
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = defaults.ProbeInterval
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Monitor{
		prober:   prober,
		config:   config,
		state:    schema.ConnectivityState{IsOnline: config.Initial, LastTransitionAt: config.Now()},
		observed: config.Initial,
		changes:  make(map[int]func(schema.ConnectivityState)),
		fg:       make(map[int]func()),
		wake:     make(chan struct{}, 1),
	}
}

// IsOnline returns the last published state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IsOnline
}

// State returns the last published state and when it was entered.
func (m *Monitor) State() schema.ConnectivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Report feeds one observation. It is published once it has stood for the
// debounce window, and only if it differs from the published state.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	if online == m.observed && (m.timer != nil || online == m.state.IsOnline) {
		// Repeats neither restart a pending window nor open a new one.
		m.mu.Unlock()
		return
	}
	m.observed = online
	m.gen++
	gen := m.gen
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.config.Debounce <= 0 {
		m.mu.Unlock()
		m.settle(gen)
		return
	}
	m.timer = time.AfterFunc(m.config.Debounce, func() { m.settle(gen) })
	m.mu.Unlock()
}

func (m *Monitor) settle(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		// A newer observation restarted the window.
		m.mu.Unlock()
		return
	}
	m.timer = nil
	if m.observed == m.state.IsOnline {
		m.mu.Unlock()
		return
	}
	m.state = schema.ConnectivityState{IsOnline: m.observed, LastTransitionAt: m.config.Now()}
	state := m.state
	subs := make([]func(schema.ConnectivityState), 0, len(m.changes))
	for _, id := range sortedKeys(m.changes) {
		subs = append(subs, m.changes[id])
	}
	m.mu.Unlock()

	if state.IsOnline {
		m.config.Logger.Println("Network restored")
	} else {
		m.config.Logger.Println("Network lost")
	}
	for _, fn := range subs {
		fn(state)
	}
}

// OnChange subscribes fn to published transitions. fn runs on the goroutine
// that settles the transition and must not block.
func (m *Monitor) OnChange(fn func(schema.ConnectivityState)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.changes[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.changes, id)
	}
}

// OnForeground subscribes fn to foreground signals.
func (m *Monitor) OnForeground(fn func()) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.fg[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.fg, id)
	}
}

// Foreground signals that the app regained visibility. Subscribers are
// notified and a running probe loop re-checks reachability right away, since
// the OS may have restored the network without telling anyone.
func (m *Monitor) Foreground() {
	m.mu.Lock()
	subs := make([]func(), 0, len(m.fg))
	for _, id := range sortedKeys(m.fg) {
		subs = append(subs, m.fg[id])
	}
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	for _, fn := range subs {
		fn()
	}
}

// Check probes once and reports the outcome. It returns the observation,
// which may not be published yet.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.prober == nil {
		return m.IsOnline()
	}
	err := m.prober.Probe(ctx)
	if ctx.Err() != nil {
		return m.IsOnline()
	}
	online := err == nil
	if !online && m.IsOnline() {
		m.config.Logger.Printf("Probe failed: %v", err)
	}
	m.Report(online)
	return online
}

// Run probes immediately, then every ProbeInterval and on every Foreground
// signal, until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if m.prober == nil {
		<-ctx.Done()
		m.stop()
		return nil
	}

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()
	defer m.stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		case <-m.wake:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
