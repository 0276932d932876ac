// Package engine is the composition root of the offline replication engine.
//
// Open builds every service exactly once: the local store, the remote
// client, the connectivity monitor, the mutation queue, the sync
// orchestrator and the daemon that schedules it. UI collaborators use the
// Engine methods only; they never reach the services directly.
//
// A local mutation is applied to the store and appended to the queue in two
// steps. When the engine is running and the network is up, a pass is
// requested right away; otherwise the queue accumulates until one of the
// daemon's triggers fires.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	gosync "sync"
	"time"

	"github.com/cognitrack/offsync/internal/offline/connectivity"
	"github.com/cognitrack/offsync/internal/offline/daemon"
	"github.com/cognitrack/offsync/internal/offline/db"
	"github.com/cognitrack/offsync/internal/offline/edgecache"
	"github.com/cognitrack/offsync/internal/offline/remote"
	"github.com/cognitrack/offsync/internal/offline/schema"
	"github.com/cognitrack/offsync/internal/offline/sync"
)

// Options configures Open. Zero values take each service's defaults.
type Options struct {
	Store        db.Options
	Remote       remote.Config
	Sync         sync.Config
	Connectivity connectivity.Config
	Daemon       *daemon.Config

	// ProbeURL is checked for reachability (default Remote.BaseURL).
	ProbeURL string

	// Prober overrides ProbeURL.
	Prober connectivity.Prober

	// Resolver overrides the default conflict policies.
	Resolver sync.Resolver

	// Logger for engine activity
	Logger *log.Logger
}

// SaveOptions tunes one local mutation.
type SaveOptions struct {
	// Kind forces the operation kind. By default it is Create for an entity
	// not yet stored locally and Update otherwise.
	Kind schema.OperationKind

	// Priority overrides the entity type's default priority when non-zero.
	Priority int
}

// Status is the snapshot UI indicators render.
type Status struct {
	Online            bool             `json:"online"`
	LastTransitionAt  time.Time        `json:"lastTransitionAt"`
	PendingOperations int              `json:"pendingOperations"`
	SyncInProgress    bool             `json:"syncInProgress"`
	LastSyncAttempt   *time.Time       `json:"lastSyncAttempt,omitempty"`
	LastResult        schema.RunResult `json:"lastResult,omitempty"`
	LastErrorCount    int              `json:"lastErrorCount"`
	Failures          int              `json:"failures"`
	Storage           db.Usage         `json:"storage"`
	NearlyFull        bool             `json:"nearlyFull"`
	Degraded          bool             `json:"degraded"`
	Warning           string           `json:"warning,omitempty"`
}

// Engine exposes the offline engine to its consumers.
type Engine struct {
	store   *db.Store
	client  *remote.Client
	orch    sync.Orchestrator
	monitor *connectivity.Monitor
	daemon  *daemon.Daemon
	warning string
	now     func() time.Time
	logger  *log.Logger

	mu      gosync.Mutex
	running bool
}

// Open builds the engine. When the durable store cannot be opened the engine
// still starts over an in-memory store; Degraded and Warning report it.
// db.ErrSchemaDowngrade is returned as-is so the caller can offer a reset.
//
// Example:
//
//	eng, err := engine.Open(ctx, engine.Options{
//	    Store:  db.Options{Path: "offsync.db"},
//	    Remote: remote.Config{BaseURL: "https://api.example.org", Token: token},
//	})
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	now := opts.Sync.Now
	if now == nil {
		now = time.Now
	}

	client, err := remote.New(opts.Remote)
	if err != nil {
		return nil, err
	}

	store, warning, err := db.OpenOrMemory(ctx, opts.Store)
	if err != nil {
		return nil, err
	}

	prober := opts.Prober
	if prober == nil {
		url := opts.ProbeURL
		if url == "" {
			url = client.BaseURL()
		}
		prober = connectivity.NewHTTPProber(url)
	}
	if opts.Connectivity.Now == nil {
		opts.Connectivity.Now = now
	}
	monitor := connectivity.New(prober, opts.Connectivity)

	queue := sync.NewQueue(store, now)
	orch := sync.New(store, queue, client, opts.Resolver, monitor, opts.Sync)

	d, err := daemon.NewWithConfig(orch, monitor, opts.Daemon)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &Engine{
		store:   store,
		client:  client,
		orch:    orch,
		monitor: monitor,
		daemon:  d,
		warning: warning,
		now:     now,
		logger:  opts.Logger,
	}, nil
}

// AttachEdge routes the edge cache's BACKGROUND_SYNC messages to the
// daemon. It must be called before Run.
func (e *Engine) AttachEdge(w *edgecache.Worker) {
	e.daemon.ListenMessages(w.Outbound())
}

// Run probes connectivity and schedules passes until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	var wg gosync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Printf("Connectivity monitor stopped: %v", err)
		}
	}()

	err := e.daemon.Start(ctx)
	wg.Wait()
	return err
}

// Close releases the store. Run must have returned.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Save applies entity locally and queues it for the remote service. The
// record's lastModified is bumped past any stored copy and its synced flag
// is cleared.
func (e *Engine) Save(ctx context.Context, entity schema.Entity, opts SaveOptions) (schema.Record, error) {
	if entity == nil {
		return schema.Record{}, fmt.Errorf("entity is required")
	}
	if err := entity.Validate(); err != nil {
		return schema.Record{}, fmt.Errorf("invalid %s: %w", entity.Type(), err)
	}

	kind := opts.Kind
	existing, err := e.store.GetRecord(ctx, entity.Type(), entity.EntityID())
	switch {
	case err == nil:
		if kind == "" {
			kind = schema.OpUpdate
		}
		if existing.LastModified > entity.Modified() {
			entity.SetModified(existing.LastModified)
		}
	case errors.Is(err, db.ErrNotFound):
		if kind == "" {
			kind = schema.OpCreate
		}
	default:
		return schema.Record{}, err
	}
	if kind == schema.OpDelete {
		return schema.Record{}, fmt.Errorf("use Delete to remove %s %s", entity.Type(), entity.EntityID())
	}

	rec := schema.NewLocalRecord(entity, e.now().UnixMilli())
	if err := e.store.PutRecord(ctx, rec); err != nil {
		return schema.Record{}, err
	}

	priority := opts.Priority
	if priority == 0 {
		priority = entity.Type().DefaultPriority()
	}
	if _, err := e.orch.Queue().Enqueue(ctx, schema.SyncOperation{
		Kind:       kind,
		EntityType: entity.Type(),
		EntityID:   entity.EntityID(),
		Payload:    entity,
		Priority:   priority,
	}); err != nil {
		return schema.Record{}, fmt.Errorf("failed to queue %s %s: %w", entity.Type(), entity.EntityID(), err)
	}

	e.requestSync()
	return rec, nil
}

// Delete removes the local record and queues the remote delete. An entity
// never stored locally is still deleted remotely.
func (e *Engine) Delete(ctx context.Context, t schema.EntityType, id string) error {
	var snapshot schema.Entity
	existing, err := e.store.GetRecord(ctx, t, id)
	switch {
	case err == nil:
		snapshot = existing.Payload
	case errors.Is(err, db.ErrNotFound):
	default:
		return err
	}

	if err := e.store.DeleteRecord(ctx, t, id); err != nil {
		return err
	}
	if _, err := e.orch.Queue().Enqueue(ctx, schema.SyncOperation{
		Kind:       schema.OpDelete,
		EntityType: t,
		EntityID:   id,
		Payload:    snapshot,
		Priority:   t.DefaultPriority(),
	}); err != nil {
		return fmt.Errorf("failed to queue delete of %s %s: %w", t, id, err)
	}

	e.requestSync()
	return nil
}

// requestSync asks the daemon for a pass when one could run now.
func (e *Engine) requestSync() {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if running && e.monitor.IsOnline() {
		e.daemon.Request(sync.ReasonMutation)
	}
}

// Get returns the local record.
func (e *Engine) Get(ctx context.Context, t schema.EntityType, id string) (schema.Record, error) {
	return e.store.GetRecord(ctx, t, id)
}

// List returns every local record of type t.
func (e *Engine) List(ctx context.Context, t schema.EntityType) ([]schema.Record, error) {
	return e.store.ListRecords(ctx, t)
}

// IsOnline reports the debounced connectivity state.
func (e *Engine) IsOnline() bool {
	return e.monitor.IsOnline()
}

// CheckConnectivity probes the network once and returns the published state.
func (e *Engine) CheckConnectivity(ctx context.Context) bool {
	return e.monitor.Check(ctx)
}

// OnConnectivity subscribes fn to connectivity transitions.
func (e *Engine) OnConnectivity(fn func(schema.ConnectivityState)) (unsubscribe func()) {
	return e.monitor.OnChange(fn)
}

// Foreground signals that the app regained visibility.
func (e *Engine) Foreground() {
	e.monitor.Foreground()
}

// PendingOperationCount returns the queue length.
func (e *Engine) PendingOperationCount(ctx context.Context) (int, error) {
	return e.orch.Queue().Len(ctx)
}

// PendingOperations returns the queue in processing order.
func (e *Engine) PendingOperations(ctx context.Context) ([]schema.SyncOperation, error) {
	return e.orch.Queue().Pending(ctx)
}

// SyncInProgress reports whether a pass is running.
func (e *Engine) SyncInProgress() bool {
	return e.orch.State().InProgress
}

// LastSyncAttempt returns when the last pass started, or nil.
func (e *Engine) LastSyncAttempt() *time.Time {
	return e.orch.State().LastAttemptAt
}

// LastResult returns the most recent pass result.
func (e *Engine) LastResult() (sync.PassResult, bool) {
	return e.orch.LastResult()
}

// SyncNow runs a manual pass. It returns sync.ErrOffline or
// sync.ErrSyncInProgress when no pass could start.
func (e *Engine) SyncNow(ctx context.Context) (sync.PassResult, error) {
	return e.orch.Trigger(ctx, sync.ReasonManual)
}

// Subscribe registers l for orchestrator events.
func (e *Engine) Subscribe(l sync.Listener) (unsubscribe func()) {
	return e.orch.Subscribe(l)
}

// ClearOfflineData empties every local collection, pending operations and
// the failure log included. It refuses while a pass is running.
func (e *Engine) ClearOfflineData(ctx context.Context) error {
	if e.SyncInProgress() {
		return sync.ErrSyncInProgress
	}
	if err := e.store.ClearAll(ctx); err != nil {
		return fmt.Errorf("failed to clear offline data: %w", err)
	}
	e.logger.Println("Offline data cleared")
	return nil
}

// StorageUsage reports used and available storage.
func (e *Engine) StorageUsage(ctx context.Context) (db.Usage, error) {
	return e.store.Usage(ctx)
}

// NearlyFull reports whether storage usage crossed the configured threshold.
func (e *Engine) NearlyFull(ctx context.Context) (bool, error) {
	return e.store.NearlyFull(ctx)
}

// Failures lists operations dropped after exhausting their retries.
func (e *Engine) Failures(ctx context.Context) ([]schema.FailedOperation, error) {
	return e.store.ListFailures(ctx)
}

// AcknowledgeFailures clears the failure log once the user has seen it.
func (e *Engine) AcknowledgeFailures(ctx context.Context) error {
	return e.store.ClearFailures(ctx)
}

// Degraded reports whether writes only live in memory for this process.
func (e *Engine) Degraded() bool {
	return e.store.Degraded()
}

// Warning returns the degraded-mode warning, if any.
func (e *Engine) Warning() string {
	return e.warning
}

// Status gathers everything a status indicator shows.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	conn := e.monitor.State()
	run := e.orch.State()
	st := Status{
		Online:           conn.IsOnline,
		LastTransitionAt: conn.LastTransitionAt,
		SyncInProgress:   run.InProgress,
		LastSyncAttempt:  run.LastAttemptAt,
		LastResult:       run.LastResult,
		Degraded:         e.Degraded(),
		Warning:          e.warning,
	}
	if last, ok := e.orch.LastResult(); ok {
		st.LastErrorCount = last.ErrorCount
	}

	var err error
	if st.PendingOperations, err = e.PendingOperationCount(ctx); err != nil {
		return st, err
	}
	failures, err := e.Failures(ctx)
	if err != nil {
		return st, err
	}
	st.Failures = len(failures)
	if st.Storage, err = e.StorageUsage(ctx); err != nil {
		return st, err
	}
	if st.NearlyFull, err = e.NearlyFull(ctx); err != nil {
		return st, err
	}
	return st, nil
}

// Store returns the local store, for backup and maintenance commands.
func (e *Engine) Store() *db.Store {
	return e.store
}

// Monitor returns the connectivity monitor.
func (e *Engine) Monitor() *connectivity.Monitor {
	return e.monitor
}

// Daemon returns the pass scheduler.
func (e *Engine) Daemon() *daemon.Daemon {
	return e.daemon
}
