package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/cognitrack/offsync/internal/offline/conflict"
	"github.com/cognitrack/offsync/internal/offline/db"
	"github.com/cognitrack/offsync/internal/offline/remote"
	"github.com/cognitrack/offsync/internal/offline/schema"
)

// Remote is the sync service as seen by the orchestrator.
type Remote interface {
	// Fetch returns the remote copy, or an error matching remote.ErrNotFound.
	Fetch(ctx context.Context, t schema.EntityType, id string) (schema.Entity, error)
	Create(ctx context.Context, e schema.Entity) error
	Update(ctx context.Context, e schema.Entity) error
	Delete(ctx context.Context, t schema.EntityType, id string) error
}

// Resolver merges a local payload with a newer remote one.
type Resolver interface {
	Resolve(t schema.EntityType, local, remote schema.Entity) (schema.Entity, error)
}

// Connectivity reports whether the network is reachable.
type Connectivity interface {
	IsOnline() bool
}

// Orchestrator runs sync passes.
//
// The orchestrator is single-flight: at most one pass runs at a time, and a
// trigger arriving while one is running returns ErrSyncInProgress without
// queuing another pass. Operations enqueued during a pass wait for the next
// one.
type Orchestrator interface {
	// Trigger runs one pass and returns its aggregate result.
	//
	// Returns ErrOffline when the connectivity monitor reports no network and
	// ErrSyncInProgress when another pass is running. Storage and network
	// faults during the pass are captured in the PassResult, not returned.
	//
	// Cancelling ctx stops the pass between operations; a remote write that
	// was already sent is always followed through to its local bookkeeping.
	//
	// Example:
	//   result, err := orch.Trigger(ctx, sync.ReasonManual)
	Trigger(ctx context.Context, reason Reason) (PassResult, error)

	// State returns the process-wide run state.
	State() schema.SyncRunState

	// LastResult returns the most recent pass result, if any pass has run.
	LastResult() (PassResult, bool)

	// Subscribe registers l for events and returns a func that removes it.
	Subscribe(l Listener) (unsubscribe func())

	// Queue returns the mutation queue the orchestrator drains.
	Queue() *Queue
}

// Config tunes the orchestrator.
type Config struct {
	// MaxRetries is the number of failed attempts after which an operation
	// is dropped (default 3).
	MaxRetries int

	// Backoff spaces out retries of failed operations. Manual passes ignore it.
	Backoff Backoff

	// Now is the clock (default time.Now).
	Now func() time.Time

	// Logger for sync activity
	Logger *log.Logger
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries: schema.MaxRetries,
		Backoff:    Backoff{Base: 30 * time.Second, Max: 5 * time.Minute},
		Now:        time.Now,
		Logger:     log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// orchestrator implements the Orchestrator interface.
type orchestrator struct {
	store    *db.Store
	queue    *Queue
	remote   Remote
	resolver Resolver
	online   Connectivity
	config   Config

	running   atomic.Bool
	mu        gosync.RWMutex
	state     schema.SyncRunState
	last      *PassResult
	listeners listeners
}

// New creates an Orchestrator.
//
// A nil resolver uses conflict.New() and a nil queue is created over store.
// Zero MaxRetries, Now and Logger take their DefaultConfig values; a zero
// Backoff disables retry spacing.
//
// Example:
//
//	orch := sync.New(store, queue, client, conflict.New(), monitor, sync.DefaultConfig())
//	result, err := orch.Trigger(ctx, sync.ReasonManual)
func New(store *db.Store, queue *Queue, rem Remote, resolver Resolver, online Connectivity, config Config) Orchestrator {
	defaults := DefaultConfig()
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if resolver == nil {
		resolver = conflict.New()
	}
	if queue == nil {
		queue = NewQueue(store, config.Now)
	}
	return &orchestrator{
		store:    store,
		queue:    queue,
		remote:   rem,
		resolver: resolver,
		online:   online,
		config:   config,
	}
}

func (o *orchestrator) Queue() *Queue {
	return o.queue
}

func (o *orchestrator) Subscribe(l Listener) func() {
	return o.listeners.add(l)
}

func (o *orchestrator) State() schema.SyncRunState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st := o.state
	if st.LastAttemptAt != nil {
		at := *st.LastAttemptAt
		st.LastAttemptAt = &at
	}
	return st
}

func (o *orchestrator) LastResult() (PassResult, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return PassResult{}, false
	}
	return *o.last, true
}

// Trigger implements Orchestrator.Trigger.
func (o *orchestrator) Trigger(ctx context.Context, reason Reason) (PassResult, error) {
	if o.online != nil && !o.online.IsOnline() {
		return PassResult{}, ErrOffline
	}
	if !o.running.CompareAndSwap(false, true) {
		return PassResult{}, ErrSyncInProgress
	}
	defer o.running.Store(false)

	started := o.config.Now()
	o.mu.Lock()
	o.state.InProgress = true
	o.state.LastAttemptAt = &started
	o.mu.Unlock()

	o.listeners.emit(Event{Type: EventSyncStarted, Time: started, Reason: reason})

	result := o.runPass(ctx, reason, started)

	o.mu.Lock()
	o.state.InProgress = false
	o.state.LastResult = result.Result
	o.last = &result
	o.mu.Unlock()

	o.listeners.emit(Event{Type: EventSyncFinished, Time: result.FinishedAt, Reason: reason, Result: &result})
	return result, nil
}

func (o *orchestrator) runPass(ctx context.Context, reason Reason, started time.Time) (result PassResult) {
	result = PassResult{Reason: reason, StartedAt: started}
	defer func() {
		result.FinishedAt = o.config.Now()
		result.finish()
	}()

	// The store is the source of truth; nothing is carried over in memory.
	ops, err := o.queue.Pending(ctx)
	if err != nil {
		result.Error = fmt.Sprintf("failed to load queue: %v", err)
		o.config.Logger.Printf("Error: %s", result.Error)
		return result
	}
	if len(ops) == 0 {
		return result
	}

	o.config.Logger.Printf("Sync pass (%s): %d pending operations", reason, len(ops))
	for _, op := range ops {
		if ctx.Err() != nil {
			o.config.Logger.Printf("Sync pass cancelled, %d operations left for the next pass", len(ops)-result.SuccessCount-result.ErrorCount-result.SkippedCount)
			break
		}
		o.process(ctx, reason, op, &result)
	}

	result.NextRetryAt = o.nextRetry(context.WithoutCancel(ctx))
	o.config.Logger.Printf("Sync pass complete: %d synced, %d failed, %d skipped, %d dropped",
		result.SuccessCount, result.ErrorCount, result.SkippedCount, len(result.Dropped))
	return result
}

func (o *orchestrator) process(ctx context.Context, reason Reason, op schema.SyncOperation, result *PassResult) {
	now := o.config.Now()
	if reason != ReasonManual && !o.config.Backoff.Due(op, now) {
		result.SkippedCount++
		return
	}

	payload := op.Payload
	if op.Kind != schema.OpDelete {
		remoteCopy, err := o.remote.Fetch(ctx, op.EntityType, op.EntityID)
		switch {
		case errors.Is(err, remote.ErrNotFound):
			// Nothing to merge with.
		case err != nil && ctx.Err() != nil:
			// Cancelled before anything was sent; not an attempt.
			result.SkippedCount++
			return
		case err != nil:
			o.fail(context.WithoutCancel(ctx), op, fmt.Errorf("conflict check failed: %w", err), result)
			return
		case remoteCopy.Modified() > payload.Modified():
			merged, err := o.resolver.Resolve(op.EntityType, payload, remoteCopy)
			if errors.Is(err, conflict.ErrConflictUnresolvable) {
				o.keepRemote(context.WithoutCancel(ctx), op, remoteCopy, err, result)
				return
			}
			if err != nil {
				o.fail(context.WithoutCancel(ctx), op, fmt.Errorf("conflict resolution failed: %w", err), result)
				return
			}
			payload = merged
		}
	}

	// From here on the write may reach the server, so it is followed through
	// even if ctx is cancelled.
	wctx := context.WithoutCancel(ctx)
	if err := o.send(wctx, op, payload); err != nil {
		o.fail(wctx, op, err, result)
		return
	}
	o.complete(wctx, op, payload, result)
}

func (o *orchestrator) send(ctx context.Context, op schema.SyncOperation, payload schema.Entity) error {
	switch op.Kind {
	case schema.OpCreate:
		return o.remote.Create(ctx, payload)
	case schema.OpUpdate:
		return o.remote.Update(ctx, payload)
	case schema.OpDelete:
		err := o.remote.Delete(ctx, op.EntityType, op.EntityID)
		if errors.Is(err, remote.ErrNotFound) {
			// Already gone remotely: the delete is idempotent.
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// complete applies an acknowledged write locally: the record first, then the
// queue. A crash in between re-sends the operation, which the server accepts
// idempotently by id.
func (o *orchestrator) complete(ctx context.Context, op schema.SyncOperation, payload schema.Entity, result *PassResult) {
	at := o.config.Now().UnixMilli()
	var err error
	if op.Kind == schema.OpDelete {
		err = o.store.DeleteIfSynced(ctx, op.EntityType, op.EntityID)
	} else {
		_, err = o.store.MarkSynced(ctx, payload, at)
	}
	if err != nil {
		// The server has the write but it could not be applied locally. It
		// counts as an attempt so the operation cannot cycle forever.
		o.fail(ctx, op, fmt.Errorf("failed to apply acknowledged write: %w", err), result)
		return
	}

	removed, err := o.queue.Complete(ctx, op)
	if err != nil {
		o.config.Logger.Printf("Error removing operation %s: %v", op.ID, err)
		result.ErrorCount++
		return
	}
	if !removed {
		o.config.Logger.Printf("Operation %s absorbed a newer mutation during the pass, keeping it queued", op.ID)
	}
	result.SuccessCount++
	o.listeners.emit(Event{Type: EventOperationSynced, Time: o.config.Now(), Operation: &op})
}

// keepRemote handles an unresolvable conflict: the remote copy is kept
// locally and the operation is retired without pushing.
func (o *orchestrator) keepRemote(ctx context.Context, op schema.SyncOperation, remoteCopy schema.Entity, cause error, result *PassResult) {
	o.config.Logger.Printf("WARNING: conflict on %s could not be merged, keeping the remote copy: %v", op.Key(), cause)
	if _, err := o.store.MarkSynced(ctx, remoteCopy, o.config.Now().UnixMilli()); err != nil {
		o.fail(ctx, op, fmt.Errorf("failed to store remote copy: %w", err), result)
		return
	}
	if _, err := o.queue.Complete(ctx, op); err != nil {
		o.config.Logger.Printf("Error removing operation %s: %v", op.ID, err)
		result.ErrorCount++
		return
	}
	result.Conflicts = append(result.Conflicts, ConflictNotice{
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Error:      cause.Error(),
	})
	o.listeners.emit(Event{Type: EventConflict, Time: o.config.Now(), Operation: &op, Error: cause.Error()})
}

// fail records a failed attempt. At MaxRetries the operation is moved to the
// failure log and reported once.
func (o *orchestrator) fail(ctx context.Context, op schema.SyncOperation, cause error, result *PassResult) {
	result.ErrorCount++
	now := o.config.Now()
	at := now.UnixMilli()
	op.RetryCount++
	op.LastRetryAt = &at
	op.LastError = cause.Error()

	kind := "rejected"
	if remote.IsRetryable(cause) {
		kind = "retryable"
	}

	if op.RetryCount >= o.config.MaxRetries {
		failure := schema.FailedOperation{
			Operation: op,
			FailedAt:  at,
			Error:     fmt.Sprintf("%v after %d attempts: %v", ErrMaxRetriesExceeded, op.RetryCount, cause),
		}
		dropped, err := o.queue.Drop(ctx, op, failure)
		if err != nil {
			o.config.Logger.Printf("Error dropping operation %s: %v", op.ID, err)
			return
		}
		if dropped {
			o.config.Logger.Printf("WARNING: dropped %s %s after %d attempts (%s): %v",
				op.Kind, op.Key(), op.RetryCount, kind, cause)
			result.Dropped = append(result.Dropped, failure)
			o.listeners.emit(Event{Type: EventOperationDropped, Time: now, Operation: &op, Error: failure.Error})
		}
		return
	}

	if _, err := o.queue.Retry(ctx, op); err != nil {
		o.config.Logger.Printf("Error saving retry state for %s: %v", op.ID, err)
	}
	o.config.Logger.Printf("Failed %s %s (attempt %d/%d, %s): %v",
		op.Kind, op.Key(), op.RetryCount, o.config.MaxRetries, kind, cause)
	o.listeners.emit(Event{Type: EventOperationFailed, Time: now, Operation: &op, Error: cause.Error()})
}

// nextRetry returns the earliest due time among backed-off operations.
func (o *orchestrator) nextRetry(ctx context.Context) *time.Time {
	ops, err := o.queue.Pending(ctx)
	if err != nil {
		return nil
	}
	var next time.Time
	for _, op := range ops {
		due := o.config.Backoff.DueAt(op)
		if due.IsZero() {
			continue
		}
		if next.IsZero() || due.Before(next) {
			next = due
		}
	}
	if next.IsZero() {
		return nil
	}
	return &next
}
