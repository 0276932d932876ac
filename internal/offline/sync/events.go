package sync

import (
	"sort"
	gosync "sync"
	"time"

	"github.com/cognitrack/offsync/internal/offline/schema"
)

// Reason names what triggered a pass.
type Reason string

const (
	ReasonManual         Reason = "manual"
	ReasonConnectivity   Reason = "connectivity"
	ReasonTimer          Reason = "timer"
	ReasonForeground     Reason = "foreground"
	ReasonBackgroundSync Reason = "background-sync"
	ReasonRetry          Reason = "retry"
	ReasonMutation       Reason = "mutation"
)

// EventType identifies an orchestrator event.
type EventType string

const (
	EventSyncStarted      EventType = "sync_started"
	EventSyncFinished     EventType = "sync_finished"
	EventOperationSynced  EventType = "operation_synced"
	EventOperationFailed  EventType = "operation_failed"
	EventOperationDropped EventType = "operation_dropped"
	EventConflict         EventType = "conflict"
)

// Event is delivered to listeners synchronously, in order, on the goroutine
// running the pass. Listeners must not block.
type Event struct {
	Type      EventType             `json:"type"`
	Time      time.Time             `json:"time"`
	Reason    Reason                `json:"reason,omitempty"`
	Operation *schema.SyncOperation `json:"operation,omitempty"`
	Error     string                `json:"error,omitempty"`
	Result    *PassResult           `json:"result,omitempty"`
}

// Listener receives orchestrator events.
type Listener func(Event)

// ConflictNotice records an operation whose conflict could not be merged.
// The remote copy was kept locally.
type ConflictNotice struct {
	EntityType schema.EntityType `json:"entityType"`
	EntityID   string            `json:"entityId"`
	Error      string            `json:"error"`
}

// PassResult aggregates one sync pass. Per-operation faults are captured
// here and never returned to the caller.
type PassResult struct {
	Reason       Reason                   `json:"reason"`
	StartedAt    time.Time                `json:"startedAt"`
	FinishedAt   time.Time                `json:"finishedAt"`
	SuccessCount int                      `json:"successCount"`
	ErrorCount   int                      `json:"errorCount"`
	SkippedCount int                      `json:"skippedCount"`
	Dropped      []schema.FailedOperation `json:"dropped,omitempty"`
	Conflicts    []ConflictNotice         `json:"conflicts,omitempty"`
	Result       schema.RunResult         `json:"result"`
	// Error is set when the pass itself could not run (e.g. the queue could
	// not be loaded).
	Error string `json:"error,omitempty"`
	// NextRetryAt is the earliest time a backed-off operation becomes due.
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
}

func (r *PassResult) finish() {
	switch {
	case r.Error != "":
		r.Result = schema.ResultFailure
	case r.ErrorCount == 0:
		r.Result = schema.ResultSuccess
	case r.SuccessCount == 0:
		r.Result = schema.ResultFailure
	default:
		r.Result = schema.ResultPartialFailure
	}
}

// listeners is a registry of event subscribers.
type listeners struct {
	mu   gosync.RWMutex
	next int
	fns  map[int]Listener
}

func (l *listeners) add(fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]Listener)
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.fns, id)
	}
}

func (l *listeners) emit(e Event) {
	l.mu.RLock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	fns := make([]Listener, 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}
