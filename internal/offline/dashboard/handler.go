package dashboard

import (
	"context"
	"log"
	gosync "sync"
	"time"

	"github.com/cognitrack/offsync/internal/offline/schema"
	"github.com/cognitrack/offsync/internal/offline/sync"
)

// SyncStartedData announces a pass.
type SyncStartedData struct {
	Reason sync.Reason `json:"reason"`
}

// OperationData describes one operation that failed, was dropped, or hit an
// unresolvable conflict.
type OperationData struct {
	OperationID string               `json:"operation_id"`
	Kind        schema.OperationKind `json:"kind"`
	EntityType  schema.EntityType    `json:"entity_type"`
	EntityID    string               `json:"entity_id"`
	RetryCount  int                  `json:"retry_count"`
	Error       string               `json:"error,omitempty"`
}

// Handler subscribes to orchestrator and connectivity events and formats
// them as dashboard messages.
//
// Events are delivered on the goroutine running the pass, so the handler
// only formats and enqueues there; status snapshots, which read the store,
// are rebuilt on the handler's own goroutine.
type Handler struct {
	server  *Server
	backend Backend
	logger  *log.Logger

	refresh chan struct{}
	unsubs  []func()
	cancel  context.CancelFunc
	wg      gosync.WaitGroup
}

// NewHandler creates a handler broadcasting through server.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = server.logger
	}
	return &Handler{
		server:  server,
		backend: server.backend,
		logger:  logger,
		refresh: make(chan struct{}, 1),
	}
}

// Start subscribes to events. Stop undoes it.
func (h *Handler) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.unsubs = append(h.unsubs,
		h.backend.Subscribe(h.OnSyncEvent),
		h.backend.OnConnectivity(h.OnConnectivity),
	)
	h.wg.Add(1)
	go h.statusLoop(ctx)
}

// Stop unsubscribes and waits for the status goroutine.
func (h *Handler) Stop() {
	for _, unsub := range h.unsubs {
		unsub()
	}
	h.unsubs = nil
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// OnSyncEvent formats one orchestrator event.
func (h *Handler) OnSyncEvent(e sync.Event) {
	switch e.Type {
	case sync.EventSyncStarted:
		h.server.BroadcastData(MessageTypeSyncStarted, SyncStartedData{Reason: e.Reason})
		h.requestStatus()

	case sync.EventSyncFinished:
		if e.Result != nil {
			h.server.BroadcastData(MessageTypeSyncFinished, e.Result)
		}
		h.requestStatus()

	case sync.EventOperationFailed:
		h.server.BroadcastData(MessageTypeOperationFailed, operationData(e))

	case sync.EventOperationDropped:
		h.logger.Printf("Operation dropped: %s", e.Error)
		h.server.BroadcastData(MessageTypeOperationDropped, operationData(e))

	case sync.EventConflict:
		h.server.BroadcastData(MessageTypeConflict, operationData(e))
	}
}

// OnConnectivity formats a connectivity transition.
func (h *Handler) OnConnectivity(st schema.ConnectivityState) {
	h.server.BroadcastData(MessageTypeConnectivity, st)
	h.requestStatus()
}

func operationData(e sync.Event) OperationData {
	d := OperationData{Error: e.Error}
	if op := e.Operation; op != nil {
		d.OperationID = op.ID
		d.Kind = op.Kind
		d.EntityType = op.EntityType
		d.EntityID = op.EntityID
		d.RetryCount = op.RetryCount
	}
	return d
}

func (h *Handler) requestStatus() {
	select {
	case h.refresh <- struct{}{}:
	default:
	}
}

// statusLoop rebuilds and broadcasts the status snapshot on request.
func (h *Handler) statusLoop(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.refresh:
			sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			st, err := h.backend.Status(sctx)
			cancel()
			if err != nil {
				h.logger.Printf("Failed to build status: %v", err)
				continue
			}
			h.server.BroadcastData(MessageTypeStatus, st)
		}
	}
}
