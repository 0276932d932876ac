package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/cognitrack/offsync/internal/offline/db"
	"github.com/cognitrack/offsync/internal/offline/edgecache"
	"github.com/cognitrack/offsync/internal/offline/engine"
	"github.com/cognitrack/offsync/internal/offline/schema"
	"github.com/cognitrack/offsync/internal/offline/sync"
)

// maxBody caps request bodies.
const maxBody = 1 << 20

// Backend is the consumer interface the dashboard serves. *engine.Engine
// implements it.
type Backend interface {
	Status(ctx context.Context) (engine.Status, error)
	SyncNow(ctx context.Context) (sync.PassResult, error)
	Save(ctx context.Context, e schema.Entity, opts engine.SaveOptions) (schema.Record, error)
	Delete(ctx context.Context, t schema.EntityType, id string) error
	Get(ctx context.Context, t schema.EntityType, id string) (schema.Record, error)
	PendingOperations(ctx context.Context) ([]schema.SyncOperation, error)
	Failures(ctx context.Context) ([]schema.FailedOperation, error)
	AcknowledgeFailures(ctx context.Context) error
	Foreground()
	Subscribe(l sync.Listener) (unsubscribe func())
	OnConnectivity(fn func(schema.ConnectivityState)) (unsubscribe func())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps engine errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sync.ErrSyncInProgress):
		return http.StatusConflict
	case errors.Is(err, sync.ErrOffline), errors.Is(err, db.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, db.ErrQuotaExceeded):
		return http.StatusInsufficientStorage
	case errors.Is(err, db.ErrUnknownCollection), errors.Is(err, edgecache.ErrUnknownMessage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.Status(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.backend.SyncNow(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleForeground(w http.ResponseWriter, r *http.Request) {
	s.backend.Foreground()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	ops, err := s.backend.PendingOperations(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := s.backend.Failures(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, failures)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.AcknowledgeFailures(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.backend.Get(r.Context(), schema.EntityType(r.PathValue("type")), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handlePutRecord applies a local mutation. The optional ?priority= query
// overrides the entity type's default priority.
func (s *Server) handlePutRecord(w http.ResponseWriter, r *http.Request) {
	t := schema.EntityType(r.PathValue("type"))
	id := r.PathValue("id")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	e, err := schema.Decode(t, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if e.EntityID() != id {
		writeError(w, http.StatusBadRequest, fmt.Errorf("body id %q does not match path id %q", e.EntityID(), id))
		return
	}

	var opts engine.SaveOptions
	if p := r.URL.Query().Get("priority"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid priority %q", p))
			return
		}
		opts.Priority = n
	}

	rec, err := s.backend.Save(r.Context(), e, opts)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError && e.Validate() != nil {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	t := schema.EntityType(r.PathValue("type"))
	if err := s.backend.Delete(r.Context(), t, r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCacheMessage forwards one message to the edge cache and returns its
// reply.
func (s *Server) handleCacheMessage(w http.ResponseWriter, r *http.Request) {
	if s.edge == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("edge cache not enabled"))
		return
	}
	var msg edgecache.Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reply, err := s.edge.Post(msg)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}
