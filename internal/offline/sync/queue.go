package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cognitrack/offsync/internal/offline/db"
	"github.com/cognitrack/offsync/internal/offline/schema"
)

// Queue is the durable log of pending operations, backed by the syncQueue
// collection.
type Queue struct {
	store *db.Store
	now   func() time.Time
	newID func() string
}

// NewQueue creates a queue over store. A nil now uses time.Now.
func NewQueue(store *db.Store, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{
		store: store,
		now:   now,
		newID: uuid.NewString,
	}
}

// Enqueue appends op, or folds it into the pending operation for the same
// entity. ID and CreatedAt are assigned when empty. It returns the operation
// as stored.
func (q *Queue) Enqueue(ctx context.Context, op schema.SyncOperation) (schema.SyncOperation, error) {
	if op.ID == "" {
		op.ID = q.newID()
	}
	if op.CreatedAt == 0 {
		op.CreatedAt = q.now().UnixMilli()
	}
	op.RetryCount = 0
	op.LastRetryAt = nil
	op.LastError = ""
	op.Revision = 0
	if err := op.Validate(); err != nil {
		return schema.SyncOperation{}, fmt.Errorf("invalid operation: %w", err)
	}
	if !q.store.HasEntityCollection(op.EntityType) {
		return schema.SyncOperation{}, fmt.Errorf("%w: %s", db.ErrUnknownCollection, op.EntityType)
	}

	stored := op
	err := q.store.Txn(ctx, db.SyncQueue, func(tx *db.Tx) error {
		existing, err := q.pendingFor(ctx, tx, op.EntityType, op.EntityID)
		if err != nil {
			return err
		}
		if existing != nil {
			existing.Coalesce(&op)
			stored = *existing
		}
		item, err := db.OperationItem(stored)
		if err != nil {
			return err
		}
		return tx.Put(ctx, item)
	})
	if err != nil {
		return schema.SyncOperation{}, err
	}
	return stored, nil
}

func (q *Queue) pendingFor(ctx context.Context, tx *db.Tx, t schema.EntityType, id string) (*schema.SyncOperation, error) {
	items, err := tx.GetByIndex(ctx, db.IndexEntityID, id)
	if errors.Is(err, db.ErrUnknownIndex) {
		// v1 schema: no entityId index on the queue, scan by type instead.
		items, err = tx.GetByIndex(ctx, db.IndexEntityType, string(t))
	}
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.EntityType != string(t) || item.EntityID != id {
			continue
		}
		op, err := db.ItemOperation(item)
		if err != nil {
			return nil, err
		}
		return &op, nil
	}
	return nil, nil
}

// Pending returns every queued operation in processing order: priority
// descending, then createdAt ascending, then id.
func (q *Queue) Pending(ctx context.Context) ([]schema.SyncOperation, error) {
	ops, err := q.store.ListOperations(ctx)
	if err != nil {
		return nil, err
	}
	SortOperations(ops)
	return ops, nil
}

// SortOperations orders ops for processing.
func SortOperations(ops []schema.SyncOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Priority != ops[j].Priority {
			return ops[i].Priority > ops[j].Priority
		}
		if ops[i].CreatedAt != ops[j].CreatedAt {
			return ops[i].CreatedAt < ops[j].CreatedAt
		}
		return ops[i].ID < ops[j].ID
	})
}

// Len returns the number of queued operations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.Count(ctx, db.SyncQueue)
}

// Complete removes op once its remote write is acknowledged. An operation
// that absorbed a newer mutation since it was loaded stays queued; the
// return value reports whether it was removed.
func (q *Queue) Complete(ctx context.Context, op schema.SyncOperation) (bool, error) {
	return q.ifUnchanged(ctx, op, func(tx *db.Tx) error {
		return tx.Delete(ctx, op.ID)
	})
}

// Retry persists op's retry bookkeeping. A coalesced operation keeps its
// fresh retry state instead.
func (q *Queue) Retry(ctx context.Context, op schema.SyncOperation) (bool, error) {
	return q.ifUnchanged(ctx, op, func(tx *db.Tx) error {
		item, err := db.OperationItem(op)
		if err != nil {
			return err
		}
		return tx.Put(ctx, item)
	})
}

// Drop records f in the failure log and removes the operation. A coalesced
// operation is not dropped: the newer mutation gets its own attempts.
func (q *Queue) Drop(ctx context.Context, op schema.SyncOperation, f schema.FailedOperation) (bool, error) {
	current, err := q.store.Get(ctx, db.SyncQueue, op.ID)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	stored, err := db.ItemOperation(current)
	if err != nil {
		return false, err
	}
	if stored.Revision != op.Revision {
		return false, nil
	}
	// Failure log first: a crash in between leaves a duplicate report, never
	// a silent loss.
	if err := q.store.PutFailure(ctx, f); err != nil {
		return false, fmt.Errorf("failed to record dropped operation %s: %w", op.ID, err)
	}
	return q.Complete(ctx, op)
}

func (q *Queue) ifUnchanged(ctx context.Context, op schema.SyncOperation, fn func(tx *db.Tx) error) (bool, error) {
	applied := false
	err := q.store.Txn(ctx, db.SyncQueue, func(tx *db.Tx) error {
		item, err := tx.Get(ctx, op.ID)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		stored, err := db.ItemOperation(item)
		if err != nil {
			return err
		}
		if stored.Revision != op.Revision {
			return nil
		}
		applied = true
		return fn(tx)
	})
	return applied, err
}

// Clear removes every queued operation.
func (q *Queue) Clear(ctx context.Context) error {
	return q.store.Clear(ctx, db.SyncQueue)
}
