package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/cognitrack/offsync/internal/offline/schema"
)

// RecordItem converts rec into its stored form.
func RecordItem(rec schema.Record) (Item, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return Item{}, fmt.Errorf("failed to encode record %s/%s: %w", rec.EntityType, rec.ID, err)
	}
	return Item{
		Key:          rec.ID,
		UserID:       rec.UserID,
		EntityType:   string(rec.EntityType),
		EntityID:     rec.ID,
		Synced:       rec.Synced,
		LastModified: rec.LastModified,
		Data:         data,
	}, nil
}

// ItemRecord decodes a stored record.
func ItemRecord(item Item) (schema.Record, error) {
	var rec schema.Record
	if err := json.Unmarshal(item.Data, &rec); err != nil {
		return schema.Record{}, fmt.Errorf("failed to decode record %s: %w", item.Key, err)
	}
	return rec, nil
}

// PutRecord upserts rec into the collection named by its entity type.
func (s *Store) PutRecord(ctx context.Context, rec schema.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}
	item, err := RecordItem(rec)
	if err != nil {
		return err
	}
	return s.Put(ctx, string(rec.EntityType), item)
}

// GetRecord reads one record.
func (s *Store) GetRecord(ctx context.Context, t schema.EntityType, id string) (schema.Record, error) {
	item, err := s.Get(ctx, string(t), id)
	if err != nil {
		return schema.Record{}, err
	}
	return ItemRecord(item)
}

// ListRecords returns every record of type t.
func (s *Store) ListRecords(ctx context.Context, t schema.EntityType) ([]schema.Record, error) {
	items, err := s.GetAll(ctx, string(t))
	if err != nil {
		return nil, err
	}
	return itemRecords(items)
}

// UnsyncedRecords returns the records of type t not yet acknowledged remotely.
func (s *Store) UnsyncedRecords(ctx context.Context, t schema.EntityType) ([]schema.Record, error) {
	items, err := s.GetByIndex(ctx, string(t), IndexSynced, false)
	if err != nil {
		return nil, err
	}
	return itemRecords(items)
}

// DeleteRecord removes one record.
func (s *Store) DeleteRecord(ctx context.Context, t schema.EntityType, id string) error {
	return s.Delete(ctx, string(t), id)
}

func itemRecords(items []Item) ([]schema.Record, error) {
	records := make([]schema.Record, 0, len(items))
	for _, item := range items {
		rec, err := ItemRecord(item)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// OperationItem converts op into its stored form.
func OperationItem(op schema.SyncOperation) (Item, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return Item{}, fmt.Errorf("failed to encode operation %s: %w", op.ID, err)
	}
	var userID string
	if op.Payload != nil {
		userID = op.Payload.Owner()
	}
	return Item{
		Key:          op.ID,
		UserID:       userID,
		EntityType:   string(op.EntityType),
		EntityID:     op.EntityID,
		LastModified: op.CreatedAt,
		Data:         data,
	}, nil
}

// ItemOperation decodes a stored operation.
func ItemOperation(item Item) (schema.SyncOperation, error) {
	var op schema.SyncOperation
	if err := json.Unmarshal(item.Data, &op); err != nil {
		return schema.SyncOperation{}, fmt.Errorf("failed to decode operation %s: %w", item.Key, err)
	}
	return op, nil
}

// ListOperations returns every queued operation in key order. Callers sort.
func (s *Store) ListOperations(ctx context.Context) ([]schema.SyncOperation, error) {
	items, err := s.GetAll(ctx, SyncQueue)
	if err != nil {
		return nil, err
	}
	ops := make([]schema.SyncOperation, 0, len(items))
	for _, item := range items {
		op, err := ItemOperation(item)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// PutOperation upserts op into the queue.
func (s *Store) PutOperation(ctx context.Context, op schema.SyncOperation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}
	item, err := OperationItem(op)
	if err != nil {
		return err
	}
	return s.Put(ctx, SyncQueue, item)
}

// DeleteOperation removes op from the queue.
func (s *Store) DeleteOperation(ctx context.Context, id string) error {
	return s.Delete(ctx, SyncQueue, id)
}

// PutFailure records an operation dropped after exhausting its retries.
// Schemas older than v2 have no failure log; the drop is only logged.
func (s *Store) PutFailure(ctx context.Context, f schema.FailedOperation) error {
	if !s.HasCollection(FailedOperations) {
		s.opts.Logger.Printf("WARNING: operation %s dropped with no failure log (schema v%d): %s",
			f.Operation.ID, s.version, f.Error)
		return nil
	}
	item, err := FailureItem(f)
	if err != nil {
		return err
	}
	return s.Put(ctx, FailedOperations, item)
}

// FailureItem converts f into its stored form.
func FailureItem(f schema.FailedOperation) (Item, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return Item{}, fmt.Errorf("failed to encode failure %s: %w", f.Operation.ID, err)
	}
	return Item{
		Key:          f.Operation.ID,
		EntityType:   string(f.Operation.EntityType),
		EntityID:     f.Operation.EntityID,
		LastModified: f.FailedAt,
		Data:         data,
	}, nil
}

// ListFailures returns the recorded failures.
func (s *Store) ListFailures(ctx context.Context) ([]schema.FailedOperation, error) {
	if !s.HasCollection(FailedOperations) {
		return nil, nil
	}
	items, err := s.GetAll(ctx, FailedOperations)
	if err != nil {
		return nil, err
	}
	failures := make([]schema.FailedOperation, 0, len(items))
	for _, item := range items {
		var f schema.FailedOperation
		if err := json.Unmarshal(item.Data, &f); err != nil {
			return nil, fmt.Errorf("failed to decode failure %s: %w", item.Key, err)
		}
		failures = append(failures, f)
	}
	return failures, nil
}

// ClearFailures empties the failure log.
func (s *Store) ClearFailures(ctx context.Context) error {
	if !s.HasCollection(FailedOperations) {
		return nil
	}
	return s.Clear(ctx, FailedOperations)
}

// HasEntityCollection reports whether records of type t can be stored.
func (s *Store) HasEntityCollection(t schema.EntityType) bool {
	return slices.Contains(schema.KnownTypes, t) && s.HasCollection(string(t))
}

// EntityCollections returns the record collections present in the schema.
func (s *Store) EntityCollections() []schema.EntityType {
	var out []schema.EntityType
	for _, t := range schema.KnownTypes {
		if s.HasCollection(string(t)) {
			out = append(out, t)
		}
	}
	return out
}

// ClearAll empties every collection, one transaction per collection.
func (s *Store) ClearAll(ctx context.Context) error {
	for _, name := range s.Collections() {
		if err := s.Clear(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// MarkSynced writes e as the acknowledged copy of its record, unless the
// local record has moved on: a record deleted locally, or carrying a newer
// unsynced mutation, is left untouched. It reports whether it wrote.
func (s *Store) MarkSynced(ctx context.Context, e schema.Entity, at int64) (bool, error) {
	written := false
	err := s.Txn(ctx, string(e.Type()), func(tx *Tx) error {
		current, err := tx.Get(ctx, e.EntityID())
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !current.Synced && current.LastModified > e.Modified() {
			return nil
		}
		item, err := RecordItem(schema.NewSyncedRecord(e, at))
		if err != nil {
			return err
		}
		written = true
		return tx.Put(ctx, item)
	})
	return written, err
}

// DeleteIfSynced removes a record only when it carries no pending local
// mutation.
func (s *Store) DeleteIfSynced(ctx context.Context, t schema.EntityType, id string) error {
	return s.Txn(ctx, string(t), func(tx *Tx) error {
		current, err := tx.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !current.Synced {
			return nil
		}
		return tx.Delete(ctx, id)
	})
}
