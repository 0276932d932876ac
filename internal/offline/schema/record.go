package schema

import (
	"encoding/json"
	"fmt"
)

// Record is a locally persisted entity plus its sync metadata.
//
// Invariant: Synced is false whenever Payload was mutated locally since the
// last acknowledged push. Use NewLocalRecord for local mutations and
// MarkSynced once the remote service has acknowledged the write.
type Record struct {
	ID           string
	EntityType   EntityType
	UserID       string
	Payload      Entity
	LastModified int64
	Synced       bool
	SyncedAt     *int64
}

// NewLocalRecord stamps e as a fresh local mutation at now (Unix ms).
// lastModified never moves backwards: a clock that has not advanced past the
// previous value still yields a strictly newer timestamp.
func NewLocalRecord(e Entity, now int64) Record {
	modified := now
	if prev := e.Modified(); prev >= modified {
		modified = prev + 1
	}
	e.SetModified(modified)
	return Record{
		ID:           e.EntityID(),
		EntityType:   e.Type(),
		UserID:       e.Owner(),
		Payload:      e,
		LastModified: modified,
		Synced:       false,
	}
}

// NewSyncedRecord wraps an entity that matches the server copy.
func NewSyncedRecord(e Entity, at int64) Record {
	return Record{
		ID:           e.EntityID(),
		EntityType:   e.Type(),
		UserID:       e.Owner(),
		Payload:      e,
		LastModified: e.Modified(),
		Synced:       true,
		SyncedAt:     &at,
	}
}

// MarkSynced flags the record as matching the server copy as of at.
func (r *Record) MarkSynced(at int64) {
	r.Synced = true
	r.SyncedAt = &at
}

// Validate checks the record and its payload agree.
func (r *Record) Validate() error {
	if r.Payload == nil {
		return fmt.Errorf("payload is required")
	}
	if err := r.Payload.Validate(); err != nil {
		return fmt.Errorf("invalid %s payload: %w", r.EntityType, err)
	}
	if r.ID != r.Payload.EntityID() {
		return fmt.Errorf("record id %q does not match payload id %q", r.ID, r.Payload.EntityID())
	}
	if r.EntityType != r.Payload.Type() {
		return fmt.Errorf("record type %q does not match payload type %q", r.EntityType, r.Payload.Type())
	}
	return nil
}

type recordJSON struct {
	ID           string          `json:"id"`
	EntityType   EntityType      `json:"entityType"`
	UserID       string          `json:"userId,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	LastModified int64           `json:"lastModified"`
	Synced       bool            `json:"synced"`
	SyncedAt     *int64          `json:"syncedAt,omitempty"`
}

// MarshalJSON encodes the payload inline.
func (r Record) MarshalJSON() ([]byte, error) {
	var payload json.RawMessage
	if r.Payload != nil {
		data, err := Encode(r.Payload)
		if err != nil {
			return nil, err
		}
		payload = data
	}
	return json.Marshal(recordJSON{
		ID:           r.ID,
		EntityType:   r.EntityType,
		UserID:       r.UserID,
		Payload:      payload,
		LastModified: r.LastModified,
		Synced:       r.Synced,
		SyncedAt:     r.SyncedAt,
	})
}

// UnmarshalJSON decodes the payload using the entityType tag.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.ID = raw.ID
	r.EntityType = raw.EntityType
	r.UserID = raw.UserID
	r.LastModified = raw.LastModified
	r.Synced = raw.Synced
	r.SyncedAt = raw.SyncedAt
	r.Payload = nil
	if len(raw.Payload) > 0 && string(raw.Payload) != "null" {
		payload, err := Decode(raw.EntityType, raw.Payload)
		if err != nil {
			return err
		}
		r.Payload = payload
	}
	return nil
}
