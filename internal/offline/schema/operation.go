package schema

import (
	"encoding/json"
	"fmt"
)

// OperationKind is the remote verb a queued operation maps to.
type OperationKind string

const (
	// OpCreate is sent as POST /api/{entity}.
	OpCreate OperationKind = "create"
	// OpUpdate is sent as PUT /api/{entity}/{id}.
	OpUpdate OperationKind = "update"
	// OpDelete is sent as DELETE /api/{entity}/{id}.
	OpDelete OperationKind = "delete"
)

// Valid reports whether k is one of the three known kinds.
func (k OperationKind) Valid() bool {
	return k == OpCreate || k == OpUpdate || k == OpDelete
}

// MaxRetries is the retry cap: an operation that has failed this many times
// is dropped and reported, never retried again.
const MaxRetries = 3

// SyncOperation is one queued intent to write an entity to the remote service.
type SyncOperation struct {
	ID         string
	Kind       OperationKind
	EntityType EntityType
	EntityID   string
	// Payload is the entity snapshot at enqueue time. Deletes may carry the
	// last known snapshot or nil.
	Payload     Entity
	Priority    int
	CreatedAt   int64
	RetryCount  int
	LastRetryAt *int64
	LastError   string
	// Revision counts coalesced mutations. A pass only removes or updates an
	// operation whose revision still matches the one it loaded.
	Revision int
}

// Key identifies the entity an operation targets; operations with the same
// key coalesce.
func (op *SyncOperation) Key() string {
	return EntityKey(op.EntityType, op.EntityID)
}

// EntityKey formats the coalescing key for an entity.
func EntityKey(t EntityType, id string) string {
	return string(t) + "/" + id
}

// Validate checks the operation is well formed.
func (op *SyncOperation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !op.Kind.Valid() {
		return fmt.Errorf("invalid operation kind %q", op.Kind)
	}
	if op.EntityType == "" {
		return fmt.Errorf("entity type is required")
	}
	if op.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}
	if op.Kind != OpDelete && op.Payload == nil {
		return fmt.Errorf("%s operation requires a payload", op.Kind)
	}
	if op.RetryCount < 0 {
		return fmt.Errorf("retry count must be non-negative (got %d)", op.RetryCount)
	}
	return nil
}

// Coalesce folds a newer operation for the same entity into op. The newest
// payload wins, the earliest createdAt is kept, and priority is the max of
// both. The retry count restarts because the newer mutation has not been
// attempted yet.
func (op *SyncOperation) Coalesce(newer *SyncOperation) {
	switch {
	case newer.Kind == OpDelete:
		op.Kind = OpDelete
	case op.Kind == OpCreate:
		// create followed by update is still a create
	case op.Kind == OpDelete && newer.Kind == OpCreate:
		op.Kind = OpCreate
	default:
		op.Kind = newer.Kind
	}
	if newer.Payload != nil || newer.Kind == OpDelete {
		op.Payload = newer.Payload
	}
	if newer.CreatedAt < op.CreatedAt {
		op.CreatedAt = newer.CreatedAt
	}
	if newer.Priority > op.Priority {
		op.Priority = newer.Priority
	}
	op.RetryCount = 0
	op.LastRetryAt = nil
	op.LastError = ""
	op.Revision++
}

type operationJSON struct {
	ID              string          `json:"id"`
	Kind            OperationKind   `json:"operationKind"`
	EntityType      EntityType      `json:"entityType"`
	EntityID        string          `json:"entityId"`
	PayloadSnapshot json.RawMessage `json:"payloadSnapshot,omitempty"`
	Priority        int             `json:"priority"`
	CreatedAt       int64           `json:"createdAt"`
	RetryCount      int             `json:"retryCount"`
	LastRetryAt     *int64          `json:"lastRetryAt,omitempty"`
	LastError       string          `json:"lastError,omitempty"`
	Revision        int             `json:"revision,omitempty"`
}

// MarshalJSON encodes the payload snapshot inline.
func (op SyncOperation) MarshalJSON() ([]byte, error) {
	var payload json.RawMessage
	if op.Payload != nil {
		data, err := Encode(op.Payload)
		if err != nil {
			return nil, err
		}
		payload = data
	}
	return json.Marshal(operationJSON{
		ID:              op.ID,
		Kind:            op.Kind,
		EntityType:      op.EntityType,
		EntityID:        op.EntityID,
		PayloadSnapshot: payload,
		Priority:        op.Priority,
		CreatedAt:       op.CreatedAt,
		RetryCount:      op.RetryCount,
		LastRetryAt:     op.LastRetryAt,
		LastError:       op.LastError,
		Revision:        op.Revision,
	})
}

// UnmarshalJSON decodes the payload snapshot using the entityType tag.
func (op *SyncOperation) UnmarshalJSON(data []byte) error {
	var raw operationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*op = SyncOperation{
		ID:          raw.ID,
		Kind:        raw.Kind,
		EntityType:  raw.EntityType,
		EntityID:    raw.EntityID,
		Priority:    raw.Priority,
		CreatedAt:   raw.CreatedAt,
		RetryCount:  raw.RetryCount,
		LastRetryAt: raw.LastRetryAt,
		LastError:   raw.LastError,
		Revision:    raw.Revision,
	}
	if len(raw.PayloadSnapshot) > 0 && string(raw.PayloadSnapshot) != "null" {
		payload, err := Decode(raw.EntityType, raw.PayloadSnapshot)
		if err != nil {
			return err
		}
		op.Payload = payload
	}
	return nil
}

// FailedOperation is an operation dropped after MaxRetries failures. It is
// kept so the loss is always reported, never silent.
type FailedOperation struct {
	Operation SyncOperation `json:"operation"`
	FailedAt  int64         `json:"failedAt"`
	Error     string        `json:"error"`
}
