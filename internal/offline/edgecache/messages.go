package edgecache

import (
	"errors"
	"fmt"
)

// MessageType is the closed set of messages exchanged with the host.
type MessageType string

const (
	// MsgSkipWaiting activates a waiting generation immediately.
	MsgSkipWaiting MessageType = "SKIP_WAITING"
	// MsgGetVersion asks for the active cache name.
	MsgGetVersion MessageType = "GET_VERSION"
	// MsgBackgroundSync is sent to the host when queued writes should be
	// drained.
	MsgBackgroundSync MessageType = "BACKGROUND_SYNC"
)

// ActionSyncPendingOperations is the only BACKGROUND_SYNC action.
const ActionSyncPendingOperations = "SYNC_PENDING_OPERATIONS"

// ErrUnknownMessage is returned by Post for a message outside the closed set.
var ErrUnknownMessage = errors.New("unknown message type")

// Message is one message in either direction.
type Message struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action,omitempty"`
	// Version is set on GET_VERSION replies: the active static cache name.
	Version string `json:"version,omitempty"`
}

// Validate checks m belongs to the closed set.
func (m Message) Validate() error {
	switch m.Type {
	case MsgSkipWaiting, MsgGetVersion:
		return nil
	case MsgBackgroundSync:
		if m.Action != ActionSyncPendingOperations {
			return fmt.Errorf("%w: %s action %q", ErrUnknownMessage, m.Type, m.Action)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
	}
}

func backgroundSyncMessage() Message {
	return Message{Type: MsgBackgroundSync, Action: ActionSyncPendingOperations}
}
