package sync

import "errors"

// Common errors returned by the orchestrator.
var (
	// ErrSyncInProgress indicates another pass is running; the trigger was a no-op.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrOffline indicates the connectivity monitor reports no network.
	ErrOffline = errors.New("offline")

	// ErrMaxRetriesExceeded marks an operation dropped after exhausting its
	// retries. It is always reported, never silent.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)
