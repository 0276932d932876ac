package sync

import (
	"time"

	"github.com/cognitrack/offsync/internal/offline/schema"
)

// Backoff spaces out retries of a failed operation: the n-th retry waits
// Base * 2^(n-1), capped at Max. A zero Base disables spacing.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry number retryCount.
func (b Backoff) Delay(retryCount int) time.Duration {
	if b.Base <= 0 || retryCount <= 0 {
		return 0
	}
	delay := b.Base
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}

// DueAt returns when op may next be attempted. The zero time means now.
func (b Backoff) DueAt(op schema.SyncOperation) time.Time {
	if op.RetryCount == 0 || op.LastRetryAt == nil {
		return time.Time{}
	}
	delay := b.Delay(op.RetryCount)
	if delay == 0 {
		return time.Time{}
	}
	return time.UnixMilli(*op.LastRetryAt).Add(delay)
}

// Due reports whether op may be attempted at now.
func (b Backoff) Due(op schema.SyncOperation, now time.Time) bool {
	due := b.DueAt(op)
	return due.IsZero() || !now.Before(due)
}
