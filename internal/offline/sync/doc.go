// Package sync drains the mutation queue against the remote service.
//
// The queue lives in the syncQueue collection of the local store, so pending
// operations survive restarts. A pass reloads it, sorts by priority (desc)
// then age, and processes operations strictly one at a time:
//
//  1. fetch the remote copy (creates and updates only)
//  2. merge through the conflict resolver when the remote copy is newer
//  3. send POST, PUT or DELETE
//  4. on success mark the local record synced, then remove the operation
//  5. on failure bump retryCount; at MaxRetries the operation is dropped
//     into the failure log and reported
//
// At most one pass runs at a time. Triggers arriving during a pass return
// ErrSyncInProgress without doing anything.
package sync
