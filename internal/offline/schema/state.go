package schema

import "time"

// ConnectivityState is the debounced reachability signal.
type ConnectivityState struct {
	IsOnline         bool      `json:"isOnline"`
	LastTransitionAt time.Time `json:"lastTransitionAt"`
}

// RunResult is the outcome of the most recent sync pass.
type RunResult string

const (
	// ResultNone means no pass has run since process start.
	ResultNone RunResult = ""
	// ResultSuccess means every attempted operation was acknowledged.
	ResultSuccess RunResult = "success"
	// ResultPartialFailure means some operations failed and stay queued.
	ResultPartialFailure RunResult = "partial_failure"
	// ResultFailure means the pass could not run or nothing succeeded.
	ResultFailure RunResult = "failure"
)

// SyncRunState is the process-wide view of the orchestrator. It is never
// persisted.
type SyncRunState struct {
	InProgress    bool       `json:"inProgress"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	LastResult    RunResult  `json:"lastResult,omitempty"`
}
