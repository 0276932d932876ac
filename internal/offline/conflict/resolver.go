// Package conflict merges a local pending payload with a newer remote copy.
//
// Policies are registered per entity type. Types without a policy fall back
// to last-writer-wins on the whole payload. A policy that cannot produce a
// deterministic merge returns the remote copy together with
// ErrConflictUnresolvable; it never guesses.
package conflict

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cognitrack/offsync/internal/offline/schema"
)

// ErrConflictUnresolvable indicates no deterministic merge exists. The
// accompanying entity is the remote copy.
var ErrConflictUnresolvable = errors.New("conflict unresolvable")

// Policy merges local with remote for one entity type. Implementations must
// be deterministic and must not mutate their inputs.
type Policy interface {
	Resolve(local, remote schema.Entity) (schema.Entity, error)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(local, remote schema.Entity) (schema.Entity, error)

// Resolve calls f.
func (f PolicyFunc) Resolve(local, remote schema.Entity) (schema.Entity, error) {
	return f(local, remote)
}

// Resolver dispatches to the policy registered for an entity type.
type Resolver struct {
	mu       sync.RWMutex
	policies map[schema.EntityType]Policy
	fallback Policy
}

// New returns a resolver with the default policies registered.
func New() *Resolver {
	r := NewEmpty(LastWriterWins{})
	r.Register(schema.TypeAssessmentResult, AssessmentResultPolicy{})
	r.Register(schema.TypeUserProfile, UserProfilePolicy{})
	r.Register(schema.TypeAssessmentSession, AssessmentSessionPolicy{})
	r.Register(schema.TypeSetting, LastWriterWins{})
	return r
}

// NewEmpty returns a resolver with no registered policies.
func NewEmpty(fallback Policy) *Resolver {
	if fallback == nil {
		fallback = LastWriterWins{}
	}
	return &Resolver{
		policies: make(map[schema.EntityType]Policy),
		fallback: fallback,
	}
}

// Register sets the policy for t, replacing any previous one.
func (r *Resolver) Register(t schema.EntityType, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[t] = p
}

// Policy returns the policy used for t.
func (r *Resolver) Policy(t schema.EntityType) Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.policies[t]; ok {
		return p
	}
	return r.fallback
}

// Resolve merges local with remote using the policy for t.
//
// Inputs that cannot be compared (missing, different types, different ids)
// yield the remote copy and ErrConflictUnresolvable.
func (r *Resolver) Resolve(t schema.EntityType, local, remote schema.Entity) (schema.Entity, error) {
	if remote == nil {
		return nil, fmt.Errorf("%w: no remote copy of %s", ErrConflictUnresolvable, t)
	}
	if local == nil {
		return remote, fmt.Errorf("%w: no local copy of %s/%s", ErrConflictUnresolvable, t, remote.EntityID())
	}
	if local.Type() != t || remote.Type() != t {
		return remote, fmt.Errorf("%w: type mismatch (%s local, %s remote, want %s)",
			ErrConflictUnresolvable, local.Type(), remote.Type(), t)
	}
	if local.EntityID() != remote.EntityID() {
		return remote, fmt.Errorf("%w: id mismatch (%q local, %q remote)",
			ErrConflictUnresolvable, local.EntityID(), remote.EntityID())
	}

	merged, err := r.Policy(t).Resolve(local, remote)
	if err != nil {
		if !errors.Is(err, ErrConflictUnresolvable) {
			err = fmt.Errorf("%w: %v", ErrConflictUnresolvable, err)
		}
		return remote, err
	}
	return merged, nil
}
