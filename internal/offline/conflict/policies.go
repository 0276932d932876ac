package conflict

import (
	"fmt"

	"github.com/cognitrack/offsync/internal/offline/schema"
)

// LastWriterWins keeps whichever payload has the greater lastModified. Ties
// go to the remote copy.
type LastWriterWins struct{}

// Resolve implements Policy.
func (LastWriterWins) Resolve(local, remote schema.Entity) (schema.Entity, error) {
	if local.Modified() > remote.Modified() {
		return schema.Clone(local)
	}
	return schema.Clone(remote)
}

// AssessmentResultPolicy is last-writer-wins, except LocalNotes always comes
// from the local copy.
type AssessmentResultPolicy struct{}

// Resolve implements Policy.
func (AssessmentResultPolicy) Resolve(local, remote schema.Entity) (schema.Entity, error) {
	l, ok := local.(*schema.AssessmentResult)
	if !ok {
		return nil, fmt.Errorf("local is %T, want *schema.AssessmentResult", local)
	}
	if _, ok := remote.(*schema.AssessmentResult); !ok {
		return nil, fmt.Errorf("remote is %T, want *schema.AssessmentResult", remote)
	}

	winner, err := LastWriterWins{}.Resolve(local, remote)
	if err != nil {
		return nil, err
	}
	merged := winner.(*schema.AssessmentResult)
	merged.LocalNotes = l.LocalNotes
	return merged, nil
}

// UserProfilePolicy takes the server value field by field, empty values
// included. Accessibility and Preferences are deep-merged: the server wins on
// shared keys, local keys the server does not report are kept. The owner is
// kept when the server omits it. lastModified is the max of both.
type UserProfilePolicy struct{}

// Resolve implements Policy.
func (UserProfilePolicy) Resolve(local, remote schema.Entity) (schema.Entity, error) {
	l, ok := local.(*schema.UserProfile)
	if !ok {
		return nil, fmt.Errorf("local is %T, want *schema.UserProfile", local)
	}
	r, ok := remote.(*schema.UserProfile)
	if !ok {
		return nil, fmt.Errorf("remote is %T, want *schema.UserProfile", remote)
	}

	clone, err := schema.Clone(r)
	if err != nil {
		return nil, err
	}
	merged := clone.(*schema.UserProfile)

	if merged.UserID == "" {
		merged.UserID = l.UserID
	}

	localCopy, err := schema.Clone(l)
	if err != nil {
		return nil, err
	}
	lc := localCopy.(*schema.UserProfile)
	merged.Accessibility = deepMerge(merged.Accessibility, lc.Accessibility)
	merged.Preferences = deepMerge(merged.Preferences, lc.Preferences)
	merged.LastModified = max(l.LastModified, r.LastModified)
	return merged, nil
}

// AssessmentSessionPolicy is last-writer-wins on the session, but responses
// recorded only locally are kept and progress never moves backwards.
type AssessmentSessionPolicy struct{}

// Resolve implements Policy.
func (AssessmentSessionPolicy) Resolve(local, remote schema.Entity) (schema.Entity, error) {
	l, ok := local.(*schema.AssessmentSession)
	if !ok {
		return nil, fmt.Errorf("local is %T, want *schema.AssessmentSession", local)
	}
	r, ok := remote.(*schema.AssessmentSession)
	if !ok {
		return nil, fmt.Errorf("remote is %T, want *schema.AssessmentSession", remote)
	}

	winner, err := LastWriterWins{}.Resolve(local, remote)
	if err != nil {
		return nil, err
	}
	merged := winner.(*schema.AssessmentSession)
	loser := l
	if l.LastModified > r.LastModified {
		loser = r
	}
	for q, answer := range loser.Responses {
		if _, ok := merged.Responses[q]; ok {
			continue
		}
		if merged.Responses == nil {
			merged.Responses = make(map[string]int)
		}
		merged.Responses[q] = answer
	}
	merged.CurrentQuestion = max(l.CurrentQuestion, r.CurrentQuestion)
	return merged, nil
}

// deepMerge returns primary with every key of secondary it lacks added.
// Nested maps merge recursively; on any other overlap primary wins.
func deepMerge(primary, secondary map[string]any) map[string]any {
	if len(secondary) == 0 {
		return primary
	}
	if primary == nil {
		primary = make(map[string]any, len(secondary))
	}
	for key, sv := range secondary {
		pv, ok := primary[key]
		if !ok {
			primary[key] = sv
			continue
		}
		pm, pIsMap := pv.(map[string]any)
		sm, sIsMap := sv.(map[string]any)
		if pIsMap && sIsMap {
			primary[key] = deepMerge(pm, sm)
		}
	}
	return primary
}
