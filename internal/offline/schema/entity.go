package schema

import (
	"encoding/json"
	"fmt"
)

// EntityType tags an entity variant. It is also the local collection name and
// the remote path segment (/api/{entityType}).
type EntityType string

const (
	// TypeAssessmentResult is a completed assessment with its score.
	TypeAssessmentResult EntityType = "assessmentResults"
	// TypeUserProfile is the per-user profile, including accessibility settings.
	TypeUserProfile EntityType = "userProfiles"
	// TypeAssessmentSession is an in-progress assessment.
	TypeAssessmentSession EntityType = "assessmentSessions"
	// TypeSetting is a single application setting.
	TypeSetting EntityType = "settings"
)

// KnownTypes lists the entity types with a dedicated variant, in collection order.
var KnownTypes = []EntityType{
	TypeAssessmentResult,
	TypeUserProfile,
	TypeAssessmentSession,
	TypeSetting,
}

// IsKnown reports whether t has a dedicated variant.
func (t EntityType) IsKnown() bool {
	for _, k := range KnownTypes {
		if k == t {
			return true
		}
	}
	return false
}

// DefaultPriority returns the queue priority used when a mutation does not
// specify one. Results outrank everything: losing a completed assessment is
// the costliest failure.
func (t EntityType) DefaultPriority() int {
	switch t {
	case TypeAssessmentResult:
		return 10
	case TypeAssessmentSession:
		return 5
	case TypeUserProfile:
		return 3
	case TypeSetting:
		return 1
	default:
		return 0
	}
}

// Entity is implemented by every payload variant.
type Entity interface {
	// Type returns the variant tag.
	Type() EntityType
	// EntityID returns the stable primary key.
	EntityID() string
	// Owner returns the owning user id (may be empty).
	Owner() string
	// Modified returns lastModified in Unix milliseconds.
	Modified() int64
	// SetModified overwrites lastModified.
	SetModified(ms int64)
	// Validate checks required fields.
	Validate() error
}

// AssessmentResult is a scored, completed assessment.
type AssessmentResult struct {
	ID             string         `json:"id"`
	UserID         string         `json:"userId,omitempty"`
	SessionID      string         `json:"sessionId,omitempty"`
	AssessmentType string         `json:"assessmentType,omitempty"`
	Score          int            `json:"score"`
	MaxScore       int            `json:"maxScore,omitempty"`
	Answers        map[string]int `json:"answers,omitempty"`
	Severity       string         `json:"severity,omitempty"`
	CompletedAt    int64          `json:"completedAt,omitempty"`
	// LocalNotes is a local-only annotation; merges always keep the local value.
	LocalNotes   string `json:"localNotes,omitempty"`
	LastModified int64  `json:"lastModified"`
}

func (r *AssessmentResult) Type() EntityType     { return TypeAssessmentResult }
func (r *AssessmentResult) EntityID() string     { return r.ID }
func (r *AssessmentResult) Owner() string        { return r.UserID }
func (r *AssessmentResult) Modified() int64      { return r.LastModified }
func (r *AssessmentResult) SetModified(ms int64) { r.LastModified = ms }

// Validate checks required fields.
func (r *AssessmentResult) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.Score < 0 {
		return fmt.Errorf("score must be non-negative (got %d)", r.Score)
	}
	if r.MaxScore > 0 && r.Score > r.MaxScore {
		return fmt.Errorf("score %d exceeds maxScore %d", r.Score, r.MaxScore)
	}
	return nil
}

// UserProfile holds per-user details. Accessibility and Preferences are
// free-form maps that merge key by key.
type UserProfile struct {
	ID            string         `json:"id"`
	UserID        string         `json:"userId,omitempty"`
	DisplayName   string         `json:"displayName,omitempty"`
	Email         string         `json:"email,omitempty"`
	Locale        string         `json:"locale,omitempty"`
	DateOfBirth   string         `json:"dateOfBirth,omitempty"`
	Accessibility map[string]any `json:"accessibility,omitempty"`
	Preferences   map[string]any `json:"preferences,omitempty"`
	LastModified  int64          `json:"lastModified"`
}

func (p *UserProfile) Type() EntityType     { return TypeUserProfile }
func (p *UserProfile) EntityID() string     { return p.ID }
func (p *UserProfile) Owner() string        { return p.UserID }
func (p *UserProfile) Modified() int64      { return p.LastModified }
func (p *UserProfile) SetModified(ms int64) { p.LastModified = ms }

// Validate checks required fields.
func (p *UserProfile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

// AssessmentSession is an assessment the user has started but not finished.
type AssessmentSession struct {
	ID              string         `json:"id"`
	UserID          string         `json:"userId,omitempty"`
	AssessmentType  string         `json:"assessmentType,omitempty"`
	Status          string         `json:"status,omitempty"` // in_progress, paused, completed, abandoned
	CurrentQuestion int            `json:"currentQuestion"`
	Responses       map[string]int `json:"responses,omitempty"`
	StartedAt       int64          `json:"startedAt,omitempty"`
	LastModified    int64          `json:"lastModified"`
}

func (s *AssessmentSession) Type() EntityType     { return TypeAssessmentSession }
func (s *AssessmentSession) EntityID() string     { return s.ID }
func (s *AssessmentSession) Owner() string        { return s.UserID }
func (s *AssessmentSession) Modified() int64      { return s.LastModified }
func (s *AssessmentSession) SetModified(ms int64) { s.LastModified = ms }

// Validate checks required fields.
func (s *AssessmentSession) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if s.CurrentQuestion < 0 {
		return fmt.Errorf("currentQuestion must be non-negative (got %d)", s.CurrentQuestion)
	}
	return nil
}

// Setting is one key/value application setting. ID is the setting key.
type Setting struct {
	ID           string          `json:"id"`
	UserID       string          `json:"userId,omitempty"`
	Value        json.RawMessage `json:"value,omitempty"`
	LastModified int64           `json:"lastModified"`
}

func (s *Setting) Type() EntityType     { return TypeSetting }
func (s *Setting) EntityID() string     { return s.ID }
func (s *Setting) Owner() string        { return s.UserID }
func (s *Setting) Modified() int64      { return s.LastModified }
func (s *Setting) SetModified(ms int64) { s.LastModified = ms }

// Validate checks required fields.
func (s *Setting) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(s.Value) > 0 && !json.Valid(s.Value) {
		return fmt.Errorf("value is not valid JSON")
	}
	return nil
}

// New returns an empty variant for t. Unknown tags yield a RawEntity.
func New(t EntityType) Entity {
	switch t {
	case TypeAssessmentResult:
		return &AssessmentResult{}
	case TypeUserProfile:
		return &UserProfile{}
	case TypeAssessmentSession:
		return &AssessmentSession{}
	case TypeSetting:
		return &Setting{}
	default:
		return &RawEntity{Kind: t}
	}
}

// Decode parses data as the variant tagged t.
func Decode(t EntityType, data []byte) (Entity, error) {
	if t == "" {
		return nil, fmt.Errorf("entity type is required")
	}
	e := New(t)
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
	}
	return e, nil
}

// Encode marshals e to its wire JSON.
func Encode(e Entity) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", e.Type(), err)
	}
	return data, nil
}

// Clone returns a deep copy of e.
func Clone(e Entity) (Entity, error) {
	data, err := Encode(e)
	if err != nil {
		return nil, err
	}
	return Decode(e.Type(), data)
}
