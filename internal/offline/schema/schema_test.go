package schema

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeDispatchesOnTag(t *testing.T) {
	data := []byte(`{"id":"a1","userId":"u1","score":25,"localNotes":"ok","lastModified":100}`)

	tests := []struct {
		name string
		tag  EntityType
		want Entity
	}{
		{
			name: "assessment result",
			tag:  TypeAssessmentResult,
			want: &AssessmentResult{ID: "a1", UserID: "u1", Score: 25, LocalNotes: "ok", LastModified: 100},
		},
		{
			name: "setting ignores unknown fields",
			tag:  TypeSetting,
			want: &Setting{ID: "a1", UserID: "u1", LastModified: 100},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.tag, data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Decode mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRawEntityRoundTrip(t *testing.T) {
	data := []byte(`{"id":"x-9","userId":"u2","lastModified":1700000000123,"nested":{"a":[1,2]}}`)

	e, err := Decode("educationProgress", data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	raw, ok := e.(*RawEntity)
	if !ok {
		t.Fatalf("expected *RawEntity, got %T", e)
	}
	if raw.Type() != "educationProgress" {
		t.Errorf("expected type educationProgress, got %s", raw.Type())
	}
	if raw.EntityID() != "x-9" || raw.Owner() != "u2" {
		t.Errorf("unexpected id/owner: %q/%q", raw.EntityID(), raw.Owner())
	}
	if raw.Modified() != 1700000000123 {
		t.Errorf("expected lastModified 1700000000123, got %d", raw.Modified())
	}

	raw.SetModified(1700000000999)
	out, err := Encode(raw)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !strings.Contains(string(out), `"lastModified":1700000000999`) {
		t.Errorf("expected bumped lastModified in %s", out)
	}
	if !strings.Contains(string(out), `"nested":{"a":[1,2]}`) {
		t.Errorf("expected nested fields preserved in %s", out)
	}
}

func TestNewLocalRecordBumpsAndResetsSynced(t *testing.T) {
	result := &AssessmentResult{ID: "a1", Score: 25}

	rec := NewLocalRecord(result, 100)
	if rec.Synced {
		t.Error("local record must not be synced")
	}
	if rec.LastModified != 100 || result.LastModified != 100 {
		t.Errorf("expected lastModified 100, got record=%d payload=%d", rec.LastModified, result.LastModified)
	}

	rec.MarkSynced(150)
	if !rec.Synced || rec.SyncedAt == nil || *rec.SyncedAt != 150 {
		t.Fatalf("MarkSynced did not stamp record: %+v", rec)
	}

	// A second mutation with a clock that has not advanced still moves forward.
	again := NewLocalRecord(result, 100)
	if again.Synced {
		t.Error("re-mutated record must not be synced")
	}
	if again.LastModified != 101 {
		t.Errorf("expected lastModified 101, got %d", again.LastModified)
	}
}

func TestRecordJSONRoundTrip(t *testing.T) {
	at := int64(200)
	rec := Record{
		ID:           "p1",
		EntityType:   TypeUserProfile,
		UserID:       "u1",
		Payload:      &UserProfile{ID: "p1", UserID: "u1", Preferences: map[string]any{"theme": "dark"}, LastModified: 150},
		LastModified: 150,
		Synced:       true,
		SyncedAt:     &at,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var got Record
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordValidate(t *testing.T) {
	tests := []struct {
		name    string
		rec     Record
		wantErr string
	}{
		{
			name: "valid",
			rec:  Record{ID: "a1", EntityType: TypeAssessmentResult, Payload: &AssessmentResult{ID: "a1"}},
		},
		{
			name:    "missing payload",
			rec:     Record{ID: "a1", EntityType: TypeAssessmentResult},
			wantErr: "payload is required",
		},
		{
			name:    "id mismatch",
			rec:     Record{ID: "a2", EntityType: TypeAssessmentResult, Payload: &AssessmentResult{ID: "a1"}},
			wantErr: "does not match payload id",
		},
		{
			name:    "negative score",
			rec:     Record{ID: "a1", EntityType: TypeAssessmentResult, Payload: &AssessmentResult{ID: "a1", Score: -1}},
			wantErr: "score must be non-negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCoalesce(t *testing.T) {
	snapshot := func(score int) Entity { return &AssessmentResult{ID: "a1", Score: score} }

	tests := []struct {
		name     string
		first    OperationKind
		second   OperationKind
		wantKind OperationKind
	}{
		{"create then update", OpCreate, OpUpdate, OpCreate},
		{"update then update", OpUpdate, OpUpdate, OpUpdate},
		{"update then delete", OpUpdate, OpDelete, OpDelete},
		{"create then delete", OpCreate, OpDelete, OpDelete},
		{"delete then create", OpDelete, OpCreate, OpCreate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			last := int64(50)
			op := &SyncOperation{
				ID: "op-1", Kind: tt.first, EntityType: TypeAssessmentResult, EntityID: "a1",
				Payload: snapshot(1), Priority: 1, CreatedAt: 10, RetryCount: 2, LastRetryAt: &last,
			}
			newer := &SyncOperation{
				ID: "op-2", Kind: tt.second, EntityType: TypeAssessmentResult, EntityID: "a1",
				Payload: snapshot(2), Priority: 10, CreatedAt: 20,
			}
			if tt.second == OpDelete {
				newer.Payload = nil
			}

			op.Coalesce(newer)

			if op.Kind != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, op.Kind)
			}
			if op.CreatedAt != 10 {
				t.Errorf("expected earliest createdAt 10, got %d", op.CreatedAt)
			}
			if op.Priority != 10 {
				t.Errorf("expected max priority 10, got %d", op.Priority)
			}
			if op.Revision != 1 {
				t.Errorf("expected revision 1, got %d", op.Revision)
			}
			if op.RetryCount != 0 || op.LastRetryAt != nil {
				t.Errorf("expected retry state reset, got count=%d last=%v", op.RetryCount, op.LastRetryAt)
			}
			if tt.second != OpDelete {
				if got := op.Payload.(*AssessmentResult).Score; got != 2 {
					t.Errorf("expected newest payload (score 2), got %d", got)
				}
			}
		})
	}
}

func TestSyncOperationJSON(t *testing.T) {
	op := SyncOperation{
		ID: "op-1", Kind: OpUpdate, EntityType: TypeAssessmentSession, EntityID: "s1",
		Payload:  &AssessmentSession{ID: "s1", CurrentQuestion: 4, Responses: map[string]int{"q1": 2}},
		Priority: 5, CreatedAt: 1000, RetryCount: 1, Revision: 2,
	}

	data, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"operationKind":"update"`) {
		t.Errorf("expected operationKind in %s", data)
	}

	var got SyncOperation
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if diff := cmp.Diff(op, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestDefaultPriorityOrdersResultsFirst(t *testing.T) {
	if TypeAssessmentResult.DefaultPriority() <= TypeAssessmentSession.DefaultPriority() {
		t.Error("results must outrank sessions")
	}
	if TypeSetting.DefaultPriority() >= TypeUserProfile.DefaultPriority() {
		t.Error("profiles must outrank settings")
	}
	if EntityType("unknown").DefaultPriority() != 0 {
		t.Error("unknown types default to priority 0")
	}
}
