package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/cognitrack/offsync/internal/offline/connectivity"
	"github.com/cognitrack/offsync/internal/offline/daemon"
	"github.com/cognitrack/offsync/internal/offline/db"
	"github.com/cognitrack/offsync/internal/offline/remote"
	"github.com/cognitrack/offsync/internal/offline/schema"
	"github.com/cognitrack/offsync/internal/offline/sync"
	"github.com/cognitrack/offsync/internal/testutil"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// setupEngine opens an engine over a temp store and a fake service. The
// network starts offline and only changes through Monitor().Report.
func setupEngine(t *testing.T, mutate func(*Options)) (*Engine, *testutil.FakeAPI, *testutil.ManualClock) {
	t.Helper()
	logger := testLogger()
	api := testutil.NewFakeAPI(t)
	clock := testutil.NewManualClockMillis(1_000)

	opts := Options{
		Store:  db.Options{Path: filepath.Join(t.TempDir(), "offsync.db"), Logger: logger},
		Remote: remote.Config{BaseURL: api.URL(), Timeout: 2 * time.Second},
		Sync:   sync.Config{Now: clock.Now, Logger: logger},
		Connectivity: connectivity.Config{
			ProbeInterval: time.Hour,
			Logger:        logger,
		},
		Daemon: &daemon.Config{Interval: time.Hour, Logger: logger},
		Prober: connectivity.ProberFunc(func(context.Context) error { return nil }),
		Logger: logger,
	}
	if mutate != nil {
		mutate(&opts)
	}

	eng, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng, api, clock
}

func pending(t *testing.T, eng *Engine) int {
	t.Helper()
	n, err := eng.PendingOperationCount(context.Background())
	if err != nil {
		t.Fatalf("PendingOperationCount failed: %v", err)
	}
	return n
}

func TestSaveOfflineThenSyncNow(t *testing.T) {
	ctx := context.Background()
	eng, api, clock := setupEngine(t, nil)

	rec, err := eng.Save(ctx, &schema.AssessmentResult{ID: "a1", UserID: "u1", Score: 25}, SaveOptions{})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if rec.Synced {
		t.Error("a local mutation must not be synced")
	}
	if n := pending(t, eng); n != 1 {
		t.Fatalf("expected 1 pending operation, got %d", n)
	}

	if _, err := eng.SyncNow(ctx); !errors.Is(err, sync.ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}

	eng.Monitor().Report(true)
	if !eng.IsOnline() {
		t.Fatal("expected online after report")
	}
	clock.Advance(time.Second)
	result, err := eng.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	if result.Result != schema.ResultSuccess || result.SuccessCount != 1 {
		t.Errorf("unexpected result %+v", result)
	}
	if n := api.Count(http.MethodPost, "/api/assessmentResults"); n != 1 {
		t.Errorf("expected one POST, got %d", n)
	}
	if n := pending(t, eng); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}

	got, err := eng.Get(ctx, schema.TypeAssessmentResult, "a1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Synced || got.SyncedAt == nil {
		t.Errorf("expected synced record, got %+v", got)
	}
	if eng.LastSyncAttempt() == nil {
		t.Error("expected a last sync attempt")
	}
	if last, ok := eng.LastResult(); !ok || last.Result != schema.ResultSuccess {
		t.Errorf("unexpected last result %+v (ok=%v)", last, ok)
	}
}

func TestSaveTwiceCoalesces(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := setupEngine(t, nil)

	first, err := eng.Save(ctx, &schema.AssessmentResult{ID: "a1", Score: 10}, SaveOptions{})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	// The caller's copy is stale; the stored record must still move forward.
	second, err := eng.Save(ctx, &schema.AssessmentResult{ID: "a1", Score: 12}, SaveOptions{})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if second.LastModified <= first.LastModified {
		t.Errorf("lastModified did not advance: %d -> %d", first.LastModified, second.LastModified)
	}

	ops, err := eng.PendingOperations(ctx)
	if err != nil {
		t.Fatalf("PendingOperations failed: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected one coalesced operation, got %d", len(ops))
	}
	if ops[0].Kind != schema.OpCreate {
		t.Errorf("create followed by update must stay a create, got %s", ops[0].Kind)
	}
	if ops[0].Priority != schema.TypeAssessmentResult.DefaultPriority() {
		t.Errorf("expected default priority, got %d", ops[0].Priority)
	}
	want := &schema.AssessmentResult{ID: "a1", Score: 12, LastModified: second.LastModified}
	if diff := cmp.Diff(want, ops[0].Payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := setupEngine(t, nil)

	if _, err := eng.Save(ctx, nil, SaveOptions{}); err == nil {
		t.Error("expected error for nil entity")
	}
	if _, err := eng.Save(ctx, &schema.AssessmentResult{}, SaveOptions{}); err == nil {
		t.Error("expected error for entity without id")
	}
	if _, err := eng.Save(ctx, &schema.Setting{ID: "s"}, SaveOptions{Kind: schema.OpDelete}); err == nil {
		t.Error("expected error for a delete through Save")
	}
	if n := pending(t, eng); n != 0 {
		t.Errorf("rejected saves must not queue, got %d", n)
	}
}

func TestDeleteQueuesRemoteDelete(t *testing.T) {
	ctx := context.Background()
	eng, api, _ := setupEngine(t, nil)
	eng.Monitor().Report(true)

	if _, err := eng.Save(ctx, &schema.Setting{ID: "theme", Value: []byte(`"dark"`)}, SaveOptions{}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := eng.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	if api.Len(schema.TypeSetting) != 1 {
		t.Fatal("expected the setting on the server")
	}

	if err := eng.Delete(ctx, schema.TypeSetting, "theme"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := eng.Get(ctx, schema.TypeSetting, "theme"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("expected local record gone, got %v", err)
	}
	if n := pending(t, eng); n != 1 {
		t.Fatalf("expected 1 pending delete, got %d", n)
	}

	if _, err := eng.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	if n := api.Count(http.MethodDelete, "/api/settings/theme"); n != 1 {
		t.Errorf("expected one DELETE, got %d", n)
	}
	if api.Len(schema.TypeSetting) != 0 {
		t.Error("expected the setting removed from the server")
	}
}

func TestClearOfflineData(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := setupEngine(t, nil)

	if _, err := eng.Save(ctx, &schema.UserProfile{ID: "p1", UserID: "u1"}, SaveOptions{}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := eng.ClearOfflineData(ctx); err != nil {
		t.Fatalf("ClearOfflineData failed: %v", err)
	}
	if n := pending(t, eng); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
	records, err := eng.List(ctx, schema.TypeUserProfile)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records, got %d", len(records))
	}
}

func TestFailuresAreReportedUntilAcknowledged(t *testing.T) {
	ctx := context.Background()
	eng, api, clock := setupEngine(t, nil)
	eng.Monitor().Report(true)
	api.Fail(http.MethodPost, "/api/assessmentResults", http.StatusInternalServerError, 10)

	if _, err := eng.Save(ctx, &schema.AssessmentResult{ID: "x"}, SaveOptions{}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	for i := 0; i < schema.MaxRetries; i++ {
		if _, err := eng.SyncNow(ctx); err != nil {
			t.Fatalf("SyncNow %d failed: %v", i+1, err)
		}
		clock.Advance(time.Hour)
	}

	failures, err := eng.Failures(ctx)
	if err != nil {
		t.Fatalf("Failures failed: %v", err)
	}
	if len(failures) != 1 || failures[0].Operation.EntityID != "x" {
		t.Fatalf("expected one failure for x, got %+v", failures)
	}

	st, err := eng.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Failures != 1 || st.PendingOperations != 0 {
		t.Errorf("unexpected status %+v", st)
	}

	if err := eng.AcknowledgeFailures(ctx); err != nil {
		t.Fatalf("AcknowledgeFailures failed: %v", err)
	}
	if failures, _ := eng.Failures(ctx); len(failures) != 0 {
		t.Errorf("expected failures cleared, got %d", len(failures))
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := setupEngine(t, func(o *Options) {
		o.Store.QuotaBytes = 1 << 20
		o.Store.NearlyFullPercent = 1
	})

	if _, err := eng.Save(ctx, &schema.AssessmentSession{ID: "s1"}, SaveOptions{}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	st, err := eng.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Online || st.SyncInProgress || st.Degraded {
		t.Errorf("unexpected flags %+v", st)
	}
	if st.PendingOperations != 1 {
		t.Errorf("expected 1 pending, got %d", st.PendingOperations)
	}
	if st.Storage.Used <= 0 || st.Storage.Percentage <= 0 {
		t.Errorf("expected storage in use, got %+v", st.Storage)
	}
	if st.Storage.Total > 1<<20 {
		t.Errorf("expected total capped by the quota, got %+v", st.Storage)
	}
	if !st.NearlyFull {
		t.Error("expected nearly full with a tiny threshold")
	}
}

func TestDegradedFallback(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to create blocker file: %v", err)
	}
	eng, _, _ := setupEngine(t, func(o *Options) {
		o.Store.Path = filepath.Join(blocker, "offsync.db")
	})

	if !eng.Degraded() || eng.Warning() == "" {
		t.Fatal("expected degraded engine with a warning")
	}
	if _, err := eng.Save(context.Background(), &schema.Setting{ID: "k"}, SaveOptions{}); err != nil {
		t.Fatalf("Save on degraded engine failed: %v", err)
	}
}

func TestOpenRequiresRemote(t *testing.T) {
	_, err := Open(context.Background(), Options{
		Store:  db.Options{Path: filepath.Join(t.TempDir(), "offsync.db"), Logger: testLogger()},
		Logger: testLogger(),
	})
	if err == nil {
		t.Fatal("expected error without a remote base URL")
	}
}

func TestRunSyncsMutationsWhileOnline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	eng, api, _ := setupEngine(t, func(o *Options) {
		o.Connectivity.Initial = true
	})

	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		eng.mu.Lock()
		running := eng.running
		eng.mu.Unlock()
		if running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("engine never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := eng.Save(context.Background(), &schema.AssessmentResult{ID: "live"}, SaveOptions{}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	for api.Count(http.MethodPost, "/api/assessmentResults") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("mutation was not pushed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := eng.Run(ctx); err == nil {
		t.Error("expected error running twice")
	}
}
