package sync

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"path/filepath"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/cognitrack/offsync/internal/offline/conflict"
	"github.com/cognitrack/offsync/internal/offline/db"
	"github.com/cognitrack/offsync/internal/offline/remote"
	"github.com/cognitrack/offsync/internal/offline/schema"
	"github.com/cognitrack/offsync/internal/testutil"
)

type switchableNetwork struct {
	online atomic.Bool
}

func (n *switchableNetwork) IsOnline() bool { return n.online.Load() }

type testEnv struct {
	store   *db.Store
	queue   *Queue
	api     *testutil.FakeAPI
	clock   *testutil.ManualClock
	network *switchableNetwork
	orch    Orchestrator
}

// setupTestEnv wires an orchestrator to a temp store and a fake service.
func setupTestEnv(t *testing.T, config Config, resolver Resolver) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := log.New(io.Discard, "[test] ", 0)

	store, err := db.Open(ctx, db.Options{Path: filepath.Join(t.TempDir(), "offsync.db"), Logger: logger})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	api := testutil.NewFakeAPI(t)
	client, err := remote.New(remote.Config{BaseURL: api.URL(), Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	clock := testutil.NewManualClockMillis(100)
	network := &switchableNetwork{}
	network.online.Store(true)

	config.Now = clock.Now
	config.Logger = logger
	queue := NewQueue(store, clock.Now)
	return &testEnv{
		store:   store,
		queue:   queue,
		api:     api,
		clock:   clock,
		network: network,
		orch:    New(store, queue, client, resolver, network, config),
	}
}

// save applies e locally and enqueues the matching operation, the way the
// engine does for a UI mutation.
func (env *testEnv) save(t *testing.T, e schema.Entity, kind schema.OperationKind) schema.SyncOperation {
	t.Helper()
	ctx := context.Background()
	rec := schema.NewLocalRecord(e, env.clock.Now().UnixMilli())
	if err := env.store.PutRecord(ctx, rec); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}
	op, err := env.queue.Enqueue(ctx, schema.SyncOperation{
		Kind:       kind,
		EntityType: e.Type(),
		EntityID:   e.EntityID(),
		Payload:    e,
		Priority:   e.Type().DefaultPriority(),
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return op
}

func (env *testEnv) queueLen(t *testing.T) int {
	t.Helper()
	n, err := env.queue.Len(context.Background())
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	return n
}

func (env *testEnv) record(t *testing.T, et schema.EntityType, id string) schema.Record {
	t.Helper()
	rec, err := env.store.GetRecord(context.Background(), et, id)
	if err != nil {
		t.Fatalf("GetRecord(%s/%s) failed: %v", et, id, err)
	}
	return rec
}

func TestOfflineCreateThenSync(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t, Config{}, nil)
	env.network.online.Store(false)

	env.save(t, &schema.AssessmentResult{ID: "a1", Score: 25}, schema.OpCreate)
	if n := env.queueLen(t); n != 1 {
		t.Fatalf("expected queue length 1, got %d", n)
	}

	if _, err := env.orch.Trigger(ctx, ReasonManual); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	if len(env.api.Requests()) != 0 {
		t.Fatal("no request may be sent while offline")
	}

	env.network.online.Store(true)
	result, err := env.orch.Trigger(ctx, ReasonManual)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	if n := env.api.Count(http.MethodPost, "/api/assessmentResults"); n != 1 {
		t.Errorf("expected exactly one POST, got %d", n)
	}
	if n := env.queueLen(t); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
	rec := env.record(t, schema.TypeAssessmentResult, "a1")
	if !rec.Synced || rec.SyncedAt == nil {
		t.Errorf("expected record synced, got %+v", rec)
	}
	if rec.LastModified != 100 {
		t.Errorf("expected lastModified 100, got %d", rec.LastModified)
	}
	if result.Result != schema.ResultSuccess || result.SuccessCount != 1 || result.ErrorCount != 0 {
		t.Errorf("unexpected result: %+v", result)
	}

	state := env.orch.State()
	if state.InProgress || state.LastAttemptAt == nil || state.LastResult != schema.ResultSuccess {
		t.Errorf("unexpected run state: %+v", state)
	}
}

func TestConflictMergeKeepsLocalNotes(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t, Config{}, nil)

	env.save(t, &schema.AssessmentResult{ID: "p1", Score: 20, LocalNotes: "ok"}, schema.OpUpdate)
	env.api.Seed(t, &schema.AssessmentResult{ID: "p1", Score: 22, LastModified: 200})

	if _, err := env.orch.Trigger(ctx, ReasonManual); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	rec := env.record(t, schema.TypeAssessmentResult, "p1")
	want := &schema.AssessmentResult{ID: "p1", Score: 22, LocalNotes: "ok", LastModified: 200}
	if diff := cmp.Diff(want, rec.Payload); diff != "" {
		t.Errorf("resolved record mismatch (-want +got):\n%s", diff)
	}
	if !rec.Synced || rec.LastModified != 200 {
		t.Errorf("expected synced record at 200, got %+v", rec)
	}

	// The merged payload is what the server now holds.
	if diff := cmp.Diff(want, env.api.Entity(t, schema.TypeAssessmentResult, "p1")); diff != "" {
		t.Errorf("server copy mismatch (-want +got):\n%s", diff)
	}
	if env.api.Count(http.MethodPut, "/api/assessmentResults/p1") != 1 {
		t.Error("expected one PUT")
	}
}

func TestRetryExhaustionDropsAndReports(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t, Config{}, nil)
	env.api.Fail(http.MethodPost, "/api/assessmentResults", http.StatusInternalServerError, -1)

	var mu gosync.Mutex
	var dropped []Event
	env.orch.Subscribe(func(e Event) {
		if e.Type == EventOperationDropped {
			mu.Lock()
			dropped = append(dropped, e)
			mu.Unlock()
		}
	})

	env.save(t, &schema.AssessmentResult{ID: "a1", Score: 25}, schema.OpCreate)

	for pass := 1; pass <= 3; pass++ {
		result, err := env.orch.Trigger(ctx, ReasonManual)
		if err != nil {
			t.Fatalf("pass %d: Trigger failed: %v", pass, err)
		}
		if result.ErrorCount != 1 || result.Result != schema.ResultFailure {
			t.Errorf("pass %d: unexpected result %+v", pass, result)
		}
		if pass < 3 {
			if n := env.queueLen(t); n != 1 {
				t.Fatalf("pass %d: operation removed before reaching the cap (queue %d)", pass, n)
			}
			ops, _ := env.queue.Pending(ctx)
			if ops[0].RetryCount != pass {
				t.Errorf("pass %d: expected retryCount %d, got %d", pass, pass, ops[0].RetryCount)
			}
			continue
		}
		if len(result.Dropped) != 1 {
			t.Errorf("pass 3: expected one dropped operation, got %+v", result.Dropped)
		}
	}

	if n := env.queueLen(t); n != 0 {
		t.Errorf("expected empty queue after exhaustion, got %d", n)
	}
	mu.Lock()
	if len(dropped) != 1 {
		t.Errorf("expected one drop event, got %d", len(dropped))
	}
	mu.Unlock()

	failures, err := env.store.ListFailures(ctx)
	if err != nil {
		t.Fatalf("ListFailures failed: %v", err)
	}
	if len(failures) != 1 || failures[0].Operation.EntityID != "a1" || failures[0].Operation.RetryCount != 3 {
		t.Errorf("unexpected failure log: %+v", failures)
	}

	result, err := env.orch.Trigger(ctx, ReasonManual)
	if err != nil {
		t.Fatalf("pass 4: Trigger failed: %v", err)
	}
	if n := env.queueLen(t); n != 0 || result.Result != schema.ResultSuccess {
		t.Errorf("pass 4: expected empty queue and success, got queue %d result %+v", n, result)
	}
	if n := env.api.Count(http.MethodPost, "/api/assessmentResults"); n != 3 {
		t.Errorf("expected 3 POST attempts, got %d", n)
	}
}

func TestWriteBackFailureCountsTowardRetries(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t, Config{}, nil)

	// An operation for a type with no local collection, as left by an older
	// build or an imported backup. The server accepts it but it can never be
	// marked synced locally.
	op := schema.SyncOperation{
		ID:         "op-widget",
		Kind:       schema.OpCreate,
		EntityType: "widgets",
		EntityID:   "w1",
		Payload:    &schema.RawEntity{Kind: "widgets", Fields: map[string]any{"id": "w1"}},
		CreatedAt:  100,
	}
	err := env.store.Txn(ctx, db.SyncQueue, func(tx *db.Tx) error {
		item, err := db.OperationItem(op)
		if err != nil {
			return err
		}
		return tx.Put(ctx, item)
	})
	if err != nil {
		t.Fatalf("failed to seed queue: %v", err)
	}

	for pass := 1; pass <= 6; pass++ {
		result, err := env.orch.Trigger(ctx, ReasonManual)
		if err != nil {
			t.Fatalf("pass %d: Trigger failed: %v", pass, err)
		}
		if pass < 3 {
			ops, _ := env.queue.Pending(ctx)
			if len(ops) != 1 || ops[0].RetryCount != pass {
				t.Fatalf("pass %d: expected retryCount %d, got %+v", pass, pass, ops)
			}
		}
		if pass == 3 && len(result.Dropped) != 1 {
			t.Errorf("pass 3: expected the operation to be dropped, got %+v", result)
		}
	}

	if n := env.queueLen(t); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
	if n := env.api.Count(http.MethodPost, "/api/widgets"); n != 3 {
		t.Errorf("expected 3 POST attempts, got %d", n)
	}
	failures, err := env.store.ListFailures(ctx)
	if err != nil {
		t.Fatalf("ListFailures failed: %v", err)
	}
	if len(failures) != 1 || failures[0].Operation.ID != "op-widget" {
		t.Errorf("unexpected failure log: %+v", failures)
	}
}

func TestSingleFlight(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t, Config{}, nil)
	env.save(t, &schema.Setting{ID: "theme"}, schema.OpCreate)

	release := env.api.Hold()
	defer release()

	done := make(chan PassResult, 1)
	go func() {
		result, err := env.orch.Trigger(ctx, ReasonManual)
		if err != nil {
			t.Errorf("first Trigger failed: %v", err)
		}
		done <- result
	}()

	select {
	case <-env.api.Arrived():
	case <-time.After(5 * time.Second):
		t.Fatal("first pass never reached the server")
	}

	if !env.orch.State().InProgress {
		t.Error("expected a pass in progress")
	}
	if _, err := env.orch.Trigger(ctx, ReasonManual); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("expected ErrSyncInProgress, got %v", err)
	}

	release()
	select {
	case result := <-done:
		if result.SuccessCount != 1 {
			t.Errorf("unexpected result: %+v", result)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first pass never finished")
	}

	if n := env.api.Count(http.MethodPost, "/api/settings"); n != 1 {
		t.Errorf("expected one POST, got %d", n)
	}
}

func TestPassOrder(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t, Config{}, nil)

	env.save(t, &schema.Setting{ID: "s-old"}, schema.OpCreate)
	env.clock.Advance(time.Millisecond)
	env.save(t, &schema.AssessmentSession{ID: "sess"}, schema.OpCreate)
	env.clock.Advance(time.Millisecond)
	env.save(t, &schema.AssessmentResult{ID: "r-old"}, schema.OpCreate)
	env.clock.Advance(time.Millisecond)
	env.save(t, &schema.AssessmentResult{ID: "r-new"}, schema.OpCreate)

	if _, err := env.orch.Trigger(ctx, ReasonManual); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	var got []string
	for _, r := range env.api.Requests() {
		if r.Method == http.MethodPost {
			got = append(got, r.Path)
		}
	}
	want := []string{"/api/assessmentResults", "/api/assessmentResults", "/api/assessmentSessions", "/api/settings"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("POST order mismatch (-want +got):\n%s", diff)
	}

	// Within equal priority the older result goes first.
	var ids []string
	for _, r := range env.api.Requests() {
		if r.Method == http.MethodGet {
			ids = append(ids, r.Path)
		}
	}
	if len(ids) < 2 || ids[0] != "/api/assessmentResults/r-old" || ids[1] != "/api/assessmentResults/r-new" {
		t.Errorf("expected r-old before r-new, got %v", ids)
	}
}

func TestDeleteNotFoundIsSuccess(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t, Config{}, nil)

	if _, err := env.queue.Enqueue(ctx, schema.SyncOperation{
		Kind: schema.OpDelete, EntityType: schema.TypeSetting, EntityID: "gone",
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := env.orch.Trigger(ctx, ReasonManual)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if result.SuccessCount != 1 || result.ErrorCount != 0 {
		t.Errorf("expected 404 delete to count as success, got %+v", result)
	}
	if n := env.queueLen(t); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
	if env.api.Count(http.MethodGet, "/api/settings/gone") != 0 {
		t.Error("deletes must not fetch the remote copy")
	}
}

func TestBackoffSkipsUntilDue(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t, Config{Backoff: Backoff{Base: time.Minute, Max: time.Hour}}, nil)
	env.api.Fail(http.MethodPost, "/api/settings", http.StatusServiceUnavailable, 1)

	env.save(t, &schema.Setting{ID: "theme"}, schema.OpCreate)

	first, err := env.orch.Trigger(ctx, ReasonTimer)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if first.ErrorCount != 1 {
		t.Fatalf("expected one failure, got %+v", first)
	}
	if first.NextRetryAt == nil || !first.NextRetryAt.Equal(env.clock.Now().Add(time.Minute)) {
		t.Errorf("expected next retry one minute out, got %v", first.NextRetryAt)
	}

	second, err := env.orch.Trigger(ctx, ReasonTimer)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if second.SkippedCount != 1 || second.ErrorCount != 0 || second.Result != schema.ResultSuccess {
		t.Errorf("expected the operation to be skipped, got %+v", second)
	}

	env.clock.Advance(time.Minute)
	third, err := env.orch.Trigger(ctx, ReasonRetry)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if third.SuccessCount != 1 {
		t.Errorf("expected the operation to be retried once due, got %+v", third)
	}
	if n := env.queueLen(t); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
}

func TestManualPassIgnoresBackoff(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t, Config{Backoff: Backoff{Base: time.Hour}}, nil)
	env.api.Fail(http.MethodPost, "/api/settings", http.StatusServiceUnavailable, 1)
	env.save(t, &schema.Setting{ID: "theme"}, schema.OpCreate)

	if _, err := env.orch.Trigger(ctx, ReasonTimer); err != nil {
		t.Fatal(err)
	}
	result, err := env.orch.Trigger(ctx, ReasonManual)
	if err != nil {
		t.Fatal(err)
	}
	if result.SuccessCount != 1 {
		t.Errorf("manual pass should retry immediately, got %+v", result)
	}
}

func TestUnresolvableConflictKeepsRemote(t *testing.T) {
	ctx := context.Background()
	resolver := conflict.New()
	resolver.Register(schema.TypeSetting, conflict.PolicyFunc(func(_, _ schema.Entity) (schema.Entity, error) {
		return nil, conflict.ErrConflictUnresolvable
	}))
	env := setupTestEnv(t, Config{}, resolver)

	env.save(t, &schema.Setting{ID: "theme", Value: []byte(`"dark"`)}, schema.OpUpdate)
	env.api.Seed(t, &schema.Setting{ID: "theme", Value: []byte(`"light"`), LastModified: 500})

	result, err := env.orch.Trigger(ctx, ReasonManual)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0].EntityID != "theme" {
		t.Errorf("expected a conflict notice, got %+v", result.Conflicts)
	}
	if env.api.Count(http.MethodPut, "/api/settings/theme") != 0 {
		t.Error("an unresolvable conflict must not be pushed")
	}
	if n := env.queueLen(t); n != 0 {
		t.Errorf("expected the operation retired, queue %d", n)
	}

	rec := env.record(t, schema.TypeSetting, "theme")
	if !rec.Synced || string(rec.Payload.(*schema.Setting).Value) != `"light"` {
		t.Errorf("expected the remote copy kept locally, got %+v", rec)
	}
}

func TestMutationDuringPassIsNotLost(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t, Config{}, nil)
	env.save(t, &schema.AssessmentSession{ID: "s1", CurrentQuestion: 1}, schema.OpCreate)

	release := env.api.Hold()
	defer release()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := env.orch.Trigger(ctx, ReasonManual); err != nil {
			t.Errorf("Trigger failed: %v", err)
		}
	}()
	select {
	case <-env.api.Arrived():
	case <-time.After(5 * time.Second):
		t.Fatal("pass never reached the server")
	}

	// The user answers another question while the pass is in flight.
	env.clock.Advance(time.Second)
	env.save(t, &schema.AssessmentSession{ID: "s1", CurrentQuestion: 2}, schema.OpUpdate)

	release()
	<-done

	if n := env.queueLen(t); n != 1 {
		t.Fatalf("the newer mutation must stay queued, queue %d", n)
	}
	rec := env.record(t, schema.TypeAssessmentSession, "s1")
	if rec.Synced || rec.Payload.(*schema.AssessmentSession).CurrentQuestion != 2 {
		t.Errorf("the newer local mutation was overwritten: %+v", rec)
	}

	if _, err := env.orch.Trigger(ctx, ReasonManual); err != nil {
		t.Fatalf("second Trigger failed: %v", err)
	}
	server := env.api.Entity(t, schema.TypeAssessmentSession, "s1")
	if server == nil || server.(*schema.AssessmentSession).CurrentQuestion != 2 {
		t.Errorf("server never received the newer mutation: %#v", server)
	}
	if n := env.queueLen(t); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
}

func TestConvergenceAfterOfflineMutations(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t, Config{}, nil)
	env.network.online.Store(false)

	// Some entities already exist remotely and locally.
	synced := &schema.UserProfile{ID: "u1", DisplayName: "Ada", LastModified: 50}
	env.api.Seed(t, synced)
	if err := env.store.PutRecord(ctx, schema.NewSyncedRecord(synced, 50)); err != nil {
		t.Fatal(err)
	}
	old := &schema.Setting{ID: "obsolete", LastModified: 40}
	env.api.Seed(t, old)

	steps := []struct {
		e    schema.Entity
		kind schema.OperationKind
	}{
		{&schema.AssessmentResult{ID: "a1", Score: 10}, schema.OpCreate},
		{&schema.AssessmentResult{ID: "a1", Score: 12}, schema.OpUpdate},
		{&schema.AssessmentResult{ID: "a2", Score: 3}, schema.OpCreate},
		{&schema.UserProfile{ID: "u1", DisplayName: "Ada L.", Preferences: map[string]any{"theme": "dark"}}, schema.OpUpdate},
		{&schema.AssessmentSession{ID: "s1", CurrentQuestion: 4, Responses: map[string]int{"q1": 2}}, schema.OpCreate},
	}
	for _, step := range steps {
		env.clock.Advance(10 * time.Millisecond)
		env.save(t, step.e, step.kind)
	}
	env.clock.Advance(10 * time.Millisecond)
	if _, err := env.queue.Enqueue(ctx, schema.SyncOperation{
		Kind: schema.OpDelete, EntityType: schema.TypeSetting, EntityID: "obsolete",
	}); err != nil {
		t.Fatal(err)
	}

	if n := env.queueLen(t); n != 5 {
		t.Fatalf("expected a1 to coalesce into 5 operations, got %d", n)
	}

	env.network.online.Store(true)
	result, err := env.orch.Trigger(ctx, ReasonConnectivity)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if result.Result != schema.ResultSuccess {
		t.Fatalf("expected success, got %+v", result)
	}

	for _, et := range []schema.EntityType{schema.TypeAssessmentResult, schema.TypeUserProfile, schema.TypeAssessmentSession} {
		records, err := env.store.ListRecords(ctx, et)
		if err != nil {
			t.Fatal(err)
		}
		for _, rec := range records {
			if !rec.Synced {
				t.Errorf("%s/%s not synced", et, rec.ID)
			}
			if diff := cmp.Diff(env.api.Entity(t, et, rec.ID), rec.Payload); diff != "" {
				t.Errorf("%s/%s diverged (-remote +local):\n%s", et, rec.ID, diff)
			}
		}
		if env.api.Len(et) != len(records) {
			t.Errorf("%s: remote has %d entities, local %d", et, env.api.Len(et), len(records))
		}
	}
	if env.api.Entity(t, schema.TypeSetting, "obsolete") != nil {
		t.Error("delete never reached the server")
	}
	if got := env.api.Entity(t, schema.TypeAssessmentResult, "a1").(*schema.AssessmentResult).Score; got != 12 {
		t.Errorf("expected the newest payload for a1, got score %d", got)
	}
}

func TestListenersUnsubscribe(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t, Config{}, nil)

	var count atomic.Int32
	unsubscribe := env.orch.Subscribe(func(Event) { count.Add(1) })

	if _, err := env.orch.Trigger(ctx, ReasonManual); err != nil {
		t.Fatal(err)
	}
	if count.Load() != 2 {
		t.Errorf("expected started+finished events, got %d", count.Load())
	}

	unsubscribe()
	if _, err := env.orch.Trigger(ctx, ReasonManual); err != nil {
		t.Fatal(err)
	}
	if count.Load() != 2 {
		t.Errorf("listener still called after unsubscribe: %d", count.Load())
	}
}
