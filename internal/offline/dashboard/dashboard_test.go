package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cognitrack/offsync/internal/offline/connectivity"
	"github.com/cognitrack/offsync/internal/offline/daemon"
	"github.com/cognitrack/offsync/internal/offline/db"
	"github.com/cognitrack/offsync/internal/offline/edgecache"
	"github.com/cognitrack/offsync/internal/offline/engine"
	"github.com/cognitrack/offsync/internal/offline/remote"
	"github.com/cognitrack/offsync/internal/offline/schema"
	"github.com/cognitrack/offsync/internal/offline/sync"
	"github.com/cognitrack/offsync/internal/testutil"
)

type fakeEdge struct{}

func (fakeEdge) Post(msg edgecache.Message) (edgecache.Message, error) {
	if err := msg.Validate(); err != nil {
		return edgecache.Message{}, err
	}
	return edgecache.Message{Type: msg.Type, Version: "test-static-v1.0.0"}, nil
}

type testServer struct {
	server *Server
	eng    *engine.Engine
	api    *testutil.FakeAPI
	base   string
}

// setupServer starts a dashboard on a random port over an offline engine.
func setupServer(t *testing.T, edge CacheMessenger) *testServer {
	t.Helper()
	logger := log.New(io.Discard, "[test] ", 0)
	api := testutil.NewFakeAPI(t)

	eng, err := engine.Open(context.Background(), engine.Options{
		Store:        db.Options{Path: filepath.Join(t.TempDir(), "offsync.db"), Logger: logger},
		Remote:       remote.Config{BaseURL: api.URL(), Timeout: 2 * time.Second},
		Sync:         sync.Config{Logger: logger},
		Connectivity: connectivity.Config{Logger: logger},
		Daemon:       &daemon.Config{Interval: time.Hour, Logger: logger},
		Prober:       connectivity.ProberFunc(func(context.Context) error { return nil }),
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })

	server, err := NewServer(&Config{Port: 0, Backend: eng, Edge: edge, Logger: logger})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	handler := NewHandler(server, logger)
	handler.Start(context.Background())
	t.Cleanup(func() {
		handler.Stop()
		if err := server.Stop(); err != nil {
			t.Errorf("Failed to stop server: %v", err)
		}
	})

	return &testServer{server: server, eng: eng, api: api, base: "http://" + server.GetAddr()}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+ts.server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	if msg := readMessage(t, conn); msg.Type != MessageTypeStatus {
		t.Fatalf("expected status welcome, got %s", msg.Type)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

// readUntil skips messages until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want MessageType) Message {
	t.Helper()
	for i := 0; i < 50; i++ {
		if msg := readMessage(t, conn); msg.Type == want {
			return msg
		}
	}
	t.Fatalf("no %s message received", want)
	return Message{}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.base+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	return resp.StatusCode, data
}

func TestServerRequiresBackend(t *testing.T) {
	if _, err := NewServer(&Config{Port: 0}); err == nil {
		t.Fatal("expected error without a backend")
	}
}

func TestWebSocketWelcome(t *testing.T) {
	ts := setupServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+ts.server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeStatus {
		t.Fatalf("expected %s, got %s", MessageTypeStatus, msg.Type)
	}
	var st engine.Status
	if err := json.Unmarshal(msg.Data, &st); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if st.Online || st.PendingOperations != 0 {
		t.Errorf("unexpected initial status %+v", st)
	}
	if n := ts.server.ClientCount(); n != 1 {
		t.Errorf("expected 1 client, got %d", n)
	}
}

func TestMultipleClients(t *testing.T) {
	ts := setupServer(t, nil)
	a := ts.dial(t)
	b := ts.dial(t)

	ts.eng.Monitor().Report(true)

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readUntil(t, conn, MessageTypeConnectivity)
		var st schema.ConnectivityState
		if err := json.Unmarshal(msg.Data, &st); err != nil {
			t.Fatalf("Failed to decode connectivity: %v", err)
		}
		if !st.IsOnline {
			t.Error("expected online transition")
		}
	}
}

func TestSyncEventsAreBroadcast(t *testing.T) {
	ts := setupServer(t, nil)
	conn := ts.dial(t)
	ctx := context.Background()

	if _, err := ts.eng.Save(ctx, &schema.AssessmentResult{ID: "a1", Score: 25}, engine.SaveOptions{}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	ts.eng.Monitor().Report(true)

	if code, body := ts.do(t, http.MethodPost, "/v1/sync", ""); code != http.StatusOK {
		t.Fatalf("POST /v1/sync = %d: %s", code, body)
	}

	started := readUntil(t, conn, MessageTypeSyncStarted)
	var sd SyncStartedData
	if err := json.Unmarshal(started.Data, &sd); err != nil {
		t.Fatalf("Failed to decode sync_started: %v", err)
	}
	if sd.Reason != sync.ReasonManual {
		t.Errorf("expected manual reason, got %s", sd.Reason)
	}

	finished := readUntil(t, conn, MessageTypeSyncFinished)
	var result sync.PassResult
	if err := json.Unmarshal(finished.Data, &result); err != nil {
		t.Fatalf("Failed to decode sync_finished: %v", err)
	}
	if result.SuccessCount != 1 || result.Result != schema.ResultSuccess {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestOperationDroppedIsBroadcast(t *testing.T) {
	ts := setupServer(t, nil)
	conn := ts.dial(t)
	ctx := context.Background()
	ts.api.Fail(http.MethodPost, "/api/settings", http.StatusBadGateway, 10)

	if _, err := ts.eng.Save(ctx, &schema.Setting{ID: "theme"}, engine.SaveOptions{}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	ts.eng.Monitor().Report(true)
	for i := 0; i < schema.MaxRetries; i++ {
		if _, err := ts.eng.SyncNow(ctx); err != nil {
			t.Fatalf("SyncNow failed: %v", err)
		}
	}

	msg := readUntil(t, conn, MessageTypeOperationDropped)
	var od OperationData
	if err := json.Unmarshal(msg.Data, &od); err != nil {
		t.Fatalf("Failed to decode operation data: %v", err)
	}
	if od.EntityType != schema.TypeSetting || od.EntityID != "theme" || od.Error == "" {
		t.Errorf("unexpected dropped operation %+v", od)
	}
}

func TestClientRequests(t *testing.T) {
	ts := setupServer(t, nil)
	conn := ts.dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	send := func(req string) {
		t.Helper()
		if err := conn.Write(ctx, websocket.MessageText, []byte(req)); err != nil {
			t.Fatalf("Failed to send %s: %v", req, err)
		}
	}

	send(`{"type":"sync_now"}`)
	msg := readUntil(t, conn, MessageTypeError)
	var ed ErrorData
	if err := json.Unmarshal(msg.Data, &ed); err != nil {
		t.Fatalf("Failed to decode error: %v", err)
	}
	if ed.Request != RequestSyncNow || ed.Error != sync.ErrOffline.Error() {
		t.Errorf("expected offline refusal, got %+v", ed)
	}

	send(`{"type":"status"}`)
	readUntil(t, conn, MessageTypeStatus)

	send(`{"type":"dance"}`)
	msg = readUntil(t, conn, MessageTypeError)
	if err := json.Unmarshal(msg.Data, &ed); err != nil {
		t.Fatalf("Failed to decode error: %v", err)
	}
	if ed.Request != "dance" {
		t.Errorf("expected unknown request error, got %+v", ed)
	}
}

func TestRecordEndpoints(t *testing.T) {
	ts := setupServer(t, nil)

	code, body := ts.do(t, http.MethodPut, "/v1/records/assessmentResults/a1?priority=42", `{"id":"a1","score":7}`)
	if code != http.StatusOK {
		t.Fatalf("PUT = %d: %s", code, body)
	}
	var rec schema.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatalf("Failed to decode record: %v", err)
	}
	if rec.Synced || rec.Payload.(*schema.AssessmentResult).Score != 7 {
		t.Errorf("unexpected record %+v", rec)
	}

	code, body = ts.do(t, http.MethodGet, "/v1/queue", "")
	if code != http.StatusOK {
		t.Fatalf("GET /v1/queue = %d: %s", code, body)
	}
	var ops []schema.SyncOperation
	if err := json.Unmarshal(body, &ops); err != nil {
		t.Fatalf("Failed to decode queue: %v", err)
	}
	if len(ops) != 1 || ops[0].Priority != 42 || ops[0].Kind != schema.OpCreate {
		t.Errorf("unexpected queue %+v", ops)
	}

	if code, _ := ts.do(t, http.MethodGet, "/v1/records/assessmentResults/a1", ""); code != http.StatusOK {
		t.Errorf("GET existing record = %d", code)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"id mismatch", http.MethodPut, "/v1/records/assessmentResults/a2", `{"id":"a1"}`, http.StatusBadRequest},
		{"bad json", http.MethodPut, "/v1/records/settings/k", `{`, http.StatusBadRequest},
		{"invalid entity", http.MethodPut, "/v1/records/assessmentResults/neg", `{"id":"neg","score":-1}`, http.StatusBadRequest},
		{"unknown collection", http.MethodPut, "/v1/records/widgets/w1", `{"id":"w1"}`, http.StatusBadRequest},
		{"bad priority", http.MethodPut, "/v1/records/settings/k?priority=high", `{"id":"k"}`, http.StatusBadRequest},
		{"missing record", http.MethodGet, "/v1/records/settings/nope", "", http.StatusNotFound},
		{"delete", http.MethodDelete, "/v1/records/assessmentResults/a1", "", http.StatusNoContent},
		{"deleted record", http.MethodGet, "/v1/records/assessmentResults/a1", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, body := ts.do(t, tt.method, tt.path, tt.body); code != tt.want {
				t.Errorf("%s %s = %d, want %d: %s", tt.method, tt.path, code, tt.want, body)
			}
		})
	}
}

func TestSyncEndpoint(t *testing.T) {
	ts := setupServer(t, nil)

	if code, _ := ts.do(t, http.MethodPost, "/v1/sync", ""); code != http.StatusServiceUnavailable {
		t.Errorf("offline sync = %d, want 503", code)
	}

	ts.eng.Monitor().Report(true)
	code, body := ts.do(t, http.MethodPost, "/v1/sync", "")
	if code != http.StatusOK {
		t.Fatalf("online sync = %d: %s", code, body)
	}
	var result sync.PassResult
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if result.Result != schema.ResultSuccess {
		t.Errorf("empty queue must succeed, got %+v", result)
	}

	code, body = ts.do(t, http.MethodGet, "/v1/status", "")
	if code != http.StatusOK {
		t.Fatalf("GET /v1/status = %d: %s", code, body)
	}
	var st engine.Status
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if !st.Online || st.LastSyncAttempt == nil || st.LastResult != schema.ResultSuccess {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestFailureEndpoints(t *testing.T) {
	ts := setupServer(t, nil)

	code, body := ts.do(t, http.MethodGet, "/v1/failures", "")
	if code != http.StatusOK || !bytes.Equal(bytes.TrimSpace(body), []byte("null")) && !bytes.Equal(bytes.TrimSpace(body), []byte("[]")) {
		t.Errorf("GET /v1/failures = %d: %s", code, body)
	}
	if code, _ := ts.do(t, http.MethodDelete, "/v1/failures", ""); code != http.StatusNoContent {
		t.Errorf("DELETE /v1/failures = %d", code)
	}
}

func TestCacheMessageEndpoint(t *testing.T) {
	without := setupServer(t, nil)
	if code, _ := without.do(t, http.MethodPost, "/v1/cache/messages", `{"type":"GET_VERSION"}`); code != http.StatusNotFound {
		t.Errorf("expected 404 without an edge cache, got %d", code)
	}

	ts := setupServer(t, fakeEdge{})
	code, body := ts.do(t, http.MethodPost, "/v1/cache/messages", `{"type":"GET_VERSION"}`)
	if code != http.StatusOK {
		t.Fatalf("GET_VERSION = %d: %s", code, body)
	}
	var reply edgecache.Message
	if err := json.Unmarshal(body, &reply); err != nil {
		t.Fatalf("Failed to decode reply: %v", err)
	}
	if reply.Version != "test-static-v1.0.0" {
		t.Errorf("unexpected reply %+v", reply)
	}

	if code, _ := ts.do(t, http.MethodPost, "/v1/cache/messages", `{"type":"CLAIM"}`); code != http.StatusBadRequest {
		t.Errorf("unknown message = %d, want 400", code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupServer(t, nil)
	code, body := ts.do(t, http.MethodGet, "/health", "")
	if code != http.StatusOK {
		t.Fatalf("GET /health = %d", code)
	}
	var health map[string]any
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("unexpected health %v", health)
	}
}
