// Package testutil provides fakes shared by the offline engine tests.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cognitrack/offsync/internal/offline/schema"
)

// Request is one request received by FakeAPI.
type Request struct {
	Method string
	Path   string
	Auth   string
	Body   []byte
}

// FakeAPI is an in-process sync service speaking the /api/{entity}[/{id}]
// protocol. POST and PUT upsert by id so re-sends are idempotent.
type FakeAPI struct {
	Server *httptest.Server

	mu       sync.Mutex
	entities map[schema.EntityType]map[string]json.RawMessage
	requests []Request
	failures []failure
	down     bool
	delay    time.Duration
	token    string
	gate     chan struct{}
	arrived  chan struct{}
}

type failure struct {
	method    string
	pathMatch string
	status    int
	remaining int // -1 means forever
}

// NewFakeAPI starts a fake service that is closed when the test ends.
func NewFakeAPI(t *testing.T) *FakeAPI {
	t.Helper()
	f := &FakeAPI{
		entities: make(map[schema.EntityType]map[string]json.RawMessage),
		arrived:  make(chan struct{}, 64),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the service root.
func (f *FakeAPI) URL() string {
	return f.Server.URL
}

// RequireToken makes every request without "Bearer <token>" fail with 401.
func (f *FakeAPI) RequireToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

// Seed stores e as the server copy.
func (f *FakeAPI) Seed(t *testing.T, e schema.Entity) {
	t.Helper()
	data, err := schema.Encode(e)
	if err != nil {
		t.Fatalf("Failed to encode seed: %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put(e.Type(), e.EntityID(), data)
}

// Entity decodes the server copy of an entity, or returns nil.
func (f *FakeAPI) Entity(t *testing.T, et schema.EntityType, id string) schema.Entity {
	t.Helper()
	f.mu.Lock()
	data, ok := f.entities[et][id]
	f.mu.Unlock()
	if !ok {
		return nil
	}
	e, err := schema.Decode(et, data)
	if err != nil {
		t.Fatalf("Failed to decode server copy: %v", err)
	}
	return e
}

// Len returns how many entities of type et the server holds.
func (f *FakeAPI) Len(et schema.EntityType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entities[et])
}

// Requests returns a copy of the request log.
func (f *FakeAPI) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// Count returns how many requests matched method and path.
func (f *FakeAPI) Count(method, path string) int {
	n := 0
	for _, r := range f.Requests() {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

// ResetRequests clears the request log.
func (f *FakeAPI) ResetRequests() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = nil
}

// Fail makes the next n requests matching method and a path containing
// pathMatch answer with status. n < 0 fails forever.
func (f *FakeAPI) Fail(method, pathMatch string, status, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failure{method: method, pathMatch: pathMatch, status: status, remaining: n})
}

// ClearFailures removes every injected failure.
func (f *FakeAPI) ClearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = nil
}

// SetDown drops every connection without a response while down is true.
func (f *FakeAPI) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// SetDelay delays every response by d.
func (f *FakeAPI) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Hold makes requests wait until the returned release func is called.
// Arrived receives one value per held request.
func (f *FakeAPI) Hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.gate = nil
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Arrived signals each request that reached a Hold gate.
func (f *FakeAPI) Arrived() <-chan struct{} {
	return f.arrived
}

func (f *FakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	body := readBody(r)

	f.mu.Lock()
	f.requests = append(f.requests, Request{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization"), Body: body})
	down, delay, gate, token := f.down, f.delay, f.gate, f.token
	status := f.takeFailure(r.Method, r.URL.Path)
	f.mu.Unlock()

	if gate != nil {
		select {
		case f.arrived <- struct{}{}:
		default:
		}
		<-gate
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if down {
		dropConnection(w)
		return
	}
	if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if status != 0 {
		http.Error(w, `{"error":"injected failure"}`, status)
		return
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "api" {
		http.NotFound(w, r)
		return
	}
	et := schema.EntityType(parts[1])
	var id string
	if len(parts) > 2 {
		id = parts[2]
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && id == "":
		id = idOf(body)
		if id == "" {
			http.Error(w, `{"error":"id is required"}`, http.StatusBadRequest)
			return
		}
		f.put(et, id, body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	case r.Method == http.MethodPut && id != "":
		f.put(et, id, body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	case r.Method == http.MethodGet && id != "":
		data, ok := f.entities[et][id]
		if !ok {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	case r.Method == http.MethodDelete && id != "":
		if _, ok := f.entities[et][id]; !ok {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		delete(f.entities[et], id)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
	}
}

// takeFailure must be called with f.mu held.
func (f *FakeAPI) takeFailure(method, path string) int {
	for i := range f.failures {
		fl := &f.failures[i]
		if fl.remaining == 0 {
			continue
		}
		if fl.method != "" && fl.method != method {
			continue
		}
		if !strings.Contains(path, fl.pathMatch) {
			continue
		}
		if fl.remaining > 0 {
			fl.remaining--
		}
		return fl.status
	}
	return 0
}

// put must be called with f.mu held.
func (f *FakeAPI) put(et schema.EntityType, id string, data []byte) {
	if f.entities[et] == nil {
		f.entities[et] = make(map[string]json.RawMessage)
	}
	f.entities[et][id] = append(json.RawMessage(nil), data...)
}

func idOf(body []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(body, &probe)
	return probe.ID
}

func readBody(r *http.Request) []byte {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	data, _ := io.ReadAll(r.Body)
	return data
}

func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}
