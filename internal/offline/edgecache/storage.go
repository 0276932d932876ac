package edgecache

import (
	"net/http"
	"sort"
	"sync"
	"time"
)

// Entry is one cached response.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

func (e *Entry) clone() *Entry {
	return &Entry{
		Status:   e.Status,
		Header:   e.Header.Clone(),
		Body:     append([]byte(nil), e.Body...),
		StoredAt: e.StoredAt,
	}
}

// Storage holds named caches, keyed by request path and query. It is safe
// for concurrent use.
type Storage struct {
	mu     sync.RWMutex
	caches map[string]map[string]*Entry
}

// NewStorage creates an empty Storage.
func NewStorage() *Storage {
	return &Storage{caches: make(map[string]map[string]*Entry)}
}

// Put stores e under key in the named cache, creating the cache if needed.
func (s *Storage) Put(cache, key string, e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caches[cache] == nil {
		s.caches[cache] = make(map[string]*Entry)
	}
	s.caches[cache][key] = e.clone()
}

// PutAll stores every entry in one step: readers see all of them or none.
func (s *Storage) PutAll(cache string, entries map[string]*Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caches[cache] == nil {
		s.caches[cache] = make(map[string]*Entry, len(entries))
	}
	for key, e := range entries {
		s.caches[cache][key] = e.clone()
	}
}

// Get reads one entry from the named cache.
func (s *Storage) Get(cache, key string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.caches[cache][key]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// Match looks key up in each named cache in turn.
func (s *Storage) Match(caches []string, key string) (*Entry, bool) {
	for _, c := range caches {
		if e, ok := s.Get(c, key); ok {
			return e, true
		}
	}
	return nil, false
}

// Keys lists the keys of the named cache, sorted.
func (s *Storage) Keys(cache string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.caches[cache]))
	for k := range s.caches[cache] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Names lists the existing caches, sorted.
func (s *Storage) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Delete removes a whole cache.
func (s *Storage) Delete(cache string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.caches, cache)
}

// cacheKey identifies a request within a cache.
func cacheKey(r *http.Request) string {
	return r.URL.RequestURI()
}
