package watermark

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store with the revision semantics of the
// etcd backend, for tests and single-process local runs.
type MemoryStore struct {
	mu       sync.Mutex
	revision int64
	entries  map[string]memEntry
}

type memEntry struct {
	value    Value
	revision int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry)}
}

func (s *MemoryStore) Get(ctx context.Context, source, key string) (Value, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entry, ok = s.entries[source+"/"+key]
	if !ok {
		return Value{}, 0, nil
	}
	return entry.value, entry.revision, nil
}

func (s *MemoryStore) CompareAndSet(ctx context.Context, source, key string, expected int64, value Value) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var k = source + "/" + key
	var current int64
	if entry, ok := s.entries[k]; ok {
		current = entry.revision
	}
	if current != expected {
		return 0, ErrRevisionMismatch
	}
	s.revision++
	s.entries[k] = memEntry{value: value, revision: s.revision}
	return s.revision, nil
}

func (s *MemoryStore) Put(ctx context.Context, source, key string, value Value) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revision++
	s.entries[source+"/"+key] = memEntry{value: value, revision: s.revision}
	return s.revision, nil
}
