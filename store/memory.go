package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is a thread-safe in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*ContextRecord
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*ContextRecord)}
}

// Load returns a cloned record for the experiment.
func (s *MemoryStore) Load(_ context.Context, expID string) (*ContextRecord, error) {
	if s == nil {
		return nil, errNotConfigured
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[strings.TrimSpace(expID)]
	if !ok {
		return nil, nil
	}
	return CloneRecord(rec), nil
}

// CompareAndSwap performs the versioned write under the store mutex.
func (s *MemoryStore) CompareAndSwap(_ context.Context, rec *ContextRecord, expectedVersion int) (int, error) {
	if s == nil {
		return 0, errNotConfigured
	}
	next, err := normalizeRecord(rec)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	version, err := checkVersion(s.records[next.ExpID], expectedVersion)
	if err != nil {
		return 0, err
	}
	next.Version = version
	s.records[next.ExpID] = next
	return version, nil
}

func (s *MemoryStore) Delete(_ context.Context, expID string) error {
	if s == nil {
		return errNotConfigured
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, strings.TrimSpace(expID))
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	if s == nil {
		return nil, errNotConfigured
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
