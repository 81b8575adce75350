package approval

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record // Key() → record
}

// NewMemoryStore creates an in-memory approval record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Put(_ context.Context, rec *Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Key()
	_, existed := s.records[key]
	cp := *rec
	s.records[key] = &cp
	return !existed, nil
}

func (s *MemoryStore) Get(_ context.Context, chain, wallet, token, spender string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := strings.ToLower(chain + ":" + wallet + ":" + token + ":" + spender)
	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListByWallet(_ context.Context, chain, wallet string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := strings.ToLower(chain + ":" + wallet + ":")
	var result []*Record
	for key, rec := range s.records {
		if strings.HasPrefix(key, prefix) {
			cp := *rec
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) LatestObservedAt(_ context.Context, chain string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest time.Time
	prefix := strings.ToLower(chain + ":")
	for key, rec := range s.records {
		if strings.HasPrefix(key, prefix) && rec.ObservedAt.After(latest) {
			latest = rec.ObservedAt
		}
	}
	return latest, nil
}
