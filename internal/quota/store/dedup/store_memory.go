package dedup

import (
	"context"
	"sync"
	"time"

	"scanmeter/internal/quota/models"
)

// InMemoryStore is a durable-tier stand-in for tests and single-process
// deployments. Expiry is honored lazily on Get against the stored deadline.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	record    models.SubjectScanRecord
	expiresAt time.Time
}

func New() *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// WithNow overrides the expiry clock for tests.
func (s *InMemoryStore) WithNow(now func() time.Time) *InMemoryStore {
	s.now = now
	return s
}

func (s *InMemoryStore) Put(_ context.Context, record *models.SubjectScanRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[record.SubjectKey] = memoryEntry{
		record:    *record,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, subjectKey string) (*models.SubjectScanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.entries[subjectKey]
	if !exists || s.now().After(entry.expiresAt) {
		return nil, nil
	}
	dup := entry.record
	return &dup, nil
}

func (s *InMemoryStore) Delete(_ context.Context, subjectKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, subjectKey)
	return nil
}
