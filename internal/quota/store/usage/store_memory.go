package usage

import (
	"context"
	"sync"
	"time"

	"scanmeter/internal/quota/models"
	dErrors "scanmeter/pkg/domain-errors"
)

// InMemoryStore keeps usage records in an append-only slice.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []*models.UsageRecord
}

func New() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, record *models.UsageRecord) error {
	if record == nil {
		return dErrors.New(dErrors.CodeInvalidInput, "usage record is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *record
	s.records = append(s.records, &dup)
	return nil
}

func (s *InMemoryStore) Query(_ context.Context, tenantID string, from, to time.Time) ([]*models.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.UsageRecord
	for _, r := range s.records {
		if r.TenantID != tenantID {
			continue
		}
		if r.Timestamp.Before(from) || r.Timestamp.After(to) {
			continue
		}
		dup := *r
		out = append(out, &dup)
	}
	return out, nil
}
