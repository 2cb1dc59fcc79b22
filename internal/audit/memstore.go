package audit

import (
	"context"
	"sync"
)

// MemStore is the in-memory Store used by tests and by deployments that run
// without PostgreSQL. Append-only: Resolve adds a follow-up record, nothing
// is ever rewritten.
type MemStore struct {
	mu      sync.RWMutex
	nextSeq int64
	// all records in append order
	records []Record
	// latest record index per request, into records
	latest map[string]int
}

func NewMemStore() *MemStore {
	return &MemStore{latest: make(map[string]int)}
}

func (m *MemStore) Append(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.latest[rec.RequestID]; ok {
		return ErrDuplicate
	}
	m.append(rec)
	return nil
}

func (m *MemStore) Resolve(ctx context.Context, requestID string, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.latest[requestID]
	if !ok {
		return ErrNotFound
	}
	if !m.records[idx].PendingReview() {
		return ErrNotFound
	}
	rec.RequestID = requestID
	m.append(rec)
	return nil
}

func (m *MemStore) append(rec *Record) {
	m.nextSeq++
	rec.Seq = m.nextSeq
	m.latest[rec.RequestID] = len(m.records)
	m.records = append(m.records, *rec)
}

func (m *MemStore) Get(ctx context.Context, requestID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.latest[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	rec := m.records[idx]
	return &rec, nil
}

func (m *MemStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var out []Record
	skipped := 0
	// newest first, latest record per request only
	for i := len(m.records) - 1; i >= 0; i-- {
		rec := m.records[i]
		if m.latest[rec.RequestID] != i {
			continue
		}
		if filter.State != "" && rec.State != filter.State {
			continue
		}
		if filter.Since != nil && rec.DecidedAt.Before(*filter.Since) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, rec)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemStore) PendingReviews(ctx context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for i, rec := range m.records {
		if m.latest[rec.RequestID] == i && rec.PendingReview() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemStore) Healthy(ctx context.Context) bool { return true }

func (m *MemStore) Close() {}
