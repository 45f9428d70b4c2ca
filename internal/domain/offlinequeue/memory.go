package offlinequeue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type slot struct {
	primary, valueType, secondary string
}

// MemoryRepo is a map-backed Repository for tests and local development.
type MemoryRepo struct {
	atomic  sync.Mutex
	mu      sync.Mutex
	records map[slot]*Record
	saveErr error
	now     func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{records: make(map[slot]*Record), now: time.Now}
}

// FailSaves makes Save return err. Pass nil to clear.
func (m *MemoryRepo) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

func (m *MemoryRepo) Save(_ context.Context, rec *Record, overwrite bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return false, m.saveErr
	}
	k := slot{rec.PrimaryIdentifier, rec.ValueType, rec.SecondaryIdentifier}
	if _, exists := m.records[k]; exists && !overwrite {
		return false, nil
	}
	now := m.now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	rec.Attempts = 0
	rec.LastError = nil
	cp := *rec
	m.records[k] = &cp
	return true, nil
}

func (m *MemoryRepo) Get(_ context.Context, primary, valueType, secondary string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[slot{primary, valueType, secondary}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryRepo) ListByEmployee(_ context.Context, primary, valueType string) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for k, rec := range m.records {
		if k.primary != primary || (valueType != "" && k.valueType != valueType) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].SecondaryIdentifier < out[j].SecondaryIdentifier
	})
	return out, nil
}

func (m *MemoryRepo) Delete(_ context.Context, primary, valueType, secondary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, slot{primary, valueType, secondary})
	return nil
}

func (m *MemoryRepo) MarkAttempt(_ context.Context, primary, valueType, secondary, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[slot{primary, valueType, secondary}]
	if !ok {
		return ErrNotFound
	}
	rec.Attempts++
	rec.LastError = &lastError
	rec.UpdatedAt = m.now()
	return nil
}

// Len returns the number of stored records.
func (m *MemoryRepo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Atomic serializes fn against other Atomic calls. Writes are not rolled back.
func (m *MemoryRepo) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	m.atomic.Lock()
	defer m.atomic.Unlock()
	return fn(ctx)
}
