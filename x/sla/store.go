package sla

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrRecordNotFound is returned by stores for unknown identifiers.
var ErrRecordNotFound = errors.New("record not found")

// Store persists SLA records keyed by identifier. Identifiers are assigned by Insert in
// sequence starting at zero and are never reused. Stores copy records in and out.
type Store interface {
	Insert(ctx context.Context, rec *SLA) (uint64, error)
	Update(ctx context.Context, rec *SLA) error
	Get(ctx context.Context, id uint64) (*SLA, error)
	NextID(ctx context.Context) (uint64, error)
	List(ctx context.Context, offset, limit uint64) ([]*SLA, error)
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uint64]*SLA
	nextID  uint64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uint64]*SLA),
	}
}

func (m *MemoryStore) Insert(_ context.Context, rec *SLA) (uint64, error) {
	if rec == nil {
		return 0, fmt.Errorf("record is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	cp := rec.Clone()
	cp.ID = id
	m.records[id] = cp
	m.nextID++
	return id, nil
}

func (m *MemoryStore) Update(_ context.Context, rec *SLA) error {
	if rec == nil {
		return fmt.Errorf("record is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.ID]; !ok {
		return fmt.Errorf("sla %d: %w", rec.ID, ErrRecordNotFound)
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uint64) (*SLA, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("sla %d: %w", id, ErrRecordNotFound)
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) NextID(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextID, nil
}

// List returns records in creation order. A zero limit means no limit.
func (m *MemoryStore) List(_ context.Context, offset, limit uint64) ([]*SLA, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*SLA, 0)
	for id := offset; id < m.nextID; id++ {
		if limit > 0 && uint64(len(out)) >= limit {
			break
		}
		if rec, ok := m.records[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}
