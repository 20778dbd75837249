package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

// Memory is an in-process sink used for dry runs and tests
type Memory struct {
	mu      sync.RWMutex
	records map[model.ConversationID]*model.MetricRecord
	writes  int
}

func NewMemory() *Memory {
	return &Memory{records: make(map[model.ConversationID]*model.MetricRecord)}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) UpsertMetrics(ctx context.Context, records []*model.MetricRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range prepare(records) {
		cp := *r
		cp.Tags = append([]string{}, r.Tags...)
		m.records[r.ConversationID] = &cp
	}
	m.writes++
	return nil
}

// Get returns a copy of the stored record
func (m *Memory) Get(id model.ConversationID) (*model.MetricRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// Len returns the number of stored records
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Writes returns the number of UpsertMetrics calls
func (m *Memory) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

func (m *Memory) ListConversationIDs(ctx context.Context, limit int) ([]model.ConversationID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*model.MetricRecord, 0, len(m.records))
	for _, r := range m.records {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].MetricDate != all[j].MetricDate {
			return all[i].MetricDate.After(all[j].MetricDate)
		}
		return all[i].ConversationID < all[j].ConversationID
	})

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	ids := make([]model.ConversationID, len(all))
	for i, r := range all {
		ids[i] = r.ConversationID
	}
	return ids, nil
}

func (m *Memory) PatchMetric(ctx context.Context, id model.ConversationID, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return goerr.Wrap(model.ErrNotFound, "record not stored", goerr.V("conversation_id", id))
	}
	r.ApplyClassification(patch.Classification)
	if patch.MetricDate != nil {
		r.MetricDate = *patch.MetricDate
	}
	return nil
}
