package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/invoice-extractor/internal/common"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	runs  map[uuid.UUID]Run
	rules []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[uuid.UUID]Run)}
}

func (m *MemoryStore) SaveRun(_ context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	cp := *run
	cp.Pages = append([]int(nil), run.Pages...)
	cp.Result = append([]byte(nil), run.Result...)
	m.mu.Lock()
	m.runs[run.ID] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id uuid.UUID) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, common.NotFoundErrorf("run %s not found", id)
	}
	return &run, nil
}

func (m *MemoryStore) ListRuns(_ context.Context, limit int) ([]Run, error) {
	m.mu.RLock()
	out := make([]Run, 0, len(m.runs))
	for _, r := range m.runs {
		r.Result = nil
		out = append(out, r)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].FinishedAt.After(out[j].FinishedAt)
	})
	if n := listLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *MemoryStore) ListRules(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string{}, m.rules...), nil
}

func (m *MemoryStore) SaveRules(_ context.Context, rules []string) error {
	m.mu.Lock()
	m.rules = append([]string(nil), rules...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
