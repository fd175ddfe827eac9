package host

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// memStore is an in-memory Store for runtime tests.
type memStore struct {
	mu          sync.Mutex
	runs        map[string]Run
	order       []string
	checkpoints map[string][]byte
	saves       int
}

func newMemStore() *memStore {
	return &memStore{
		runs:        make(map[string]Run),
		checkpoints: make(map[string][]byte),
	}
}

func (m *memStore) CreateRun(_ context.Context, runID string, input []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; ok {
		return nil
	}
	m.runs[runID] = Run{ID: runID, Input: input, State: RunPending}
	m.order = append(m.order, runID)
	return nil
}

func (m *memStore) GetRun(_ context.Context, runID string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return Run{}, fmt.Errorf("get run %s: %w", runID, ErrRunNotFound)
	}
	return run, nil
}

func (m *memStore) UpdateRun(_ context.Context, runID string, state RunState, attempts int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("update run %s: %w", runID, ErrRunNotFound)
	}
	run.State, run.Attempts, run.LastError = state, attempts, lastError
	m.runs[runID] = run
	return nil
}

func (m *memStore) ListRuns(_ context.Context, states ...RunState) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := []string{}
	for _, id := range m.order {
		for _, st := range states {
			if m.runs[id].State == st {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids, nil
}

func (m *memStore) GetCheckpoint(_ context.Context, runID, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.checkpoints[runID+"|"+key]
	return data, ok, nil
}

func (m *memStore) SaveCheckpoint(_ context.Context, runID, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := runID + "|" + key
	if _, ok := m.checkpoints[k]; !ok {
		m.checkpoints[k] = data
		m.saves++
	}
	return nil
}

func (m *memStore) keys(runID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	prefix := runID + "|"
	for k := range m.checkpoints {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k[len(prefix):])
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *memStore) run(id string) Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id]
}
