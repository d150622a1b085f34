package history

import (
	"context"
	"sync"
	"time"

	"github.com/freightwatch/freightwatch/internal/workflow"
)

// MemoryStore is an in-process Store used by tests and single-binary dev
// runs. Same append semantics as the Postgres store.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*Run
	events map[string][]workflow.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]*Run),
		events: make(map[string][]workflow.Event),
	}
}

func (m *MemoryStore) CreateRun(ctx context.Context, run Run, first workflow.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; exists {
		return ErrRunExists
	}
	if first.Seq != 1 {
		return ErrSequenceConflict
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	m.runs[run.ID] = &run
	m.events[run.ID] = []workflow.Event{first}
	return nil
}

func (m *MemoryStore) Append(ctx context.Context, runID string, ev workflow.Event, state workflow.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, exists := m.runs[runID]
	if !exists {
		return ErrRunNotFound
	}
	evs := m.events[runID]
	if ev.Seq != int64(len(evs))+1 {
		return ErrSequenceConflict
	}
	m.events[runID] = append(evs, ev)
	run.State = state
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, runID string) (Run, []workflow.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, exists := m.runs[runID]
	if !exists {
		return Run{}, nil, ErrRunNotFound
	}
	evs := make([]workflow.Event, len(m.events[runID]))
	copy(evs, m.events[runID])
	return *run, evs, nil
}

func (m *MemoryStore) List(ctx context.Context, states []workflow.State) ([]Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Run
	for _, run := range m.runs {
		if len(states) == 0 || stateIn(run.State, states) {
			out = append(out, *run)
		}
	}
	return out, nil
}

func (m *MemoryStore) RequestCancel(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, exists := m.runs[runID]
	if !exists {
		return ErrRunNotFound
	}
	if !run.State.Terminal() {
		run.CancelRequested = true
	}
	return nil
}

func stateIn(s workflow.State, states []workflow.State) bool {
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}
