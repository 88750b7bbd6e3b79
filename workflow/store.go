package workflow

import (
	"context"
	"sync"

	"github.com/GoCodeAlone/openact/openactmodel"
)

// RunStore persists paused runs across the external-callback boundary.
//
// Grounded on run_store.rs's RunStore trait (put/get/del keyed by run id)
// and its MemoryRunStore default; a production host may swap in a
// Postgres-backed implementation the same way package store offers
// one, but the in-memory default is what a single-process deployment
// needs.
type RunStore interface {
	Put(ctx context.Context, checkpoint *openactmodel.Checkpoint) error
	Get(ctx context.Context, runID string) (*openactmodel.Checkpoint, error)
	Del(ctx context.Context, runID string) error
	// List returns every checkpoint currently stored, for the sweeper to
	// inspect; it applies pendingTTL/terminalTTL itself since only it knows
	// which threshold applies to a paused run versus a terminal result.
	List(ctx context.Context) ([]*openactmodel.Checkpoint, error)
}

// MemoryRunStore is the default RunStore: a mutex-guarded map. It is
// sufficient for a single-process host and for every test in this module.
type MemoryRunStore struct {
	mu          sync.Mutex
	checkpoints map[string]*openactmodel.Checkpoint
}

// NewMemoryRunStore builds an empty MemoryRunStore.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{checkpoints: make(map[string]*openactmodel.Checkpoint)}
}

func (s *MemoryRunStore) Put(_ context.Context, checkpoint *openactmodel.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *checkpoint
	s.checkpoints[checkpoint.RunID] = &cp
	return nil
}

func (s *MemoryRunStore) Get(_ context.Context, runID string) (*openactmodel.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[runID]
	if !ok {
		return nil, nil
	}
	out := *cp
	return &out, nil
}

func (s *MemoryRunStore) Del(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, runID)
	return nil
}

func (s *MemoryRunStore) List(_ context.Context) ([]*openactmodel.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*openactmodel.Checkpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		cpCopy := *cp
		out = append(out, &cpCopy)
	}
	return out, nil
}
