package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/GoCodeAlone/openact/openactmodel"
)

func TestSweeperStartIsSingleton(t *testing.T) {
	s := NewSweeper(NewMemoryRunStore())
	defer s.Stop()

	if !s.Start(context.Background()) {
		t.Fatal("first Start() returned false")
	}
	if s.Start(context.Background()) {
		t.Fatal("second Start() returned true, want no-op false")
	}
}

func TestSweepOnceRemovesExpiredPendingRun(t *testing.T) {
	store := NewMemoryRunStore()
	store.Put(context.Background(), &openactmodel.Checkpoint{
		RunID:       "stale-pending",
		PausedState: "await",
		CreatedAt:   time.Now().Add(-pendingTTL - time.Minute),
	})
	store.Put(context.Background(), &openactmodel.Checkpoint{
		RunID:       "fresh-pending",
		PausedState: "await",
		CreatedAt:   time.Now(),
	})

	s := NewSweeper(store)
	s.sweepOnce(context.Background())

	if cp, _ := store.Get(context.Background(), "stale-pending"); cp != nil {
		t.Error("stale-pending should have been swept")
	}
	if cp, _ := store.Get(context.Background(), "fresh-pending"); cp == nil {
		t.Error("fresh-pending should still be present")
	}
}

func TestSweepOnceRespectsLongerTerminalTTL(t *testing.T) {
	store := NewMemoryRunStore()
	store.Put(context.Background(), &openactmodel.Checkpoint{
		RunID:       "terminal-recent",
		PausedState: "",
		CreatedAt:   time.Now().Add(-(pendingTTL + time.Minute)),
	})

	s := NewSweeper(store)
	s.sweepOnce(context.Background())

	if cp, _ := store.Get(context.Background(), "terminal-recent"); cp == nil {
		t.Error("terminal record within terminalTTL should not have been swept")
	}
}
