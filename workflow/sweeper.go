package workflow

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// sweepInterval is how often the sweeper scans the run store.
const sweepInterval = 60 * time.Second

// sweeperStarted is the process-wide guard behind the one-Sweeper rule.
var sweeperStarted atomic.Bool

// Sweeper periodically deletes expired run checkpoints: paused runs older
// than pendingTTL, and terminal result records older than terminalTTL.
// Exactly one Sweeper may run per process; Start on a second Sweeper
// instance, or a second call to Start on the same one, is a no-op.
type Sweeper struct {
	Store  RunStore
	Logger *slog.Logger

	cancel context.CancelFunc
}

// NewSweeper builds a Sweeper over store.
func NewSweeper(store RunStore) *Sweeper {
	return &Sweeper{Store: store, Logger: slog.Default()}
}

// Start launches the sweep loop in a background goroutine. It returns false
// without doing anything if a Sweeper in this process (this one or another)
// is already running.
func (s *Sweeper) Start(ctx context.Context) bool {
	if !sweeperStarted.CompareAndSwap(false, true) {
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.loop(ctx)
	return true
}

// Stop cancels the sweep loop and releases the process-wide guard so a later
// Start can run again. Safe to call even if Start was never called or
// already returned false.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
		sweeperStarted.Store(false)
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	now := time.Now()

	checkpoints, err := s.Store.List(ctx)
	if err != nil {
		s.Logger.Error("workflow sweeper: listing runs", "error", err)
		return
	}

	for _, cp := range checkpoints {
		ttl := pendingTTL
		if cp.PausedState == "" {
			ttl = terminalTTL
		}
		if now.Sub(cp.CreatedAt) <= ttl {
			continue
		}
		if err := s.Store.Del(ctx, cp.RunID); err != nil {
			s.Logger.Warn("workflow sweeper: deleting expired run", "run_id", cp.RunID, "error", err)
			continue
		}
		s.Logger.Info("workflow sweeper: swept expired run", "run_id", cp.RunID)
	}
}
