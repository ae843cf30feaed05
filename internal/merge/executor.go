package merge

import (
	"context"
	"sync"

	"github.com/pbaille/kbpulse/internal/domain"
	"github.com/pbaille/kbpulse/internal/logging"
)

// Mover is the slice of the store merge execution needs
type Mover interface {
	MergeContainers(ctx context.Context, userID, sourceID, targetID string) (int, error)
}

// Result reports the outcome of one merge
type Result struct {
	Success    bool
	ItemsMoved int
}

// Executor applies merges, one at a time per user
type Executor struct {
	store Mover
	locks sync.Map // userID -> *sync.Mutex
}

// NewExecutor creates an Executor
func NewExecutor(m Mover) *Executor {
	return &Executor{store: m}
}

func (e *Executor) lock(userID string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Execute folds s.Source into s.Target. A failed merge leaves the store
// unchanged and reports Success=false.
func (e *Executor) Execute(ctx context.Context, userID string, s domain.MergeSuggestion) Result {
	mu := e.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	moved, err := e.store.MergeContainers(ctx, userID, s.Source, s.Target)
	if err != nil {
		logging.Warn("Merge failed", "user", userID, "stage", "merge", "source", s.Source, "target", s.Target, "err", err)
		return Result{}
	}

	logging.Info("Containers merged", "user", userID, "source", s.Source, "target", s.Target, "moved", moved)
	return Result{Success: true, ItemsMoved: moved}
}
