// Package pipeline runs the scheduled batch ticks: trends, merges,
// delivery and maintenance. Per-user work fans out under a bounded
// errgroup and one user's failure never stops the others.
package pipeline

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pbaille/kbpulse/internal/delivery"
	"github.com/pbaille/kbpulse/internal/domain"
	"github.com/pbaille/kbpulse/internal/merge"
	"github.com/pbaille/kbpulse/internal/signals"
	"github.com/pbaille/kbpulse/internal/trends"
)

// Store is everything the batch ticks read or write
type Store interface {
	signals.Reader
	trends.Writer
	merge.Mover
	delivery.UserLister
	ListUserIDs(ctx context.Context) ([]string, error)
	MergeCandidates(ctx context.Context, userID string, minItems, sampleTitles, limit int) ([]domain.MergeCandidate, error)
	DecayStaleInterests(ctx context.Context, factor float64, now time.Time) (int64, error)
}

// Options tunes the runner
type Options struct {
	Concurrency   int
	UserTimeout   time.Duration
	RunBudget     time.Duration
	DecayFactor   float64
	MergeMinItems int
	SampleTitles  int
	MaxCandidates int
}

// Runner owns the components a tick needs
type Runner struct {
	store     Store
	detector  *signals.Detector
	narrator  *trends.Narrator
	trends    *trends.Service
	advisor   *merge.Advisor
	executor  *merge.Executor
	scheduler *delivery.Scheduler
	deliverer delivery.Deliverer
	opts      Options
	now       func() time.Time
}

// Components groups the collaborators of a Runner
type Components struct {
	Detector  *signals.Detector
	Narrator  *trends.Narrator
	Trends    *trends.Service
	Advisor   *merge.Advisor
	Executor  *merge.Executor
	Scheduler *delivery.Scheduler
	Deliverer delivery.Deliverer
}

// New creates a Runner
func New(store Store, c Components, opts Options) *Runner {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.UserTimeout <= 0 {
		opts.UserTimeout = 2 * time.Minute
	}
	if opts.RunBudget <= 0 {
		opts.RunBudget = 30 * time.Minute
	}
	return &Runner{
		store:     store,
		detector:  c.Detector,
		narrator:  c.Narrator,
		trends:    c.Trends,
		advisor:   c.Advisor,
		executor:  c.Executor,
		scheduler: c.Scheduler,
		deliverer: c.Deliverer,
		opts:      opts,
		now:       time.Now,
	}
}

// forEachUser runs fn for every user with bounded concurrency. fn gets a
// per-user deadline. Users not started before ctx ends are skipped.
func (r *Runner) forEachUser(ctx context.Context, users []string, fn func(ctx context.Context, userID string)) {
	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)

	for _, userID := range users {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			userCtx, cancel := context.WithTimeout(ctx, r.opts.UserTimeout)
			defer cancel()
			fn(userCtx, userID)
			return nil // never fail the group
		})
	}

	_ = g.Wait()
}

// tally guards a report shared by per-user goroutines
type tally struct {
	mu sync.Mutex
}

func (t *tally) add(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn()
}

// maintenanceContext outlives the run budget so global cleanup still
// happens after a slow tick.
func maintenanceContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
}
