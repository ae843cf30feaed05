package delivery

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/pbaille/kbpulse/internal/logging"
)

// Deliverer generates and sends one user's digest
type Deliverer interface {
	Deliver(ctx context.Context, d Due) error
}

// DeliverFunc adapts a function to Deliverer
type DeliverFunc func(ctx context.Context, d Due) error

func (f DeliverFunc) Deliver(ctx context.Context, d Due) error { return f(ctx, d) }

// Stats counts dispatch outcomes
type Stats struct {
	Delivered int
	Failed    int
	Abandoned int
}

// Dispatch hands each due user to the deliverer, at most limit at a time.
// A failing user is logged and counted. Users not started before ctx is
// done are counted as abandoned.
func Dispatch(ctx context.Context, due []Due, deliverer Deliverer, limit int) Stats {
	if limit < 1 {
		limit = 1
	}

	var delivered, failed, abandoned int64

	var g errgroup.Group
	g.SetLimit(limit)

	for _, d := range due {
		g.Go(func() error {
			if ctx.Err() != nil {
				atomic.AddInt64(&abandoned, 1)
				return nil
			}
			if err := deliverer.Deliver(ctx, d); err != nil {
				logging.Warn("Delivery failed", "user", d.User.ID, "stage", "deliver", "err", err)
				atomic.AddInt64(&failed, 1)
				return nil
			}
			atomic.AddInt64(&delivered, 1)
			return nil // never fail the group
		})
	}

	_ = g.Wait()

	return Stats{
		Delivered: int(delivered),
		Failed:    int(failed),
		Abandoned: int(abandoned),
	}
}
