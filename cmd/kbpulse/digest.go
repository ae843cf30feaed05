package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pbaille/kbpulse/internal/delivery"
	"github.com/pbaille/kbpulse/internal/domain"
	"github.com/pbaille/kbpulse/internal/logging"
)

type trendSurfacer interface {
	ListUnsurfacedTrends(ctx context.Context, userID string, now time.Time) ([]domain.Trend, error)
	MarkTrendsSurfaced(ctx context.Context, ids []string) error
}

// digestLogger stands in for a real channel: it writes each due user's
// unsurfaced trends to the log and marks them surfaced.
type digestLogger struct {
	store trendSurfacer
}

func newDigestLogger(s trendSurfacer) *digestLogger {
	return &digestLogger{store: s}
}

func (d *digestLogger) Deliver(ctx context.Context, due delivery.Due) error {
	trends, err := d.store.ListUnsurfacedTrends(ctx, due.User.ID, time.Now())
	if err != nil {
		return fmt.Errorf("list trends: %w", err)
	}

	ids := make([]string, len(trends))
	for i, t := range trends {
		ids[i] = t.ID
		logging.Info("Digest trend", "user", due.User.ID, "type", t.TrendType, "title", t.Title, "strength", t.Strength)
	}
	logging.Info("Digest delivered", "user", due.User.ID, "frequency", due.Frequency, "trends", len(trends))

	return d.store.MarkTrendsSurfaced(ctx, ids)
}
