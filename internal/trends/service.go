package trends

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pbaille/kbpulse/internal/domain"
	"github.com/pbaille/kbpulse/internal/logging"
	"github.com/pbaille/kbpulse/internal/signals"
)

// DefaultTTL is how long a trend lives after detection
const DefaultTTL = 30 * 24 * time.Hour

// Writer is the slice of the store trend persistence needs
type Writer interface {
	UpsertTrend(ctx context.Context, t *domain.Trend) error
	DeleteExpiredTrends(ctx context.Context, now time.Time) (int64, error)
}

// Service persists narrated trends
type Service struct {
	store Writer
	ttl   time.Duration
}

// NewService creates a Service. A non-positive ttl means DefaultTTL.
func NewService(w Writer, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{store: w, ttl: ttl}
}

// Persist upserts every draft of a narration for userID and returns how
// many were written. The signals are stored as the trend's payload.
func (s *Service) Persist(ctx context.Context, userID string, n *Narration, sigs []signals.Signal, now time.Time) (int, error) {
	if n == nil || len(n.Trends) == 0 {
		return 0, nil
	}

	payload, err := json.Marshal(sigs)
	if err != nil {
		return 0, fmt.Errorf("marshal signals: %w", err)
	}

	written := 0
	for _, d := range n.Trends {
		t := &domain.Trend{
			UserID:      userID,
			TrendType:   d.TrendType,
			Title:       d.Title,
			Description: d.Description,
			Signals:     string(payload),
			Strength:    d.Strength,
			DetectedAt:  now,
			ExpiresAt:   now.Add(s.ttl),
		}
		if err := s.store.UpsertTrend(ctx, t); err != nil {
			return written, fmt.Errorf("persist trend %q: %w", d.Title, err)
		}
		written++
	}
	return written, nil
}

// Sweep deletes expired trends. Failures are logged and reported as zero.
func (s *Service) Sweep(ctx context.Context, now time.Time) int64 {
	n, err := s.store.DeleteExpiredTrends(ctx, now)
	if err != nil {
		logging.Error("Trend sweep failed", "stage", "sweep", "err", err)
		return 0
	}
	if n > 0 {
		logging.Info("Expired trends removed", "count", n)
	}
	return n
}
