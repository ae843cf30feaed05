package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pbaille/kbpulse/internal/domain"
)

// UpsertTrend writes a trend keyed by (user_id, trend_type, title). An
// existing row keeps its id, expires_at and surfaced flag and gets its
// description, signals, strength and detected_at overwritten. A new row
// starts unsurfaced with the caller's expires_at.
func (s *Store) UpsertTrend(ctx context.Context, t *domain.Trend) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trends (id, user_id, trend_type, title, description, signals, strength, detected_at, expires_at, surfaced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(user_id, trend_type, title) DO UPDATE SET
			description = excluded.description,
			signals = excluded.signals,
			strength = excluded.strength,
			detected_at = excluded.detected_at
	`, t.ID, t.UserID, t.TrendType, t.Title, t.Description, t.Signals, t.Strength, ts(t.DetectedAt), ts(t.ExpiresAt))
	if err != nil {
		return fmt.Errorf("upsert trend: %w", err)
	}
	return nil
}

// DeleteExpiredTrends removes every trend whose expires_at is before now
func (s *Store) DeleteExpiredTrends(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM trends WHERE expires_at < ?", ts(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired trends: %w", err)
	}
	return res.RowsAffected()
}

// ListTrends returns a user's trends, strongest first
func (s *Store) ListTrends(ctx context.Context, userID string) ([]domain.Trend, error) {
	return s.queryTrends(ctx, `
		SELECT id, user_id, trend_type, title, description, signals, strength, detected_at, expires_at, surfaced
		FROM trends WHERE user_id = ?
		ORDER BY strength DESC, detected_at DESC
	`, userID)
}

// ListUnsurfacedTrends returns a user's live trends not yet shown in a digest
func (s *Store) ListUnsurfacedTrends(ctx context.Context, userID string, now time.Time) ([]domain.Trend, error) {
	return s.queryTrends(ctx, `
		SELECT id, user_id, trend_type, title, description, signals, strength, detected_at, expires_at, surfaced
		FROM trends WHERE user_id = ? AND surfaced = 0 AND expires_at >= ?
		ORDER BY strength DESC, detected_at DESC
	`, userID, ts(now))
}

// MarkTrendsSurfaced flags trends as shown
func (s *Store) MarkTrendsSurfaced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := s.db.ExecContext(ctx, "UPDATE trends SET surfaced = 1 WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("mark trends surfaced: %w", err)
	}
	return nil
}

func (s *Store) queryTrends(ctx context.Context, query string, args ...interface{}) ([]domain.Trend, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trends: %w", err)
	}
	defer rows.Close()

	var out []domain.Trend
	for rows.Next() {
		var t domain.Trend
		if err := rows.Scan(&t.ID, &t.UserID, &t.TrendType, &t.Title, &t.Description, &t.Signals,
			&t.Strength, &t.DetectedAt, &t.ExpiresAt, &t.Surfaced); err != nil {
			return nil, fmt.Errorf("scan trend: %w", err)
		}
		out = append(out, t)
	}

	return out, rows.Err()
}
