package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pbaille/kbpulse/internal/domain"
	"github.com/pbaille/kbpulse/internal/weight"
)

// RecordInterest registers one extraction of (typ, value) for a user at
// seenAt. The first extraction creates the interest; later ones bump the
// occurrence count, refresh last_seen and recompute the weight.
func (s *Store) RecordInterest(ctx context.Context, userID string, typ domain.InterestType, value string, seenAt time.Time) (*domain.Interest, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("interest value is required")
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown interest type %q", typ)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	in := domain.Interest{UserID: userID, Type: typ, Value: value}
	err = tx.QueryRowContext(ctx, `
		SELECT occurrence_count, first_seen, last_seen
		FROM interests WHERE user_id = ? AND type = ? AND value = ?
	`, userID, string(typ), value).Scan(&in.OccurrenceCount, &in.FirstSeen, &in.LastSeen)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		in.OccurrenceCount = 1
		in.FirstSeen = seenAt.UTC()
		in.LastSeen = seenAt.UTC()
	case err != nil:
		return nil, fmt.Errorf("find interest: %w", err)
	default:
		in.OccurrenceCount++
		if seenAt.After(in.LastSeen) {
			in.LastSeen = seenAt.UTC()
		}
	}
	in.Weight = weight.Compute(in.OccurrenceCount, in.LastSeen, seenAt)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO interests (user_id, type, value, occurrence_count, first_seen, last_seen, weight)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, type, value) DO UPDATE SET
			occurrence_count = excluded.occurrence_count,
			last_seen = excluded.last_seen,
			weight = excluded.weight
	`, userID, string(typ), value, in.OccurrenceCount, ts(in.FirstSeen), ts(in.LastSeen), in.Weight)
	if err != nil {
		return nil, fmt.Errorf("upsert interest: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit interest: %w", err)
	}
	return &in, nil
}

// ListInterests returns a user's interests, heaviest first
func (s *Store) ListInterests(ctx context.Context, userID string, limit int) ([]domain.Interest, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryInterests(ctx, `
		SELECT user_id, type, value, occurrence_count, first_seen, last_seen, weight
		FROM interests WHERE user_id = ?
		ORDER BY weight DESC, last_seen DESC
		LIMIT ?
	`, userID, limit)
}

// RecentInterests returns a user's interests first seen at or after since
func (s *Store) RecentInterests(ctx context.Context, userID string, since time.Time) ([]domain.Interest, error) {
	return s.queryInterests(ctx, `
		SELECT user_id, type, value, occurrence_count, first_seen, last_seen, weight
		FROM interests WHERE user_id = ? AND first_seen >= ?
		ORDER BY first_seen, type, value
	`, userID, ts(since))
}

func (s *Store) queryInterests(ctx context.Context, query string, args ...interface{}) ([]domain.Interest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query interests: %w", err)
	}
	defer rows.Close()

	var out []domain.Interest
	for rows.Next() {
		var in domain.Interest
		var typ string
		if err := rows.Scan(&in.UserID, &typ, &in.Value, &in.OccurrenceCount, &in.FirstSeen, &in.LastSeen, &in.Weight); err != nil {
			return nil, fmt.Errorf("scan interest: %w", err)
		}
		in.Type = domain.InterestType(typ)
		out = append(out, in)
	}

	return out, rows.Err()
}

// DecayStaleInterests multiplies the weight of every interest unseen for
// longer than weight.StaleAfter by factor, floored at weight.Floor. It is a
// single statement across all users; calling it twice in one tick decays
// twice.
func (s *Store) DecayStaleInterests(ctx context.Context, factor float64, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE interests
		SET weight = MAX(?, ROUND(weight * ?, 2))
		WHERE last_seen < ?
	`, weight.Floor, factor, ts(now.Add(-weight.StaleAfter)))
	if err != nil {
		return 0, fmt.Errorf("decay interests: %w", err)
	}
	return res.RowsAffected()
}
