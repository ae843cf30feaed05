package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/pbaille/kbpulse/internal/domain"
)

// MergeCandidates returns the user's containers holding at least minItems
// items, each with up to sampleTitles recent item titles, largest first.
func (s *Store) MergeCandidates(ctx context.Context, userID string, minItems, sampleTitles, limit int) ([]domain.MergeCandidate, error) {
	if limit <= 0 {
		limit = 40
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, item_count
		FROM containers
		WHERE user_id = ? AND item_count >= ?
		ORDER BY item_count DESC, id
		LIMIT ?
	`, userID, minItems, limit)
	if err != nil {
		return nil, fmt.Errorf("list merge candidates: %w", err)
	}

	var candidates []domain.MergeCandidate
	for rows.Next() {
		var c domain.MergeCandidate
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.ItemCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan merge candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	// release the connection before the per-container queries
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if sampleTitles <= 0 {
		return candidates, nil
	}
	for i := range candidates {
		titles, err := s.sampleTitles(ctx, candidates[i].ID, sampleTitles)
		if err != nil {
			return nil, err
		}
		candidates[i].Items = titles
	}

	return candidates, nil
}

func (s *Store) sampleTitles(ctx context.Context, containerID string, n int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.title
		FROM container_items ci
		JOIN items i ON i.id = ci.item_id
		WHERE ci.container_id = ? AND i.title != ''
		ORDER BY i.captured_at DESC
		LIMIT ?
	`, containerID, n)
	if err != nil {
		return nil, fmt.Errorf("sample titles: %w", err)
	}
	defer rows.Close()

	var titles []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan title: %w", err)
		}
		titles = append(titles, t)
	}

	return titles, rows.Err()
}

// MergeContainers moves every membership of sourceID into targetID,
// skipping items the target already holds, recomputes the target's
// item_count and deletes the source. Both containers must belong to
// userID. It runs in one transaction: on error nothing changes. The
// returned count is the number of memberships actually added to target.
func (s *Store) MergeContainers(ctx context.Context, userID, sourceID, targetID string) (int, error) {
	if sourceID == targetID {
		return 0, errors.New("source and target are the same container")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var owned int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM containers WHERE user_id = ? AND id IN (?, ?)",
		userID, sourceID, targetID,
	).Scan(&owned); err != nil {
		return 0, fmt.Errorf("check containers: %w", err)
	}
	if owned != 2 {
		return 0, fmt.Errorf("merge %s into %s: %w", sourceID, targetID, ErrNotFound)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO container_items (container_id, item_id, added_at)
		SELECT ?, item_id, added_at FROM container_items WHERE container_id = ?
	`, targetID, sourceID)
	if err != nil {
		return 0, fmt.Errorf("move memberships: %w", err)
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count moved: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM container_items WHERE container_id = ?", sourceID); err != nil {
		return 0, fmt.Errorf("drop source memberships: %w", err)
	}

	if err := refreshItemCount(ctx, tx, targetID); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM containers WHERE id = ?", sourceID); err != nil {
		return 0, fmt.Errorf("delete source container: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit merge: %w", err)
	}
	return int(moved), nil
}
