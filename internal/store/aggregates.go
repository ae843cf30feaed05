package store

import (
	"context"
	"fmt"
	"time"
)

// ContainerActivity counts a container's items captured inside a window
type ContainerActivity struct {
	ContainerID   string
	ContainerName string
	Items         int
}

// ContainerRef names one side of a container pair
type ContainerRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ContainerOverlap counts items captured inside a window that belong to
// both containers. A.ID is always lower than B.ID.
type ContainerOverlap struct {
	A      ContainerRef
	B      ContainerRef
	Shared int
}

// ContainerActivity returns, per container of the user, how many member
// items were captured in [since, until]. The item's own captured_at is
// what counts, not when it joined the container. Containers with no
// activity are omitted.
func (s *Store) ContainerActivity(ctx context.Context, userID string, since, until time.Time) ([]ContainerActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, COUNT(i.id)
		FROM containers c
		JOIN container_items ci ON ci.container_id = c.id
		JOIN items i ON i.id = ci.item_id
		WHERE c.user_id = ? AND i.captured_at >= ? AND i.captured_at <= ?
		GROUP BY c.id, c.name
		ORDER BY c.id
	`, userID, ts(since), ts(until))
	if err != nil {
		return nil, fmt.Errorf("container activity: %w", err)
	}
	defer rows.Close()

	var out []ContainerActivity
	for rows.Next() {
		var a ContainerActivity
		if err := rows.Scan(&a.ContainerID, &a.ContainerName, &a.Items); err != nil {
			return nil, fmt.Errorf("scan container activity: %w", err)
		}
		out = append(out, a)
	}

	return out, rows.Err()
}

// ContainerOverlaps returns every pair of the user's containers that share
// at least one item captured in [since, until], ordered by (A.ID, B.ID).
func (s *Store) ContainerOverlaps(ctx context.Context, userID string, since, until time.Time) ([]ContainerOverlap, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ca.id, ca.name, cb.id, cb.name, COUNT(*)
		FROM container_items a
		JOIN container_items b ON b.item_id = a.item_id AND a.container_id < b.container_id
		JOIN containers ca ON ca.id = a.container_id
		JOIN containers cb ON cb.id = b.container_id
		JOIN items i ON i.id = a.item_id
		WHERE ca.user_id = ? AND cb.user_id = ?
			AND i.captured_at >= ? AND i.captured_at <= ?
		GROUP BY ca.id, ca.name, cb.id, cb.name
		ORDER BY ca.id, cb.id
	`, userID, userID, ts(since), ts(until))
	if err != nil {
		return nil, fmt.Errorf("container overlaps: %w", err)
	}
	defer rows.Close()

	var out []ContainerOverlap
	for rows.Next() {
		var o ContainerOverlap
		if err := rows.Scan(&o.A.ID, &o.A.Name, &o.B.ID, &o.B.Name, &o.Shared); err != nil {
			return nil, fmt.Errorf("scan container overlap: %w", err)
		}
		out = append(out, o)
	}

	return out, rows.Err()
}
