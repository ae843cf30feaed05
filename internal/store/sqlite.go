package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pbaille/kbpulse/internal/domain"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when a referenced row does not exist
var ErrNotFound = errors.New("not found")

// timeFormat is fixed-width so timestamps compare correctly as text
const timeFormat = "2006-01-02 15:04:05"

// Store handles database operations
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path. ":memory:" opens
// a private in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer; also keeps an in-memory database on a single connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func ts(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// UpsertUser creates or replaces a user's delivery settings
func (s *Store) UpsertUser(ctx context.Context, u domain.DeliveryUser) error {
	var dow sql.NullInt64
	if u.DayOfWeek != nil {
		dow = sql.NullInt64{Int64: int64(*u.DayOfWeek), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, timezone, frequency, day_of_week, time_of_day)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			timezone = excluded.timezone,
			frequency = excluded.frequency,
			day_of_week = excluded.day_of_week,
			time_of_day = excluded.time_of_day
	`, u.ID, u.Timezone, string(u.Frequency), dow, u.TimeOfDay)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// ListDeliveryUsers returns every user with a delivery cadence
func (s *Store) ListDeliveryUsers(ctx context.Context) ([]domain.DeliveryUser, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timezone, frequency, day_of_week, time_of_day
		FROM users
		WHERE frequency NOT IN ('none', 'never')
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list delivery users: %w", err)
	}
	defer rows.Close()

	var users []domain.DeliveryUser
	for rows.Next() {
		var u domain.DeliveryUser
		var freq string
		var dow sql.NullInt64
		if err := rows.Scan(&u.ID, &u.Timezone, &freq, &dow, &u.TimeOfDay); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Frequency = domain.ParseFrequency(freq)
		if dow.Valid {
			d := int(dow.Int64)
			u.DayOfWeek = &d
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

// ListUserIDs returns every user that owns items, containers or interests
func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM items
		UNION SELECT user_id FROM containers
		UNION SELECT user_id FROM interests
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// AddItem stores a captured item, generating an ID when missing
func (s *Store) AddItem(ctx context.Context, item *domain.Item) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Kind == "" {
		item.Kind = domain.KindWeb
	}
	if item.CapturedAt.IsZero() {
		item.CapturedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO items (id, user_id, url, title, kind, captured_at) VALUES (?, ?, ?, ?, ?, ?)",
		item.ID, item.UserID, item.URL, item.Title, string(item.Kind), ts(item.CapturedAt),
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

// CreateContainer stores a new container, generating an ID when missing
func (s *Store) CreateContainer(ctx context.Context, c *domain.Container) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("container name is required")
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO containers (id, user_id, name, description, item_count, created_at) VALUES (?, ?, ?, ?, 0, ?)",
		c.ID, c.UserID, c.Name, c.Description, ts(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert container: %w", err)
	}
	c.ItemCount = 0
	return nil
}

// AddToContainer links an item to a container and refreshes its item count.
// Adding an existing member is a no-op.
func (s *Store) AddToContainer(ctx context.Context, containerID, itemID string, addedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO container_items (container_id, item_id, added_at) VALUES (?, ?, ?)",
		containerID, itemID, ts(addedAt),
	); err != nil {
		return fmt.Errorf("link container item: %w", err)
	}

	if err := refreshItemCount(ctx, tx, containerID); err != nil {
		return err
	}

	return tx.Commit()
}

// GetContainer returns a container by ID
func (s *Store) GetContainer(ctx context.Context, id string) (*domain.Container, error) {
	var c domain.Container
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, name, description, item_count FROM containers WHERE id = ?",
		id,
	).Scan(&c.ID, &c.UserID, &c.Name, &c.Description, &c.ItemCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get container %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get container: %w", err)
	}
	return &c, nil
}

// ListContainers returns a user's containers ordered by ID
func (s *Store) ListContainers(ctx context.Context, userID string) ([]domain.Container, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, name, description, item_count FROM containers WHERE user_id = ? ORDER BY id",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	defer rows.Close()

	var containers []domain.Container
	for rows.Next() {
		var c domain.Container
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Description, &c.ItemCount); err != nil {
			return nil, fmt.Errorf("scan container: %w", err)
		}
		containers = append(containers, c)
	}

	return containers, rows.Err()
}

// ContainerItemIDs returns the IDs of a container's member items
func (s *Store) ContainerItemIDs(ctx context.Context, containerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT item_id FROM container_items WHERE container_id = ? ORDER BY item_id",
		containerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list container items: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan container item: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func refreshItemCount(ctx context.Context, tx *sql.Tx, containerID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE containers
		SET item_count = (SELECT COUNT(*) FROM container_items WHERE container_id = ?)
		WHERE id = ?
	`, containerID, containerID)
	if err != nil {
		return fmt.Errorf("refresh item count: %w", err)
	}
	return nil
}
