package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UserStore persists the durable per-user presence marker.
type UserStore struct {
	db *sql.DB
}

// NewUserStore creates a user store backed by the given database handle.
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

// CreateUser inserts a user and returns its id.
func (s *UserStore) CreateUser(ctx context.Context, username string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (username) VALUES ($1) RETURNING id`, username).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: create user: %w", err)
	}
	return id, nil
}

// UpdateLastSeenOn records when the user went offline. Unknown users are
// ignored.
func (s *UserStore) UpdateLastSeenOn(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_seen_on = $2 WHERE id = $1`, userID, at)
	if err != nil {
		return fmt.Errorf("store: update last seen user=%d: %w", userID, err)
	}
	return nil
}

// LastSeenOn returns the recorded last-seen time, or nil if none.
func (s *UserStore) LastSeenOn(ctx context.Context, userID int64) (*time.Time, error) {
	var at sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seen_on FROM users WHERE id = $1`, userID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: last seen user=%d: %w", userID, err)
	}
	if !at.Valid {
		return nil, nil
	}
	t := at.Time.UTC()
	return &t, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
