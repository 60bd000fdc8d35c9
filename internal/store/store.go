// Package store is the PostgreSQL persistence collaborator: registered users
// and the executed-trade history live here. Loads happen once at process
// start; stores happen synchronously after each committed mutation.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crossex/cross/internal/models"
)

// ErrUserNotFound is returned when a username lookup matches no row.
var ErrUserNotFound = errors.New("user not found")

// Store wraps a PostgreSQL connection pool.
type Store struct {
	Pool *pgxpool.Pool
}

// New initializes a new connection pool.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &Store{Pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.Pool.Close()
}

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := s.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := s.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// UpdateUserPassword replaces a user's password hash.
func (s *Store) UpdateUserPassword(ctx context.Context, userID int64, passwordHash string) error {
	tag, err := s.Pool.Exec(ctx,
		"UPDATE users SET password_hash = $1 WHERE id = $2", passwordHash, userID)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// LoadUsers retrieves all registered users. Called once at startup.
func (s *Store) LoadUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.Pool.Query(ctx,
		"SELECT id, username, password_hash, created_at FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// StoreTrades persists the full fragment set. Fragment ids are assigned by the
// engine, so already-persisted fragments are skipped and re-storing the same
// set is idempotent.
func (s *Store) StoreTrades(ctx context.Context, fragments []models.Fragment) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, f := range fragments {
		_, err := tx.Exec(ctx,
			`INSERT INTO trades (id, order_id, user_id, side, kind, price, size, executed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (id) DO NOTHING`,
			f.ID, f.OrderID, f.UserID, string(f.Side), string(f.Kind), f.Price, f.Size, f.ExecutedAt)
		if err != nil {
			return fmt.Errorf("failed to store trade %d: %w", f.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadTrades retrieves the recorded trade history in append order. Called once
// at startup, before any session is accepted.
func (s *Store) LoadTrades(ctx context.Context) ([]models.Fragment, error) {
	rows, err := s.Pool.Query(ctx,
		"SELECT id, order_id, user_id, side, kind, price, size, executed_at FROM trades ORDER BY executed_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to load trades: %w", err)
	}
	defer rows.Close()

	var fragments []models.Fragment
	for rows.Next() {
		var f models.Fragment
		var side, kind string
		if err := rows.Scan(&f.ID, &f.OrderID, &f.UserID, &side, &kind, &f.Price, &f.Size, &f.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		f.Side = models.Side(side)
		f.Kind = models.Kind(kind)
		fragments = append(fragments, f)
	}
	return fragments, rows.Err()
}
