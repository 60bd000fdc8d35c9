// Package auth handles registration, login, credential updates, and JWT
// session tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/crossex/cross/internal/models"
	"github.com/crossex/cross/internal/session"
)

var (
	// ErrInvalidCredentials covers both an unknown username and a wrong
	// password, so login failures do not leak which one it was.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAlreadyLoggedIn is returned when the account has an active session.
	ErrAlreadyLoggedIn = errors.New("user already logged in")
)

// UserStore is the subset of the persistence store the auth service needs.
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	UpdateUserPassword(ctx context.Context, userID int64, passwordHash string) error
}

// Service handles user authentication and the single-active-session rule.
type Service struct {
	store    UserStore
	sessions *session.Registry
	secret   []byte
	log      zerolog.Logger
}

// NewService creates an auth service signing tokens with secret.
func NewService(store UserStore, sessions *session.Registry, secret string, logger zerolog.Logger) *Service {
	return &Service{store: store, sessions: sessions, secret: []byte(secret), log: logger}
}

// Register creates a new user with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, username, password string) (*models.User, error) {
	if username == "" {
		return nil, fmt.Errorf("username cannot be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	if len(username) > 50 {
		return nil, fmt.Errorf("username too long (max 50 characters)")
	}
	if len(password) > 100 {
		return nil, fmt.Errorf("password too long (max 100 characters)")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user, err := s.store.CreateUser(ctx, username, string(hashed))
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	s.log.Info().Str("username", username).Int64("user_id", user.ID).Msg("user registered")
	return user, nil
}

// Login verifies credentials, claims the account's single session slot, and
// issues a JWT. A second login while the account is online fails with
// ErrAlreadyLoggedIn.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	if !s.sessions.MarkOnline(user.ID) {
		return "", ErrAlreadyLoggedIn
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  user.ID,
		"username": user.Username,
		"exp":      time.Now().Add(24 * time.Hour).Unix(),
	})
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		s.sessions.MarkOffline(user.ID)
		return "", err
	}
	s.log.Info().Str("username", username).Int64("user_id", user.ID).Msg("user logged in")
	return tokenString, nil
}

// Logout releases the account's session slot.
func (s *Service) Logout(userID int64) {
	s.sessions.MarkOffline(userID)
	s.log.Info().Int64("user_id", userID).Msg("user logged out")
}

// UpdateCredentials replaces the account's password. It is refused while the
// account has an active session.
func (s *Service) UpdateCredentials(ctx context.Context, username, oldPassword, newPassword string) error {
	if newPassword == "" {
		return fmt.Errorf("new password cannot be empty")
	}
	if len(newPassword) > 100 {
		return fmt.Errorf("new password too long (max 100 characters)")
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(oldPassword)); err != nil {
		return ErrInvalidCredentials
	}
	if s.sessions.IsOnline(user.ID) {
		return ErrAlreadyLoggedIn
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := s.store.UpdateUserPassword(ctx, user.ID, string(hashed)); err != nil {
		return fmt.Errorf("failed to update credentials: %w", err)
	}
	s.log.Info().Str("username", username).Msg("credentials updated")
	return nil
}

// UserFromToken extracts the user id from a JWT.
func (s *Service) UserFromToken(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return 0, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, fmt.Errorf("invalid token")
	}
	userID, ok := claims["user_id"].(float64)
	if !ok {
		return 0, fmt.Errorf("invalid token claims")
	}
	return int64(userID), nil
}
