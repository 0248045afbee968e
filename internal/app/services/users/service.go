// Package users implements gateway user registration and authentication.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/R3E-Network/poolflow/internal/app/domain/user"
	"github.com/R3E-Network/poolflow/internal/app/storage"
	"github.com/R3E-Network/poolflow/pkg/logger"
)

// ErrInvalidCredentials is returned on any authentication failure. The
// caller cannot distinguish a missing user from a wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Service manages gateway users.
type Service struct {
	store storage.UserStore
	log   *logger.Logger
}

// New creates a configured user service.
func New(store storage.UserStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("users")
	}
	return &Service{store: store, log: log}
}

// Register creates a user with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, email, password string) (user.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	if email == "" || !strings.Contains(email, "@") {
		return user.User{}, fmt.Errorf("a valid email is required")
	}
	if len(password) < 8 {
		return user.User{}, fmt.Errorf("password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return user.User{}, fmt.Errorf("hash password: %w", err)
	}

	u, err := s.store.CreateUser(ctx, user.User{Email: email, PasswordHash: string(hash)})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return user.User{}, fmt.Errorf("email already registered")
		}
		return user.User{}, err
	}

	s.log.WithField("user_id", u.ID).Info("user registered")
	return u, nil
}

// Authenticate verifies an email/password pair.
func (s *Service) Authenticate(ctx context.Context, email, password string) (user.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return user.User{}, ErrInvalidCredentials
		}
		return user.User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return user.User{}, ErrInvalidCredentials
	}
	return u, nil
}

// Get fetches a user by identifier.
func (s *Service) Get(ctx context.Context, id string) (user.User, error) {
	return s.store.GetUser(ctx, id)
}
