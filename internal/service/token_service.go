package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dtroode/notesfed/internal/logger"
	"github.com/dtroode/notesfed/internal/model"
)

// TokenService resolves client bearer tokens to users of the local directory.
type TokenService struct {
	manager model.TokenManager
	users   model.UserStore
	logger  *logger.Logger
}

func NewTokenService(manager model.TokenManager, users model.UserStore, logger *logger.Logger) *TokenService {
	return &TokenService{manager: manager, users: users, logger: logger}
}

// GetUserID validates token and checks that its user is registered here.
func (s *TokenService) GetUserID(ctx context.Context, token string) (uuid.UUID, error) {
	userID, err := s.manager.ParseAccessToken(token)
	if err != nil {
		return uuid.Nil, err
	}

	if _, err := s.users.GetByID(ctx, userID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return uuid.Nil, fmt.Errorf("%w: unknown user %s", model.ErrUnauthorized, userID)
		}
		return uuid.Nil, fmt.Errorf("failed to get user: %w", err)
	}
	return userID, nil
}

// Issue creates an access token for a registered username. Client tokens are
// normally issued by the auth service; this serves operators and tests.
func (s *TokenService) Issue(ctx context.Context, username string) (string, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return "", fmt.Errorf("failed to get user %q: %w", username, err)
	}

	token, err := s.manager.GenerateAccessToken(user.ID)
	if err != nil {
		return "", fmt.Errorf("issue access: %w", err)
	}
	s.logger.Info("issued access token", "user", username)
	return token, nil
}
