package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/dtroode/notesfed/internal/signing"
)

type MockTokenService struct {
	mock.Mock
}

func (m *MockTokenService) GetUserID(ctx context.Context, token string) (uuid.UUID, error) {
	args := m.Called(ctx, token)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(ctx context.Context, h http.Header, body []byte) (signing.VerifiedPeer, error) {
	args := m.Called(ctx, h, body)
	return args.Get(0).(signing.VerifiedPeer), args.Error(1)
}
