// Package context carries the authenticated caller of a request, a local
// user or a verified peer server, through request contexts of both the HTTP
// and the gRPC surface.
package context

import (
	"context"

	"github.com/google/uuid"

	"github.com/dtroode/notesfed/internal/model"
)

type ctxKey int

const (
	userIDKey ctxKey = iota
	peerKey
)

var _ model.ContextManager = (*Manager)(nil)

// Manager stores and reads caller identities in a context.
type Manager struct{}

func NewManager() *Manager {
	return &Manager{}
}

// SetUserIDToContext returns a context carrying the authenticated user ID.
func (m *Manager) SetUserIDToContext(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserIDFromContext returns the authenticated user ID, if any.
func (m *Manager) GetUserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(userIDKey).(uuid.UUID)
	if !ok || userID == uuid.Nil {
		return uuid.Nil, false
	}
	return userID, true
}

// SetPeerToContext returns a context carrying the domain of a verified peer server.
func (m *Manager) SetPeerToContext(ctx context.Context, domain string) context.Context {
	return context.WithValue(ctx, peerKey, domain)
}

// GetPeerFromContext returns the verified peer domain, if any.
func (m *Manager) GetPeerFromContext(ctx context.Context) (string, bool) {
	domain, ok := ctx.Value(peerKey).(string)
	if !ok || domain == "" {
		return "", false
	}
	return domain, true
}
