package model

import (
	"context"

	"github.com/google/uuid"
)

// ContextManager stores request-scoped identities in a context.
type ContextManager interface {
	SetUserIDToContext(ctx context.Context, userID uuid.UUID) context.Context
	GetUserIDFromContext(ctx context.Context) (uuid.UUID, bool)
	SetPeerToContext(ctx context.Context, domain string) context.Context
	GetPeerFromContext(ctx context.Context) (string, bool)
}
