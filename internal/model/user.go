package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserStore defines read access to the local user and device directory.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (User, error)
	GetByUsername(ctx context.Context, username string) (User, error)
	ListDevices(ctx context.Context, userID uuid.UUID) ([]Device, error)
}

// User is a locally registered account. PublicKey is the base64 X25519 key
// that envelopes for the account's primary device are wrapped to.
type User struct {
	ID        uuid.UUID
	Username  string
	PublicKey string
	CreatedAt time.Time
}

// Device is an additional client key registered by a user.
type Device struct {
	UserID    uuid.UUID
	DeviceID  string
	PublicKey string
	CreatedAt time.Time
}
