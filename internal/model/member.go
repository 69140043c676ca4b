package model

import (
	"context"
	"time"
)

// PrimaryDeviceID identifies the envelope wrapped for a user's account-level key.
const PrimaryDeviceID = "primary"

// MemberStore defines persistence operations for document members.
type MemberStore interface {
	// ListByUsers returns member rows of the document for any of the given users.
	ListByUsers(ctx context.Context, docID string, userIDs []string) ([]Member, error)
	ListByDocument(ctx context.Context, docID string) ([]Member, error)
	// Upsert inserts the member or replaces its role and envelope.
	Upsert(ctx context.Context, member Member) error
	// Delete removes every device row of the user. It returns ErrNotFound
	// when the user is not a member.
	Delete(ctx context.Context, docID, userID string) error
}

// Role enumerates member permissions.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleWriter Role = "writer"
	RoleReader Role = "reader"
)

// Member grants a user (on one of their devices) access to a document.
// EncryptedKeyEnvelope holds the base64 key envelope addressed to the device.
type Member struct {
	DocID                string
	UserID               string
	DeviceID             string
	Role                 Role
	EncryptedKeyEnvelope string
	CreatedAt            time.Time
}
