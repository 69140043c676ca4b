package model

import (
	"context"
	"time"
)

// HostLocal marks a document whose authoritative copy lives on this server.
const HostLocal = "local"

// DocumentStore defines persistence operations for documents.
type DocumentStore interface {
	GetByID(ctx context.Context, id string) (Document, error)
	Upsert(ctx context.Context, doc Document) (Document, error)
}

// AccessLevel enumerates document sharing modes.
type AccessLevel string

const (
	AccessPrivate           AccessLevel = "private"
	AccessInviteOnly        AccessLevel = "invite_only"
	AccessAuthenticated     AccessLevel = "authenticated"
	AccessOpen              AccessLevel = "open"
	AccessPublic            AccessLevel = "public"
	AccessPasswordProtected AccessLevel = "password_protected"
)

// Valid reports whether a is one of the known access levels.
func (a AccessLevel) Valid() bool {
	switch a {
	case AccessPrivate, AccessInviteOnly, AccessAuthenticated, AccessOpen, AccessPublic, AccessPasswordProtected:
		return true
	}
	return false
}

// RequiresMembership reports whether joiners must already hold a member row.
func (a AccessLevel) RequiresMembership() bool {
	return a == AccessPrivate || a == AccessInviteOnly
}

// IsOpen reports whether the raw document key may be handed out to any peer.
func (a AccessLevel) IsOpen() bool {
	return a == AccessOpen || a == AccessPublic
}

// Document is the metadata row of a collaboratively edited document.
// Key material fields hold base64 strings; empty means absent.
type Document struct {
	ID                   string
	HostServer           string
	OwnerID              string
	Title                string
	AccessLevel          AccessLevel
	DocumentKeyEncrypted string
	ServerEncryptedKey   string
	PasswordEncryptedKey string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// IsLocal reports whether this server is authoritative for the document.
func (d Document) IsLocal() bool {
	return d.HostServer == HostLocal || d.HostServer == ""
}
