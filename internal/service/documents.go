package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dtroode/notesfed/internal/docid"
	"github.com/dtroode/notesfed/internal/keycrypto"
	"github.com/dtroode/notesfed/internal/logger"
	"github.com/dtroode/notesfed/internal/model"
)

// CreateDocumentRequest describes a new document. Key fields are base64 and
// produced by the client: OwnerEnvelope wraps the key to the owner,
// ServerEncryptedKey escrows it to this server.
type CreateDocumentRequest struct {
	Title                string            `json:"title"`
	AccessLevel          model.AccessLevel `json:"accessLevel"`
	OwnerEnvelope        string            `json:"documentKeyEncrypted"`
	ServerEncryptedKey   string            `json:"serverEncryptedKey,omitempty"`
	PasswordEncryptedKey string            `json:"passwordEncryptedKey,omitempty"`
}

// Documents manages documents owned by local users and client access to them.
type Documents struct {
	documents model.DocumentStore
	members   model.MemberStore
	directory *Directory
	domain    string
	logger    *logger.Logger
}

func NewDocuments(documents model.DocumentStore, members model.MemberStore, directory *Directory, domain string, logger *logger.Logger) *Documents {
	return &Documents{
		documents: documents,
		members:   members,
		directory: directory,
		domain:    domain,
		logger:    logger,
	}
}

// Create registers a document hosted here with the calling user as owner.
func (s *Documents) Create(ctx context.Context, userID uuid.UUID, req CreateDocumentRequest) (model.Document, error) {
	if req.AccessLevel == "" {
		req.AccessLevel = model.AccessPrivate
	}
	if !req.AccessLevel.Valid() {
		return model.Document{}, fmt.Errorf("%w: unknown access level %q", model.ErrInvalidRequest, req.AccessLevel)
	}
	if req.AccessLevel == model.AccessPasswordProtected && req.PasswordEncryptedKey == "" {
		return model.Document{}, fmt.Errorf("%w: password protected document without password key", model.ErrInvalidRequest)
	}
	for _, field := range []string{req.OwnerEnvelope, req.ServerEncryptedKey, req.PasswordEncryptedKey} {
		if field == "" {
			continue
		}
		if _, err := keycrypto.Decode(field); err != nil {
			return model.Document{}, fmt.Errorf("%w: %w", model.ErrInvalidRequest, err)
		}
	}

	owner, err := s.directory.HandleOf(ctx, userID)
	if err != nil {
		return model.Document{}, err
	}

	doc, err := s.documents.Upsert(ctx, model.Document{
		ID:                   docid.New(s.domain),
		HostServer:           model.HostLocal,
		OwnerID:              owner,
		Title:                strings.TrimSpace(req.Title),
		AccessLevel:          req.AccessLevel,
		DocumentKeyEncrypted: req.OwnerEnvelope,
		ServerEncryptedKey:   req.ServerEncryptedKey,
		PasswordEncryptedKey: req.PasswordEncryptedKey,
	})
	if err != nil {
		return model.Document{}, fmt.Errorf("failed to save document: %w", err)
	}

	err = s.members.Upsert(ctx, model.Member{
		DocID:                doc.ID,
		UserID:               owner,
		DeviceID:             model.PrimaryDeviceID,
		Role:                 model.RoleOwner,
		EncryptedKeyEnvelope: req.OwnerEnvelope,
	})
	if err != nil {
		return model.Document{}, fmt.Errorf("failed to save owner: %w", err)
	}

	s.logger.Info("document created", "doc_id", doc.ID, "owner", owner, "access_level", doc.AccessLevel)
	return doc, nil
}

// Authorize returns the document if userID may read and write it. Documents
// that require membership are limited to their members.
func (s *Documents) Authorize(ctx context.Context, userID uuid.UUID, docID string) (model.Document, error) {
	if _, err := docid.Parse(docID); err != nil {
		return model.Document{}, err
	}

	doc, err := s.documents.GetByID(ctx, docID)
	if err != nil {
		return model.Document{}, fmt.Errorf("failed to get document: %w", err)
	}
	if !doc.AccessLevel.RequiresMembership() && doc.IsLocal() {
		return doc, nil
	}

	handle, err := s.directory.HandleOf(ctx, userID)
	if err != nil {
		return model.Document{}, err
	}
	members, err := s.members.ListByUsers(ctx, docID, []string{handle})
	if err != nil {
		return model.Document{}, fmt.Errorf("failed to list members: %w", err)
	}
	if len(members) == 0 {
		return model.Document{}, fmt.Errorf("%w: %s is not a member of %s", model.ErrForbidden, handle, docID)
	}
	return doc, nil
}
