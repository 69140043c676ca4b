package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dtroode/notesfed/internal/docid"
	"github.com/dtroode/notesfed/internal/federation"
	"github.com/dtroode/notesfed/internal/keycrypto"
	"github.com/dtroode/notesfed/internal/logger"
	"github.com/dtroode/notesfed/internal/model"
)

// EnvelopeIssuer wraps an escrowed document key to the devices of users.
type EnvelopeIssuer interface {
	Issue(ctx context.Context, doc model.Document, users []string, requestingDomain string) ([]model.Envelope, error)
}

// ShareRequest changes who may join a document. Envelopes are optional
// client-wrapped keys; invited users without one get a key from escrow, or on
// their first join.
type ShareRequest struct {
	AccessLevel  model.AccessLevel `json:"accessLevel"`
	InvitedUsers []string          `json:"invitedUsers"`
	Envelopes    []model.Envelope  `json:"envelopes,omitempty"`
}

// ShareResult lists the invited handles. Pending users are members without a
// key envelope yet.
type ShareResult struct {
	AccessLevel model.AccessLevel `json:"accessLevel"`
	Invited     []string          `json:"invitedUsers"`
	Pending     []string          `json:"pendingUsers"`
}

// MemberInfo summarizes the device rows of one member.
type MemberInfo struct {
	UserID  string     `json:"userId"`
	Role    model.Role `json:"role"`
	Devices []string   `json:"devices"`
	Pending bool       `json:"pending"`
	AddedAt time.Time  `json:"addedAt"`
}

// Sharing lets owners invite and remove members of documents hosted here,
// and lets members leave.
type Sharing struct {
	documents model.DocumentStore
	members   model.MemberStore
	directory *Directory
	issuer    EnvelopeIssuer
	domain    string
	logger    *logger.Logger
}

func NewSharing(
	documents model.DocumentStore,
	members model.MemberStore,
	directory *Directory,
	issuer EnvelopeIssuer,
	domain string,
	logger *logger.Logger,
) *Sharing {
	return &Sharing{
		documents: documents,
		members:   members,
		directory: directory,
		issuer:    issuer,
		domain:    domain,
		logger:    logger,
	}
}

// Share updates the access level of a document and admits the invited users.
func (s *Sharing) Share(ctx context.Context, userID uuid.UUID, docID string, req ShareRequest) (ShareResult, error) {
	doc, owner, err := s.ownedDocument(ctx, userID, docID)
	if err != nil {
		return ShareResult{}, err
	}

	if req.AccessLevel != "" && req.AccessLevel != doc.AccessLevel {
		if !req.AccessLevel.Valid() {
			return ShareResult{}, fmt.Errorf("%w: unknown access level %q", model.ErrInvalidRequest, req.AccessLevel)
		}
		if req.AccessLevel == model.AccessPasswordProtected && doc.PasswordEncryptedKey == "" {
			return ShareResult{}, fmt.Errorf("%w: document has no password key", model.ErrInvalidRequest)
		}
		doc.AccessLevel = req.AccessLevel
		if doc, err = s.documents.Upsert(ctx, doc); err != nil {
			return ShareResult{}, fmt.Errorf("failed to save document: %w", err)
		}
	}

	handles, err := s.inviteeHandles(req.InvitedUsers, owner)
	if err != nil {
		return ShareResult{}, err
	}
	supplied, err := s.suppliedEnvelopes(req.Envelopes)
	if err != nil {
		return ShareResult{}, err
	}

	var toIssue []string
	for _, h := range handles {
		if len(supplied[h]) == 0 {
			toIssue = append(toIssue, h)
		}
	}
	issued := map[string][]model.Envelope{}
	if len(toIssue) > 0 && doc.ServerEncryptedKey != "" {
		envelopes, err := s.issuer.Issue(ctx, doc, toIssue, s.domain)
		if err != nil {
			return ShareResult{}, err
		}
		for _, env := range envelopes {
			issued[env.UserID] = append(issued[env.UserID], env)
		}
	}

	existing, err := s.members.ListByUsers(ctx, docID, handles)
	if err != nil {
		return ShareResult{}, fmt.Errorf("failed to list members: %w", err)
	}
	byUser := groupByUser(existing)

	result := ShareResult{AccessLevel: doc.AccessLevel, Invited: []string{}, Pending: []string{}}
	for _, h := range handles {
		envelopes := supplied[h]
		if len(envelopes) == 0 {
			envelopes = issued[h]
		}
		role := roleOf(byUser[h])

		if len(envelopes) == 0 {
			if len(byUser[h]) == 0 {
				err := s.members.Upsert(ctx, model.Member{DocID: docID, UserID: h, DeviceID: model.PrimaryDeviceID, Role: role})
				if err != nil {
					return ShareResult{}, fmt.Errorf("failed to save member: %w", err)
				}
			}
			if _, ok := alreadyJoined([]string{h}, byUser); ok {
				result.Invited = append(result.Invited, h)
			} else {
				result.Pending = append(result.Pending, h)
			}
			continue
		}

		for _, env := range envelopes {
			err := s.members.Upsert(ctx, model.Member{
				DocID:                docID,
				UserID:               h,
				DeviceID:             env.DeviceID,
				Role:                 role,
				EncryptedKeyEnvelope: env.EncryptedKey,
			})
			if err != nil {
				return ShareResult{}, fmt.Errorf("failed to save member: %w", err)
			}
		}
		result.Invited = append(result.Invited, h)
	}

	s.logger.Info("document shared", "doc_id", docID, "access_level", doc.AccessLevel,
		"invited", len(result.Invited), "pending", len(result.Pending))
	return result, nil
}

// Members lists the members of a document. Documents that require membership
// only show their member list to members.
func (s *Sharing) Members(ctx context.Context, userID uuid.UUID, docID string) ([]MemberInfo, error) {
	doc, err := s.document(ctx, docID)
	if err != nil {
		return nil, err
	}
	caller, err := s.directory.HandleOf(ctx, userID)
	if err != nil {
		return nil, err
	}

	rows, err := s.members.ListByDocument(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}

	byUser := groupByUser(rows)
	if (doc.AccessLevel.RequiresMembership() || !doc.IsLocal()) && len(byUser[caller]) == 0 {
		return nil, fmt.Errorf("%w: %s is not a member of %s", model.ErrForbidden, caller, docID)
	}

	infos := make([]MemberInfo, 0, len(byUser))
	for _, m := range rows {
		if n := len(infos); n > 0 && infos[n-1].UserID == m.UserID {
			info := &infos[n-1]
			info.Devices = append(info.Devices, m.DeviceID)
			info.Pending = info.Pending && m.EncryptedKeyEnvelope == ""
			if m.CreatedAt.Before(info.AddedAt) {
				info.AddedAt = m.CreatedAt
			}
			continue
		}
		infos = append(infos, MemberInfo{
			UserID:  m.UserID,
			Role:    m.Role,
			Devices: []string{m.DeviceID},
			Pending: m.EncryptedKeyEnvelope == "",
			AddedAt: m.CreatedAt,
		})
	}
	return infos, nil
}

// Remove revokes the membership of handle. Only the owner may remove members
// and the owner cannot be removed.
func (s *Sharing) Remove(ctx context.Context, userID uuid.UUID, docID, handle string) error {
	_, owner, err := s.ownedDocument(ctx, userID, docID)
	if err != nil {
		return err
	}

	h, err := federation.ParseHandle(handle, s.domain)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrInvalidRequest, err)
	}
	if h.String() == owner {
		return fmt.Errorf("%w: the owner cannot be removed", model.ErrInvalidRequest)
	}

	if err := s.members.Delete(ctx, docID, h.String()); err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	s.logger.Info("member removed", "doc_id", docID, "user", h.String())
	return nil
}

// Leave drops the caller's membership. For documents hosted elsewhere only the
// local rows are removed.
func (s *Sharing) Leave(ctx context.Context, userID uuid.UUID, docID string) error {
	doc, err := s.document(ctx, docID)
	if err != nil {
		return err
	}
	caller, err := s.directory.HandleOf(ctx, userID)
	if err != nil {
		return err
	}
	if caller == doc.OwnerID {
		return fmt.Errorf("%w: the owner cannot leave", model.ErrInvalidRequest)
	}

	if err := s.members.Delete(ctx, docID, caller); err != nil {
		return fmt.Errorf("failed to leave document: %w", err)
	}
	s.logger.Info("member left", "doc_id", docID, "user", caller)
	return nil
}

func (s *Sharing) document(ctx context.Context, docID string) (model.Document, error) {
	if _, err := docid.Parse(docID); err != nil {
		return model.Document{}, err
	}
	doc, err := s.documents.GetByID(ctx, docID)
	if err != nil {
		return model.Document{}, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// ownedDocument returns a local document the caller owns, and the caller's handle.
func (s *Sharing) ownedDocument(ctx context.Context, userID uuid.UUID, docID string) (model.Document, string, error) {
	doc, err := s.document(ctx, docID)
	if err != nil {
		return model.Document{}, "", err
	}
	if !doc.IsLocal() {
		return model.Document{}, "", fmt.Errorf("%w: %w", model.ErrForbidden, model.ErrNotAuthoritative)
	}

	caller, err := s.directory.HandleOf(ctx, userID)
	if err != nil {
		return model.Document{}, "", err
	}
	if caller != doc.OwnerID {
		return model.Document{}, "", fmt.Errorf("%w: only the owner manages sharing", model.ErrForbidden)
	}
	return doc, caller, nil
}

func (s *Sharing) inviteeHandles(users []string, owner string) ([]string, error) {
	handles := make([]string, 0, len(users))
	seen := make(map[string]struct{}, len(users))
	for _, u := range users {
		h, err := federation.ParseHandle(u, s.domain)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrInvalidRequest, err)
		}
		key := h.String()
		if key == owner {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		handles = append(handles, key)
	}
	return handles, nil
}

func (s *Sharing) suppliedEnvelopes(envelopes []model.Envelope) (map[string][]model.Envelope, error) {
	out := make(map[string][]model.Envelope)
	for _, env := range envelopes {
		h, err := federation.ParseHandle(env.UserID, s.domain)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrInvalidRequest, err)
		}
		sealed, err := keycrypto.Decode(env.EncryptedKey)
		if err != nil {
			return nil, fmt.Errorf("%w: envelope of %s: %w", model.ErrInvalidRequest, h, err)
		}
		if err := keycrypto.CheckEnvelope(sealed); err != nil {
			return nil, fmt.Errorf("%w: envelope of %s: %w", model.ErrInvalidRequest, h, err)
		}
		if env.DeviceID == "" {
			env.DeviceID = model.PrimaryDeviceID
		}
		env.UserID = h.String()
		out[env.UserID] = append(out[env.UserID], env)
	}
	return out, nil
}
