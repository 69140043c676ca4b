package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dtroode/notesfed/internal/docid"
	"github.com/dtroode/notesfed/internal/federation"
	"github.com/dtroode/notesfed/internal/keycrypto"
	"github.com/dtroode/notesfed/internal/logger"
	"github.com/dtroode/notesfed/internal/model"
	"github.com/dtroode/notesfed/internal/signing"
)

// JoinState is a step of the join protocol on the host server.
type JoinState string

const (
	JoinRequested       JoinState = "requested"
	JoinVerified        JoinState = "verified"
	JoinAccessChecked   JoinState = "access_checked"
	JoinKeyResolved     JoinState = "key_resolved"
	JoinEnvelopesIssued JoinState = "envelopes_issued"
	JoinPersisted       JoinState = "persisted"
	JoinRejected        JoinState = "rejected"
)

// RejectedError is returned when a join stops before completion.
// After is the last state the join reached.
type RejectedError struct {
	After JoinState
	Err   error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("join rejected after %s: %v", e.After, e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// KeyResolver brokers document keys for joining users.
type KeyResolver interface {
	Resolve(ctx context.Context, doc model.Document, users []string, requestingDomain string) (KeyResolution, error)
}

// PeerJoiner sends join requests to the host of a remote document.
type PeerJoiner interface {
	Join(ctx context.Context, host, docID string, users []string) (model.JoinResponse, error)
}

// SnapshotStore keeps the latest encrypted snapshot of a document.
type SnapshotStore interface {
	Latest(ctx context.Context, docID string) (string, error)
	Save(ctx context.Context, docID, data string) error
}

// JoinResult is a completed join. State is JoinKeyResolved for raw and
// password key deliveries and JoinPersisted otherwise.
type JoinResult struct {
	State    JoinState
	Response model.JoinResponse
}

// ImportResult describes a local user joining a remotely hosted document.
type ImportResult struct {
	DocID                string
	Host                 string
	AlreadyJoined        bool
	NeedsPassword        bool
	PasswordEncryptedKey string
	Envelopes            int
}

// Join runs both sides of the join protocol.
type Join struct {
	documents model.DocumentStore
	members   model.MemberStore
	users     model.UserStore
	resolver  KeyResolver
	peers     PeerJoiner
	snapshots SnapshotStore
	domain    string
	logger    *logger.Logger
}

// NewJoin creates a Join service. snapshots may be nil.
func NewJoin(
	documents model.DocumentStore,
	members model.MemberStore,
	users model.UserStore,
	resolver KeyResolver,
	peers PeerJoiner,
	snapshots SnapshotStore,
	domain string,
	logger *logger.Logger,
) *Join {
	return &Join{
		documents: documents,
		members:   members,
		users:     users,
		resolver:  resolver,
		peers:     peers,
		snapshots: snapshots,
		domain:    domain,
		logger:    logger,
	}
}

// Accept handles a verified join request from a peer server for a document hosted here.
func (s *Join) Accept(ctx context.Context, peer signing.VerifiedPeer, docID string, req model.JoinRequest) (JoinResult, error) {
	state := JoinVerified
	log := s.logger.With("doc_id", docID, "peer", peer.Domain)

	reject := func(err error) (JoinResult, error) {
		log.Info("join rejected", "after", state, "error", err)
		return JoinResult{State: JoinRejected}, &RejectedError{After: state, Err: err}
	}

	if req.RequestingServer != "" && req.RequestingServer != peer.Domain {
		return reject(fmt.Errorf("%w: requesting server %q does not match signer", model.ErrForbidden, req.RequestingServer))
	}

	handles, err := peerHandles(req.Users, peer.Domain)
	if err != nil {
		return reject(err)
	}

	doc, err := s.documents.GetByID(ctx, docID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return reject(err)
		}
		return JoinResult{}, fmt.Errorf("failed to get document: %w", err)
	}
	if !doc.IsLocal() {
		return reject(fmt.Errorf("%w: %w", model.ErrNotFound, model.ErrNotAuthoritative))
	}

	existing, err := s.members.ListByUsers(ctx, docID, handles)
	if err != nil {
		return JoinResult{}, fmt.Errorf("failed to list members: %w", err)
	}
	byUser := groupByUser(existing)

	if doc.AccessLevel.RequiresMembership() {
		for _, h := range handles {
			if len(byUser[h]) == 0 {
				return reject(fmt.Errorf("%w: %s is not a member", model.ErrForbidden, h))
			}
		}
	}
	state = JoinAccessChecked

	resp := model.JoinResponse{
		Title:       doc.Title,
		OwnerID:     doc.OwnerID,
		AccessLevel: doc.AccessLevel,
	}

	if envelopes, ok := alreadyJoined(handles, byUser); ok {
		log.Debug("users already joined")
		resp.AlreadyJoined = true
		resp.Envelopes = envelopes
		return JoinResult{State: JoinPersisted, Response: resp}, nil
	}

	resolution, err := s.resolver.Resolve(ctx, doc, handles, peer.Domain)
	if err != nil {
		return reject(err)
	}
	state = JoinKeyResolved
	resp.Snapshot = s.latestSnapshot(ctx, docID)

	switch resolution.Outcome {
	case OutcomeRawKey:
		resp.RawKey = keycrypto.Encode(resolution.RawKey)
		log.Info("raw key delivered for open document")
		return JoinResult{State: state, Response: resp}, nil
	case OutcomePasswordKey:
		resp.PasswordEncryptedKey = resolution.PasswordEncryptedKey
		log.Info("password-encrypted key delivered")
		return JoinResult{State: state, Response: resp}, nil
	}

	resp.Envelopes = resolution.Envelopes
	state = JoinEnvelopesIssued

	for _, env := range resolution.Envelopes {
		member := model.Member{
			DocID:                docID,
			UserID:               env.UserID,
			DeviceID:             env.DeviceID,
			Role:                 roleOf(byUser[env.UserID]),
			EncryptedKeyEnvelope: env.EncryptedKey,
		}
		if err := s.members.Upsert(ctx, member); err != nil {
			return JoinResult{}, fmt.Errorf("failed to save member: %w", err)
		}
	}
	if _, err := s.documents.Upsert(ctx, doc); err != nil {
		return JoinResult{}, fmt.Errorf("failed to save document: %w", err)
	}
	state = JoinPersisted

	log.Info("join completed", "envelopes", len(resolution.Envelopes))
	return JoinResult{State: state, Response: resp}, nil
}

// JoinRemote joins a local user to a document hosted on another server and
// stores the replica metadata and the user's key envelopes locally.
func (s *Join) JoinRemote(ctx context.Context, userID uuid.UUID, docID string) (ImportResult, error) {
	parsed, err := docid.Parse(docID)
	if err != nil {
		return ImportResult{}, err
	}
	if parsed.Origin == "" || parsed.Origin == s.domain {
		return ImportResult{}, fmt.Errorf("%w: document %s is hosted locally", model.ErrInvalidRequest, docID)
	}
	host := parsed.Origin
	result := ImportResult{DocID: docID, Host: host}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return ImportResult{}, fmt.Errorf("failed to get user: %w", err)
	}
	handle := federation.Handle{User: user.Username, Domain: s.domain}.String()

	existing, err := s.members.ListByUsers(ctx, docID, []string{handle})
	if err != nil {
		return ImportResult{}, fmt.Errorf("failed to list members: %w", err)
	}
	if _, ok := alreadyJoined([]string{handle}, groupByUser(existing)); ok {
		result.AlreadyJoined = true
		return result, nil
	}

	resp, err := s.peers.Join(ctx, host, docID, []string{handle})
	if err != nil {
		return ImportResult{}, err
	}

	replica := model.Document{
		ID:                   docID,
		HostServer:           host,
		OwnerID:              resp.OwnerID,
		Title:                resp.Title,
		AccessLevel:          resp.AccessLevel,
		PasswordEncryptedKey: resp.PasswordEncryptedKey,
	}
	if _, err := s.documents.Upsert(ctx, replica); err != nil {
		return ImportResult{}, fmt.Errorf("failed to save document replica: %w", err)
	}

	var envelopes []model.Envelope
	switch {
	case resp.RawKey != "":
		envelopes, err = s.wrapForUser(ctx, user, handle, resp.RawKey)
		if err != nil {
			return ImportResult{}, err
		}
	case resp.PasswordEncryptedKey != "":
		result.NeedsPassword = true
		result.PasswordEncryptedKey = resp.PasswordEncryptedKey
		envelopes = []model.Envelope{{UserID: handle, DeviceID: model.PrimaryDeviceID}}
	default:
		for _, env := range resp.Envelopes {
			if env.UserID == handle {
				envelopes = append(envelopes, env)
			}
		}
	}
	result.AlreadyJoined = resp.AlreadyJoined

	for _, env := range envelopes {
		err := s.members.Upsert(ctx, model.Member{
			DocID:                docID,
			UserID:               handle,
			DeviceID:             env.DeviceID,
			Role:                 model.RoleWriter,
			EncryptedKeyEnvelope: env.EncryptedKey,
		})
		if err != nil {
			return ImportResult{}, fmt.Errorf("failed to save member: %w", err)
		}
		if env.EncryptedKey != "" {
			result.Envelopes++
		}
	}

	if resp.Snapshot != "" && s.snapshots != nil {
		if err := s.snapshots.Save(ctx, docID, resp.Snapshot); err != nil {
			s.logger.Warn("failed to cache snapshot of imported document", "doc_id", docID, "error", err)
		}
	}

	s.logger.Info("imported remote document", "doc_id", docID, "host", host, "user", handle, "envelopes", result.Envelopes)
	return result, nil
}

// wrapForUser wraps the raw key of an open document to the user's own keys.
func (s *Join) wrapForUser(ctx context.Context, user model.User, handle, rawKeyB64 string) ([]model.Envelope, error) {
	rawKey, err := keycrypto.Decode(rawKeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: host returned malformed key", model.ErrKeyUnavailable)
	}
	defer clear(rawKey)

	devices, err := s.users.ListDevices(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	keys := make(map[string]string, len(devices)+1)
	if user.PublicKey != "" {
		keys[model.PrimaryDeviceID] = user.PublicKey
	}
	for _, d := range devices {
		keys[d.DeviceID] = d.PublicKey
	}

	var envelopes []model.Envelope
	for deviceID, publicKey := range keys {
		pub, err := keycrypto.Decode(publicKey)
		if err != nil {
			continue
		}
		sealed, err := keycrypto.EncryptKeyForRecipient(rawKey, pub)
		if err != nil {
			continue
		}
		envelopes = append(envelopes, model.Envelope{UserID: handle, DeviceID: deviceID, EncryptedKey: keycrypto.Encode(sealed)})
	}
	if len(envelopes) == 0 {
		return nil, fmt.Errorf("%w: user has no usable public key", model.ErrKeyUnavailable)
	}
	return envelopes, nil
}

func (s *Join) latestSnapshot(ctx context.Context, docID string) string {
	if s.snapshots == nil {
		return ""
	}
	snapshot, err := s.snapshots.Latest(ctx, docID)
	if err != nil {
		s.logger.Warn("failed to load snapshot", "doc_id", docID, "error", err)
		return ""
	}
	return snapshot
}

// peerHandles normalizes the requested users to full handles and makes sure
// every one of them lives on the requesting server.
func peerHandles(users []string, peerDomain string) ([]string, error) {
	if len(users) == 0 {
		return nil, fmt.Errorf("%w: no users", model.ErrInvalidRequest)
	}

	handles := make([]string, 0, len(users))
	seen := make(map[string]struct{}, len(users))
	for _, u := range users {
		h, err := federation.ParseHandle(u, peerDomain)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrInvalidRequest, err)
		}
		if h.Domain != peerDomain {
			return nil, fmt.Errorf("%w: %s does not belong to %s", model.ErrForbidden, h, peerDomain)
		}
		if _, dup := seen[h.String()]; dup {
			continue
		}
		seen[h.String()] = struct{}{}
		handles = append(handles, h.String())
	}
	return handles, nil
}

func groupByUser(members []model.Member) map[string][]model.Member {
	out := make(map[string][]model.Member)
	for _, m := range members {
		out[m.UserID] = append(out[m.UserID], m)
	}
	return out
}

// alreadyJoined reports whether every handle holds at least one envelope and
// returns those envelopes.
func alreadyJoined(handles []string, byUser map[string][]model.Member) ([]model.Envelope, bool) {
	var envelopes []model.Envelope
	for _, h := range handles {
		found := false
		for _, m := range byUser[h] {
			if m.EncryptedKeyEnvelope == "" {
				continue
			}
			found = true
			envelopes = append(envelopes, model.Envelope{UserID: m.UserID, DeviceID: m.DeviceID, EncryptedKey: m.EncryptedKeyEnvelope})
		}
		if !found {
			return nil, false
		}
	}
	return envelopes, true
}

func roleOf(members []model.Member) model.Role {
	for _, m := range members {
		if m.Role != "" {
			return m.Role
		}
	}
	return model.RoleWriter
}
