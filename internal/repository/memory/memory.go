// Package memory implements the stores in process memory. It backs
// development servers started without a database and scenario tests.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dtroode/notesfed/internal/model"
)

var (
	_ model.DocumentStore = (*DocumentRepository)(nil)
	_ model.MemberStore   = (*MemberRepository)(nil)
	_ model.OpStore       = (*OpRepository)(nil)
	_ model.UserStore     = (*UserRepository)(nil)
)

// DocumentRepository stores documents.
type DocumentRepository struct {
	mu   sync.RWMutex
	docs map[string]model.Document
}

func NewDocumentRepository() *DocumentRepository {
	return &DocumentRepository{docs: make(map[string]model.Document)}
}

func (r *DocumentRepository) GetByID(_ context.Context, id string) (model.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, ok := r.docs[id]
	if !ok {
		return model.Document{}, model.ErrNotFound
	}
	return doc, nil
}

func (r *DocumentRepository) Upsert(_ context.Context, doc model.Document) (model.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if prev, ok := r.docs[doc.ID]; ok {
		doc.CreatedAt = prev.CreatedAt
	} else {
		doc.CreatedAt = now
	}
	if doc.HostServer == "" {
		doc.HostServer = model.HostLocal
	}
	doc.UpdatedAt = now
	r.docs[doc.ID] = doc
	return doc, nil
}

type memberKey struct {
	docID, userID, deviceID string
}

// MemberRepository stores document members.
type MemberRepository struct {
	mu      sync.RWMutex
	members map[memberKey]model.Member
}

func NewMemberRepository() *MemberRepository {
	return &MemberRepository{members: make(map[memberKey]model.Member)}
}

func (r *MemberRepository) ListByUsers(_ context.Context, docID string, userIDs []string) ([]model.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Member
	for k, m := range r.members {
		if k.docID == docID && slices.Contains(userIDs, k.userID) {
			out = append(out, m)
		}
	}
	sortMembers(out)
	return out, nil
}

func (r *MemberRepository) ListByDocument(_ context.Context, docID string) ([]model.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Member
	for k, m := range r.members {
		if k.docID == docID {
			out = append(out, m)
		}
	}
	sortMembers(out)
	return out, nil
}

func (r *MemberRepository) Upsert(_ context.Context, member model.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := memberKey{member.DocID, member.UserID, member.DeviceID}
	if prev, ok := r.members[k]; ok {
		member.CreatedAt = prev.CreatedAt
	} else {
		member.CreatedAt = time.Now()
	}
	r.members[k] = member
	return nil
}

func (r *MemberRepository) Delete(_ context.Context, docID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for k := range r.members {
		if k.docID == docID && k.userID == userID {
			delete(r.members, k)
			removed++
		}
	}
	if removed == 0 {
		return model.ErrNotFound
	}
	return nil
}

func sortMembers(ms []model.Member) {
	slices.SortFunc(ms, func(a, b model.Member) int {
		return cmp.Or(cmp.Compare(a.UserID, b.UserID), cmp.Compare(a.DeviceID, b.DeviceID))
	})
}

// OpRepository stores federated ops.
type OpRepository struct {
	mu  sync.RWMutex
	ids map[string]struct{}
	ops map[string][]model.FederatedOp
}

func NewOpRepository() *OpRepository {
	return &OpRepository{
		ids: make(map[string]struct{}),
		ops: make(map[string][]model.FederatedOp),
	}
}

func (r *OpRepository) Insert(_ context.Context, op model.FederatedOp) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ids[op.ID]; ok {
		return false, nil
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}
	r.ids[op.ID] = struct{}{}
	r.ops[op.DocID] = append(r.ops[op.DocID], op)
	return true, nil
}

func (r *OpRepository) ListSince(_ context.Context, docID string, since int64) ([]model.FederatedOp, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.FederatedOp
	for _, op := range r.ops[docID] {
		if op.LamportTs > since {
			out = append(out, op)
		}
	}
	slices.SortFunc(out, func(a, b model.FederatedOp) int {
		return cmp.Or(cmp.Compare(a.LamportTs, b.LamportTs), cmp.Compare(a.OpID, b.OpID))
	})
	return out, nil
}

func (r *OpRepository) MaxLamport(_ context.Context, docID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest int64
	for _, op := range r.ops[docID] {
		if op.LamportTs > latest {
			latest = op.LamportTs
		}
	}
	return latest, nil
}

// UserRepository is a user directory populated through Add.
type UserRepository struct {
	mu      sync.RWMutex
	users   map[uuid.UUID]model.User
	devices map[uuid.UUID][]model.Device
}

func NewUserRepository() *UserRepository {
	return &UserRepository{
		users:   make(map[uuid.UUID]model.User),
		devices: make(map[uuid.UUID][]model.Device),
	}
}

// Add registers a user and their devices.
func (r *UserRepository) Add(user model.User, devices ...model.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.users[user.ID] = user
	for i := range devices {
		devices[i].UserID = user.ID
	}
	r.devices[user.ID] = append(r.devices[user.ID], devices...)
}

func (r *UserRepository) GetByID(_ context.Context, id uuid.UUID) (model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return model.User{}, model.ErrNotFound
	}
	return u, nil
}

func (r *UserRepository) GetByUsername(_ context.Context, username string) (model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.users {
		if u.Username == username {
			return u, nil
		}
	}
	return model.User{}, model.ErrNotFound
}

func (r *UserRepository) ListDevices(_ context.Context, userID uuid.UUID) ([]model.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.devices[userID]), nil
}
