package service

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/dtroode/notesfed/internal/model"
)

// MockDocumentStore mocks the DocumentStore interface
type MockDocumentStore struct {
	mock.Mock
}

func (m *MockDocumentStore) GetByID(ctx context.Context, id string) (model.Document, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.Document), args.Error(1)
}

func (m *MockDocumentStore) Upsert(ctx context.Context, doc model.Document) (model.Document, error) {
	args := m.Called(ctx, doc)
	return args.Get(0).(model.Document), args.Error(1)
}

// MockMemberStore mocks the MemberStore interface
type MockMemberStore struct {
	mock.Mock
}

func (m *MockMemberStore) ListByUsers(ctx context.Context, docID string, userIDs []string) ([]model.Member, error) {
	args := m.Called(ctx, docID, userIDs)
	return args.Get(0).([]model.Member), args.Error(1)
}

func (m *MockMemberStore) ListByDocument(ctx context.Context, docID string) ([]model.Member, error) {
	args := m.Called(ctx, docID)
	return args.Get(0).([]model.Member), args.Error(1)
}

func (m *MockMemberStore) Upsert(ctx context.Context, member model.Member) error {
	args := m.Called(ctx, member)
	return args.Error(0)
}

func (m *MockMemberStore) Delete(ctx context.Context, docID, userID string) error {
	args := m.Called(ctx, docID, userID)
	return args.Error(0)
}

// MockUserStore mocks the UserStore interface
type MockUserStore struct {
	mock.Mock
}

func (m *MockUserStore) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.User), args.Error(1)
}

func (m *MockUserStore) GetByUsername(ctx context.Context, username string) (model.User, error) {
	args := m.Called(ctx, username)
	return args.Get(0).(model.User), args.Error(1)
}

func (m *MockUserStore) ListDevices(ctx context.Context, userID uuid.UUID) ([]model.Device, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]model.Device), args.Error(1)
}

// MockStorage mocks the Storage interface
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) Upload(ctx context.Context, key string, reader io.Reader) error {
	args := m.Called(ctx, key, reader)
	return args.Error(0)
}

func (m *MockStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	args := m.Called(ctx, key)
	rc, _ := args.Get(0).(io.ReadCloser)
	return rc, args.Error(1)
}

func (m *MockStorage) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockStorage) Exists(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

// countingResolver counts key resolutions.
type countingResolver struct {
	resolution KeyResolution
	err        error
	calls      int
}

func (r *countingResolver) Resolve(context.Context, model.Document, []string, string) (KeyResolution, error) {
	r.calls++
	return r.resolution, r.err
}

// fakeFetcher serves user identities by handle.
type fakeFetcher map[string]model.RemoteIdentity

func (f fakeFetcher) FetchUserIdentity(_ context.Context, handle, _ string) (model.RemoteIdentity, error) {
	id, ok := f[handle]
	if !ok {
		return model.RemoteIdentity{}, model.ErrNotFound
	}
	return id, nil
}

// recordingPublisher records published batches.
type recordingPublisher struct {
	batches [][]model.FederatedOp
}

func (p *recordingPublisher) Publish(_ string, ops []model.FederatedOp) {
	p.batches = append(p.batches, ops)
}

// MockTokenManager mocks the TokenManager interface
type MockTokenManager struct {
	mock.Mock
}

func (m *MockTokenManager) GenerateAccessToken(userID uuid.UUID) (string, error) {
	args := m.Called(userID)
	return args.String(0), args.Error(1)
}

func (m *MockTokenManager) ParseAccessToken(token string) (uuid.UUID, error) {
	args := m.Called(token)
	return args.Get(0).(uuid.UUID), args.Error(1)
}
