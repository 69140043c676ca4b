package handler

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/dtroode/notesfed/internal/fanout"
	"github.com/dtroode/notesfed/internal/model"
	"github.com/dtroode/notesfed/internal/service"
	"github.com/dtroode/notesfed/internal/signing"
)

type MockOpLog struct {
	mock.Mock
}

func (m *MockOpLog) Pull(ctx context.Context, docID string, since int64) ([]model.FederatedOp, int64, error) {
	args := m.Called(ctx, docID, since)
	ops, _ := args.Get(0).([]model.FederatedOp)
	return ops, args.Get(1).(int64), args.Error(2)
}

func (m *MockOpLog) Receive(ctx context.Context, docID string, ops []model.FederatedOp) error {
	return m.Called(ctx, docID, ops).Error(0)
}

func (m *MockOpLog) Push(ctx context.Context, docID string, ops []model.FederatedOp) ([]model.FederatedOp, error) {
	args := m.Called(ctx, docID, ops)
	stored, _ := args.Get(0).([]model.FederatedOp)
	return stored, args.Error(1)
}

type MockJoin struct {
	mock.Mock
}

func (m *MockJoin) Accept(ctx context.Context, peer signing.VerifiedPeer, docID string, req model.JoinRequest) (service.JoinResult, error) {
	args := m.Called(ctx, peer, docID, req)
	return args.Get(0).(service.JoinResult), args.Error(1)
}

func (m *MockJoin) JoinRemote(ctx context.Context, userID uuid.UUID, docID string) (service.ImportResult, error) {
	args := m.Called(ctx, userID, docID)
	return args.Get(0).(service.ImportResult), args.Error(1)
}

type MockDocuments struct {
	mock.Mock
}

func (m *MockDocuments) Create(ctx context.Context, userID uuid.UUID, req service.CreateDocumentRequest) (model.Document, error) {
	args := m.Called(ctx, userID, req)
	return args.Get(0).(model.Document), args.Error(1)
}

func (m *MockDocuments) Authorize(ctx context.Context, userID uuid.UUID, docID string) (model.Document, error) {
	args := m.Called(ctx, userID, docID)
	return args.Get(0).(model.Document), args.Error(1)
}

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

type MockSnapshots struct {
	mock.Mock
}

func (m *MockSnapshots) Save(ctx context.Context, docID, data string) error {
	return m.Called(ctx, docID, data).Error(0)
}

type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) Lookup(ctx context.Context, handle string) (model.RemoteIdentity, error) {
	args := m.Called(ctx, handle)
	return args.Get(0).(model.RemoteIdentity), args.Error(1)
}

type MockFollower struct {
	mock.Mock
}

func (m *MockFollower) Acquire(docID, host string) func() {
	args := m.Called(docID, host)
	return args.Get(0).(func())
}

func (m *MockFollower) State(docID string) (fanout.ConnState, bool) {
	args := m.Called(docID)
	return args.Get(0).(fanout.ConnState), args.Bool(1)
}

// scriptedSubscriber hands out a pre-filled channel that is closed once its
// events are drained, which ends the stream.
type scriptedSubscriber struct {
	events       []fanout.Event
	unsubscribed bool
}

func (s *scriptedSubscriber) Subscribe(string) (<-chan fanout.Event, func()) {
	ch := make(chan fanout.Event, len(s.events))
	for _, ev := range s.events {
		ch <- ev
	}
	close(ch)
	return ch, func() { s.unsubscribed = true }
}

type staticIdentity struct {
	server model.PeerServer
}

func (s staticIdentity) Public() model.PeerServer {
	return s.server
}

// MockSharing mocks the Sharer interface
type MockSharing struct {
	mock.Mock
}

func (m *MockSharing) Share(ctx context.Context, userID uuid.UUID, docID string, req service.ShareRequest) (service.ShareResult, error) {
	args := m.Called(ctx, userID, docID, req)
	return args.Get(0).(service.ShareResult), args.Error(1)
}

func (m *MockSharing) Members(ctx context.Context, userID uuid.UUID, docID string) ([]service.MemberInfo, error) {
	args := m.Called(ctx, userID, docID)
	members, _ := args.Get(0).([]service.MemberInfo)
	return members, args.Error(1)
}

func (m *MockSharing) Remove(ctx context.Context, userID uuid.UUID, docID, handle string) error {
	args := m.Called(ctx, userID, docID, handle)
	return args.Error(0)
}

func (m *MockSharing) Leave(ctx context.Context, userID uuid.UUID, docID string) error {
	args := m.Called(ctx, userID, docID)
	return args.Error(0)
}
