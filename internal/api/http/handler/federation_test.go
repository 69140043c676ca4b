package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	apicontext "github.com/dtroode/notesfed/internal/api/context"
	"github.com/dtroode/notesfed/internal/model"
	"github.com/dtroode/notesfed/internal/service"
	"github.com/dtroode/notesfed/internal/signing"
	"github.com/dtroode/notesfed/internal/testutil"
)

type federationFixture struct {
	join      *MockJoin
	ops       *MockOpLog
	documents *MockDocumentStore
	handler   *Federation
	ctxMgr    *apicontext.Manager
}

func newFederationFixture() *federationFixture {
	f := &federationFixture{
		join:      new(MockJoin),
		ops:       new(MockOpLog),
		documents: new(MockDocumentStore),
		ctxMgr:    apicontext.NewManager(),
	}
	events := NewEventStream(f.ops, &scriptedSubscriber{}, time.Minute, testutil.MakeNoopLogger())
	f.handler = NewFederation(f.join, f.ops, f.documents, events, f.ctxMgr, testutil.MakeNoopLogger())
	return f
}

func (f *federationFixture) request(method, target, body, docID, peer string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.SetPathValue("docId", docID)
	if peer != "" {
		req = req.WithContext(f.ctxMgr.SetPeerToContext(req.Context(), peer))
	}
	return req
}

func TestFederation_Join(t *testing.T) {
	t.Run("returns envelopes", func(t *testing.T) {
		f := newFederationFixture()
		want := model.JoinRequest{RequestingServer: "b.example", Users: []string{"@bob:b.example"}}
		f.join.On("Accept", mock.Anything, signing.VerifiedPeer{Domain: "b.example"}, "doc-1", want).
			Return(service.JoinResult{
				State: service.JoinPersisted,
				Response: model.JoinResponse{
					Envelopes:   []model.Envelope{{UserID: "@bob:b.example", DeviceID: "primary", EncryptedKey: "ZW52"}},
					Title:       "Notes",
					OwnerID:     "@alice:a.example",
					AccessLevel: model.AccessAuthenticated,
				},
			}, nil)

		rec := httptest.NewRecorder()
		f.handler.Join(rec, f.request(http.MethodPost, "/federation/doc/doc-1/join",
			`{"requesting_server":"b.example","users":["@bob:b.example"]}`, "doc-1", "b.example"))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{
			"envelopes":[{"user_id":"@bob:b.example","device_id":"primary","encrypted_key":"ZW52"}],
			"title":"Notes","ownerId":"@alice:a.example","accessLevel":"authenticated"
		}`, rec.Body.String())
	})

	t.Run("rejection maps to status", func(t *testing.T) {
		f := newFederationFixture()
		f.join.On("Accept", mock.Anything, mock.Anything, "doc-1", mock.Anything).
			Return(service.JoinResult{State: service.JoinRejected},
				&service.RejectedError{After: service.JoinAccessChecked, Err: model.ErrForbidden})

		rec := httptest.NewRecorder()
		f.handler.Join(rec, f.request(http.MethodPost, "/", `{"users":["@eve:b.example"]}`, "doc-1", "b.example"))

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unverified request", func(t *testing.T) {
		f := newFederationFixture()

		rec := httptest.NewRecorder()
		f.handler.Join(rec, f.request(http.MethodPost, "/", `{}`, "doc-1", ""))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		f.join.AssertNotCalled(t, "Accept", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("malformed body", func(t *testing.T) {
		f := newFederationFixture()

		rec := httptest.NewRecorder()
		f.handler.Join(rec, f.request(http.MethodPost, "/", `{"users":`, "doc-1", "b.example"))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestFederation_PullOps(t *testing.T) {
	t.Run("returns ops and version", func(t *testing.T) {
		f := newFederationFixture()
		f.documents.On("GetByID", mock.Anything, "doc-1").Return(model.Document{ID: "doc-1"}, nil)
		f.ops.On("Pull", mock.Anything, "doc-1", int64(4)).Return([]model.FederatedOp{testOp("a5", 5)}, int64(5), nil)

		rec := httptest.NewRecorder()
		f.handler.PullOps(rec, f.request(http.MethodGet, "/federation/doc/doc-1/ops?since=4", "", "doc-1", "b.example"))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"ops":[{"op_id":"a5","actor_id":"alice","lamport_ts":5,"encrypted_payload":"cGF5bG9hZA==","signature":"c2ln"}],"server_version":5}`,
			rec.Body.String())
	})

	t.Run("empty log encodes an empty list", func(t *testing.T) {
		f := newFederationFixture()
		f.documents.On("GetByID", mock.Anything, "doc-1").Return(model.Document{ID: "doc-1"}, nil)
		f.ops.On("Pull", mock.Anything, "doc-1", int64(0)).Return([]model.FederatedOp(nil), int64(0), nil)

		rec := httptest.NewRecorder()
		f.handler.PullOps(rec, f.request(http.MethodGet, "/federation/doc/doc-1/ops", "", "doc-1", "b.example"))

		assert.JSONEq(t, `{"ops":[],"server_version":0}`, rec.Body.String())
	})

	t.Run("unknown document", func(t *testing.T) {
		f := newFederationFixture()
		f.documents.On("GetByID", mock.Anything, "doc-x").Return(model.Document{}, model.ErrNotFound)

		rec := httptest.NewRecorder()
		f.handler.PullOps(rec, f.request(http.MethodGet, "/federation/doc/doc-x/ops", "", "doc-x", "b.example"))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad since", func(t *testing.T) {
		f := newFederationFixture()

		rec := httptest.NewRecorder()
		f.handler.PullOps(rec, f.request(http.MethodGet, "/federation/doc/doc-1/ops?since=-3", "", "doc-1", "b.example"))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestFederation_PushOps(t *testing.T) {
	f := newFederationFixture()
	f.ops.On("Receive", mock.Anything, "doc-1", []model.FederatedOp{testOp("b1", 7)}).Return(nil)

	rec := httptest.NewRecorder()
	f.handler.PushOps(rec, f.request(http.MethodPost, "/federation/doc/doc-1/ops",
		`{"ops":[{"op_id":"b1","actor_id":"alice","lamport_ts":7,"encrypted_payload":"cGF5bG9hZA==","signature":"c2ln"}]}`,
		"doc-1", "b.example"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
	f.ops.AssertExpectations(t)
}

func TestFederation_PushOps_NotHostedHere(t *testing.T) {
	f := newFederationFixture()
	f.ops.On("Receive", mock.Anything, "doc-1", mock.Anything).Return(model.ErrNotFound)

	rec := httptest.NewRecorder()
	f.handler.PushOps(rec, f.request(http.MethodPost, "/", `{"ops":[]}`, "doc-1", "b.example"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFederation_Events(t *testing.T) {
	f := newFederationFixture()
	f.documents.On("GetByID", mock.Anything, "doc-1").Return(model.Document{ID: "doc-1"}, nil)
	f.ops.On("Pull", mock.Anything, "doc-1", int64(2)).Return([]model.FederatedOp{testOp("a3", 3)}, int64(3), nil)

	rec := httptest.NewRecorder()
	f.handler.Events(rec, f.request(http.MethodGet, "/federation/doc/doc-1/events?since=2", "", "doc-1", "b.example"))

	frames := parseFrames(t, rec.Body.String())
	assert.Len(t, frames, 1)
	assert.Equal(t, []string{"a3"}, decodeOps(t, frames[0].data))
}
