package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dtroode/notesfed/internal/fanout"
	"github.com/dtroode/notesfed/internal/logger"
	"github.com/dtroode/notesfed/internal/model"
	"github.com/dtroode/notesfed/internal/service"
)

// DocumentService creates documents and checks client access to them.
type DocumentService interface {
	Create(ctx context.Context, userID uuid.UUID, req service.CreateDocumentRequest) (model.Document, error)
	Authorize(ctx context.Context, userID uuid.UUID, docID string) (model.Document, error)
}

// OpPusher accepts ops from local clients.
type OpPusher interface {
	Push(ctx context.Context, docID string, ops []model.FederatedOp) ([]model.FederatedOp, error)
}

// Importer joins local users to documents hosted elsewhere.
type Importer interface {
	JoinRemote(ctx context.Context, userID uuid.UUID, docID string) (service.ImportResult, error)
}

// SnapshotSaver stores encrypted document snapshots.
type SnapshotSaver interface {
	Save(ctx context.Context, docID, data string) error
}

// Follower keeps replicated documents in sync with their host while local
// clients are listening.
type Follower interface {
	Acquire(docID, host string) func()
	State(docID string) (fanout.ConnState, bool)
}

// Client handles endpoints of local, token authenticated users.
type Client struct {
	documents DocumentService
	ops       OpPusher
	importer  Importer
	snapshots SnapshotSaver
	follower  Follower
	events    *EventStream
	ctxMgr    model.ContextManager
	logger    *logger.Logger
}

// NewClient creates a Client handler. snapshots may be nil when snapshot
// storage is disabled.
func NewClient(
	documents DocumentService,
	ops OpPusher,
	importer Importer,
	snapshots SnapshotSaver,
	follower Follower,
	events *EventStream,
	ctxMgr model.ContextManager,
	logger *logger.Logger,
) *Client {
	return &Client{
		documents: documents,
		ops:       ops,
		importer:  importer,
		snapshots: snapshots,
		follower:  follower,
		events:    events,
		ctxMgr:    ctxMgr,
		logger:    logger,
	}
}

type documentResponse struct {
	ID          string            `json:"id"`
	HostServer  string            `json:"hostServer"`
	OwnerID     string            `json:"ownerId"`
	Title       string            `json:"title"`
	AccessLevel model.AccessLevel `json:"accessLevel"`
	CreatedAt   time.Time         `json:"createdAt"`
}

type pushRequest struct {
	Op  *model.FederatedOp  `json:"op,omitempty"`
	Ops []model.FederatedOp `json:"ops,omitempty"`
}

type pushResponse struct {
	Success bool                `json:"success"`
	Ops     []model.FederatedOp `json:"ops"`
}

type snapshotRequest struct {
	Snapshot string `json:"snapshot"`
}

type importRequest struct {
	DocID string `json:"docId"`
}

type importResponse struct {
	DocID                string `json:"docId"`
	Host                 string `json:"host"`
	AlreadyJoined        bool   `json:"alreadyJoined"`
	NeedsPassword        bool   `json:"needsPassword,omitempty"`
	PasswordEncryptedKey string `json:"passwordEncryptedKey,omitempty"`
	Envelopes            int    `json:"envelopes"`
}

// CreateDocument registers a new document owned by the caller.
func (h *Client) CreateDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}

	var req service.CreateDocumentRequest
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		HandleError(w, err, h.logger)
		return
	}

	doc, err := h.documents.Create(r.Context(), userID, req)
	if err != nil {
		h.logger.Debug("Client handler: document creation failed", "user_id", userID, "error", err.Error())
		HandleError(w, err, h.logger)
		return
	}

	writeJSON(w, http.StatusCreated, documentResponse{
		ID:          doc.ID,
		HostServer:  doc.HostServer,
		OwnerID:     doc.OwnerID,
		Title:       doc.Title,
		AccessLevel: doc.AccessLevel,
		CreatedAt:   doc.CreatedAt,
	})
}

// Push accepts either a single op or a batch and returns the ops stored locally.
func (h *Client) Push(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")
	if _, ok := h.authorize(w, r, docID); !ok {
		return
	}

	var req pushRequest
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		HandleError(w, err, h.logger)
		return
	}
	ops := req.Ops
	if req.Op != nil {
		ops = append([]model.FederatedOp{*req.Op}, ops...)
	}

	h.logger.Debug("Client handler: processing push", "doc_id", docID, "ops", len(ops))

	stored, err := h.ops.Push(r.Context(), docID, ops)
	if err != nil {
		HandleError(w, err, h.logger)
		return
	}
	if stored == nil {
		stored = []model.FederatedOp{}
	}

	writeJSON(w, http.StatusOK, pushResponse{Success: true, Ops: stored})
}

// Events streams ops of a document to a local client. For documents hosted
// elsewhere the upstream connection is held open for as long as the client
// listens, and its state changes are forwarded.
func (h *Client) Events(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")
	since, err := parseSince(r)
	if err != nil {
		HandleError(w, err, h.logger)
		return
	}
	doc, ok := h.authorize(w, r, docID)
	if !ok {
		return
	}

	opts := streamOptions{greeting: true, states: !doc.IsLocal()}
	if !doc.IsLocal() {
		release := h.follower.Acquire(docID, doc.HostServer)
		defer release()
		opts.state, _ = h.follower.State(docID)
	}

	h.events.serve(w, r, docID, since, opts)
}

// PutSnapshot replaces the stored encrypted snapshot of a document.
func (h *Client) PutSnapshot(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")
	if h.snapshots == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "snapshot storage is disabled"})
		return
	}
	if _, ok := h.authorize(w, r, docID); !ok {
		return
	}

	var req snapshotRequest
	if err := decodeJSON(w, r, maxSnapshotBody, &req); err != nil {
		HandleError(w, err, h.logger)
		return
	}

	if err := h.snapshots.Save(r.Context(), docID, req.Snapshot); err != nil {
		HandleError(w, err, h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Import joins the caller to a document hosted on another server.
func (h *Client) Import(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}

	var req importRequest
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		HandleError(w, err, h.logger)
		return
	}

	h.logger.Debug("Client handler: processing import", "doc_id", req.DocID, "user_id", userID)

	result, err := h.importer.JoinRemote(r.Context(), userID, req.DocID)
	if err != nil {
		h.logger.Info("Client handler: import failed", "doc_id", req.DocID, "error", err.Error())
		HandleError(w, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, importResponse{
		DocID:                result.DocID,
		Host:                 result.Host,
		AlreadyJoined:        result.AlreadyJoined,
		NeedsPassword:        result.NeedsPassword,
		PasswordEncryptedKey: result.PasswordEncryptedKey,
		Envelopes:            result.Envelopes,
	})
}

func (h *Client) user(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := h.ctxMgr.GetUserIDFromContext(r.Context())
	if !ok {
		HandleError(w, model.ErrUnauthorized, h.logger)
		return uuid.Nil, false
	}
	return userID, true
}

func (h *Client) authorize(w http.ResponseWriter, r *http.Request, docID string) (model.Document, bool) {
	userID, ok := h.user(w, r)
	if !ok {
		return model.Document{}, false
	}
	doc, err := h.documents.Authorize(r.Context(), userID, docID)
	if err != nil {
		HandleError(w, err, h.logger)
		return model.Document{}, false
	}
	return doc, true
}
