package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/dtroode/notesfed/internal/logger"
	"github.com/dtroode/notesfed/internal/model"
	"github.com/dtroode/notesfed/internal/service"
	"github.com/dtroode/notesfed/internal/signing"
)

// JoinAcceptor answers join requests of peer servers.
type JoinAcceptor interface {
	Accept(ctx context.Context, peer signing.VerifiedPeer, docID string, req model.JoinRequest) (service.JoinResult, error)
}

// OpReceiver stores ops pushed by peer servers.
type OpReceiver interface {
	OpReader
	Receive(ctx context.Context, docID string, ops []model.FederatedOp) error
}

// Federation handles server-to-server endpoints. Every request reaching it
// has passed signature verification.
type Federation struct {
	join      JoinAcceptor
	ops       OpReceiver
	documents model.DocumentStore
	events    *EventStream
	ctxMgr    model.ContextManager
	logger    *logger.Logger
}

func NewFederation(
	join JoinAcceptor,
	ops OpReceiver,
	documents model.DocumentStore,
	events *EventStream,
	ctxMgr model.ContextManager,
	logger *logger.Logger,
) *Federation {
	return &Federation{
		join:      join,
		ops:       ops,
		documents: documents,
		events:    events,
		ctxMgr:    ctxMgr,
		logger:    logger,
	}
}

type successResponse struct {
	Success bool `json:"success"`
}

// Join runs the host side of the join protocol for the signing peer.
func (h *Federation) Join(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")
	peer, ok := h.peer(r)
	if !ok {
		HandleError(w, signing.ErrMissingHeaders, h.logger)
		return
	}

	var req model.JoinRequest
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		HandleError(w, err, h.logger)
		return
	}

	h.logger.Debug("Federation handler: processing join request",
		"doc_id", docID,
		"peer", peer.Domain,
		"users", len(req.Users))

	result, err := h.join.Accept(r.Context(), peer, docID, req)
	if err != nil {
		var rejected *service.RejectedError
		if errors.As(err, &rejected) {
			h.logger.Info("Federation handler: join rejected",
				"doc_id", docID,
				"peer", peer.Domain,
				"after", rejected.After)
		}
		HandleError(w, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, result.Response)
}

// PullOps returns the op log of a document after ?since.
func (h *Federation) PullOps(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")
	since, err := parseSince(r)
	if err != nil {
		HandleError(w, err, h.logger)
		return
	}
	if _, err := h.documents.GetByID(r.Context(), docID); err != nil {
		HandleError(w, err, h.logger)
		return
	}

	ops, version, err := h.ops.Pull(r.Context(), docID, since)
	if err != nil {
		HandleError(w, err, h.logger)
		return
	}
	if ops == nil {
		ops = []model.FederatedOp{}
	}

	writeJSON(w, http.StatusOK, model.PullOpsResponse{Ops: ops, ServerVersion: version})
}

// PushOps stores ops a peer forwarded for a document hosted here.
func (h *Federation) PushOps(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")

	var req model.PushOpsRequest
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		HandleError(w, err, h.logger)
		return
	}

	peer, _ := h.ctxMgr.GetPeerFromContext(r.Context())
	h.logger.Debug("Federation handler: processing pushed ops",
		"doc_id", docID,
		"peer", peer,
		"ops", len(req.Ops))

	if err := h.ops.Receive(r.Context(), docID, req.Ops); err != nil {
		HandleError(w, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// Events streams the op log of a document to a peer server.
func (h *Federation) Events(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")
	since, err := parseSince(r)
	if err != nil {
		HandleError(w, err, h.logger)
		return
	}
	if _, err := h.documents.GetByID(r.Context(), docID); err != nil {
		HandleError(w, err, h.logger)
		return
	}

	h.events.serve(w, r, docID, since, streamOptions{})
}

func (h *Federation) peer(r *http.Request) (signing.VerifiedPeer, bool) {
	domain, ok := h.ctxMgr.GetPeerFromContext(r.Context())
	if !ok {
		return signing.VerifiedPeer{}, false
	}
	return signing.VerifiedPeer{Domain: domain}, true
}
