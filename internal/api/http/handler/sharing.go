package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/dtroode/notesfed/internal/logger"
	"github.com/dtroode/notesfed/internal/model"
	"github.com/dtroode/notesfed/internal/service"
)

// Sharer manages members of documents.
type Sharer interface {
	Share(ctx context.Context, userID uuid.UUID, docID string, req service.ShareRequest) (service.ShareResult, error)
	Members(ctx context.Context, userID uuid.UUID, docID string) ([]service.MemberInfo, error)
	Remove(ctx context.Context, userID uuid.UUID, docID, handle string) error
	Leave(ctx context.Context, userID uuid.UUID, docID string) error
}

// Sharing handles member management endpoints of local users.
type Sharing struct {
	sharing Sharer
	ctxMgr  model.ContextManager
	logger  *logger.Logger
}

func NewSharing(sharing Sharer, ctxMgr model.ContextManager, logger *logger.Logger) *Sharing {
	return &Sharing{sharing: sharing, ctxMgr: ctxMgr, logger: logger}
}

type membersResponse struct {
	DocID   string               `json:"docId"`
	Members []service.MemberInfo `json:"members"`
}

// Share updates the access level and invited users of a document.
func (h *Sharing) Share(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	docID := r.PathValue("docId")

	var req service.ShareRequest
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		HandleError(w, err, h.logger)
		return
	}

	result, err := h.sharing.Share(r.Context(), userID, docID, req)
	if err != nil {
		h.logger.Info("Sharing handler: share failed", "doc_id", docID, "error", err.Error())
		HandleError(w, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Members lists the members of a document.
func (h *Sharing) Members(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	docID := r.PathValue("docId")

	members, err := h.sharing.Members(r.Context(), userID, docID)
	if err != nil {
		HandleError(w, err, h.logger)
		return
	}
	if members == nil {
		members = []service.MemberInfo{}
	}

	writeJSON(w, http.StatusOK, membersResponse{DocID: docID, Members: members})
}

// Remove revokes a member of a document.
func (h *Sharing) Remove(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	docID := r.PathValue("docId")

	if err := h.sharing.Remove(r.Context(), userID, docID, r.PathValue("handle")); err != nil {
		HandleError(w, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// Leave removes the caller from a document.
func (h *Sharing) Leave(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}

	if err := h.sharing.Leave(r.Context(), userID, r.PathValue("docId")); err != nil {
		HandleError(w, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *Sharing) user(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := h.ctxMgr.GetUserIDFromContext(r.Context())
	if !ok {
		HandleError(w, model.ErrUnauthorized, h.logger)
		return uuid.Nil, false
	}
	return userID, true
}
