package handler

import (
	"context"
	"net/http"

	"github.com/dtroode/notesfed/internal/logger"
	"github.com/dtroode/notesfed/internal/model"
)

// ServerIdentity exposes the public half of the server key pairs.
type ServerIdentity interface {
	Public() model.PeerServer
}

// DirectoryService looks up identity documents of local users.
type DirectoryService interface {
	Lookup(ctx context.Context, handle string) (model.RemoteIdentity, error)
}

// WellKnown serves discovery documents peers and clients fetch without authentication.
type WellKnown struct {
	identity  ServerIdentity
	directory DirectoryService
	logger    *logger.Logger
}

func NewWellKnown(identity ServerIdentity, directory DirectoryService, logger *logger.Logger) *WellKnown {
	return &WellKnown{identity: identity, directory: directory, logger: logger}
}

// Server returns the domain and public keys of this server. It also backs
// the client facing server identity endpoint.
func (h *WellKnown) Server(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.identity.Public())
}

// Identity returns the public identity document of a local user.
func (h *WellKnown) Identity(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	h.logger.Debug("WellKnown handler: processing identity lookup", "handle", handle)

	identity, err := h.directory.Lookup(r.Context(), handle)
	if err != nil {
		h.logger.Debug("WellKnown handler: identity lookup failed", "handle", handle, "error", err.Error())
		HandleError(w, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, identity)
}
