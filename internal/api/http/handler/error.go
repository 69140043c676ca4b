package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dtroode/notesfed/internal/logger"
	"github.com/dtroode/notesfed/internal/model"
	"github.com/dtroode/notesfed/internal/signing"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, signing.ErrMissingHeaders),
		errors.Is(err, signing.ErrUnknownPeer),
		errors.Is(err, signing.ErrInvalidSignature),
		errors.Is(err, signing.ErrStaleRequest),
		errors.Is(err, model.ErrUnauthorized),
		errors.Is(err, model.ErrTokenExpired),
		errors.Is(err, model.ErrTokenMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrKeyUnavailable),
		errors.Is(err, model.ErrPasswordKeyUnavailable):
		return http.StatusFailedDependency
	case errors.Is(err, model.ErrMalformedDocumentID),
		errors.Is(err, model.ErrInvalidHandle),
		errors.Is(err, model.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrPeerUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HandleError writes err as a JSON error body. Unexpected errors are logged
// and reported without details.
func HandleError(w http.ResponseWriter, err error, logger *logger.Logger) {
	status := statusOf(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
		message = "internal server error"
	}
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
