package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dtroode/notesfed/internal/api/http/handler"
	"github.com/dtroode/notesfed/internal/logger"
	"github.com/dtroode/notesfed/internal/model"
	"github.com/dtroode/notesfed/internal/signing"
)

const maxSignedBody = 8 << 20

// RequestVerifier authenticates signed federation requests.
type RequestVerifier interface {
	Verify(ctx context.Context, h http.Header, body []byte) (signing.VerifiedPeer, error)
}

// VerifySignature authenticates peer servers on federation endpoints and
// puts the verified domain into the request context.
type VerifySignature struct {
	verifier       RequestVerifier
	contextManager model.ContextManager
	logger         *logger.Logger
}

func NewVerifySignature(verifier RequestVerifier, contextManager model.ContextManager, logger *logger.Logger) *VerifySignature {
	return &VerifySignature{verifier: verifier, contextManager: contextManager, logger: logger}
}

// Handle verifies the signature over the request body, then hands a fresh
// copy of the body to next.
func (m *VerifySignature) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSignedBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				err = fmt.Errorf("%w: body exceeds %d bytes", model.ErrInvalidRequest, tooLarge.Limit)
			}
			handler.HandleError(w, err, m.logger)
			return
		}
		r.Body.Close()

		peer, err := m.verifier.Verify(r.Context(), r.Header, body)
		if err != nil {
			m.logger.Warn("rejected federation request",
				"path", r.URL.Path,
				"domain", r.Header.Get(signing.HeaderDomain),
				"error", err.Error())
			handler.HandleError(w, err, m.logger)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		next.ServeHTTP(w, r.WithContext(m.contextManager.SetPeerToContext(r.Context(), peer.Domain)))
	})
}
