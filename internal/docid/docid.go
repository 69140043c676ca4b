// Package docid builds and parses portable document ids.
//
// A portable id embeds the domain of the server that created the document:
//
//	base64url(domain)~uuid
//
// Ids without the separator are legacy local ids.
package docid

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dtroode/notesfed/internal/model"
)

const separator = "~"

// ID is a parsed document id. Origin is empty for legacy ids.
type ID struct {
	Origin string
	UUID   string
	Full   string
}

// New returns a fresh portable id for a document created on domain.
func New(domain string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(domain)) + separator + uuid.NewString()
}

// Parse splits id into its origin domain and uuid.
func Parse(id string) (ID, error) {
	if id == "" {
		return ID{}, fmt.Errorf("%w: empty id", model.ErrMalformedDocumentID)
	}

	encoded, rest, ok := strings.Cut(id, separator)
	if !ok {
		return ID{UUID: id, Full: id}, nil
	}
	if encoded == "" || rest == "" {
		return ID{}, fmt.Errorf("%w: %q", model.ErrMalformedDocumentID, id)
	}

	origin, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", model.ErrMalformedDocumentID, err)
	}
	if len(origin) == 0 {
		return ID{}, fmt.Errorf("%w: empty origin", model.ErrMalformedDocumentID)
	}

	return ID{Origin: string(origin), UUID: rest, Full: id}, nil
}

// IsLocal reports whether id was created on domain. Legacy ids are local.
// Malformed ids are never local.
func IsLocal(id, domain string) bool {
	parsed, err := Parse(id)
	if err != nil {
		return false
	}
	return parsed.Origin == "" || parsed.Origin == domain
}
