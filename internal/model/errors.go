package model

import "errors"

var (
	// ErrNotFound is returned by stores when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden means the requesting party has no access to the document.
	ErrForbidden = errors.New("access denied")
	// ErrKeyUnavailable means no escrowed document key exists for the requested access path.
	ErrKeyUnavailable = errors.New("document key unavailable")
	// ErrPasswordKeyUnavailable means the document is password protected but carries no password-wrapped key.
	ErrPasswordKeyUnavailable = errors.New("password-encrypted key unavailable")
	// ErrMalformedDocumentID is returned for portable ids whose origin segment cannot be decoded.
	ErrMalformedDocumentID = errors.New("malformed document id")
	// ErrInvalidHandle is returned for federated handles that cannot be parsed.
	ErrInvalidHandle = errors.New("invalid federated handle")
	// ErrInvalidRequest marks client or peer input that fails validation.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotAuthoritative is returned when an operation requires the local server to host the document.
	ErrNotAuthoritative = errors.New("document is not hosted on this server")
	// ErrPeerUnavailable wraps transport failures while talking to a remote server.
	ErrPeerUnavailable = errors.New("peer server unavailable")
)
