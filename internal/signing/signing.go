// Package signing authenticates server-to-server requests.
//
// Every federation request carries three headers: the sender domain, a
// millisecond timestamp and an Ed25519 signature over
//
//	domain + ":" + timestamp + ":" + canonicalJSON(body)
//
// The verifier resolves the sender's signing key through its well-known
// endpoint and rejects requests outside the replay window.
package signing

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dtroode/notesfed/internal/identity"
	"github.com/dtroode/notesfed/internal/keycrypto"
)

const (
	HeaderSignature = "X-Notes-Signature"
	HeaderTimestamp = "X-Notes-Timestamp"
	HeaderDomain    = "X-Notes-Domain"

	// DefaultReplayWindow bounds the accepted clock distance between peers.
	DefaultReplayWindow = 5 * time.Minute
)

var (
	ErrMissingHeaders   = errors.New("missing signature headers")
	ErrUnknownPeer      = errors.New("unknown peer domain")
	ErrInvalidSignature = errors.New("signature verification failed")
	ErrStaleRequest     = errors.New("request timestamp outside replay window")
)

// Headers is the signature material attached to an outgoing request.
type Headers struct {
	Signature string
	Timestamp int64
	Domain    string
}

// Apply sets the signature headers on h.
func (s Headers) Apply(h http.Header) {
	h.Set(HeaderSignature, s.Signature)
	h.Set(HeaderTimestamp, strconv.FormatInt(s.Timestamp, 10))
	h.Set(HeaderDomain, s.Domain)
}

// Message returns the bytes covered by the signature.
func Message(domain string, timestamp int64, canonicalBody []byte) []byte {
	prefix := domain + ":" + strconv.FormatInt(timestamp, 10) + ":"
	msg := make([]byte, 0, len(prefix)+len(canonicalBody))
	msg = append(msg, prefix...)
	return append(msg, canonicalBody...)
}

// Signer signs outgoing federation requests with the server identity.
type Signer struct {
	identity *identity.Identity
	now      func() time.Time
}

// NewSigner creates a Signer for the given identity.
func NewSigner(id *identity.Identity) *Signer {
	return &Signer{identity: id, now: time.Now}
}

// Domain returns the domain requests are signed as.
func (s *Signer) Domain() string {
	return s.identity.Domain
}

// Sign canonicalizes payload and signs it. The returned body must be sent
// verbatim as the request body.
func (s *Signer) Sign(payload any) (Headers, []byte, error) {
	body, err := CanonicalJSON(payload)
	if err != nil {
		return Headers{}, nil, err
	}

	ts := s.now().UnixMilli()
	sig := s.identity.Sign(Message(s.identity.Domain, ts, body))

	return Headers{
		Signature: keycrypto.Encode(sig),
		Timestamp: ts,
		Domain:    s.identity.Domain,
	}, body, nil
}

// KeyResolver returns the signing public key a peer domain advertises.
type KeyResolver interface {
	SigningKey(ctx context.Context, domain string) (ed25519.PublicKey, error)
}

// KeyForgetter is implemented by resolvers that cache keys. Forget reports
// whether a cached key was dropped and a fresh lookup may return a new one.
type KeyForgetter interface {
	Forget(domain string) bool
}

// VerifiedPeer is the authenticated origin of a request.
type VerifiedPeer struct {
	Domain    string
	Timestamp time.Time
}

// Verifier checks signatures on incoming federation requests.
type Verifier struct {
	keys   KeyResolver
	window time.Duration
	now    func() time.Time
}

// NewVerifier creates a Verifier. A non-positive window falls back to DefaultReplayWindow.
func NewVerifier(keys KeyResolver, window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return &Verifier{keys: keys, window: window, now: time.Now}
}

// Verify authenticates a request given its headers and raw body.
func (v *Verifier) Verify(ctx context.Context, h http.Header, body []byte) (VerifiedPeer, error) {
	sigHeader := h.Get(HeaderSignature)
	tsHeader := h.Get(HeaderTimestamp)
	domain := h.Get(HeaderDomain)
	if sigHeader == "" || tsHeader == "" || domain == "" {
		return VerifiedPeer{}, ErrMissingHeaders
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return VerifiedPeer{}, fmt.Errorf("%w: malformed timestamp", ErrInvalidSignature)
	}
	sent := time.UnixMilli(ts)
	if skew := v.now().Sub(sent).Abs(); skew > v.window {
		return VerifiedPeer{}, fmt.Errorf("%w: skew %s", ErrStaleRequest, skew.Truncate(time.Second))
	}

	sig, err := keycrypto.Decode(sigHeader)
	if err != nil {
		return VerifiedPeer{}, fmt.Errorf("%w: malformed signature", ErrInvalidSignature)
	}

	canonical, err := canonicalize(body)
	if err != nil {
		return VerifiedPeer{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	msg := Message(domain, ts, canonical)
	pub, err := v.signingKey(ctx, domain)
	if err != nil {
		return VerifiedPeer{}, err
	}

	if !keycrypto.Verify(sig, msg, pub) {
		// The peer may have rotated its key since it was cached.
		forgetter, ok := v.keys.(KeyForgetter)
		if !ok || !forgetter.Forget(domain) {
			return VerifiedPeer{}, ErrInvalidSignature
		}
		if pub, err = v.signingKey(ctx, domain); err != nil {
			return VerifiedPeer{}, err
		}
		if !keycrypto.Verify(sig, msg, pub) {
			return VerifiedPeer{}, ErrInvalidSignature
		}
	}

	return VerifiedPeer{Domain: domain, Timestamp: sent}, nil
}

func (v *Verifier) signingKey(ctx context.Context, domain string) (ed25519.PublicKey, error) {
	pub, err := v.keys.SigningKey(ctx, domain)
	if err != nil {
		if errors.Is(err, ErrUnknownPeer) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownPeer, domain, err)
	}
	return pub, nil
}
