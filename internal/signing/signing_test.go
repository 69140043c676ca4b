package signing

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/notesfed/internal/identity"
)

type staticKeys map[string]ed25519.PublicKey

func (s staticKeys) SigningKey(_ context.Context, domain string) (ed25519.PublicKey, error) {
	key, ok := s[domain]
	if !ok {
		return nil, errors.New("no such peer")
	}
	return key, nil
}

func newPair(t *testing.T) (*Signer, *Verifier, *identity.Identity) {
	t.Helper()
	id, err := identity.New("b.example")
	require.NoError(t, err)
	return NewSigner(id), NewVerifier(staticKeys{"b.example": id.SigningPublicKey}, 0), id
}

func TestSignVerify(t *testing.T) {
	signer, verifier, _ := newPair(t)

	payload := map[string]any{"users": []string{"@bob:b.example"}, "requesting_server": "b.example"}
	headers, body, err := signer.Sign(payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"requesting_server":"b.example","users":["@bob:b.example"]}`, string(body))

	h := http.Header{}
	headers.Apply(h)

	peer, err := verifier.Verify(context.Background(), h, body)
	require.NoError(t, err)
	assert.Equal(t, "b.example", peer.Domain)

	reordered := []byte(`{ "users" : ["@bob:b.example"],
		"requesting_server": "b.example" }`)
	_, err = verifier.Verify(context.Background(), h, reordered)
	assert.NoError(t, err, "key order and whitespace must not matter")
}

func TestVerify_Failures(t *testing.T) {
	signer, verifier, _ := newPair(t)
	headers, body, err := signer.Sign(map[string]int{"n": 1})
	require.NoError(t, err)

	other, err := identity.New("b.example")
	require.NoError(t, err)

	tests := []struct {
		name     string
		mutate   func(h http.Header) []byte
		verifier *Verifier
		wantErr  error
	}{
		{
			name: "missing signature",
			mutate: func(h http.Header) []byte {
				h.Del(HeaderSignature)
				return body
			},
			wantErr: ErrMissingHeaders,
		},
		{
			name: "missing domain",
			mutate: func(h http.Header) []byte {
				h.Del(HeaderDomain)
				return body
			},
			wantErr: ErrMissingHeaders,
		},
		{
			name:    "tampered body",
			mutate:  func(http.Header) []byte { return []byte(`{"n":2}`) },
			wantErr: ErrInvalidSignature,
		},
		{
			name: "spoofed domain",
			mutate: func(h http.Header) []byte {
				h.Set(HeaderDomain, "c.example")
				return body
			},
			verifier: NewVerifier(staticKeys{"b.example": other.SigningPublicKey, "c.example": other.SigningPublicKey}, 0),
			wantErr:  ErrInvalidSignature,
		},
		{
			name: "unknown peer",
			mutate: func(h http.Header) []byte {
				h.Set(HeaderDomain, "c.example")
				return body
			},
			wantErr: ErrUnknownPeer,
		},
		{
			name: "malformed timestamp",
			mutate: func(h http.Header) []byte {
				h.Set(HeaderTimestamp, "yesterday")
				return body
			},
			wantErr: ErrInvalidSignature,
		},
		{
			name:    "not json",
			mutate:  func(http.Header) []byte { return []byte("{") },
			wantErr: ErrInvalidSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			headers.Apply(h)
			b := tt.mutate(h)

			v := verifier
			if tt.verifier != nil {
				v = tt.verifier
			}
			_, err := v.Verify(context.Background(), h, b)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerify_ReplayWindow(t *testing.T) {
	signer, verifier, _ := newPair(t)
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	signer.now = func() time.Time { return base }

	headers, body, err := signer.Sign(map[string]string{"a": "b"})
	require.NoError(t, err)
	h := http.Header{}
	headers.Apply(h)

	tests := []struct {
		name    string
		now     time.Time
		wantErr error
	}{
		{name: "fresh", now: base.Add(time.Second)},
		{name: "edge of window", now: base.Add(DefaultReplayWindow)},
		{name: "too old", now: base.Add(DefaultReplayWindow + time.Second), wantErr: ErrStaleRequest},
		{name: "from the future", now: base.Add(-DefaultReplayWindow - time.Second), wantErr: ErrStaleRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifier.now = func() time.Time { return tt.now }
			_, err := verifier.Verify(context.Background(), h, body)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCanonicalJSON(t *testing.T) {
	got, err := CanonicalJSON(struct {
		B int     `json:"b"`
		A float64 `json:"a"`
	}{B: 1, A: 12345678901234567})
	require.NoError(t, err)
	assert.Equal(t, `{"a":12345678901234568,"b":1}`, string(got))

	got, err = CanonicalJSON([]byte(`{"z": 1.50, "a": [3, 2]}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":[3,2],"z":1.50}`, string(got))

	got, err = CanonicalJSON(nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCanonicalJSON_LiteralCharacters(t *testing.T) {
	got, err := CanonicalJSON(map[string]string{"b": "<a&b>", "a": "\u2028", "c": "q\"\\\n\x01"})
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":\"\u2028\",\"b\":\"<a&b>\",\"c\":\"q\\\"\\\\\\n\\u0001\"}", string(got))

	got, err = CanonicalJSON([]byte(`{"k":"<x>","n":null,"t":true}`))
	require.NoError(t, err)
	assert.Equal(t, `{"k":"<x>","n":null,"t":true}`, string(got))
}
