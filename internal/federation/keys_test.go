package federation

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/notesfed/internal/identity"
	"github.com/dtroode/notesfed/internal/model"
	"github.com/dtroode/notesfed/internal/signing"
)

type countingFetcher struct {
	info  model.PeerServer
	err   error
	calls int
}

func (f *countingFetcher) FetchServer(_ context.Context, _ string) (model.PeerServer, error) {
	f.calls++
	return f.info, f.err
}

func TestPeerKeys_Cache(t *testing.T) {
	id, err := identity.New("b.example")
	require.NoError(t, err)

	fetcher := &countingFetcher{info: id.Public()}
	keys := NewPeerKeys(fetcher, 5*time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	keys.now = func() time.Time { return now }

	key, err := keys.SigningKey(context.Background(), "b.example")
	require.NoError(t, err)
	assert.Equal(t, id.SigningPublicKey, key)

	_, err = keys.SigningKey(context.Background(), "b.example")
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.calls)

	now = now.Add(6 * time.Minute)
	_, err = keys.SigningKey(context.Background(), "b.example")
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.calls)

	assert.False(t, keys.Forget("b.example"), "fresh keys are kept")
	assert.False(t, keys.Forget("c.example"))

	now = now.Add(DefaultKeyRefetchInterval)
	assert.True(t, keys.Forget("b.example"))
	_, err = keys.SigningKey(context.Background(), "b.example")
	require.NoError(t, err)
	assert.Equal(t, 3, fetcher.calls)
}

func TestPeerKeys_VerifierPicksUpRotatedKey(t *testing.T) {
	oldID, err := identity.New("b.example")
	require.NoError(t, err)
	newID, err := identity.New("b.example")
	require.NoError(t, err)

	fetcher := &countingFetcher{info: oldID.Public()}
	keys := NewPeerKeys(fetcher, time.Hour)
	now := time.Now()
	keys.now = func() time.Time { return now }
	verifier := signing.NewVerifier(keys, 0)

	signed := func(id *identity.Identity) (http.Header, []byte) {
		headers, body, err := signing.NewSigner(id).Sign(map[string]int{"n": 1})
		require.NoError(t, err)
		h := http.Header{}
		headers.Apply(h)
		return h, body
	}

	h, body := signed(oldID)
	_, err = verifier.Verify(context.Background(), h, body)
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.calls)

	fetcher.info = newID.Public()
	h, body = signed(newID)
	_, err = verifier.Verify(context.Background(), h, body)
	require.ErrorIs(t, err, signing.ErrInvalidSignature, "a key fetched moments ago is not refetched")
	assert.Equal(t, 1, fetcher.calls)

	now = now.Add(time.Minute)
	_, err = verifier.Verify(context.Background(), h, body)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.calls)

	forged, err := identity.New("b.example")
	require.NoError(t, err)
	now = now.Add(time.Minute)
	h, body = signed(forged)
	_, err = verifier.Verify(context.Background(), h, body)
	require.ErrorIs(t, err, signing.ErrInvalidSignature)
	assert.Equal(t, 3, fetcher.calls, "one refetch per failed verification")
}

func TestPeerKeys_Errors(t *testing.T) {
	id, err := identity.New("b.example")
	require.NoError(t, err)

	tests := []struct {
		name    string
		fetcher *countingFetcher
	}{
		{name: "fetch fails", fetcher: &countingFetcher{err: errors.New("dial tcp: refused")}},
		{name: "domain mismatch", fetcher: &countingFetcher{info: model.PeerServer{Domain: "evil.example", PublicKey: id.Public().PublicKey}}},
		{name: "bad key", fetcher: &countingFetcher{info: model.PeerServer{Domain: "b.example", PublicKey: "AAAA"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys := NewPeerKeys(tt.fetcher, time.Minute)
			_, err := keys.SigningKey(context.Background(), "b.example")
			assert.ErrorIs(t, err, signing.ErrUnknownPeer)
		})
	}
}
