package federation

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/dtroode/notesfed/internal/keycrypto"
	"github.com/dtroode/notesfed/internal/model"
	"github.com/dtroode/notesfed/internal/signing"
)

var (
	_ signing.KeyResolver  = (*PeerKeys)(nil)
	_ signing.KeyForgetter = (*PeerKeys)(nil)
)

type serverFetcher interface {
	FetchServer(ctx context.Context, domain string) (model.PeerServer, error)
}

// DefaultKeyRefetchInterval bounds how often a cached key may be dropped
// because a signature failed to verify against it.
const DefaultKeyRefetchInterval = 30 * time.Second

type peerKeyEntry struct {
	key       ed25519.PublicKey
	fetchedAt time.Time
	expiresAt time.Time
}

// PeerKeys resolves and caches the signing keys peers publish at their well-known endpoint.
type PeerKeys struct {
	fetcher serverFetcher
	ttl     time.Duration
	refetch time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]peerKeyEntry
}

// NewPeerKeys creates a key cache. Entries expire after ttl.
func NewPeerKeys(fetcher serverFetcher, ttl time.Duration) *PeerKeys {
	return &PeerKeys{
		fetcher: fetcher,
		ttl:     ttl,
		refetch: DefaultKeyRefetchInterval,
		now:     time.Now,
		cache:   make(map[string]peerKeyEntry),
	}
}

// SigningKey returns the signing key of domain. The well-known document must
// name the same domain it was fetched from.
func (p *PeerKeys) SigningKey(ctx context.Context, domain string) (ed25519.PublicKey, error) {
	p.mu.Lock()
	entry, ok := p.cache[domain]
	p.mu.Unlock()
	if ok && p.now().Before(entry.expiresAt) {
		return entry.key, nil
	}

	info, err := p.fetcher.FetchServer(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", signing.ErrUnknownPeer, domain, err)
	}
	if info.Domain != domain {
		return nil, fmt.Errorf("%w: %s advertises domain %q", signing.ErrUnknownPeer, domain, info.Domain)
	}

	key, err := keycrypto.Decode(info.PublicKey)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: %s advertises a malformed signing key", signing.ErrUnknownPeer, domain)
	}

	p.mu.Lock()
	now := p.now()
	p.cache[domain] = peerKeyEntry{key: key, fetchedAt: now, expiresAt: now.Add(p.ttl)}
	p.mu.Unlock()

	return key, nil
}

// Forget drops the cached key of domain unless it was fetched less than the
// refetch interval ago, so forged signatures cannot force a lookup per request.
func (p *PeerKeys) Forget(domain string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.cache[domain]
	if !ok || p.now().Sub(entry.fetchedAt) < p.refetch {
		return false
	}
	delete(p.cache, domain)
	return true
}
