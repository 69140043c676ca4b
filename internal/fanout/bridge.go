package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dtroode/notesfed/internal/logger"
)

// SourceFactory builds the upstream source of a document hosted on host.
type SourceFactory func(host, docID string) OpSource

// CursorStore reports the latest lamport timestamp stored locally for a document.
type CursorStore interface {
	MaxLamport(ctx context.Context, docID string) (int64, error)
}

type bridgeEntry struct {
	refs   int
	proxy  *Proxy
	cancel context.CancelFunc
	done   chan struct{}
}

// Bridge keeps one upstream Proxy per replicated document for as long as at
// least one local subscriber holds it.
type Bridge struct {
	ctx            context.Context
	registry       *Registry
	ingester       Ingester
	cursors        CursorStore
	newSource      SourceFactory
	reconnectDelay time.Duration
	logger         *logger.Logger

	mu      sync.Mutex
	entries map[string]*bridgeEntry
}

// NewBridge creates a Bridge. Proxies stop when ctx is done.
func NewBridge(
	ctx context.Context,
	registry *Registry,
	ingester Ingester,
	cursors CursorStore,
	newSource SourceFactory,
	reconnectDelay time.Duration,
	logger *logger.Logger,
) *Bridge {
	return &Bridge{
		ctx:            ctx,
		registry:       registry,
		ingester:       ingester,
		cursors:        cursors,
		newSource:      newSource,
		reconnectDelay: reconnectDelay,
		logger:         logger,
		entries:        make(map[string]*bridgeEntry),
	}
}

// Acquire makes sure docID is followed on host. The returned release stops
// the proxy once the last holder releases it and waits for it to exit.
func (b *Bridge) Acquire(docID, host string) (release func()) {
	b.mu.Lock()
	entry, ok := b.entries[docID]
	if ok {
		entry.refs++
	} else {
		entry = b.startLocked(docID, host)
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.release(docID, entry) })
	}
}

// State returns the upstream state of docID, if it is being followed.
func (b *Bridge) State(docID string) (ConnState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[docID]
	if !ok {
		return "", false
	}
	return entry.proxy.State(), true
}

// Close stops every proxy and waits for them.
func (b *Bridge) Close() {
	b.mu.Lock()
	entries := b.entries
	b.entries = make(map[string]*bridgeEntry)
	b.mu.Unlock()

	for _, entry := range entries {
		entry.cancel()
		<-entry.done
	}
}

func (b *Bridge) startLocked(docID, host string) *bridgeEntry {
	ctx, cancel := context.WithCancel(b.ctx)
	entry := &bridgeEntry{
		refs:   1,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	entry.proxy = NewProxy(
		docID,
		b.newSource(host, docID),
		b.ingester,
		0,
		backoff.NewConstantBackOff(b.reconnectDelay),
		func(s ConnState) { b.registry.PublishState(docID, s) },
		b.logger.With("host", host),
	)
	b.entries[docID] = entry

	go func() {
		defer close(entry.done)
		entry.proxy.Advance(b.localCursor(ctx, docID))
		entry.proxy.Run(ctx)
	}()

	b.logger.Info("following remote document", "doc_id", docID, "host", host)
	return entry
}

func (b *Bridge) localCursor(ctx context.Context, docID string) int64 {
	since, err := b.cursors.MaxLamport(ctx, docID)
	if err != nil {
		b.logger.Warn("failed to read local cursor, following from start", "doc_id", docID, "error", err)
		return 0
	}
	return since
}

func (b *Bridge) release(docID string, entry *bridgeEntry) {
	b.mu.Lock()
	entry.refs--
	last := entry.refs == 0
	if last && b.entries[docID] == entry {
		delete(b.entries, docID)
	}
	b.mu.Unlock()

	if last {
		entry.cancel()
		<-entry.done
		b.logger.Info("stopped following remote document", "doc_id", docID)
	}
}
