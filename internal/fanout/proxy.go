package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dtroode/notesfed/internal/logger"
	"github.com/dtroode/notesfed/internal/model"
)

// ConnState is the state of the upstream connection of a replicated document.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateReconnecting ConnState = "reconnecting"
)

// Ingester stores ops received from upstream and publishes the new ones locally.
type Ingester interface {
	Ingest(ctx context.Context, docID string, ops []model.FederatedOp) ([]model.FederatedOp, error)
}

// Proxy follows a document on its host server and feeds the received ops
// into the local log. Broken connections are retried with backoff from the
// last timestamp received.
type Proxy struct {
	docID    string
	source   OpSource
	ingester Ingester
	backoff  backoff.BackOff
	onState  func(ConnState)
	logger   *logger.Logger

	mu     sync.Mutex
	state  ConnState
	cursor int64
}

// NewProxy creates a proxy starting after the since timestamp. onState may be nil.
func NewProxy(docID string, source OpSource, ingester Ingester, since int64, b backoff.BackOff, onState func(ConnState), logger *logger.Logger) *Proxy {
	return &Proxy{
		docID:    docID,
		source:   source,
		ingester: ingester,
		backoff:  b,
		onState:  onState,
		logger:   logger.With("doc_id", docID),
		cursor:   since,
	}
}

// Run follows upstream until ctx is done or the backoff policy gives up.
func (p *Proxy) Run(ctx context.Context) {
	p.setState(StateConnecting)
	defer p.setState(StateDisconnected)

	b := backoff.WithContext(p.backoff, ctx)
	for {
		err := p.source.Stream(ctx, p.Cursor(),
			func() {
				b.Reset()
				p.setState(StateConnected)
			},
			func(ops []model.FederatedOp) error {
				return p.deliver(ctx, ops)
			},
		)
		if ctx.Err() != nil {
			return
		}

		p.setState(StateDisconnected)
		p.logger.Warn("upstream connection lost", "error", err, "cursor", p.Cursor())

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			p.logger.Error("giving up on upstream")
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		p.setState(StateReconnecting)
	}
}

// State returns the current connection state.
func (p *Proxy) State() ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Cursor returns the highest lamport timestamp received so far.
func (p *Proxy) Cursor() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Advance moves the cursor forward to ts. It never moves it back.
func (p *Proxy) Advance(ts int64) {
	p.mu.Lock()
	p.cursor = max(p.cursor, ts)
	p.mu.Unlock()
}

func (p *Proxy) deliver(ctx context.Context, ops []model.FederatedOp) error {
	var relevant []model.FederatedOp
	for _, op := range ops {
		if op.DocID == "" || op.DocID == p.docID {
			relevant = append(relevant, op)
		}
	}
	if len(relevant) == 0 {
		return nil
	}

	if _, err := p.ingester.Ingest(ctx, p.docID, relevant); err != nil {
		return fmt.Errorf("failed to ingest upstream ops: %w", err)
	}

	p.mu.Lock()
	p.cursor = max(p.cursor, maxLamport(relevant))
	p.mu.Unlock()
	return nil
}

func (p *Proxy) setState(s ConnState) {
	p.mu.Lock()
	changed := p.state != s
	p.state = s
	p.mu.Unlock()

	if changed && p.onState != nil {
		p.onState(s)
	}
}
