package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dtroode/notesfed/internal/federation"
	"github.com/dtroode/notesfed/internal/logger"
	"github.com/dtroode/notesfed/internal/model"
)

const forwardAttempts = 3

// DefaultMaxClockSkew bounds how far ahead of the wall clock an inbound
// lamport timestamp may be.
const DefaultMaxClockSkew = 5 * time.Minute

// OpForwarder delivers ops to the authoritative host of a document.
type OpForwarder interface {
	PushOps(ctx context.Context, host, docID string, ops []model.FederatedOp) error
}

// OpPublisher fans newly stored ops out to local subscribers.
type OpPublisher interface {
	Publish(docID string, ops []model.FederatedOp)
}

// OpLog is the append-only, lamport-ordered log of encrypted document updates.
type OpLog struct {
	ops       model.OpStore
	documents model.DocumentStore
	forwarder OpForwarder
	publisher OpPublisher
	clock     *LamportClock
	maxSkew   time.Duration
	newRetry  func() backoff.BackOff
	logger    *logger.Logger
}

// NewOpLog creates an OpLog.
func NewOpLog(
	ops model.OpStore,
	documents model.DocumentStore,
	forwarder OpForwarder,
	publisher OpPublisher,
	logger *logger.Logger,
) *OpLog {
	return &OpLog{
		ops:       ops,
		documents: documents,
		forwarder: forwarder,
		publisher: publisher,
		clock:     NewLamportClock(),
		maxSkew:   DefaultMaxClockSkew,
		newRetry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return backoff.WithMaxRetries(b, forwardAttempts-1)
		},
		logger: logger,
	}
}

// SetMaxClockSkew changes how far ahead of the wall clock inbound timestamps
// may be. Non-positive values are ignored.
func (l *OpLog) SetMaxClockSkew(skew time.Duration) {
	if skew > 0 {
		l.maxSkew = skew
	}
}

// Append stores one op of docID. Ops without a lamport timestamp are stamped
// from the document clock. Storing an op that is already present succeeds and
// reports false.
func (l *OpLog) Append(ctx context.Context, docID string, op model.FederatedOp) (bool, error) {
	op, err := l.stamp(ctx, docID, op)
	if err != nil {
		return false, err
	}

	inserted, err := l.ops.Insert(ctx, op)
	if err != nil {
		return false, fmt.Errorf("failed to insert op: %w", err)
	}
	return inserted, nil
}

// Pull returns ops of docID newer than since in lamport order, plus the
// highest timestamp stored for the document.
func (l *OpLog) Pull(ctx context.Context, docID string, since int64) ([]model.FederatedOp, int64, error) {
	ops, err := l.ops.ListSince(ctx, docID, since)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list ops: %w", err)
	}

	version, err := l.ops.MaxLamport(ctx, docID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get server version: %w", err)
	}

	return ops, version, nil
}

// Receive stores ops a peer pushed to a document hosted here and publishes the new ones.
func (l *OpLog) Receive(ctx context.Context, docID string, ops []model.FederatedOp) error {
	doc, err := l.documents.GetByID(ctx, docID)
	if err != nil {
		return fmt.Errorf("failed to get document: %w", err)
	}
	if !doc.IsLocal() {
		return fmt.Errorf("%w: %w", model.ErrNotFound, model.ErrNotAuthoritative)
	}

	_, err = l.appendAll(ctx, docID, ops)
	return err
}

// Ingest stores ops received from the upstream host of a replicated document
// and publishes the ones not seen before.
func (l *OpLog) Ingest(ctx context.Context, docID string, ops []model.FederatedOp) ([]model.FederatedOp, error) {
	return l.appendAll(ctx, docID, ops)
}

// Push accepts ops from a local client. Ops of local documents are stored and
// published. Ops of replicated documents are forwarded to the host first; the
// local copy is best effort.
func (l *OpLog) Push(ctx context.Context, docID string, ops []model.FederatedOp) ([]model.FederatedOp, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: no ops", model.ErrInvalidRequest)
	}

	doc, err := l.documents.GetByID(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	if doc.IsLocal() {
		return l.appendAll(ctx, docID, ops)
	}

	stamped := make([]model.FederatedOp, 0, len(ops))
	for _, op := range ops {
		op, err := l.stamp(ctx, docID, op)
		if err != nil {
			return nil, err
		}
		stamped = append(stamped, op)
	}

	if err := l.forward(ctx, doc.HostServer, docID, stamped); err != nil {
		return nil, err
	}

	cached, err := l.appendAll(ctx, docID, stamped)
	if err != nil {
		l.logger.Warn("failed to cache forwarded ops", "doc_id", docID, "host", doc.HostServer, "error", err)
	}
	return cached, nil
}

func (l *OpLog) forward(ctx context.Context, host, docID string, ops []model.FederatedOp) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := l.forwarder.PushOps(ctx, host, docID, ops)
		if err == nil {
			return nil
		}
		if !federation.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		l.logger.Warn("forwarding ops failed", "doc_id", docID, "host", host, "attempt", attempt, "error", err)
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(l.newRetry(), ctx)); err != nil {
		return fmt.Errorf("failed to forward ops to %s: %w", host, err)
	}
	return nil
}

// appendAll stores ops and publishes those that were new. Storage stops at
// the first failure; ops stored before it are still published.
func (l *OpLog) appendAll(ctx context.Context, docID string, ops []model.FederatedOp) ([]model.FederatedOp, error) {
	var (
		fresh []model.FederatedOp
		err   error
	)
	for _, op := range ops {
		op, err = l.stamp(ctx, docID, op)
		if err != nil {
			break
		}

		var inserted bool
		inserted, err = l.ops.Insert(ctx, op)
		if err != nil {
			err = fmt.Errorf("failed to insert op: %w", err)
			break
		}
		if inserted {
			fresh = append(fresh, op)
		}
	}

	if len(fresh) > 0 && l.publisher != nil {
		l.publisher.Publish(docID, fresh)
	}
	return fresh, err
}

// stamp validates op, binds it to docID and settles its lamport timestamp.
func (l *OpLog) stamp(ctx context.Context, docID string, op model.FederatedOp) (model.FederatedOp, error) {
	if op.OpID == "" {
		return op, fmt.Errorf("%w: op without id", model.ErrInvalidRequest)
	}
	if op.Payload == "" {
		return op, fmt.Errorf("%w: op %s without payload", model.ErrInvalidRequest, op.OpID)
	}
	if op.LamportTs < 0 {
		return op, fmt.Errorf("%w: op %s has negative timestamp", model.ErrInvalidRequest, op.OpID)
	}
	if op.LamportTs > l.clock.Horizon(l.maxSkew) {
		return op, fmt.Errorf("%w: op %s timestamp is too far in the future", model.ErrInvalidRequest, op.OpID)
	}

	op.ID = op.OpID
	op.DocID = docID

	if !l.clock.Known(docID) {
		latest, err := l.ops.MaxLamport(ctx, docID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return op, fmt.Errorf("failed to seed clock: %w", err)
		}
		l.clock.Observe(docID, latest)
	}

	if op.LamportTs == 0 {
		op.LamportTs = l.clock.Next(docID)
	} else {
		l.clock.Observe(docID, op.LamportTs)
	}
	return op, nil
}
