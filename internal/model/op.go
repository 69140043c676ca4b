package model

import (
	"context"
	"time"
)

// OpStore defines persistence operations for the federated op log.
type OpStore interface {
	// Insert stores op unless an op with the same id already exists.
	// It reports whether a row was written.
	Insert(ctx context.Context, op FederatedOp) (bool, error)
	// ListSince returns ops of the document with lamport timestamp greater than since,
	// ordered by lamport timestamp and op id.
	ListSince(ctx context.Context, docID string, since int64) ([]FederatedOp, error)
	// MaxLamport returns the largest lamport timestamp stored for the document, 0 when empty.
	MaxLamport(ctx context.Context, docID string) (int64, error)
}

// FederatedOp is one opaque, encrypted CRDT update. ID always equals OpID.
type FederatedOp struct {
	ID        string    `json:"id,omitempty"`
	DocID     string    `json:"doc_id,omitempty"`
	OpID      string    `json:"op_id"`
	ActorID   string    `json:"actor_id"`
	LamportTs int64     `json:"lamport_ts"`
	Payload   string    `json:"encrypted_payload"`
	Signature string    `json:"signature"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// PushOpsRequest is the body of an op push, both from clients of a peer and between servers.
type PushOpsRequest struct {
	Ops []FederatedOp `json:"ops"`
}

// PullOpsResponse is the body returned by the op pull endpoint.
type PullOpsResponse struct {
	Ops           []FederatedOp `json:"ops"`
	ServerVersion int64         `json:"server_version"`
}
