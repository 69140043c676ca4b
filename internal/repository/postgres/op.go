package postgres

import (
	"context"
	"fmt"

	"github.com/dtroode/notesfed/internal/model"
)

var _ model.OpStore = (*OpRepository)(nil)

type OpRepository struct {
	db *Connection
}

func NewOpRepository(db *Connection) *OpRepository {
	return &OpRepository{
		db: db,
	}
}

// Insert relies on the primary key to make concurrent duplicate inserts a no-op.
func (r *OpRepository) Insert(ctx context.Context, op model.FederatedOp) (bool, error) {
	query := `INSERT INTO federated_ops (id, doc_id, op_id, actor_id, lamport_ts, encrypted_payload, signature)
			  VALUES ($1, $2, $3, $4, $5, $6, $7)
			  ON CONFLICT (id) DO NOTHING`

	id := op.ID
	if id == "" {
		id = op.OpID
	}

	tag, err := r.db.Exec(ctx, query, id, op.DocID, op.OpID, op.ActorID, op.LamportTs, op.Payload, op.Signature)
	if err != nil {
		return false, fmt.Errorf("failed to insert op: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *OpRepository) ListSince(ctx context.Context, docID string, since int64) ([]model.FederatedOp, error) {
	query := `SELECT id, doc_id, op_id, actor_id, lamport_ts, encrypted_payload, signature, created_at
			  FROM federated_ops
			  WHERE doc_id = $1 AND lamport_ts > $2
			  ORDER BY lamport_ts, op_id`

	rows, err := r.db.Query(ctx, query, docID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list ops: %w", err)
	}
	defer rows.Close()

	ops := make([]model.FederatedOp, 0)
	for rows.Next() {
		var op model.FederatedOp
		if err := rows.Scan(&op.ID, &op.DocID, &op.OpID, &op.ActorID, &op.LamportTs, &op.Payload, &op.Signature, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan op: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ops: %w", err)
	}
	return ops, nil
}

func (r *OpRepository) MaxLamport(ctx context.Context, docID string) (int64, error) {
	var latest int64
	err := r.db.QueryRow(ctx, `SELECT COALESCE(MAX(lamport_ts), 0) FROM federated_ops WHERE doc_id = $1`, docID).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("failed to get max lamport timestamp: %w", err)
	}
	return latest, nil
}
