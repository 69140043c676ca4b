package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dtroode/notesfed/internal/model"
)

var _ model.MemberStore = (*MemberRepository)(nil)

type MemberRepository struct {
	db *Connection
}

func NewMemberRepository(db *Connection) *MemberRepository {
	return &MemberRepository{
		db: db,
	}
}

const memberColumns = `doc_id, user_id, device_id, role, COALESCE(encrypted_key_envelope, ''), created_at`

func (r *MemberRepository) ListByUsers(ctx context.Context, docID string, userIDs []string) ([]model.Member, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	query := `SELECT ` + memberColumns + ` FROM members
			  WHERE doc_id = $1 AND user_id = ANY($2)
			  ORDER BY user_id, device_id`

	rows, err := r.db.Query(ctx, query, docID, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list members by users: %w", err)
	}
	return collectMembers(rows)
}

func (r *MemberRepository) ListByDocument(ctx context.Context, docID string) ([]model.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE doc_id = $1 ORDER BY user_id, device_id`

	rows, err := r.db.Query(ctx, query, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return collectMembers(rows)
}

func (r *MemberRepository) Upsert(ctx context.Context, member model.Member) error {
	query := `INSERT INTO members (doc_id, user_id, device_id, role, encrypted_key_envelope)
			  VALUES ($1, $2, $3, $4, NULLIF($5, ''))
			  ON CONFLICT (doc_id, user_id, device_id) DO UPDATE SET
				role = EXCLUDED.role,
				encrypted_key_envelope = EXCLUDED.encrypted_key_envelope`

	_, err := r.db.Exec(ctx, query,
		member.DocID, member.UserID, member.DeviceID, string(member.Role), member.EncryptedKeyEnvelope,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert member: %w", err)
	}
	return nil
}

func (r *MemberRepository) Delete(ctx context.Context, docID, userID string) error {
	query := `DELETE FROM members WHERE doc_id = $1 AND user_id = $2`

	tag, err := r.db.Exec(ctx, query, docID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func collectMembers(rows pgx.Rows) ([]model.Member, error) {
	defer rows.Close()

	var members []model.Member
	for rows.Next() {
		var m model.Member
		if err := rows.Scan(&m.DocID, &m.UserID, &m.DeviceID, &m.Role, &m.EncryptedKeyEnvelope, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate members: %w", err)
	}
	return members, nil
}
