package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dtroode/notesfed/internal/model"
)

var _ model.DocumentStore = (*DocumentRepository)(nil)

type DocumentRepository struct {
	db *Connection
}

func NewDocumentRepository(db *Connection) *DocumentRepository {
	return &DocumentRepository{
		db: db,
	}
}

const documentColumns = `id, host_server, owner_id, title, access_level,
	COALESCE(document_key_encrypted, ''), COALESCE(server_encrypted_key, ''), COALESCE(password_encrypted_key, ''),
	created_at, updated_at`

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (model.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`

	doc, err := scanDocument(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Document{}, model.ErrNotFound
		}
		return model.Document{}, fmt.Errorf("failed to get document by id: %w", err)
	}
	return doc, nil
}

// Upsert inserts doc or overwrites its metadata, keeping the creation time.
func (r *DocumentRepository) Upsert(ctx context.Context, doc model.Document) (model.Document, error) {
	if doc.HostServer == "" {
		doc.HostServer = model.HostLocal
	}

	query := `INSERT INTO documents (id, host_server, owner_id, title, access_level,
				document_key_encrypted, server_encrypted_key, password_encrypted_key)
			  VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''))
			  ON CONFLICT (id) DO UPDATE SET
				host_server = EXCLUDED.host_server,
				owner_id = EXCLUDED.owner_id,
				title = EXCLUDED.title,
				access_level = EXCLUDED.access_level,
				document_key_encrypted = EXCLUDED.document_key_encrypted,
				server_encrypted_key = EXCLUDED.server_encrypted_key,
				password_encrypted_key = EXCLUDED.password_encrypted_key,
				updated_at = now()
			  RETURNING ` + documentColumns

	saved, err := scanDocument(r.db.QueryRow(ctx, query,
		doc.ID, doc.HostServer, doc.OwnerID, doc.Title, string(doc.AccessLevel),
		doc.DocumentKeyEncrypted, doc.ServerEncryptedKey, doc.PasswordEncryptedKey,
	))
	if err != nil {
		return model.Document{}, fmt.Errorf("failed to upsert document: %w", err)
	}
	return saved, nil
}

func scanDocument(row pgx.Row) (model.Document, error) {
	var doc model.Document
	err := row.Scan(
		&doc.ID, &doc.HostServer, &doc.OwnerID, &doc.Title, &doc.AccessLevel,
		&doc.DocumentKeyEncrypted, &doc.ServerEncryptedKey, &doc.PasswordEncryptedKey,
		&doc.CreatedAt, &doc.UpdatedAt,
	)
	return doc, err
}
