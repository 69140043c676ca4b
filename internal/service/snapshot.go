package service

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/dtroode/notesfed/internal/keycrypto"
	"github.com/dtroode/notesfed/internal/logger"
	"github.com/dtroode/notesfed/internal/model"
)

const maxSnapshotSize = 32 << 20

// Snapshots keeps the latest encrypted CRDT snapshot of each document in
// object storage. Snapshot contents are opaque to the server.
type Snapshots struct {
	storage model.Storage
	logger  *logger.Logger
}

// NewSnapshots creates a Snapshots service.
func NewSnapshots(storage model.Storage, logger *logger.Logger) *Snapshots {
	return &Snapshots{storage: storage, logger: logger}
}

// Save stores data, a base64 encrypted snapshot, replacing the previous one.
func (s *Snapshots) Save(ctx context.Context, docID, data string) error {
	raw, err := keycrypto.Decode(data)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrInvalidRequest, err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty snapshot", model.ErrInvalidRequest)
	}
	if len(raw) > maxSnapshotSize {
		return fmt.Errorf("%w: snapshot exceeds %d bytes", model.ErrInvalidRequest, maxSnapshotSize)
	}

	if err := s.storage.Upload(ctx, model.SnapshotKey(docID), bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("failed to upload snapshot: %w", err)
	}
	s.logger.Debug("snapshot saved", "doc_id", docID, "size", len(raw))
	return nil
}

// Latest returns the base64 snapshot of docID, or an empty string when none is stored.
func (s *Snapshots) Latest(ctx context.Context, docID string) (string, error) {
	key := model.SnapshotKey(docID)

	exists, err := s.storage.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to check snapshot: %w", err)
	}
	if !exists {
		return "", nil
	}

	rc, err := s.storage.Download(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to download snapshot: %w", err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(io.LimitReader(rc, maxSnapshotSize+1))
	if err != nil {
		return "", fmt.Errorf("failed to read snapshot: %w", err)
	}
	if len(raw) > maxSnapshotSize {
		return "", fmt.Errorf("snapshot of %s exceeds %d bytes", docID, maxSnapshotSize)
	}

	return keycrypto.Encode(raw), nil
}
