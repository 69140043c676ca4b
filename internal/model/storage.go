package model

import (
	"context"
	"io"
)

// Storage is a blob store for encrypted document snapshots.
type Storage interface {
	Upload(ctx context.Context, key string, reader io.Reader) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// SnapshotKey returns the object key of the latest snapshot of a document.
func SnapshotKey(docID string) string {
	return "documents/" + docID + "/snapshot"
}
