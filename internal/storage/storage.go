// Package storage provides clip and output file storage. It defines the
// Storage interface (port) with a local disk implementation and an S3
// variant that can also publish outputs.
package storage

import (
	"context"
	"io"
)

// Storage defines the interface for clip, intermediate and output storage.
// Paths returned by Save are the source handles the planner passes around.
type Storage interface {
	// Save stores data and returns its path. The name is a hint for the
	// file name; its extension is preserved.
	Save(ctx context.Context, name string, data io.Reader) (path string, err error)

	// Open returns a reader for a saved file.
	// The caller is responsible for closing the returned ReadCloser.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Cleanup removes the specified files.
	// It continues cleanup even if some files fail to delete.
	Cleanup(ctx context.Context, paths []string) error

	// Publish uploads data under key and returns its public URL.
	// Returns ErrS3NotConfigured if no object store is configured.
	Publish(ctx context.Context, key, contentType string, data io.Reader) (url string, err error)
}
