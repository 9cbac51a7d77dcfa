// Package storage provides job-scoped scratch space and optional S3
// publishing of finished videos.
//
// Every composition job gets its own working directory under
// <root>/jobs/<job-id>; finished videos are written to <root>/output.
// The Storage interface is the port the pipeline depends on.
package storage

import (
	"context"
	"io"
)

// Storage defines the interface for temporary and persistent file storage.
type Storage interface {
	// CreateWorkDir creates the isolated working directory for a job and
	// returns its path.
	CreateWorkDir(ctx context.Context, jobID string) (string, error)

	// SaveTemp writes data into dir under a unique name derived from name,
	// keeping its extension, and returns the file path.
	SaveTemp(ctx context.Context, dir, name string, data io.Reader) (path string, err error)

	// LoadTemp reads a temporary file and returns a reader.
	// The caller is responsible for closing the returned ReadCloser.
	LoadTemp(ctx context.Context, path string) (io.ReadCloser, error)

	// CleanupTemp removes the specified temporary files.
	// It continues cleanup even if some files fail to delete.
	CleanupTemp(ctx context.Context, paths []string) error

	// RemoveWorkDir deletes a job working directory and everything in it.
	// Removing a directory that is already gone is not an error.
	RemoveWorkDir(ctx context.Context, dir string) error

	// OutputPath returns where the final video of a job is written.
	OutputPath(jobID string) string

	// UploadToS3 uploads data to S3 and returns the public URL.
	// Returns ErrS3NotConfigured if S3 is not configured.
	UploadToS3(ctx context.Context, key string, data io.Reader) (url string, err error)
}
