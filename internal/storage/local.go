package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

var (
	// ErrS3NotConfigured is returned when S3 operations are attempted
	// without proper configuration.
	ErrS3NotConfigured = errors.New("S3 storage is not configured")
	// ErrLocked is returned when another process holds the staging root lock.
	ErrLocked = errors.New("staging directory is locked by another process")
	// ErrInvalidJobID is returned for job ids that are not safe directory names.
	ErrInvalidJobID = errors.New("invalid job id")
	// ErrOutsideRoot is returned when a path does not belong to the staging root.
	ErrOutsideRoot = errors.New("path is outside the staging directory")
)

const (
	jobsDirName   = "jobs"
	outputDirName = "output"
	lockFileName  = ".imagereel.lock"
)

// LocalStorage implements the Storage interface using local disk.
// It does not support S3 operations unless wrapped with S3Storage.
type LocalStorage struct {
	tempDir string
	lock    *flock.Flock
}

// NewLocalStorage creates a new LocalStorage instance.
// The tempDir parameter specifies the staging root.
// If tempDir is empty, os.TempDir()/imagereel is used.
// The directory layout is created if it doesn't exist.
func NewLocalStorage(tempDir string) (*LocalStorage, error) {
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "imagereel")
	}
	for _, dir := range []string{tempDir, filepath.Join(tempDir, jobsDirName), filepath.Join(tempDir, outputDirName)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create temp directory: %w", err)
		}
	}
	return &LocalStorage{
		tempDir: tempDir,
		lock:    flock.New(filepath.Join(tempDir, lockFileName)),
	}, nil
}

// TempDir returns the staging root.
func (s *LocalStorage) TempDir() string {
	return s.tempDir
}

// Lock takes the advisory lock on the staging root. It fails with ErrLocked
// when another process already holds it.
func (s *LocalStorage) Lock() error {
	ok, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire staging lock: %w", err)
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

// Unlock releases the staging root lock.
func (s *LocalStorage) Unlock() error {
	return s.lock.Unlock()
}

// PurgeStale removes job directories and outputs left behind by a previous
// run. It requires the staging lock so that a live process's jobs are never
// touched.
func (s *LocalStorage) PurgeStale(ctx context.Context) (int, error) {
	if !s.lock.Locked() {
		return 0, ErrLocked
	}

	removed := 0
	for _, sub := range []string{jobsDirName, outputDirName} {
		entries, err := os.ReadDir(filepath.Join(s.tempDir, sub))
		if err != nil {
			return removed, fmt.Errorf("list %s: %w", sub, err)
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return removed, fmt.Errorf("context cancelled: %w", err)
			}
			if err := os.RemoveAll(filepath.Join(s.tempDir, sub, e.Name())); err != nil {
				return removed, fmt.Errorf("remove stale %s: %w", e.Name(), err)
			}
			removed++
		}
	}
	return removed, nil
}

// CreateWorkDir creates <root>/jobs/<jobID>.
func (s *LocalStorage) CreateWorkDir(ctx context.Context, jobID string) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	if !validJobID(jobID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}

	dir := filepath.Join(s.tempDir, jobsDirName, jobID)
	if err := os.Mkdir(dir, 0o750); err != nil {
		return "", fmt.Errorf("create job directory: %w", err)
	}
	return dir, nil
}

// SaveTemp saves data to a file in dir and returns the file path.
// The name is used as a base for the filename with a unique suffix; the
// extension is preserved.
func (s *LocalStorage) SaveTemp(ctx context.Context, dir, name string, data io.Reader) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	if dir == "" {
		dir = s.tempDir
	}
	base, ext := splitName(name)

	f, err := os.CreateTemp(dir, base+"_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	fileName := f.Name()
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(fileName)
		return "", fmt.Errorf("write temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(fileName)
		return "", fmt.Errorf("close temp file: %w", err)
	}

	return fileName, nil
}

// LoadTemp reads a temporary file and returns a reader.
// The caller is responsible for closing the returned ReadCloser.
func (s *LocalStorage) LoadTemp(ctx context.Context, path string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	f, err := os.Open(path) // #nosec G304 - path is provided by trusted caller
	if err != nil {
		return nil, fmt.Errorf("open temp file: %w", err)
	}
	return f, nil
}

// CleanupTemp removes the specified temporary files.
// It continues cleanup even if some files fail to delete,
// returning the first error encountered.
func (s *LocalStorage) CleanupTemp(ctx context.Context, paths []string) error {
	var firstErr error
	for _, p := range paths {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove temp file %s: %w", p, err)
			}
		}
	}
	return firstErr
}

// RemoveWorkDir deletes a job directory. Only directories below
// <root>/jobs are accepted.
func (s *LocalStorage) RemoveWorkDir(_ context.Context, dir string) error {
	if dir == "" {
		return nil
	}
	jobsRoot := filepath.Join(s.tempDir, jobsDirName)
	rel, err := filepath.Rel(jobsRoot, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove job directory: %w", err)
	}
	return nil
}

// OutputPath returns <root>/output/<jobID>.mp4.
func (s *LocalStorage) OutputPath(jobID string) string {
	return filepath.Join(s.tempDir, outputDirName, jobID+".mp4")
}

// UploadToS3 is not supported by LocalStorage and returns ErrS3NotConfigured.
func (s *LocalStorage) UploadToS3(_ context.Context, _ string, _ io.Reader) (string, error) {
	return "", ErrS3NotConfigured
}

// splitName returns a filesystem-safe base and the lowercase extension of name.
func splitName(name string) (string, string) {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	ext := strings.ToLower(filepath.Ext(name))
	base := strings.TrimSuffix(name, filepath.Ext(name))

	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || strings.Trim(base, "_") == "" {
		base = "upload"
	}
	if len(base) > 64 {
		base = base[:64]
	}
	if strings.ContainsAny(ext, "*/") || len(ext) > 10 {
		ext = ""
	}
	return base, ext
}

func validJobID(id string) bool {
	if id == "" || id == "." || id == ".." || len(id) > 128 {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}

// Verify interface implementation at compile time.
var _ Storage = (*LocalStorage)(nil)
