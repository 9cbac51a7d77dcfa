// Package audio provides the background music library that composition
// jobs draw their soundtrack from.
package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

var (
	// ErrTrackNotFound is returned when the requested track does not exist.
	ErrTrackNotFound = errors.New("music track not found")
	// ErrInvalidTrackName is returned for names that are not a plain file
	// name with an allowed extension.
	ErrInvalidTrackName = errors.New("invalid music track name")
)

// allowedExtensions lists the audio containers ffmpeg is expected to decode.
var allowedExtensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".aac":  true,
	".flac": true,
	".m4a":  true,
	".ogg":  true,
}

// DurationProber reports media duration in seconds.
type DurationProber interface {
	GetMediaDuration(ctx context.Context, path string) (float64, error)
}

// Track is one audio file in the library.
type Track struct {
	Name     string  `json:"name"`
	Path     string  `json:"-"`
	Size     int64   `json:"size"`
	Duration float64 `json:"duration_seconds,omitempty"`
}

// Library lists and resolves tracks stored flat in a directory.
type Library struct {
	dir    string
	tag    language.Tag
	prober DurationProber
	logger *slog.Logger
}

// LibraryOption configures a Library.
type LibraryOption func(*Library)

// WithLanguage sets the collation language used to sort listings.
func WithLanguage(tag language.Tag) LibraryOption {
	return func(l *Library) {
		l.tag = tag
	}
}

// WithDurationProber makes List report each track's duration.
func WithDurationProber(p DurationProber) LibraryOption {
	return func(l *Library) {
		l.prober = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LibraryOption {
	return func(l *Library) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLibrary creates a Library over dir. The directory does not need to
// exist; a missing directory is an empty library.
func NewLibrary(dir string, opts ...LibraryOption) *Library {
	l := &Library{
		dir:    dir,
		tag:    language.Und,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir returns the library directory.
func (l *Library) Dir() string {
	return l.dir
}

// List returns the tracks in the library sorted by name.
func (l *Library) List(ctx context.Context) ([]Track, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Track{}, nil
		}
		return nil, fmt.Errorf("read music directory: %w", err)
	}

	tracks := make([]Track, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || !IsAllowed(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		t := Track{
			Name: e.Name(),
			Path: filepath.Join(l.dir, e.Name()),
			Size: info.Size(),
		}
		if l.prober != nil {
			d, err := l.prober.GetMediaDuration(ctx, t.Path)
			if err != nil {
				l.logger.Warn("could not probe track duration",
					slog.String("track", t.Name),
					slog.String("error", err.Error()),
				)
			} else {
				t.Duration = d
			}
		}
		tracks = append(tracks, t)
	}

	c := collate.New(l.tag)
	sort.SliceStable(tracks, func(i, j int) bool {
		return c.CompareString(tracks[i].Name, tracks[j].Name) < 0
	})
	return tracks, nil
}

// Resolve returns the path of the named track. Only bare file names with an
// allowed extension are accepted.
func (l *Library) Resolve(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidTrackName, name)
	}
	if !IsAllowed(name) {
		return "", fmt.Errorf("%w: unsupported extension %q", ErrInvalidTrackName, filepath.Ext(name))
	}

	path := filepath.Join(l.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrTrackNotFound, name)
		}
		return "", fmt.Errorf("stat music track: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrTrackNotFound, name)
	}
	return path, nil
}

// IsAllowed reports whether name has a supported audio extension.
func IsAllowed(name string) bool {
	return allowedExtensions[strings.ToLower(filepath.Ext(name))]
}
