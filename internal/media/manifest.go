package media

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrMalformedManifest is returned by ParseManifest for lines it cannot read.
var ErrMalformedManifest = errors.New("malformed concat manifest")

// BuildManifest renders the concat-demuxer list for the given paths, one
// "file '<path>'" line per entry in order. Paths are made absolute.
func BuildManifest(paths []string) (string, error) {
	if len(paths) == 0 {
		return "", ErrNoVideoPaths
	}

	var b strings.Builder
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", fmt.Errorf("get absolute path for %s: %w", p, err)
		}
		b.WriteString("file '")
		b.WriteString(escapeManifestPath(abs))
		b.WriteString("'\n")
	}
	return b.String(), nil
}

// WriteManifest writes the manifest for paths to dst.
func WriteManifest(dst string, paths []string) error {
	content, err := BuildManifest(paths)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write concat manifest: %w", err)
	}
	return nil
}

// ParseManifest reads a manifest produced by BuildManifest and returns the
// paths in order. Blank lines and "#" comments are skipped.
func ParseManifest(r io.Reader) ([]string, error) {
	var paths []string
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		rest, ok := strings.CutPrefix(text, "file ")
		if !ok {
			return nil, fmt.Errorf("%w: line %d: missing file directive", ErrMalformedManifest, line)
		}
		p, err := unquoteManifestPath(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", ErrMalformedManifest, line, err)
		}
		paths = append(paths, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read concat manifest: %w", err)
	}
	return paths, nil
}

// escapeManifestPath doubles backslashes and closes/reopens the quoted string
// around single quotes, which is how ffmpeg's concat parser reads them.
func escapeManifestPath(p string) string {
	p = strings.ReplaceAll(p, `\`, `\\`)
	return strings.ReplaceAll(p, "'", `'\''`)
}

// unquoteManifestPath reverses escapeManifestPath for a
// single-quoted token, including the escaped quote sequences it emits.
func unquoteManifestPath(token string) (string, error) {
	var b strings.Builder
	inQuote := false
	for i := 0; i < len(token); i++ {
		c := token[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
		case c == '\\' && i+1 < len(token):
			i++
			b.WriteByte(token[i])
		case c == '\\':
			return "", errors.New("dangling escape")
		case !inQuote && (c == ' ' || c == '\t'):
			return "", errors.New("unexpected whitespace outside quotes")
		default:
			b.WriteByte(c)
		}
	}
	if inQuote {
		return "", errors.New("unterminated quote")
	}
	return b.String(), nil
}
