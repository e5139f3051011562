package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sasi-cats/internal/mediatypes"
)

var (
	// ErrOutsideMedia means a path resolves outside the media directory.
	ErrOutsideMedia = errors.New("path is outside the media directory")
	// ErrUnsupportedType means the file is not a video the pipeline accepts.
	ErrUnsupportedType = errors.New("unsupported file type")
	// ErrSourceNotFound means the path does not exist.
	ErrSourceNotFound = errors.New("source not found")
)

// isSubPath reports whether child is parent or lies beneath it.
func isSubPath(parent, child string) bool {
	if parent == "" || child == "" {
		return false
	}
	parent, err := filepath.Abs(parent)
	if err != nil {
		return false
	}
	child, err = filepath.Abs(child)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// resolve maps a request path onto an absolute path inside the media
// directory. Relative paths are joined to it.
func (s *Service) resolve(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrSourceNotFound)
	}

	var full string
	if filepath.IsAbs(p) {
		full = filepath.Clean(p)
	} else {
		full = filepath.Join(s.mediaDir, filepath.FromSlash(p))
	}
	if !isSubPath(s.mediaDir, full) {
		return "", ErrOutsideMedia
	}

	// Symlinks may point out of the library.
	if real, err := filepath.EvalSymlinks(full); err == nil {
		realMedia, mediaErr := filepath.EvalSymlinks(s.mediaDir)
		if mediaErr == nil && !isSubPath(realMedia, real) {
			return "", ErrOutsideMedia
		}
	} else if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrSourceNotFound, p)
	}
	return full, nil
}

// ResolveSource validates a requested video path and returns its absolute form.
func (s *Service) ResolveSource(p string) (string, error) {
	full, err := s.resolve(p)
	if err != nil {
		return "", err
	}
	if !mediatypes.IsTranscodable(mediatypes.Ext(full)) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, filepath.Base(full))
	}
	return full, nil
}

// ResolveFolder validates a requested directory path.
func (s *Service) ResolveFolder(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return s.mediaDir, nil
	}
	return s.resolve(p)
}

// RelPath returns abs relative to the media directory, slash separated.
func (s *Service) RelPath(abs string) string {
	rel, err := filepath.Rel(s.mediaDir, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}
