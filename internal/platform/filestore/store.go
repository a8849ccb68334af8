// Package filestore keeps uploaded documents on local disk and hands back
// opaque references that parse tasks carry in their input.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/phrazzld/tailor-api/internal/store"
)

var (
	// ErrTooLarge is returned when an upload exceeds the configured limit.
	ErrTooLarge = errors.New("upload exceeds size limit")

	// ErrInvalidRef is returned for references that were not issued by Save.
	ErrInvalidRef = errors.New("invalid blob reference")

	// ErrBlobNotFound indicates that the referenced document does not exist.
	ErrBlobNotFound = fmt.Errorf("%w: blob", store.ErrNotFound)
)

// Store saves blobs as files named by a random UUID under a single root.
type Store struct {
	root     string
	maxBytes int64
	logger   *slog.Logger
}

// New creates root if needed. maxBytes <= 0 disables the size limit.
func New(root string, maxBytes int64, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	return &Store{
		root:     abs,
		maxBytes: maxBytes,
		logger:   logger.With("component", "filestore"),
	}, nil
}

// MaxBytes returns the upload limit, or 0 when there is none.
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// Save copies r to a new file and returns its reference. The extension of
// fileName is kept so the stored file stays recognizable on disk.
func (s *Store) Save(ctx context.Context, fileName string, r io.Reader) (string, error) {
	ref := uuid.NewString() + sanitizeExt(fileName)
	path := filepath.Join(s.root, ref)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("failed to create blob: %w", err)
	}

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		err = fmt.Errorf("failed to write blob: %w", copyErr)
	case closeErr != nil:
		err = fmt.Errorf("failed to close blob: %w", closeErr)
	case s.maxBytes > 0 && n > s.maxBytes:
		err = fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxBytes)
	}
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			s.logger.WarnContext(ctx, "failed to remove partial blob", "ref", ref, "error", rmErr)
		}
		return "", err
	}

	s.logger.DebugContext(ctx, "blob saved", "ref", ref, "bytes", n)
	return ref, nil
}

// Open implements task.BlobStore.
func (s *Store) Open(ctx context.Context, ref string) ([]byte, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// Delete removes a blob. Missing blobs are not an error.
func (s *Store) Delete(ctx context.Context, ref string) error {
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// resolve maps a reference to a path under root, rejecting anything that is
// not a bare UUID-named file.
func (s *Store) resolve(ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) {
		return "", ErrInvalidRef
	}
	name := strings.TrimSuffix(ref, filepath.Ext(ref))
	if _, err := uuid.Parse(name); err != nil {
		return "", ErrInvalidRef
	}
	return filepath.Join(s.root, ref), nil
}

func sanitizeExt(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if len(ext) < 2 || len(ext) > 8 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
