package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
)

// File stores blobs as files below a root directory.
type File struct {
	root string
}

// NewFile creates the root directory if needed.
func NewFile(root string) (*File, error) {
	if root == "" {
		return nil, services.Wrap(services.ErrConfiguration, "history", "open blob store", "blob directory is empty", nil)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &File{root: root}, nil
}

// Put writes data atomically and verifies what landed on disk.
func (f *File) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := f.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create blob parent: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("create blob temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	want := sha256.Sum256(data)
	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), bytes.NewReader(data))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if written != int64(len(data)) {
		return "", fmt.Errorf("blob size mismatch: expected %d bytes, wrote %d", len(data), written)
	}
	if !bytes.Equal(hasher.Sum(nil), want[:]) {
		return "", errors.New("blob hash mismatch")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return Ref(key), nil
}

// Get reads the blob behind ref.
func (f *File) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := KeyFromRef(ref)
	if err != nil {
		return nil, err
	}
	path, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", key, services.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (f *File) path(key string) (string, error) {
	if key == "" {
		return "", errors.New("blob key is empty")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(f.root, clean), nil
}
