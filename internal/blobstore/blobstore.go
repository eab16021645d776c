// Package blobstore holds execution snapshots that are too large to keep
// inline in the history database.
//
// Blobs are addressed by references of the form "blob://<key>". The file
// backend stores them under a directory; the S3 backend stores them in the
// media bucket under a fixed prefix.
package blobstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/awsclient"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/config"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
)

// RefPrefix marks a snapshot value that points at a blob.
const RefPrefix = "blob://"

// Store persists and retrieves opaque blobs.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// IsRef reports whether value is a blob reference.
func IsRef(value string) bool {
	return strings.HasPrefix(value, RefPrefix)
}

// KeyFromRef strips the reference prefix.
func KeyFromRef(ref string) (string, error) {
	if !IsRef(ref) {
		return "", fmt.Errorf("%q is not a blob reference", ref)
	}
	key := strings.TrimPrefix(ref, RefPrefix)
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return key, nil
}

// Ref builds the reference for key.
func Ref(key string) string {
	return RefPrefix + key
}

// FromConfig opens the configured backend.
func FromConfig(cfg *config.Config) (Store, error) {
	switch cfg.History.BlobBackend {
	case config.BlobBackendS3:
		sess, err := awsclient.NewSession(cfg.AWS)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "history", "open blob store", "aws session unavailable", err)
		}
		return NewS3(sess, cfg.AWS.MediaBucket, "history/"), nil
	default:
		return NewFile(cfg.History.BlobDir)
	}
}
