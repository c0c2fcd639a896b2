// Package storage persists image blobs under content-derived paths.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"imghost/internal/config"
)

// ErrNotExist is returned when a blob is missing.
var ErrNotExist = errors.New("blob does not exist")

// Store is a flat blob namespace keyed by slash-separated paths.
// Put on an existing path overwrites it with the same bytes, so writes are idempotent.
type Store interface {
	Put(ctx context.Context, p string, data []byte, contentType string) error
	Get(ctx context.Context, p string) ([]byte, error)
	Exists(ctx context.Context, p string) (bool, error)
	Delete(ctx context.Context, p string) error
}

// New builds the store selected by configuration.
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Type {
	case "local":
		return NewLocalStore(cfg.LocalPath)
	case "minio":
		return NewMinioStore(ctx, cfg.Minio)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// OriginalPath is the content address of an original: originals/<sha[:2]>/<sha>.<ext>.
func OriginalPath(sha256Hex, ext string) string {
	return path.Join("originals", shard(sha256Hex), sha256Hex+"."+ext)
}

// VariantPath places a variant next to its original's hash.
func VariantPath(sha256Hex, variant, ext string) string {
	return path.Join("variants", shard(sha256Hex), sha256Hex, variant+"."+ext)
}

func shard(sha string) string {
	if len(sha) < 2 {
		return "00"
	}
	return sha[:2]
}

// Ext maps an image mime type to its file extension.
func Ext(mime string) string {
	switch mime {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "image/bmp":
		return "bmp"
	}
	if i := strings.IndexByte(mime, '/'); i >= 0 {
		return mime[i+1:]
	}
	return "bin"
}

func cleanPath(p string) (string, error) {
	clean := path.Clean("/" + p)[1:]
	if clean == "" || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid blob path %q", p)
	}
	return clean, nil
}
