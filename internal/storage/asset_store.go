package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FileAssetStore keeps downloaded icons on disk under content-addressed names.
// Saving the same bytes twice yields the same reference.
type FileAssetStore struct {
	dir        string
	publicPath string
}

// NewFileAssetStore creates the directory if needed
func NewFileAssetStore(dir, publicPath string) (*FileAssetStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create asset directory %s: %w", dir, err)
	}
	return &FileAssetStore{dir: dir, publicPath: strings.TrimSuffix(publicPath, "/")}, nil
}

// Dir returns the directory assets are written to
func (s *FileAssetStore) Dir() string {
	return s.dir
}

// Save writes data and returns its public reference
func (s *FileAssetStore) Save(ctx context.Context, data []byte, sourceURL, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("refusing to store empty asset from %s", sourceURL)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:16]) + assetExtension(sourceURL, contentType)
	target := filepath.Join(s.dir, name)

	if _, err := os.Stat(target); err == nil {
		return s.publicPath + "/" + name, nil
	}

	tmp, err := os.CreateTemp(s.dir, ".asset-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp asset file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write asset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close asset: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to move asset into place: %w", err)
	}

	return s.publicPath + "/" + name, nil
}

// assetExtension prefers the extension in the source URL, then the content type
func assetExtension(sourceURL, contentType string) string {
	if u, err := url.Parse(sourceURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); ext != "" && len(ext) <= 5 {
			return ext
		}
	}
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			switch mediaType {
			case "image/jpeg":
				return ".jpg"
			case "image/png":
				return ".png"
			case "image/webp":
				return ".webp"
			}
			if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
				return exts[0]
			}
		}
	}
	return ".bin"
}
