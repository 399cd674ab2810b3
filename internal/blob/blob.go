// Package blob stores downloaded media and hands back retrievable URLs.
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store uploads media bytes and returns a retrievable URL or path.
type Store interface {
	Upload(ctx context.Context, tenantID int64, name string, data []byte, mimetype string) (string, error)
}

// LocalStore writes media under baseDir/tenant-<id>/, one file per message.
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates a filesystem-backed store rooted at baseDir.
func NewLocalStore(baseDir string) *LocalStore {
	return &LocalStore{baseDir: baseDir}
}

// Upload writes the blob and returns its path.
func (s *LocalStore) Upload(ctx context.Context, tenantID int64, name string, data []byte, mimetype string) (string, error) {
	dir := filepath.Join(s.baseDir, fmt.Sprintf("tenant-%d", tenantID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	fileName := sanitizeName(name)
	if ext := extFromMimetype(mimetype); ext != "" && !strings.Contains(fileName, ".") {
		fileName += "." + ext
	}
	path := filepath.Join(dir, fileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}
	return path, nil
}

func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "blob"
	}
	return filepath.Base(name)
}

func extFromMimetype(mimetype string) string {
	switch {
	case strings.Contains(mimetype, "png"):
		return "png"
	case strings.Contains(mimetype, "jpeg"), strings.Contains(mimetype, "jpg"):
		return "jpg"
	case strings.Contains(mimetype, "webp"):
		return "webp"
	case strings.Contains(mimetype, "gif"):
		return "gif"
	case strings.Contains(mimetype, "mp4"):
		return "mp4"
	case strings.Contains(mimetype, "ogg"):
		return "ogg"
	case strings.Contains(mimetype, "mpeg"):
		return "mp3"
	case strings.Contains(mimetype, "pdf"):
		return "pdf"
	default:
		return "bin"
	}
}
