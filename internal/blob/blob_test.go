package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestUploadWritesUnderTenantDir(t *testing.T) {
	base := t.TempDir()
	s := NewLocalStore(base)

	path, err := s.Upload(context.Background(), 7, "photo.jpg", []byte("bytes"), "image/jpeg")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !strings.HasPrefix(path, filepath.Join(base, "tenant-7")) {
		t.Fatalf("path = %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "bytes" {
		t.Fatalf("read back = %q, %v", data, err)
	}
}

func TestUploadAddsExtensionFromMimetype(t *testing.T) {
	s := NewLocalStore(t.TempDir())

	path, err := s.Upload(context.Background(), 1, "WAMID123", []byte("x"), "audio/ogg; codecs=opus")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if filepath.Ext(path) != ".ogg" {
		t.Fatalf("ext = %q", filepath.Ext(path))
	}
}

func TestUploadSanitizesTraversal(t *testing.T) {
	base := t.TempDir()
	s := NewLocalStore(base)

	path, err := s.Upload(context.Background(), 1, "../../etc/passwd", []byte("x"), "application/pdf")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	rel, err := filepath.Rel(base, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		t.Fatalf("path escaped base dir: %q", path)
	}
}
