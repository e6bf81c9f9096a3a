package channels

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blob.bin")
	if err := os.WriteFile(path, make([]byte, size), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIsMediaWithinLimit(t *testing.T) {
	path := writeTempFile(t, 1000)

	if !IsMediaWithinLimit(path, 1000) {
		t.Error("file at exactly the limit should fit")
	}
	if IsMediaWithinLimit(path, 999) {
		t.Error("file over the limit should not fit")
	}
	if !IsMediaWithinLimit(path, 0) {
		t.Error("zero maxBytes should apply the default cap")
	}
	if IsMediaWithinLimit(filepath.Join(t.TempDir(), "missing"), 1000) {
		t.Error("missing file should never fit")
	}
}

func TestDownscaleImageReturnsOriginalWhenSmall(t *testing.T) {
	path := writeTempFile(t, 100)

	got, err := DownscaleImage(path, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if got != path {
		t.Errorf("got %q, want the original path", got)
	}
}

func TestDownscaleImageFailsOnNonImage(t *testing.T) {
	// Oversized but not decodable as an image.
	path := writeTempFile(t, 2000)

	if _, err := DownscaleImage(path, 1000); err == nil {
		t.Error("expected a decode error for non-image data")
	}
}

func TestDownloadFile(t *testing.T) {
	body := strings.Repeat("x", 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "missing.png") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(body))
	}))
	defer srv.Close()

	t.Run("saves within limit", func(t *testing.T) {
		path, err := DownloadFile(context.Background(), srv.URL+"/photo.jpg?size=large", 200)
		if err != nil {
			t.Fatal(err)
		}
		defer os.Remove(path)

		if filepath.Ext(path) != ".jpg" {
			t.Errorf("ext = %q, want .jpg (query string must not leak into it)", filepath.Ext(path))
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != body {
			t.Errorf("saved %d bytes, want %d", len(data), len(body))
		}
	})

	t.Run("rejects oversized body", func(t *testing.T) {
		if _, err := DownloadFile(context.Background(), srv.URL+"/photo.jpg", 99); err == nil {
			t.Error("expected size-limit error")
		}
	})

	t.Run("rejects non-200", func(t *testing.T) {
		if _, err := DownloadFile(context.Background(), srv.URL+"/missing.png", 200); err == nil {
			t.Error("expected status error")
		}
	})

	t.Run("defaults extension", func(t *testing.T) {
		path, err := DownloadFile(context.Background(), srv.URL+"/fileNoExt", 200)
		if err != nil {
			t.Fatal(err)
		}
		defer os.Remove(path)
		if filepath.Ext(path) != ".bin" {
			t.Errorf("ext = %q, want .bin", filepath.Ext(path))
		}
	})
}

func TestIsImagePath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"photo.jpg", true},
		{"photo.JPEG", true},
		{"pic.png", true},
		{"anim.gif", true},
		{"modern.webp", true},
		{"doc.pdf", false},
		{"archive.tar.gz", false},
		{"noext", false},
	}
	for _, tt := range tests {
		if got := IsImagePath(tt.path); got != tt.want {
			t.Errorf("IsImagePath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
